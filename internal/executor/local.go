package executor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/git"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/workspace"
)

const (
	defaultShell = "/bin/sh"
	outputTail   = 4096
	waitDelay    = 5 * time.Second
)

// Checkouter fetches sources into a directory.
type Checkouter interface {
	Checkout(ctx context.Context, dir, url, revision string) (string, error)
}

// Local runs build scripts with a shell on this host, after checking out
// the revision's source when it names one.
type Local struct {
	workspace string
	shell     string
	git       Checkouter
	logger    *slog.Logger
}

// LocalOption configures Local.
type LocalOption func(*Local)

// WithShell sets the shell used for scripts.
func WithShell(shell string) LocalOption {
	return func(l *Local) {
		if shell != "" {
			l.shell = shell
		}
	}
}

// WithCheckouter replaces the git client.
func WithCheckouter(c Checkouter) LocalOption {
	return func(l *Local) { l.git = c }
}

// NewLocal creates a Local executor rooted at workspaceDir.
func NewLocal(workspaceDir string, logger *slog.Logger, opts ...LocalOption) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Local{
		workspace: workspaceDir,
		shell:     defaultShell,
		git:       git.NewClient(git.AuthFromEnv(), logger),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins job in the background.
func (l *Local) Start(ctx context.Context, job Job) (Handle, error) {
	return Func(l.run).Start(ctx, job)
}

func (l *Local) run(ctx context.Context, job Job) Outcome {
	rev := job.Revision
	ws := workspace.ForBuild(l.workspace, job.Class, rev.ConfigurationID, job.BuildID)
	if err := ws.Create(); err != nil {
		return Outcome{Status: model.StatusSystemError, Message: err.Error()}
	}
	defer func() {
		if err := ws.Cleanup(); err != nil {
			l.logger.Warn("Workspace cleanup failed", logfields.BuildID(job.BuildID), logfields.Error(err))
		}
	}()

	dir := ws.Path()
	if rev.SCMURL != "" {
		src, err := ws.CreateSubdir("src")
		if err != nil {
			return Outcome{Status: model.StatusSystemError, Message: err.Error()}
		}
		if _, err := l.git.Checkout(ctx, src, rev.SCMURL, rev.SCMRevision); err != nil {
			return Outcome{Status: model.StatusSystemError, Message: "checkout: " + err.Error()}
		}
		dir = src
	}

	if strings.TrimSpace(rev.Script) == "" {
		return Outcome{Status: model.StatusSuccess, Message: "no script"}
	}

	out := &tailBuffer{max: outputTail}
	cmd := exec.CommandContext(ctx, l.shell, "-c", rev.Script)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), jobEnv(job)...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	l.logger.Debug("Build script finished",
		logfields.BuildID(job.BuildID),
		logfields.ConfigurationID(rev.ConfigurationID),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())),
		logfields.Error(err))

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return Outcome{Status: model.StatusSuccess}
	case ctx.Err() != nil:
		return Outcome{Status: model.StatusFailed, Message: "interrupted: " + context.Cause(ctx).Error()}
	case stderrors.As(err, &exitErr):
		return Outcome{Status: model.StatusFailed, Message: fmt.Sprintf("%v: %s", err, strings.TrimSpace(out.String()))}
	default:
		return Outcome{Status: model.StatusSystemError, Message: err.Error()}
	}
}

// jobEnv exposes the build's identity and parameters to the script.
func jobEnv(job Job) []string {
	rev := job.Revision
	env := []string{
		"BUILD_ID=" + job.BuildID,
		"BUILD_CLASS=" + string(job.Class),
		"BUILD_CONFIGURATION_ID=" + strconv.Itoa(rev.ConfigurationID),
		"BUILD_CONFIGURATION_NAME=" + rev.Name,
		"BUILD_REVISION=" + strconv.Itoa(rev.Revision),
		"BUILD_ENVIRONMENT=" + rev.Environment,
	}
	keys := make([]string, 0, len(rev.Parameters))
	for k := range rev.Parameters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, "PARAM_"+strings.ToUpper(strings.ReplaceAll(k, "-", "_"))+"="+rev.Parameters[k])
	}
	return env
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
