package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/coordinator"
	"git.home.luguber.info/inful/buildcoord/internal/executor"
	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// TriggerCmd implements the 'trigger' command.
//
// Without --server the build runs in this process against the configured
// record store, so the command always waits for it to settle. With --server
// the request goes to a running daemon and --wait decides whether to block.
type TriggerCmd struct {
	ConfigID         int           `name:"config-id" required:"" help:"Configuration id (group configuration id with --group)"`
	Group            bool          `help:"Treat --config-id as a group configuration id"`
	Revision         int           `help:"Revision to build; defaults to the latest"`
	Class            string        `help:"Build class (temporary, persistent)" default:"persistent"`
	Force            bool          `help:"Rebuild even when an up-to-date result exists"`
	SkipDependencies bool          `name:"skip-dependencies" help:"Build only the requested configurations"`
	Wait             bool          `help:"Wait for the build to finish when using --server"`
	Server           string        `help:"Base URL of a running daemon, e.g. http://localhost:8090"`
	Timeout          time.Duration `help:"Give up waiting after this long (0 waits indefinitely)" default:"0s"`

	exec executor.Executor
}

func (t *TriggerCmd) Run(g *Global, root *CLI) error {
	class, err := model.ParseBuildClass(t.Class)
	if err != nil {
		return errors.ValidationError("unknown build class").WithContext("class", t.Class).Build()
	}
	if t.Group && t.Revision > 0 {
		return errors.ValidationError("--revision cannot be combined with --group").Build()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if t.Timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, t.Timeout)
		defer tcancel()
	}

	if t.Server != "" {
		return t.runRemote(ctx, root.stdout(), class)
	}

	cfg, err := root.loadConfig(g)
	if err != nil {
		return err
	}
	rt, err := openLocalRuntime(ctx, cfg, t.exec, g.Logger)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Coordinator.CancelTimeout+5*time.Second)
		defer stopCancel()
		_ = rt.close(stopCtx)
	}()

	if t.Group {
		id, err := rt.coord.TriggerGroupBuild(ctx, t.groupRequest(class))
		if err != nil {
			return err
		}
		grp, err := rt.coord.WaitForGroup(ctx, id)
		if err != nil {
			return err
		}
		return report(root.stdout(), grp, grp.Status)
	}

	id, err := rt.coord.TriggerBuild(ctx, t.buildRequest(class))
	if err != nil {
		return err
	}
	rec, err := rt.coord.WaitForBuild(ctx, id)
	if err != nil {
		return err
	}
	return report(root.stdout(), rec, rec.Status)
}

func (t *TriggerCmd) buildRequest(class model.BuildClass) coordinator.BuildRequest {
	return coordinator.BuildRequest{
		ConfigurationID:  t.ConfigID,
		Revision:         t.Revision,
		Class:            class,
		Force:            t.Force,
		SkipDependencies: t.SkipDependencies,
	}
}

func (t *TriggerCmd) groupRequest(class model.BuildClass) coordinator.GroupRequest {
	return coordinator.GroupRequest{
		GroupConfigurationID: t.ConfigID,
		Class:                class,
		Force:                t.Force,
		SkipDependencies:     t.SkipDependencies,
	}
}

// report prints v as JSON and fails unless status is a successful outcome.
func report(out io.Writer, v any, status model.BuildStatus) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to encode result").Build()
	}
	switch status {
	case model.StatusSuccess, model.StatusNoRebuildRequired:
		return nil
	default:
		return errors.ExecutorError(fmt.Sprintf("build finished %s", status)).
			WithContext("status", string(status)).
			Build()
	}
}
