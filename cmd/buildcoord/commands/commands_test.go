package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildcoord/internal/executor"
	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

const testDefinitions = `configurations:
  - id: 1
    name: lib
    script: "true"
  - id: 2
    name: app
    script: "true"
    dependencies: [1]
groups:
  - id: 10
    name: platform
    configurations: [2]
`

func writeConfig(t *testing.T, defs, extra string) string {
	t.Helper()
	dir := t.TempDir()
	defsPath := filepath.Join(dir, "definitions.yaml")
	require.NoError(t, os.WriteFile(defsPath, []byte(defs), 0o600))
	cfgPath := filepath.Join(dir, "buildcoord.yaml")
	raw := fmt.Sprintf(`version: "1.0"
store:
  driver: memory
revisions:
  definitions: %s
executor:
  workspace: %s
%s`, defsPath, filepath.Join(dir, "ws"), extra)
	require.NoError(t, os.WriteFile(cfgPath, []byte(raw), 0o600))
	return cfgPath
}

// run parses args against a fresh CLI and executes the selected command.
func run(t *testing.T, setup func(*CLI), args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cli := &CLI{out: &out}
	if setup != nil {
		setup(cli)
	}
	parser, err := kong.New(cli, kong.Name("buildcoord"), kong.Vars{"version": "test"})
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	err = kctx.Run(&Global{Logger: slog.Default()}, cli)
	return out.String(), err
}

func succeed(calls *atomic.Int32) executor.Executor {
	return executor.Func(func(context.Context, executor.Job) executor.Outcome {
		calls.Add(1)
		return executor.Outcome{Status: model.StatusSuccess}
	})
}

func TestInit_WritesConfigOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildcoord.yaml")

	out, err := run(t, nil, "--config", path, "init")
	require.NoError(t, err)
	require.Contains(t, out, "initialized successfully")
	require.FileExists(t, path)

	_, err = run(t, nil, "--config", path, "init")
	require.Error(t, err)

	_, err = run(t, nil, "--config", path, "init", "--force")
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		out, err := run(t, nil, "--config", writeConfig(t, testDefinitions, ""), "validate")
		require.NoError(t, err)
		require.Contains(t, out, "OK: 2 configurations, 1 groups")
	})

	t.Run("cycle", func(t *testing.T) {
		defs := `configurations:
  - id: 1
    name: a
    script: "true"
    dependencies: [2]
  - id: 2
    name: b
    script: "true"
    dependencies: [1]
`
		_, err := run(t, nil, "--config", writeConfig(t, defs, ""), "validate")
		require.Error(t, err)
	})

	t.Run("schedule with unknown group", func(t *testing.T) {
		extra := `schedules:
  - name: nightly
    group: 99
    class: temporary
    every: 1h
`
		_, err := run(t, nil, "--config", writeConfig(t, testDefinitions, extra), "validate")
		require.Error(t, err)
		classified, ok := errors.AsClassified(err)
		require.True(t, ok)
		require.Equal(t, errors.CategoryValidation, classified.Category())
	})
}

func TestGraph_PrintsBuildOrder(t *testing.T) {
	cfg := writeConfig(t, testDefinitions, "")

	out, err := run(t, nil, "--config", cfg, "graph", "--config-id", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "[1] lib@1 deps=[]")
	require.Contains(t, lines[1], "[2] app@1 deps=[1] *")

	out, err = run(t, nil, "--config", cfg, "graph", "--config-id", "2", "--skip-dependencies")
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1)

	out, err = run(t, nil, "--config", cfg, "graph", "--group", "--config-id", "10")
	require.NoError(t, err)
	require.Contains(t, out, "app@1")
}

func TestTrigger_Local(t *testing.T) {
	cfg := writeConfig(t, testDefinitions, "")

	t.Run("build", func(t *testing.T) {
		var calls atomic.Int32
		out, err := run(t, func(c *CLI) { c.Trigger.exec = succeed(&calls) },
			"--config", cfg, "trigger", "--config-id", "2")
		require.NoError(t, err)
		require.EqualValues(t, 2, calls.Load())

		var rec model.BuildRecord
		require.NoError(t, json.Unmarshal([]byte(out), &rec))
		require.Equal(t, model.StatusSuccess, rec.Status)
		require.Equal(t, 2, rec.ConfigurationID)
	})

	t.Run("group", func(t *testing.T) {
		var calls atomic.Int32
		out, err := run(t, func(c *CLI) { c.Trigger.exec = succeed(&calls) },
			"--config", cfg, "trigger", "--group", "--config-id", "10", "--class", "temporary")
		require.NoError(t, err)

		var grp model.GroupBuildRecord
		require.NoError(t, json.Unmarshal([]byte(out), &grp))
		require.Equal(t, model.StatusSuccess, grp.Status)
		require.Equal(t, model.ClassTemporary, grp.Class)
	})

	t.Run("failure exits with error", func(t *testing.T) {
		failing := executor.Func(func(context.Context, executor.Job) executor.Outcome {
			return executor.Outcome{Status: model.StatusFailed}
		})
		_, err := run(t, func(c *CLI) { c.Trigger.exec = failing },
			"--config", cfg, "trigger", "--config-id", "1")
		require.Error(t, err)
	})

	t.Run("rejects bad flags", func(t *testing.T) {
		_, err := run(t, nil, "--config", cfg, "trigger", "--config-id", "1", "--class", "weekly")
		require.Error(t, err)
		_, err = run(t, nil, "--config", cfg, "trigger", "--group", "--config-id", "10", "--revision", "1")
		require.Error(t, err)
	})
}

func TestTrigger_Remote(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/builds":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["configuration_id"] == nil {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"bad request","code":"validation"}`))
				return
			}
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"success":true,"data":{"id":"b-1"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/builds/b-1":
			status := model.StatusRunning
			if polls.Add(1) > 1 {
				status = model.StatusSuccess
			}
			_, _ = fmt.Fprintf(w, `{"success":true,"data":{"id":"b-1","status":%q}}`, status)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"group configuration not found","code":"not_found"}`))
		}
	}))
	t.Cleanup(srv.Close)

	t.Run("no wait prints id", func(t *testing.T) {
		out, err := run(t, nil, "trigger", "--config-id", "1", "--server", srv.URL)
		require.NoError(t, err)
		require.Equal(t, "b-1\n", out)
	})

	t.Run("wait polls until terminal", func(t *testing.T) {
		out, err := run(t, nil, "trigger", "--config-id", "1", "--server", srv.URL, "--wait")
		require.NoError(t, err)
		require.Contains(t, out, string(model.StatusSuccess))
		require.GreaterOrEqual(t, polls.Load(), int32(2))
	})

	t.Run("error maps to category", func(t *testing.T) {
		_, err := run(t, nil, "trigger", "--group", "--config-id", "99", "--server", srv.URL)
		require.Error(t, err)
		classified, ok := errors.AsClassified(err)
		require.True(t, ok)
		require.Equal(t, errors.CategoryNotFound, classified.Category())
	})
}
