package commands

import (
	"context"
	stderrors "errors"
	"log/slog"

	"git.home.luguber.info/inful/buildcoord/internal/config"
	"git.home.luguber.info/inful/buildcoord/internal/coordinator"
	"git.home.luguber.info/inful/buildcoord/internal/daemon"
	"git.home.luguber.info/inful/buildcoord/internal/eventstore"
	"git.home.luguber.info/inful/buildcoord/internal/executor"
	"git.home.luguber.info/inful/buildcoord/internal/revision"
	"git.home.luguber.info/inful/buildcoord/internal/scheduler"
	"git.home.luguber.info/inful/buildcoord/internal/store"
)

// loadRevisions reads the definitions file into a fresh revision store.
func loadRevisions(cfg *config.Config) (*revision.MemoryStore, error) {
	defs, err := revision.LoadDefinitions(cfg.Revisions.Definitions)
	if err != nil {
		return nil, err
	}
	revs := revision.NewMemoryStore()
	if _, err := revs.Apply(defs); err != nil {
		return nil, err
	}
	return revs, nil
}

// localRuntime is an in-process coordinator over the configured stores.
type localRuntime struct {
	coord   *coordinator.Coordinator
	records store.Store
	events  eventstore.Store
	sink    *eventstore.Sink
}

func openLocalRuntime(ctx context.Context, cfg *config.Config, exec executor.Executor, logger *slog.Logger) (*localRuntime, error) {
	revs, err := loadRevisions(cfg)
	if err != nil {
		return nil, err
	}
	records, err := daemon.OpenRecordStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	rt := &localRuntime{records: records}

	if exec == nil {
		exec = executor.NewLocal(cfg.Executor.Workspace, logger, executor.WithShell(cfg.Executor.Shell))
	}
	rt.coord, err = coordinator.New(coordinator.Config{
		Scheduler: scheduler.Config{
			MaxConcurrent:  cfg.Coordinator.MaxConcurrentBuilds,
			DefaultTimeout: cfg.Coordinator.DefaultBuildTimeout,
			CancelTimeout:  cfg.Coordinator.CancelTimeout,
		},
		EventBacklog: cfg.Coordinator.EventBacklog,
	}, coordinator.Deps{Revisions: revs, Store: records, Executor: exec, Logger: logger})
	if err != nil {
		_ = records.Close()
		return nil, err
	}

	if cfg.History.Path != "" {
		if rt.events, err = eventstore.NewSQLiteStore(cfg.History.Path); err != nil {
			_ = records.Close()
			return nil, err
		}
		rt.sink = eventstore.NewSink(rt.events, nil, logger)
		if err := rt.sink.Attach(rt.coord.Dispatcher()); err != nil {
			_ = rt.close(ctx)
			return nil, err
		}
	}

	if err := rt.coord.Start(ctx); err != nil {
		_ = rt.close(ctx)
		return nil, err
	}
	return rt, nil
}

func (rt *localRuntime) close(ctx context.Context) error {
	errs := []error{rt.coord.Stop(ctx)}
	if rt.sink != nil {
		rt.sink.Detach()
	}
	if rt.events != nil {
		errs = append(errs, rt.events.Close())
	}
	errs = append(errs, rt.records.Close())
	return stderrors.Join(errs...)
}
