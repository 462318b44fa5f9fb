// Package coordinator is the trigger, query and cancel facade over graph
// construction, rebuild decisions, scheduling and the status machine.
package coordinator

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/buildcoord/internal/decision"
	"git.home.luguber.info/inful/buildcoord/internal/executor"
	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/graph"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/metrics"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/notify"
	"git.home.luguber.info/inful/buildcoord/internal/scheduler"
	"git.home.luguber.info/inful/buildcoord/internal/status"
	"git.home.luguber.info/inful/buildcoord/internal/store"
)

// Config tunes a Coordinator.
type Config struct {
	Scheduler    scheduler.Config
	EventBacklog int
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Revisions graph.RevisionSource
	Store     store.Store
	Executor  executor.Executor

	// Optional.
	Recorder metrics.Recorder
	Logger   *slog.Logger
	Clock    func() time.Time
}

// BuildRequest triggers one configuration and, unless SkipDependencies is
// set, everything it depends on.
type BuildRequest struct {
	ConfigurationID  int              `json:"configuration_id"`
	Revision         int              `json:"revision,omitempty"` // zero means latest
	Class            model.BuildClass `json:"build_class"`
	Force            bool             `json:"force,omitempty"`
	SkipDependencies bool             `json:"skip_dependencies,omitempty"`
}

// GroupRequest triggers every member of a group configuration.
type GroupRequest struct {
	GroupConfigurationID int              `json:"group_configuration_id"`
	RevisionOverrides    map[int]int      `json:"revision_overrides,omitempty"`
	Class                model.BuildClass `json:"build_class"`
	Force                bool             `json:"force,omitempty"`
	SkipDependencies     bool             `json:"skip_dependencies,omitempty"`
}

// Coordinator owns one dispatcher, status machine and scheduler.
type Coordinator struct {
	store      store.Store
	dispatcher *notify.Dispatcher
	machine    *status.Machine
	builder    *graph.Builder
	engine     *decision.Engine
	sched      *scheduler.Scheduler
	logger     *slog.Logger
}

// New wires a Coordinator. Call Start before triggering.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Revisions == nil:
		return nil, errors.ValidationError("coordinator requires a revision source").Build()
	case deps.Store == nil:
		return nil, errors.ValidationError("coordinator requires a record store").Build()
	case deps.Executor == nil:
		return nil, errors.ValidationError("coordinator requires an executor").Build()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}

	dopts := []notify.Option{notify.WithRecorder(recorder), notify.WithLogger(logger)}
	if cfg.EventBacklog > 0 {
		dopts = append(dopts, notify.WithBacklog(cfg.EventBacklog))
	}
	dispatcher := notify.NewDispatcher(dopts...)

	mopts := []status.Option{status.WithRecorder(recorder), status.WithLogger(logger)}
	if deps.Clock != nil {
		mopts = append(mopts, status.WithClock(deps.Clock))
	}
	machine := status.New(deps.Store, dispatcher, mopts...)

	return &Coordinator{
		store:      deps.Store,
		dispatcher: dispatcher,
		machine:    machine,
		builder:    graph.NewBuilder(deps.Revisions, logger),
		engine:     decision.NewEngine(deps.Store, recorder, logger),
		sched:      scheduler.New(deps.Store, machine, deps.Executor, cfg.Scheduler, recorder, logger),
		logger:     logger,
	}, nil
}

// Dispatcher returns the notification dispatcher all transitions go through.
func (c *Coordinator) Dispatcher() *notify.Dispatcher { return c.dispatcher }

// Start settles records orphaned by a previous process.
func (c *Coordinator) Start(ctx context.Context) error {
	n, err := c.sched.Recover(ctx)
	if err != nil {
		return errors.WrapError(err, errors.CategoryDaemon, "failed to recover orphaned builds").Build()
	}
	c.logger.Info("Coordinator started", slog.Int("recovered", n))
	return nil
}

// Stop cancels in-flight builds, then drains the dispatcher.
func (c *Coordinator) Stop(ctx context.Context) error {
	serr := c.sched.Stop(ctx)
	derr := c.dispatcher.Close(ctx)
	return stderrors.Join(serr, derr)
}

// ResolveGraph expands req without deciding or recording anything.
func (c *Coordinator) ResolveGraph(ctx context.Context, req graph.Request) (*graph.Graph, error) {
	return c.builder.Build(ctx, req)
}

// TriggerBuild plans and submits a direct trigger and returns the id of the
// record representing the requested configuration. Graph and decision
// errors are returned before any record exists.
func (c *Coordinator) TriggerBuild(ctx context.Context, req BuildRequest) (string, error) {
	if req.ConfigurationID <= 0 {
		return "", errors.ValidationError("configuration id must be positive").
			WithContext("configuration_id", req.ConfigurationID).
			Build()
	}
	if err := validateClass(req.Class); err != nil {
		return "", err
	}
	assignments, err := c.run(ctx, graph.Request{
		ConfigurationID:  req.ConfigurationID,
		Revision:         req.Revision,
		Class:            req.Class,
		SkipDependencies: req.SkipDependencies,
	}, req.Force)
	if err != nil {
		return "", err
	}
	a := assignments[req.ConfigurationID]
	c.logger.Info("Build triggered",
		logfields.BuildID(a.BuildID),
		logfields.ConfigurationID(req.ConfigurationID),
		logfields.BuildClass(string(req.Class)),
		logfields.Verdict(string(a.Verdict)),
		slog.Bool("forced", req.Force),
		slog.Int("nodes", len(assignments)))
	return a.BuildID, nil
}

// TriggerGroupBuild plans and submits every member of a group and returns
// the group build id. Every graph node, dependencies included, is a member.
func (c *Coordinator) TriggerGroupBuild(ctx context.Context, req GroupRequest) (string, error) {
	if req.GroupConfigurationID <= 0 {
		return "", errors.ValidationError("group configuration id must be positive").
			WithContext("group_configuration_id", req.GroupConfigurationID).
			Build()
	}
	if err := validateClass(req.Class); err != nil {
		return "", err
	}
	assignments, err := c.run(ctx, graph.Request{
		GroupConfigurationID: req.GroupConfigurationID,
		RevisionOverrides:    req.RevisionOverrides,
		Class:                req.Class,
		SkipDependencies:     req.SkipDependencies,
	}, req.Force)
	if err != nil {
		return "", err
	}

	members := make([]string, 0, len(assignments))
	for _, a := range assignments {
		members = append(members, a.BuildID)
	}
	slices.Sort(members)
	members = slices.Compact(members)

	// Members are stored with the group so no partial membership is ever
	// visible to a recompute.
	g := &model.GroupBuildRecord{
		ID:                   uuid.NewString(),
		GroupConfigurationID: req.GroupConfigurationID,
		Class:                req.Class,
		Status:               model.StatusNew,
		Forced:               req.Force,
		Members:              members,
		StartTime:            c.machine.Now(),
	}
	if err := c.store.CreateGroupBuild(context.WithoutCancel(ctx), g); err != nil {
		c.abandon(ctx, assignments)
		return "", errors.WrapError(err, errors.GetCategory(err), "failed to record group build").
			WithContext("group_configuration_id", req.GroupConfigurationID).
			Build()
	}
	if _, err := c.machine.RecomputeGroup(context.WithoutCancel(ctx), g.ID); err != nil {
		c.logger.Error("Failed to evaluate new group build", logfields.GroupBuildID(g.ID), logfields.Error(err))
	}
	c.logger.Info("Group build triggered",
		logfields.GroupBuildID(g.ID),
		logfields.GroupConfigID(req.GroupConfigurationID),
		logfields.BuildClass(string(req.Class)),
		slog.Bool("forced", req.Force),
		slog.Int("members", len(members)))
	return g.ID, nil
}

// abandon cancels the builds a failed group trigger launched itself. Builds
// it only attached to belong to other triggers and keep running.
func (c *Coordinator) abandon(ctx context.Context, assignments map[int]scheduler.Assignment) {
	cctx := context.WithoutCancel(ctx)
	for _, a := range assignments {
		if a.Attached || a.Verdict != decision.Run {
			continue
		}
		if _, _, err := c.sched.Cancel(cctx, a.BuildID); err != nil {
			c.logger.Error("Failed to cancel build of abandoned group trigger",
				logfields.BuildID(a.BuildID), logfields.Error(err))
		}
	}
}

func (c *Coordinator) run(ctx context.Context, req graph.Request, force bool) (map[int]scheduler.Assignment, error) {
	g, err := c.builder.Build(ctx, req)
	if err != nil {
		return nil, err
	}
	decisions, err := c.engine.Decide(ctx, g, decision.Options{Force: force})
	if err != nil {
		return nil, err
	}
	return c.sched.Submit(ctx, scheduler.Plan{Graph: g, Decisions: decisions, Force: force})
}

func validateClass(class model.BuildClass) error {
	if !class.Valid() {
		return errors.ValidationError("invalid build class").
			WithContext("build_class", string(class)).
			Build()
	}
	return nil
}
