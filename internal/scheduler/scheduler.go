// Package scheduler admits RUN nodes, releases them to the executor in
// dependency order and drives their records through the status machine.
//
// Every node of a submitted plan gets its own goroutine. A node waits for its
// dependencies' records to settle, then for a slot of the global concurrency
// semaphore, then runs. Any dependency that settles without a usable result
// rejects the node, and the rejection cascades through its dependents the
// same way.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"git.home.luguber.info/inful/buildcoord/internal/decision"
	"git.home.luguber.info/inful/buildcoord/internal/executor"
	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/graph"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/metrics"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/status"
	"git.home.luguber.info/inful/buildcoord/internal/store"
)

// Cancellation causes.
var (
	// ErrCancelled is the cause attached to user-requested cancellation.
	ErrCancelled = errors.NewError(errors.CategoryRuntime, "build cancelled").Build()
	// ErrShutdown is the cause attached when the scheduler stops.
	ErrShutdown = errors.DaemonError("coordinator shutting down").Build()
)

// Defaults for Config fields left zero.
const (
	DefaultMaxConcurrent = 4
	DefaultCancelTimeout = 10 * time.Second
)

// Config tunes a Scheduler.
type Config struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration // zero disables the default timeout
	CancelTimeout  time.Duration
}

// Plan is one trigger's decided graph.
type Plan struct {
	Graph     *graph.Graph
	Decisions *decision.Result
	Force     bool
}

// Assignment tells the caller which record represents a node.
type Assignment struct {
	ConfigurationID int
	BuildID         string
	Verdict         decision.Verdict
	// Attached is set when the node shares another trigger's in-flight record.
	Attached bool
	// Queued is set for forced nodes waiting for the key's current holder;
	// their record is inserted once the key is free.
	Queued bool
}

type nodeRun struct {
	rec    *model.BuildRecord
	node   *graph.Node
	queued bool
}

type activeBuild struct {
	cancel context.CancelCauseFunc
}

// Scheduler runs plans.
type Scheduler struct {
	store    store.Store
	machine  *status.Machine
	registry *Registry
	executor executor.Executor
	sem      *semaphore.Weighted
	cfg      Config
	recorder metrics.Recorder
	logger   *slog.Logger

	base     context.Context
	stopBase context.CancelFunc
	closed   atomic.Bool
	wg       sync.WaitGroup
	running  atomic.Int64

	mu      sync.Mutex
	active  map[string]*activeBuild
	pending map[string]*model.BuildRecord
}

// New creates a Scheduler. recorder and logger may be nil.
func New(st store.Store, machine *status.Machine, exec executor.Executor, cfg Config, recorder metrics.Recorder, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultCancelTimeout
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		store:    st,
		machine:  machine,
		registry: NewRegistry(st, machine),
		executor: exec,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		base:     base,
		stopBase: stop,
		active:   make(map[string]*activeBuild),
		pending:  make(map[string]*model.BuildRecord),
	}
}

// Registry returns the shared keyed registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Submit creates the plan's records and starts driving them. Records exist
// when Submit returns; execution happens in the background. A failure while
// creating records settles the ones already created as SYSTEM_ERROR.
func (s *Scheduler) Submit(ctx context.Context, plan Plan) (map[int]Assignment, error) {
	if s.closed.Load() {
		return nil, ErrShutdown
	}
	now := s.machine.Now()
	assignments := make(map[int]Assignment, plan.Graph.Len())
	var runs []nodeRun

	rollback := func(cause error) {
		rctx := context.WithoutCancel(ctx)
		for _, r := range runs {
			if r.queued {
				s.forgetPending(r.rec.ID)
				continue
			}
			if _, _, err := s.machine.Settle(rctx, r.rec.ID, model.StatusSystemError, "trigger aborted: "+cause.Error()); err != nil {
				s.logger.Error("Failed to roll back build record", logfields.BuildID(r.rec.ID), logfields.Error(err))
			}
		}
	}

	for _, n := range plan.Graph.Nodes() {
		d := plan.Decisions.Get(n.ConfigurationID())
		depIDs := make([]string, 0, len(n.Dependencies))
		for _, dep := range n.Dependencies {
			depIDs = append(depIDs, assignments[dep.ConfigurationID()].BuildID)
		}
		rec := &model.BuildRecord{
			ID:                  uuid.NewString(),
			ConfigurationID:     n.ConfigurationID(),
			Revision:            n.Revision.Revision,
			Class:               n.Class,
			Forced:              plan.Force,
			SubmitTime:          now,
			Dependencies:        depIDs,
			DependencyRevisions: maps.Clone(n.DependencyRevisions),
			Message:             d.Reason,
		}
		a := Assignment{ConfigurationID: n.ConfigurationID(), BuildID: rec.ID, Verdict: d.Verdict}

		if d.Verdict == decision.Skip {
			rec.Status = model.StatusNoRebuildRequired
			rec.ResultTime = model.TimePtr(d.EffectiveTime)
			if d.Reference != nil {
				rec.NoRebuildCause = d.Reference.ID
			}
			if _, err := s.machine.CreateSettled(ctx, rec); err != nil {
				rollback(err)
				return nil, err
			}
			assignments[a.ConfigurationID] = a
			continue
		}

		rec.Status = model.StatusNew
		holder, err := s.registry.Claim(ctx, rec)
		switch {
		case err == nil:
			runs = append(runs, nodeRun{rec: rec, node: n})
		case IsBusy(err) && !plan.Force:
			a.BuildID = holder.ID
			a.Attached = true
			s.logger.Info("Attached to in-flight build",
				logfields.BuildID(holder.ID),
				logfields.ConfigurationID(rec.ConfigurationID),
				logfields.Revision(rec.Revision),
				logfields.BuildClass(string(rec.Class)))
		case IsBusy(err):
			a.Queued = true
			s.addPending(rec)
			runs = append(runs, nodeRun{rec: rec, node: n, queued: true})
		default:
			rollback(err)
			return nil, err
		}
		assignments[a.ConfigurationID] = a
	}

	for _, r := range runs {
		s.launch(r)
	}
	return assignments, nil
}

func (s *Scheduler) launch(r nodeRun) {
	ctx, cancel := context.WithCancelCause(s.base)
	s.mu.Lock()
	s.active[r.rec.ID] = &activeBuild{cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, r.rec.ID)
			s.mu.Unlock()
			cancel(nil)
		}()
		s.runNode(ctx, r)
	}()
}

func (s *Scheduler) runNode(ctx context.Context, r nodeRun) {
	id := r.rec.ID
	if r.queued && !s.awaitKey(ctx, r) {
		return
	}

	if !s.step(ctx, id, model.StatusNew, model.StatusWaitingForDependencies, "") {
		return
	}
	failed, err := s.awaitDependencies(ctx, r.rec.Dependencies)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.abort(ctx, id, model.StatusWaitingForDependencies, err)
		return
	}
	if failed != nil {
		msg := fmt.Sprintf("dependency %d ended %s", failed.ConfigurationID, failed.Status)
		s.step(ctx, id, model.StatusWaitingForDependencies, model.StatusRejected, msg)
		return
	}

	if !s.step(ctx, id, model.StatusWaitingForDependencies, model.StatusEnqueued, "") {
		return
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.abort(ctx, id, model.StatusEnqueued, err)
		return
	}
	defer s.sem.Release(1)
	if ctx.Err() != nil {
		s.abort(ctx, id, model.StatusEnqueued, ctx.Err())
		return
	}

	now := s.machine.Now()
	rec, applied, err := s.machine.Transition(context.WithoutCancel(ctx), id, store.Transition{
		From:              model.StatusEnqueued,
		To:                model.StatusRunning,
		At:                now,
		DependencyClosure: model.TimePtr(now),
	})
	if err != nil {
		s.logger.Error("Failed to start build", logfields.BuildID(id), logfields.Error(err))
		s.settle(id, model.StatusSystemError, err.Error())
		return
	}
	if !applied {
		return
	}
	s.recorder.ObserveQueueWait(now.Sub(rec.SubmitTime))
	s.execute(ctx, r, rec)
}

type unsatisfiedDependency struct{ rec *model.BuildRecord }

func (u *unsatisfiedDependency) Error() string {
	return fmt.Sprintf("dependency %s ended %s", u.rec.ID, u.rec.Status)
}

// awaitDependencies waits for every dependency at once and returns the first
// one that settles without a usable result, or nil when all succeed.
func (s *Scheduler) awaitDependencies(ctx context.Context, ids []string) (*model.BuildRecord, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, depID := range ids {
		g.Go(func() error {
			dep, err := s.registry.Wait(gctx, depID)
			if err != nil {
				return err
			}
			if !dep.Status.Satisfies() {
				return &unsatisfiedDependency{rec: dep}
			}
			return nil
		})
	}
	err := g.Wait()
	var u *unsatisfiedDependency
	if stderrors.As(err, &u) {
		return u.rec, nil
	}
	return nil, err
}

// awaitKey waits until the key is free and inserts the queued record.
func (s *Scheduler) awaitKey(ctx context.Context, r nodeRun) bool {
	defer s.forgetPending(r.rec.ID)
	for {
		holder, err := s.registry.Claim(context.WithoutCancel(ctx), r.rec.Clone())
		if err == nil {
			return true
		}
		if !IsBusy(err) {
			s.createSettled(r.rec, model.StatusSystemError, err.Error())
			return false
		}
		s.logger.Debug("Forced build queued behind in-flight build",
			logfields.BuildID(r.rec.ID),
			slog.String("holder", holder.ID))
		if _, err := s.registry.Wait(ctx, holder.ID); err != nil {
			st, msg := settleFor(ctx, err)
			s.createSettled(r.rec, st, msg)
			return false
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, r nodeRun, rec *model.BuildRecord) {
	n := s.running.Add(1)
	s.recorder.SetRunningBuilds(int(n))
	defer func() {
		s.recorder.SetRunningBuilds(int(s.running.Add(-1)))
	}()

	start := time.Now()
	job := executor.Job{BuildID: rec.ID, Revision: r.node.Revision, Class: rec.Class}
	h, err := s.executor.Start(ctx, job)
	if err != nil {
		s.finish(rec, model.StatusSystemError, "executor start: "+err.Error(), start)
		return
	}

	var timeoutC <-chan time.Time
	timeout := s.timeoutFor(r.node.Revision)
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case o := <-h.Done():
		switch o.Status {
		case model.StatusSuccess, model.StatusFailed, model.StatusSystemError:
			s.finish(rec, o.Status, o.Message, start)
		default:
			s.finish(rec, model.StatusSystemError, fmt.Sprintf("executor reported %q", o.Status), start)
		}
	case <-timeoutC:
		s.stopHandle(rec.ID, h)
		s.finish(rec, model.StatusFailed, fmt.Sprintf("timed out after %s", timeout), start)
	case <-ctx.Done():
		s.stopHandle(rec.ID, h)
		st, msg := settleFor(ctx, nil)
		s.finish(rec, st, msg, start)
	}
}

func (s *Scheduler) finish(rec *model.BuildRecord, to model.BuildStatus, msg string, start time.Time) {
	s.recorder.ObserveBuildDuration(string(rec.Class), time.Since(start))
	_, applied, err := s.machine.Transition(context.Background(), rec.ID, store.Transition{
		From:    model.StatusRunning,
		To:      to,
		Message: msg,
	})
	if err != nil {
		s.logger.Error("Failed to record build outcome", logfields.BuildID(rec.ID), logfields.Status(string(to)), logfields.Error(err))
		return
	}
	if applied {
		s.logger.Info("Build finished",
			logfields.BuildID(rec.ID),
			logfields.ConfigurationID(rec.ConfigurationID),
			logfields.Revision(rec.Revision),
			logfields.BuildClass(string(rec.Class)),
			logfields.Status(string(to)),
			logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	}
}

func (s *Scheduler) stopHandle(id string, h executor.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CancelTimeout)
	defer cancel()
	if err := h.Cancel(ctx); err != nil {
		s.logger.Warn("Executor did not confirm cancellation", logfields.BuildID(id), logfields.Error(err))
	}
}

// step applies one transition and reports whether the node should go on.
func (s *Scheduler) step(ctx context.Context, id string, from, to model.BuildStatus, msg string) bool {
	_, applied, err := s.machine.Transition(context.WithoutCancel(ctx), id, store.Transition{From: from, To: to, Message: msg})
	if err != nil {
		s.logger.Error("Status transition failed", logfields.BuildID(id), logfields.Status(string(to)), logfields.Error(err))
		s.settle(id, model.StatusSystemError, err.Error())
		return false
	}
	return applied
}

// abort settles a node whose wait was interrupted.
func (s *Scheduler) abort(ctx context.Context, id string, from model.BuildStatus, err error) {
	to, msg := settleFor(ctx, err)
	if _, _, terr := s.machine.Transition(context.Background(), id, store.Transition{From: from, To: to, Message: msg}); terr != nil {
		s.logger.Error("Failed to settle interrupted build", logfields.BuildID(id), logfields.Error(terr))
	}
}

func (s *Scheduler) settle(id string, to model.BuildStatus, msg string) {
	if _, _, err := s.machine.Settle(context.Background(), id, to, msg); err != nil {
		s.logger.Error("Failed to settle build", logfields.BuildID(id), logfields.Error(err))
	}
}

func (s *Scheduler) createSettled(rec *model.BuildRecord, to model.BuildStatus, msg string) {
	c := rec.Clone()
	c.Status = to
	c.Message = msg
	if _, err := s.machine.CreateSettled(context.Background(), c); err != nil {
		s.logger.Error("Failed to record queued build", logfields.BuildID(rec.ID), logfields.Error(err))
	}
}

// settleFor maps why a node's context ended onto a terminal status.
func settleFor(ctx context.Context, err error) (model.BuildStatus, string) {
	cause := context.Cause(ctx)
	switch {
	case stderrors.Is(cause, ErrCancelled):
		return model.StatusCancelled, "cancelled"
	case stderrors.Is(cause, ErrShutdown):
		return model.StatusSystemError, ErrShutdown.Error()
	case err != nil:
		return model.StatusSystemError, err.Error()
	default:
		return model.StatusSystemError, "interrupted"
	}
}

func (s *Scheduler) timeoutFor(rev model.Revision) time.Duration {
	raw, ok := rev.Parameters["timeout"]
	if !ok || raw == "" {
		return s.cfg.DefaultTimeout
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		s.logger.Warn("Ignoring invalid timeout parameter",
			logfields.ConfigurationID(rev.ConfigurationID),
			logfields.Revision(rev.Revision),
			slog.String("timeout", raw))
		return s.cfg.DefaultTimeout
	}
	return d
}

func (s *Scheduler) addPending(rec *model.BuildRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[rec.ID] = rec.Clone()
}

func (s *Scheduler) forgetPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// Pending returns a forced record that is queued behind another record of
// its key and not inserted yet.
func (s *Scheduler) Pending(id string) (*model.BuildRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[id]
	return rec.Clone(), ok
}

// Interrupt signals cancellation to every listed build this scheduler
// drives without waiting for them. Cancelling a set before waiting keeps a
// cancelled dependency from rejecting a dependent that is being cancelled
// too.
func (s *Scheduler) Interrupt(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if a := s.active[id]; a != nil {
			a.cancel(ErrCancelled)
		}
	}
}

// Cancel cancels build id and waits, bounded by ctx, for it to settle. Builds
// this scheduler does not drive are settled as CANCELLED directly. applied
// is false when the build had already finished.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*model.BuildRecord, bool, error) {
	if rec, err := s.store.GetBuild(ctx, id); err == nil && rec.Status.IsTerminal() {
		return rec, false, nil
	}
	s.mu.Lock()
	a := s.active[id]
	s.mu.Unlock()

	if a != nil {
		a.cancel(ErrCancelled)
		rec, err := s.registry.Wait(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return rec, rec.Status == model.StatusCancelled, nil
	}
	return s.machine.Settle(ctx, id, model.StatusCancelled, "cancelled")
}

// Wait blocks until build id settles.
func (s *Scheduler) Wait(ctx context.Context, id string) (*model.BuildRecord, error) {
	return s.registry.Wait(ctx, id)
}

// Recover settles records left non-terminal by a previous process as
// SYSTEM_ERROR and closes the groups they belonged to. It must run before
// the first Submit.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	orphans, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range orphans {
		_, applied, err := s.machine.Settle(ctx, rec.ID, model.StatusSystemError, "orphaned by coordinator restart")
		if err != nil {
			return n, err
		}
		if applied {
			n++
		}
	}
	groups, err := s.store.ListActiveGroupBuilds(ctx)
	if err != nil {
		return n, err
	}
	for _, g := range groups {
		if _, err := s.machine.RecomputeGroup(ctx, g.ID); err != nil {
			return n, err
		}
	}
	if n > 0 {
		s.logger.Warn("Recovered orphaned builds", slog.Int("count", n))
	}
	return n, nil
}

// Stop cancels every build still in progress with ErrShutdown and waits for
// their goroutines, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.closed.Store(true)
	s.mu.Lock()
	for _, a := range s.active {
		a.cancel(ErrShutdown)
	}
	s.mu.Unlock()
	s.stopBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapError(ctx.Err(), errors.CategoryDaemon, "scheduler stop timed out").Build()
	}
}
