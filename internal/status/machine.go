// Package status is the only writer of build and group build statuses.
//
// Every change is a compare-and-set against the store. A transition that
// loses its race is reported as not applied and has no side effects. Applied
// transitions are published to the notification dispatcher while the
// entity's lock is held, so subscribers see each entity's transitions in the
// order they were applied.
package status

import (
	"context"
	stderrors "errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/metrics"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/notify"
	"git.home.luguber.info/inful/buildcoord/internal/store"
)

const lockStripes = 64

// settleRetries bounds Settle's CAS loop against a record that keeps moving.
const settleRetries = 8

// Publisher receives applied transitions.
type Publisher interface {
	Publish(evt notify.Event) error
}

// SettledFunc is called after a build record reaches a terminal status.
type SettledFunc func(rec *model.BuildRecord)

// Option configures a Machine.
type Option func(*Machine)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(m *Machine) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// Machine applies status transitions.
type Machine struct {
	store     store.Store
	publisher Publisher
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time

	locks [lockStripes]sync.Mutex

	hooksMu sync.RWMutex
	hooks   []SettledFunc
}

// New creates a Machine. publisher may be nil.
func New(st store.Store, publisher Publisher, opts ...Option) *Machine {
	m := &Machine{
		store:     st,
		publisher: publisher,
		recorder:  metrics.NoopRecorder{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnSettled registers fn to run after every terminal build transition.
func (m *Machine) OnSettled(fn SettledFunc) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Now returns the machine's clock reading.
func (m *Machine) Now() time.Time { return m.now() }

func (m *Machine) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &m.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Create inserts a NEW record. When another non-terminal record holds the
// key, the holder is returned with store.ErrActiveRecordExists.
func (m *Machine) Create(ctx context.Context, rec *model.BuildRecord) (*model.BuildRecord, error) {
	if rec.Status != model.StatusNew {
		return nil, ErrInvalidTransition.WithContext("to", string(rec.Status))
	}
	return m.store.CreateBuild(ctx, rec)
}

// CreateSettled inserts a record that is terminal from birth, such as a
// NO_REBUILD_REQUIRED skip, and publishes it as a transition out of NEW.
func (m *Machine) CreateSettled(ctx context.Context, rec *model.BuildRecord) (*model.BuildRecord, error) {
	if !rec.Status.IsTerminal() || !CanTransition(model.StatusNew, rec.Status) {
		return nil, ErrInvalidTransition.WithContext("from", string(model.StatusNew)).WithContext("to", string(rec.Status))
	}
	now := m.now()
	if rec.SubmitTime.IsZero() {
		rec.SubmitTime = now
	}
	if rec.EndTime == nil {
		rec.EndTime = model.TimePtr(now)
	}
	if rec.ResultTime == nil {
		rec.ResultTime = model.TimePtr(now)
	}

	unlock := m.lock(rec.ID)
	created, err := m.store.CreateBuild(ctx, rec)
	if err != nil {
		unlock()
		return nil, err
	}
	m.publishBuild(created, model.StatusNew)
	unlock()

	m.settled(ctx, created)
	return created, nil
}

// Transition applies tr to build id. applied is false when the record was
// not in tr.From; the returned record then reflects its current state.
func (m *Machine) Transition(ctx context.Context, id string, tr store.Transition) (*model.BuildRecord, bool, error) {
	if !CanTransition(tr.From, tr.To) {
		return nil, false, ErrInvalidTransition.
			WithContext("build_id", id).
			WithContext("from", string(tr.From)).
			WithContext("to", string(tr.To))
	}
	if tr.At.IsZero() {
		tr.At = m.now()
	}

	unlock := m.lock(id)
	rec, applied, err := m.store.CompareAndSetStatus(ctx, id, tr)
	if err != nil {
		unlock()
		return nil, false, err
	}
	if !applied {
		unlock()
		m.logger.Debug("Status transition lost race",
			logfields.BuildID(id),
			logfields.OldStatus(string(tr.From)),
			logfields.Status(string(tr.To)),
			slog.String("current", string(rec.Status)))
		return rec, false, nil
	}
	m.publishBuild(rec, tr.From)
	unlock()

	if rec.Status.IsTerminal() {
		m.settled(ctx, rec)
	}
	return rec, true, nil
}

// Settle moves a non-terminal build to the terminal status to from
// whatever status it currently holds, when the lifecycle allows it. It
// returns applied=false when the record is already terminal or to is not
// reachable from its current status.
func (m *Machine) Settle(ctx context.Context, id string, to model.BuildStatus, message string) (*model.BuildRecord, bool, error) {
	if !to.IsTerminal() {
		return nil, false, ErrInvalidTransition.WithContext("to", string(to))
	}
	for range settleRetries {
		cur, err := m.store.GetBuild(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if cur.Status.IsTerminal() || !CanTransition(cur.Status, to) {
			return cur, false, nil
		}
		rec, applied, err := m.Transition(ctx, id, store.Transition{From: cur.Status, To: to, Message: message})
		if err != nil || applied {
			return rec, applied, err
		}
	}
	return nil, false, errors.RuntimeError("build status kept changing").
		WithContext("build_id", id).
		WithContext("target", string(to)).
		Build()
}

func (m *Machine) settled(ctx context.Context, rec *model.BuildRecord) {
	m.recorder.IncBuildOutcome(string(rec.Status))

	m.hooksMu.RLock()
	hooks := append([]SettledFunc(nil), m.hooks...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(rec.Clone())
	}

	groups, err := m.store.GroupsForBuild(ctx, rec.ID)
	if err != nil {
		m.logger.Error("Failed to load groups for settled build", logfields.BuildID(rec.ID), logfields.Error(err))
		return
	}
	for _, gid := range groups {
		if _, err := m.RecomputeGroup(ctx, gid); err != nil {
			m.logger.Error("Failed to recompute group status",
				logfields.GroupBuildID(gid),
				logfields.BuildID(rec.ID),
				logfields.Error(err))
		}
	}
}

// RecomputeGroup derives the group's status from its members and applies it.
// A group in NEW moves to RUNNING first. Terminal groups are left untouched.
func (m *Machine) RecomputeGroup(ctx context.Context, groupID string) (*model.GroupBuildRecord, error) {
	unlock := m.lock(groupID)
	defer unlock()

	g, err := m.store.GetGroupBuild(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.Status.IsTerminal() {
		return g, nil
	}

	statuses, err := m.memberStatuses(ctx, g)
	if err != nil {
		return nil, err
	}
	derived := model.DeriveGroupStatus(statuses)

	if g.Status == model.StatusNew {
		g, err = m.transitionGroup(ctx, g, model.StatusRunning)
		if err != nil || g.Status != model.StatusRunning {
			return g, err
		}
	}
	if derived.IsTerminal() {
		g, err = m.transitionGroup(ctx, g, derived)
		if err != nil {
			return nil, err
		}
		if g.Status == derived {
			m.recorder.IncGroupOutcome(string(derived))
			m.logger.Info("Group build finished",
				logfields.GroupBuildID(g.ID),
				logfields.GroupConfigID(g.GroupConfigurationID),
				logfields.Status(string(derived)))
		}
	}
	return g, nil
}

// CurrentGroupStatus derives the group's live status from its members
// without writing anything.
func (m *Machine) CurrentGroupStatus(ctx context.Context, groupID string) (model.BuildStatus, error) {
	g, err := m.store.GetGroupBuild(ctx, groupID)
	if err != nil {
		return "", err
	}
	if g.Status.IsTerminal() || g.Status == model.StatusNew {
		return g.Status, nil
	}
	statuses, err := m.memberStatuses(ctx, g)
	if err != nil {
		return "", err
	}
	return model.DeriveGroupStatus(statuses), nil
}

// memberStatuses reads every member's status. A member whose record is not
// inserted yet (a forced build queued behind another record) counts as NEW.
func (m *Machine) memberStatuses(ctx context.Context, g *model.GroupBuildRecord) ([]model.BuildStatus, error) {
	statuses := make([]model.BuildStatus, 0, len(g.Members))
	for _, id := range g.Members {
		rec, err := m.store.GetBuild(ctx, id)
		switch {
		case stderrors.Is(err, store.ErrNotFound):
			statuses = append(statuses, model.StatusNew)
		case err != nil:
			return nil, err
		default:
			statuses = append(statuses, rec.Status)
		}
	}
	return statuses, nil
}

// transitionGroup expects the caller to hold the group's lock.
func (m *Machine) transitionGroup(ctx context.Context, g *model.GroupBuildRecord, to model.BuildStatus) (*model.GroupBuildRecord, error) {
	if !canTransitionGroup(g.Status, to) {
		return nil, ErrInvalidTransition.
			WithContext("group_build_id", g.ID).
			WithContext("from", string(g.Status)).
			WithContext("to", string(to))
	}
	from := g.Status
	updated, applied, err := m.store.CompareAndSetGroupStatus(ctx, g.ID, from, to, m.now())
	if err != nil {
		return nil, err
	}
	if applied {
		m.publish(notify.Event{
			Kind:                 notify.KindGroupBuildStatusChanged,
			EntityID:             updated.ID,
			OldStatus:            from,
			NewStatus:            updated.Status,
			Timestamp:            m.now(),
			BuildClass:           updated.Class,
			GroupConfigurationID: updated.GroupConfigurationID,
		})
	}
	return updated, nil
}

func (m *Machine) publishBuild(rec *model.BuildRecord, from model.BuildStatus) {
	m.logger.Debug("Build status changed",
		logfields.BuildID(rec.ID),
		logfields.ConfigurationID(rec.ConfigurationID),
		logfields.Revision(rec.Revision),
		logfields.BuildClass(string(rec.Class)),
		logfields.OldStatus(string(from)),
		logfields.Status(string(rec.Status)))
	m.publish(notify.Event{
		Kind:            notify.KindBuildStatusChanged,
		EntityID:        rec.ID,
		OldStatus:       from,
		NewStatus:       rec.Status,
		Timestamp:       m.now(),
		ConfigurationID: rec.ConfigurationID,
		Revision:        rec.Revision,
		BuildClass:      rec.Class,
		Message:         rec.Message,
	})
}

func (m *Machine) publish(evt notify.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(evt); err != nil {
		m.logger.Warn("Failed to publish status event",
			slog.String("entity_id", evt.EntityID),
			logfields.EventKind(string(evt.Kind)),
			logfields.Error(err))
	}
}
