package status

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/notify"
	"git.home.luguber.info/inful/buildcoord/internal/store"
)

type capture struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capture) Publish(evt notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *capture) ofKind(kind notify.Kind) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, e := range c.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newRecord(cfg int) *model.BuildRecord {
	return &model.BuildRecord{
		ID:              uuid.NewString(),
		ConfigurationID: cfg,
		Revision:        1,
		Class:           model.ClassTemporary,
		Status:          model.StatusNew,
		SubmitTime:      time.Now(),
	}
}

func walk(t *testing.T, m *Machine, id string, path ...model.BuildStatus) *model.BuildRecord {
	t.Helper()
	var rec *model.BuildRecord
	from := model.StatusNew
	for _, to := range path {
		var applied bool
		var err error
		rec, applied, err = m.Transition(t.Context(), id, store.Transition{From: from, To: to})
		require.NoError(t, err)
		require.True(t, applied, "%s -> %s not applied", from, to)
		from = to
	}
	return rec
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.BuildStatus
		want     bool
	}{
		{model.StatusNew, model.StatusWaitingForDependencies, true},
		{model.StatusNew, model.StatusNoRebuildRequired, true},
		{model.StatusNew, model.StatusRunning, false},
		{model.StatusWaitingForDependencies, model.StatusEnqueued, true},
		{model.StatusWaitingForDependencies, model.StatusSuccess, false},
		{model.StatusEnqueued, model.StatusRunning, true},
		{model.StatusRunning, model.StatusSuccess, true},
		{model.StatusRunning, model.StatusRejected, false},
		{model.StatusSuccess, model.StatusFailed, false},
		{model.StatusCancelled, model.StatusRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition_FullLifecyclePublishesEachStep(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capture{}
	m := New(st, pub)

	rec := newRecord(1)
	_, err := m.Create(t.Context(), rec)
	require.NoError(t, err)

	final := walk(t, m, rec.ID,
		model.StatusWaitingForDependencies, model.StatusEnqueued, model.StatusRunning, model.StatusSuccess)
	require.Equal(t, model.StatusSuccess, final.Status)
	require.NotNil(t, final.StartTime)
	require.NotNil(t, final.DependencyClosure)
	require.NotNil(t, final.EndTime)

	events := pub.ofKind(notify.KindBuildStatusChanged)
	require.Len(t, events, 4)
	require.Equal(t, model.StatusNew, events[0].OldStatus)
	require.Equal(t, model.StatusSuccess, events[3].NewStatus)
	require.Equal(t, rec.ID, events[3].EntityID)
}

func TestTransition_InvalidIsRejected(t *testing.T) {
	m := New(store.NewMemoryStore(), nil)
	rec := newRecord(1)
	_, err := m.Create(t.Context(), rec)
	require.NoError(t, err)

	_, _, err = m.Transition(t.Context(), rec.ID, store.Transition{From: model.StatusNew, To: model.StatusSuccess})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransition_TerminalNeverChanges(t *testing.T) {
	m := New(store.NewMemoryStore(), nil)
	rec := newRecord(1)
	_, err := m.Create(t.Context(), rec)
	require.NoError(t, err)
	walk(t, m, rec.ID, model.StatusCancelled)

	cur, applied, err := m.Settle(t.Context(), rec.ID, model.StatusSystemError, "late")
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, model.StatusCancelled, cur.Status)
}

func TestTransition_RejectionRacesOutcomeExactlyOneWins(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capture{}
	m := New(st, pub)

	rec := newRecord(1)
	_, err := m.Create(t.Context(), rec)
	require.NoError(t, err)
	walk(t, m, rec.ID, model.StatusWaitingForDependencies)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, to := range []model.BuildStatus{model.StatusEnqueued, model.StatusRejected} {
		wg.Add(1)
		go func(to model.BuildStatus) {
			defer wg.Done()
			_, applied, err := m.Transition(context.Background(), rec.ID,
				store.Transition{From: model.StatusWaitingForDependencies, To: to})
			if err != nil {
				t.Errorf("transition: %v", err)
			}
			if applied {
				wins.Add(1)
			}
		}(to)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.Len(t, pub.ofKind(notify.KindBuildStatusChanged), 2)
}

func TestCreateSettled_PublishesFromNew(t *testing.T) {
	pub := &capture{}
	var settled atomic.Int32
	m := New(store.NewMemoryStore(), pub)
	m.OnSettled(func(rec *model.BuildRecord) {
		if rec.Status == model.StatusNoRebuildRequired {
			settled.Add(1)
		}
	})

	ref := time.Now().Add(-time.Hour)
	rec := newRecord(1)
	rec.Status = model.StatusNoRebuildRequired
	rec.NoRebuildCause = "earlier"
	rec.ResultTime = model.TimePtr(ref)

	created, err := m.CreateSettled(t.Context(), rec)
	require.NoError(t, err)
	require.Equal(t, ref, *created.ResultTime)
	require.Equal(t, int32(1), settled.Load())

	events := pub.ofKind(notify.KindBuildStatusChanged)
	require.Len(t, events, 1)
	require.Equal(t, model.StatusNew, events[0].OldStatus)
	require.Equal(t, model.StatusNoRebuildRequired, events[0].NewStatus)

	rec2 := newRecord(2)
	rec2.Status = model.StatusRunning
	_, err = m.CreateSettled(t.Context(), rec2)
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

func TestRecomputeGroup_TerminalOnlyWhenAllMembersAre(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capture{}
	m := New(st, pub)
	ctx := t.Context()

	a, b := newRecord(1), newRecord(2)
	for _, r := range []*model.BuildRecord{a, b} {
		_, err := m.Create(ctx, r)
		require.NoError(t, err)
	}
	g := &model.GroupBuildRecord{
		ID:                   uuid.NewString(),
		GroupConfigurationID: 10,
		Class:                model.ClassTemporary,
		Status:               model.StatusNew,
		StartTime:            time.Now(),
	}
	require.NoError(t, st.CreateGroupBuild(ctx, g))
	require.NoError(t, st.AddGroupMember(ctx, g.ID, a.ID))
	require.NoError(t, st.AddGroupMember(ctx, g.ID, b.ID))

	got, err := m.RecomputeGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, got.Status)

	walk(t, m, a.ID, model.StatusWaitingForDependencies, model.StatusEnqueued, model.StatusRunning, model.StatusFailed)
	got, err = st.GetGroupBuild(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, got.Status)

	live, err := m.CurrentGroupStatus(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, live)

	walk(t, m, b.ID, model.StatusRejected)
	got, err = st.GetGroupBuild(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.EndTime)

	groupEvents := pub.ofKind(notify.KindGroupBuildStatusChanged)
	require.Len(t, groupEvents, 2)
	require.Equal(t, model.StatusRunning, groupEvents[0].NewStatus)
	require.Equal(t, model.StatusFailed, groupEvents[1].NewStatus)
	require.Equal(t, 10, groupEvents[1].GroupConfigurationID)
}

func TestSettle_FromAnyNonTerminal(t *testing.T) {
	m := New(store.NewMemoryStore(), nil)
	rec := newRecord(1)
	_, err := m.Create(t.Context(), rec)
	require.NoError(t, err)
	walk(t, m, rec.ID, model.StatusWaitingForDependencies, model.StatusEnqueued, model.StatusRunning)

	// REJECTED is not reachable from RUNNING.
	_, applied, err := m.Settle(t.Context(), rec.ID, model.StatusRejected, "")
	require.NoError(t, err)
	require.False(t, applied)

	got, applied, err := m.Settle(t.Context(), rec.ID, model.StatusSystemError, "coordinator restarted")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "coordinator restarted", got.Message)
}
