package coordinator

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildcoord/internal/executor"
	ferrors "git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/graph"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/notify"
	"git.home.luguber.info/inful/buildcoord/internal/revision"
	"git.home.luguber.info/inful/buildcoord/internal/scheduler"
	"git.home.luguber.info/inful/buildcoord/internal/store"
)

const (
	dep    = 1
	parent = 2
)

// fakeExecutor runs instantly unless a configuration is blocked or failing.
type fakeExecutor struct {
	mu      sync.Mutex
	fail    map[int]bool
	block   map[int]chan struct{}
	calls   map[int]int
	started chan int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		fail:    make(map[int]bool),
		block:   make(map[int]chan struct{}),
		calls:   make(map[int]int),
		started: make(chan int, 64),
	}
}

func (f *fakeExecutor) run(ctx context.Context, job executor.Job) executor.Outcome {
	id := job.Revision.ConfigurationID
	f.mu.Lock()
	f.calls[id]++
	fail := f.fail[id]
	block := f.block[id]
	f.mu.Unlock()
	f.started <- id

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return executor.Outcome{Status: model.StatusFailed, Message: "interrupted"}
		}
	}
	if fail {
		return executor.Outcome{Status: model.StatusFailed, Message: "exit status 1"}
	}
	return executor.Outcome{Status: model.StatusSuccess}
}

func (f *fakeExecutor) callCount(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fixture struct {
	coord *Coordinator
	st    *store.MemoryStore
	revs  *revision.MemoryStore
	exec  *fakeExecutor
}

func newFixture(t *testing.T, cfg Config, configs ...model.BuildConfiguration) *fixture {
	t.Helper()
	return newFixtureOn(t, cfg, nil, configs...)
}

// newFixtureOn lets wrap decorate the memory store handed to the coordinator.
func newFixtureOn(t *testing.T, cfg Config, wrap func(*store.MemoryStore) store.Store, configs ...model.BuildConfiguration) *fixture {
	t.Helper()
	f := &fixture{
		st:   store.NewMemoryStore(),
		revs: revision.NewMemoryStore(),
		exec: newFakeExecutor(),
	}
	for _, c := range configs {
		_, _, err := f.revs.Put(c)
		require.NoError(t, err)
	}
	var st store.Store = f.st
	if wrap != nil {
		st = wrap(f.st)
	}
	coord, err := New(cfg, Deps{Revisions: f.revs, Store: st, Executor: executor.Func(f.exec.run)})
	require.NoError(t, err)
	require.NoError(t, coord.Start(t.Context()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
	})
	f.coord = coord
	return f
}

func conf(id int, deps ...int) model.BuildConfiguration {
	return model.BuildConfiguration{ID: id, Name: "c", Script: "true", Dependencies: deps}
}

func (f *fixture) trigger(t *testing.T, req BuildRequest) *model.BuildRecord {
	t.Helper()
	id, err := f.coord.TriggerBuild(t.Context(), req)
	require.NoError(t, err)
	return f.wait(t, id)
}

func (f *fixture) wait(t *testing.T, id string) *model.BuildRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	rec, err := f.coord.WaitForBuild(ctx, id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) waitGroup(t *testing.T, id string) *model.GroupBuildRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	g, err := f.coord.WaitForGroup(ctx, id)
	require.NoError(t, err)
	return g
}

func TestBuildClassIsolation(t *testing.T) {
	f := newFixture(t, Config{}, conf(dep), conf(parent, dep))

	first := f.trigger(t, BuildRequest{ConfigurationID: parent, Class: model.ClassTemporary})
	require.Equal(t, model.StatusSuccess, first.Status)
	require.Len(t, first.Dependencies, 1)
	require.Equal(t, model.StatusSuccess, f.wait(t, first.Dependencies[0]).Status)

	persistent := f.trigger(t, BuildRequest{ConfigurationID: dep, Class: model.ClassPersistent})
	require.Equal(t, model.StatusSuccess, persistent.Status)

	again := f.trigger(t, BuildRequest{ConfigurationID: parent, Class: model.ClassTemporary})
	require.Equal(t, model.StatusNoRebuildRequired, again.Status)
	require.Equal(t, first.ID, again.NoRebuildCause)

	require.Equal(t, 1, f.exec.callCount(parent))
	require.Equal(t, 2, f.exec.callCount(dep))
}

func TestCascadingRejection(t *testing.T) {
	f := newFixture(t, Config{}, conf(dep), conf(parent, dep), conf(3, parent))
	f.exec.fail[dep] = true

	top := f.trigger(t, BuildRequest{ConfigurationID: 3, Class: model.ClassTemporary})
	require.Equal(t, model.StatusRejected, top.Status)

	mid := f.wait(t, top.Dependencies[0])
	require.Equal(t, model.StatusRejected, mid.Status)
	require.Nil(t, mid.StartTime)
	require.Equal(t, model.StatusFailed, f.wait(t, mid.Dependencies[0]).Status)

	require.Zero(t, f.exec.callCount(parent))
	require.Zero(t, f.exec.callCount(3))
}

func TestForceOverridesSkip(t *testing.T) {
	f := newFixture(t, Config{}, conf(dep))

	first := f.trigger(t, BuildRequest{ConfigurationID: dep, Class: model.ClassPersistent})
	require.Equal(t, model.StatusSuccess, first.Status)

	skipped := f.trigger(t, BuildRequest{ConfigurationID: dep, Class: model.ClassPersistent})
	require.Equal(t, model.StatusNoRebuildRequired, skipped.Status)

	forced := f.trigger(t, BuildRequest{ConfigurationID: dep, Class: model.ClassPersistent, Force: true})
	require.Equal(t, model.StatusSuccess, forced.Status)
	require.True(t, forced.Forced)
	require.Equal(t, 2, f.exec.callCount(dep))
}

func TestDiamondCollapse(t *testing.T) {
	// A=4 -> {B=2, C=3}, B -> D=1, C -> D
	f := newFixture(t, Config{}, conf(1), conf(2, 1), conf(3, 1), conf(4, 2, 3))

	top := f.trigger(t, BuildRequest{ConfigurationID: 4, Class: model.ClassTemporary})
	require.Equal(t, model.StatusSuccess, top.Status)

	b := f.wait(t, top.Dependencies[0])
	c := f.wait(t, top.Dependencies[1])
	require.Equal(t, b.Dependencies, c.Dependencies)
	require.Equal(t, 1, f.exec.callCount(1))
}

func TestCycleCreatesNoRecords(t *testing.T) {
	f := newFixture(t, Config{}, conf(1, 2), conf(2, 1))

	id, err := f.coord.TriggerBuild(t.Context(), BuildRequest{ConfigurationID: 1, Class: model.ClassTemporary})
	require.Error(t, err)
	require.Empty(t, id)

	var cyc *graph.CyclicDependencyError
	require.True(t, stderrors.As(err, &cyc))
	if !ferrors.HasCategory(err, ferrors.CategoryDependency) {
		t.Errorf("expected dependency category, got %v", ferrors.GetCategory(err))
	}

	active, err := f.st.ListActive(t.Context())
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestTriggerValidation(t *testing.T) {
	f := newFixture(t, Config{}, conf(1))

	_, err := f.coord.TriggerBuild(t.Context(), BuildRequest{ConfigurationID: 1, Class: "nightly"})
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))

	_, err = f.coord.TriggerBuild(t.Context(), BuildRequest{Class: model.ClassTemporary})
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))

	_, err = f.coord.TriggerBuild(t.Context(), BuildRequest{ConfigurationID: 99, Class: model.ClassTemporary})
	var unres *graph.UnresolvableRevisionError
	require.True(t, stderrors.As(err, &unres))
}

func TestSkipDependencies(t *testing.T) {
	f := newFixture(t, Config{}, conf(dep), conf(parent, dep))

	rec := f.trigger(t, BuildRequest{ConfigurationID: parent, Class: model.ClassTemporary, SkipDependencies: true})
	require.Equal(t, model.StatusSuccess, rec.Status)
	require.Empty(t, rec.Dependencies)
	require.Equal(t, map[int]int{dep: 1}, rec.DependencyRevisions)
	require.Zero(t, f.exec.callCount(dep))
}

func TestGroupTerminality(t *testing.T) {
	f := newFixture(t, Config{}, conf(dep), conf(parent, dep), conf(3))
	require.NoError(t, f.revs.PutGroup(model.GroupConfiguration{ID: 10, Name: "platform", ConfigurationIDs: []int{parent, 3}}))
	release := make(chan struct{})
	f.exec.block[3] = release

	events := make(chan notify.Event, 8)
	_, err := f.coord.Dispatcher().Subscribe(notify.KindGroupBuildStatusChanged, func(_ context.Context, e notify.Event) error {
		events <- e
		return nil
	})
	require.NoError(t, err)

	gid, err := f.coord.TriggerGroupBuild(t.Context(), GroupRequest{GroupConfigurationID: 10, Class: model.ClassTemporary})
	require.NoError(t, err)

	g, err := f.coord.GetGroupBuild(t.Context(), gid)
	require.NoError(t, err)
	require.Len(t, g.Members, 3)

	// parent and dep finish while 3 is still running.
	for _, m := range g.Members {
		rec, err := f.coord.GetBuild(t.Context(), m)
		require.NoError(t, err)
		if rec.ConfigurationID != 3 {
			require.Equal(t, model.StatusSuccess, f.wait(t, m).Status)
		}
	}
	st, err := f.coord.GetGroupBuildStatus(t.Context(), gid)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, st)

	close(release)
	done := f.waitGroup(t, gid)
	require.Equal(t, model.StatusSuccess, done.Status)
	require.NotNil(t, done.EndTime)

	var seen []model.BuildStatus
	timeout := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case e := <-events:
			require.Equal(t, gid, e.EntityID)
			require.Equal(t, 10, e.GroupConfigurationID)
			seen = append(seen, e.NewStatus)
		case <-timeout:
			t.Fatalf("saw only %v", seen)
		}
	}
	require.Equal(t, []model.BuildStatus{model.StatusRunning, model.StatusSuccess}, seen)

	latest, err := f.coord.LatestGroupBuild(t.Context(), 10, model.ClassTemporary)
	require.NoError(t, err)
	require.Equal(t, gid, latest.ID)
}

func TestGroupFailurePrecedence(t *testing.T) {
	f := newFixture(t, Config{}, conf(dep), conf(parent, dep), conf(3))
	require.NoError(t, f.revs.PutGroup(model.GroupConfiguration{ID: 10, Name: "platform", ConfigurationIDs: []int{parent, 3}}))
	f.exec.fail[dep] = true

	gid, err := f.coord.TriggerGroupBuild(t.Context(), GroupRequest{GroupConfigurationID: 10, Class: model.ClassTemporary})
	require.NoError(t, err)

	g := f.waitGroup(t, gid)
	require.Equal(t, model.StatusFailed, g.Status)
}

func TestGroupAllSkippedIsImmediatelyTerminal(t *testing.T) {
	f := newFixture(t, Config{}, conf(dep))
	require.NoError(t, f.revs.PutGroup(model.GroupConfiguration{ID: 10, Name: "one", ConfigurationIDs: []int{dep}}))
	f.trigger(t, BuildRequest{ConfigurationID: dep, Class: model.ClassTemporary})

	gid, err := f.coord.TriggerGroupBuild(t.Context(), GroupRequest{GroupConfigurationID: 10, Class: model.ClassTemporary})
	require.NoError(t, err)

	g, err := f.st.GetGroupBuild(t.Context(), gid)
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, g.Status)
}

func TestTimeoutFails(t *testing.T) {
	f := newFixture(t, Config{Scheduler: scheduler.Config{DefaultTimeout: 50 * time.Millisecond}}, conf(dep))
	f.exec.block[dep] = make(chan struct{})

	rec := f.trigger(t, BuildRequest{ConfigurationID: dep, Class: model.ClassTemporary})
	require.Equal(t, model.StatusFailed, rec.Status)
	require.Contains(t, rec.Message, "timed out")
}

func TestCancelGroupBuild(t *testing.T) {
	f := newFixture(t, Config{}, conf(dep), conf(parent, dep))
	require.NoError(t, f.revs.PutGroup(model.GroupConfiguration{ID: 10, Name: "g", ConfigurationIDs: []int{parent}}))
	f.exec.block[dep] = make(chan struct{})

	gid, err := f.coord.TriggerGroupBuild(t.Context(), GroupRequest{GroupConfigurationID: 10, Class: model.ClassTemporary})
	require.NoError(t, err)
	select {
	case <-f.exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("dependency never started")
	}

	g, err := f.coord.CancelGroupBuild(t.Context(), gid)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, g.Status)
	for _, m := range g.Members {
		rec, err := f.coord.GetBuild(t.Context(), m)
		require.NoError(t, err)
		require.Equal(t, model.StatusCancelled, rec.Status)
	}
	require.Zero(t, f.exec.callCount(parent))
}

func TestExpireTemporaryGroups(t *testing.T) {
	f := newFixture(t, Config{}, conf(dep))
	require.NoError(t, f.revs.PutGroup(model.GroupConfiguration{ID: 10, Name: "g", ConfigurationIDs: []int{dep}}))
	f.exec.block[dep] = make(chan struct{})

	gid, err := f.coord.TriggerGroupBuild(t.Context(), GroupRequest{GroupConfigurationID: 10, Class: model.ClassTemporary})
	require.NoError(t, err)

	n, err := f.coord.ExpireTemporaryGroups(t.Context(), time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = f.coord.ExpireTemporaryGroups(t.Context(), -time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	st, err := f.coord.GetGroupBuildStatus(t.Context(), gid)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, st)
}

func TestStartRecoversOrphans(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	_, err := st.CreateBuild(t.Context(), &model.BuildRecord{
		ID:              "orphan",
		ConfigurationID: dep,
		Revision:        1,
		Class:           model.ClassPersistent,
		Status:          model.StatusEnqueued,
		SubmitTime:      now,
	})
	require.NoError(t, err)

	revs := revision.NewMemoryStore()
	_, _, err = revs.Put(conf(dep))
	require.NoError(t, err)
	coord, err := New(Config{}, Deps{Revisions: revs, Store: st, Executor: executor.Func(newFakeExecutor().run)})
	require.NoError(t, err)
	defer func() { _ = coord.Stop(context.Background()) }()

	require.NoError(t, coord.Start(t.Context()))

	status, err := coord.GetBuildStatus(t.Context(), "orphan")
	require.NoError(t, err)
	require.Equal(t, model.StatusSystemError, status)
}

type groupInsertFails struct{ *store.MemoryStore }

func (groupInsertFails) CreateGroupBuild(context.Context, *model.GroupBuildRecord) error {
	return ferrors.StoreError("disk full").Build()
}

func TestTriggerGroupBuild_InsertFailureCancelsMembers(t *testing.T) {
	f := newFixtureOn(t, Config{}, func(m *store.MemoryStore) store.Store { return groupInsertFails{m} }, conf(dep), conf(parent, dep))
	require.NoError(t, f.revs.PutGroup(model.GroupConfiguration{ID: 10, Name: "platform", ConfigurationIDs: []int{parent}}))
	release := make(chan struct{})
	defer close(release)
	f.exec.block[dep] = release

	_, err := f.coord.TriggerGroupBuild(t.Context(), GroupRequest{GroupConfigurationID: 10, Class: model.ClassTemporary})
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryStore))

	active, err := f.st.ListActive(t.Context())
	require.NoError(t, err)
	require.Empty(t, active)
	require.Zero(t, f.exec.callCount(parent))
}
