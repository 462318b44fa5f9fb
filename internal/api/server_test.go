package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildcoord/internal/coordinator"
	"git.home.luguber.info/inful/buildcoord/internal/eventstore"
	"git.home.luguber.info/inful/buildcoord/internal/executor"
	"git.home.luguber.info/inful/buildcoord/internal/metrics"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/revision"
	"git.home.luguber.info/inful/buildcoord/internal/store"
)

type testEnv struct {
	srv   *Server
	coord *coordinator.Coordinator
}

func newTestEnv(t *testing.T, withHistory bool) *testEnv {
	t.Helper()

	revs := revision.NewMemoryStore()
	for _, c := range []model.BuildConfiguration{
		{ID: 1, Name: "lib", Script: "true"},
		{ID: 2, Name: "app", Script: "true", Dependencies: []int{1}},
	} {
		_, _, err := revs.Put(c)
		require.NoError(t, err)
	}
	require.NoError(t, revs.PutGroup(model.GroupConfiguration{ID: 10, Name: "platform", ConfigurationIDs: []int{2}}))

	run := func(ctx context.Context, job executor.Job) executor.Outcome {
		return executor.Outcome{Status: model.StatusSuccess}
	}
	coord, err := coordinator.New(coordinator.Config{}, coordinator.Deps{
		Revisions: revs,
		Store:     store.NewMemoryStore(),
		Executor:  executor.Func(run),
	})
	require.NoError(t, err)

	reg := prom.NewRegistry()
	opts := []Option{WithMetricsHandler(metrics.HTTPHandler(reg))}
	metrics.NewPrometheusRecorder(reg).IncBuildOutcome("SUCCESS")

	if withHistory {
		events, err := eventstore.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = events.Close() })
		projection := eventstore.NewProjection(events, 10)
		require.NoError(t, eventstore.NewSink(events, projection, nil).Attach(coord.Dispatcher()))
		opts = append(opts, WithHistory(events), WithActivity(projection))
	}

	require.NoError(t, coord.Start(t.Context()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
	})
	return &testEnv{srv: NewServer(":0", coord, opts...), coord: coord}
}

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Success)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func (e *testEnv) triggerBuild(t *testing.T, body string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/builds", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var tr TriggerResponse
	decodeData(t, w, &tr)
	require.NotEmpty(t, tr.ID)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, err := e.coord.WaitForBuild(ctx, tr.ID)
	require.NoError(t, err)
	return tr.ID
}

func TestAPIServerCreation(t *testing.T) {
	env := newTestEnv(t, false)
	if env.srv.Addr != ":0" {
		t.Errorf("expected addr :0, got %s", env.srv.Addr)
	}
	if env.srv.server == nil {
		t.Fatal("expected http.Server, got nil")
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	decodeData(t, w, &body)
	require.Equal(t, "healthy", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "buildcoord_")
}

func TestTriggerAndGetBuild(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.triggerBuild(t, `{"configuration_id":2,"build_class":"Temp"}`)

	w := env.do(t, http.MethodGet, "/api/v1/builds/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec model.BuildRecord
	decodeData(t, w, &rec)
	require.Equal(t, model.StatusSuccess, rec.Status)
	require.Equal(t, model.ClassTemporary, rec.Class)
	require.Len(t, rec.Dependencies, 1)
}

func TestTriggerBuild_Rejects(t *testing.T) {
	env := newTestEnv(t, false)
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"configuration_id":`, http.StatusBadRequest},
		{"unknown field", `{"configuration_id":1,"build_class":"temporary","priority":1}`, http.StatusBadRequest},
		{"unknown class", `{"configuration_id":1,"build_class":"nightly"}`, http.StatusBadRequest},
		{"non-positive id", `{"configuration_id":0,"build_class":"temporary"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/builds", tt.body)
			require.Equal(t, tt.code, w.Code, w.Body.String())
			require.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestGetBuild_NotFound(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/v1/builds/does-not-exist", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelFinishedBuild(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.triggerBuild(t, `{"configuration_id":1,"build_class":"persistent"}`)

	w := env.do(t, http.MethodPost, "/api/v1/builds/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp CancelResponse
	decodeData(t, w, &resp)
	require.False(t, resp.Cancelled)
	require.Equal(t, model.StatusSuccess, resp.Build.Status)
}

func TestGroupBuildEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/v1/group-builds", `{"group_configuration_id":10,"build_class":"persistent"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var tr TriggerResponse
	decodeData(t, w, &tr)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, err := env.coord.WaitForGroup(ctx, tr.ID)
	require.NoError(t, err)

	w = env.do(t, http.MethodGet, "/api/v1/group-builds/"+tr.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var g model.GroupBuildRecord
	decodeData(t, w, &g)
	require.Equal(t, model.StatusSuccess, g.Status)
	require.Len(t, g.Members, 2)

	w = env.do(t, http.MethodGet, "/api/v1/group-configurations/10/latest?class=persistent", "")
	require.Equal(t, http.StatusOK, w.Code)
	var latest model.GroupBuildRecord
	decodeData(t, w, &latest)
	require.Equal(t, tr.ID, latest.ID)

	w = env.do(t, http.MethodGet, "/api/v1/group-configurations/10/latest?class=temporary", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/group-builds/"+tr.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled model.GroupBuildRecord
	decodeData(t, w, &cancelled)
	require.Equal(t, model.StatusSuccess, cancelled.Status)
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, true)
	id := env.triggerBuild(t, `{"configuration_id":1,"build_class":"temporary"}`)

	var entries []HistoryEntry
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/api/v1/builds/"+id+"/history", "")
		if w.Code != http.StatusOK {
			return false
		}
		entries = nil
		decodeData(t, w, &entries)
		return len(entries) > 0 && entries[len(entries)-1].NewStatus == model.StatusSuccess
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, eventstore.TypeBuildStatusChanged, entries[0].Type)
	for i := 1; i < len(entries); i++ {
		require.Equal(t, entries[i-1].NewStatus, entries[i].OldStatus)
	}
}

func TestHistoryDisabled(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/v1/builds/x/history", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/activity", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestActivityEndpoint(t *testing.T) {
	env := newTestEnv(t, true)
	id := env.triggerBuild(t, `{"configuration_id":1,"build_class":"temporary"}`)

	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/api/v1/activity", "")
		if w.Code != http.StatusOK {
			return false
		}
		var act ActivityResponse
		decodeData(t, w, &act)
		return len(act.Recent) == 1 && act.Recent[0].EntityID == id && act.Recent[0].Status == model.StatusSuccess
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEventsStream_TerminalBuildReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.triggerBuild(t, `{"configuration_id":1,"build_class":"temporary"}`)

	w := env.do(t, http.MethodGet, "/api/v1/builds/"+id+"/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	require.True(t, strings.HasPrefix(body, "event: snapshot\n"), body)
	require.Contains(t, body, `"status":"SUCCESS"`)
}

func TestEventsStream_UnknownEntity(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/v1/group-builds/missing/events", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	h := recoverMiddleware(newDiscardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestLoggingMiddlewareKeepsStatus(t *testing.T) {
	h := loggingMiddleware(newDiscardLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, w.Code)
}
