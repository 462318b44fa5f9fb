// Package api exposes the coordinator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"git.home.luguber.info/inful/buildcoord/internal/coordinator"
	"git.home.luguber.info/inful/buildcoord/internal/eventstore"
	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/notify"
)

// Backend is the coordinator surface the API drives.
type Backend interface {
	TriggerBuild(ctx context.Context, req coordinator.BuildRequest) (string, error)
	TriggerGroupBuild(ctx context.Context, req coordinator.GroupRequest) (string, error)
	GetBuild(ctx context.Context, id string) (*model.BuildRecord, error)
	GetGroupBuild(ctx context.Context, id string) (*model.GroupBuildRecord, error)
	CancelBuild(ctx context.Context, id string) (*model.BuildRecord, bool, error)
	CancelGroupBuild(ctx context.Context, id string) (*model.GroupBuildRecord, error)
	LatestGroupBuild(ctx context.Context, groupConfigurationID int, class model.BuildClass) (*model.GroupBuildRecord, error)
	Dispatcher() *notify.Dispatcher
}

// HistorySource reads the persisted status history of one entity.
type HistorySource interface {
	History(ctx context.Context, entityID string) ([]eventstore.Entry, error)
}

// ActivitySource is the in-memory read model of live and recent builds.
type ActivitySource interface {
	Active() []eventstore.BuildSummary
	Recent() []eventstore.BuildSummary
}

// Server represents the API server.
type Server struct {
	Addr     string
	router   *mux.Router
	server   *http.Server
	backend  Backend
	history  HistorySource
	activity ActivitySource
	metrics  http.Handler
	errs     *errors.HTTPErrorAdapter
	logger   *slog.Logger
	started  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables the history endpoint.
func WithHistory(h HistorySource) Option {
	return func(s *Server) { s.history = h }
}

// WithActivity enables the activity endpoint.
func WithActivity(a ActivitySource) Option {
	return func(s *Server) { s.activity = a }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server.
func NewServer(addr string, backend Backend, opts ...Option) *Server {
	s := &Server{
		Addr:    addr,
		router:  mux.NewRouter(),
		backend: backend,
		logger:  slog.Default(),
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.errs = errors.NewHTTPErrorAdapter(s.logger)

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.Use(recoverMiddleware(s.logger), loggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/builds", s.handleTriggerBuild).Methods(http.MethodPost)
	api.HandleFunc("/builds/{id}", s.handleGetBuild).Methods(http.MethodGet)
	api.HandleFunc("/builds/{id}/cancel", s.handleCancelBuild).Methods(http.MethodPost)
	api.HandleFunc("/builds/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/builds/{id}/events", s.handleEvents(notify.KindBuildStatusChanged)).Methods(http.MethodGet)

	api.HandleFunc("/group-builds", s.handleTriggerGroup).Methods(http.MethodPost)
	api.HandleFunc("/group-builds/{id}", s.handleGetGroup).Methods(http.MethodGet)
	api.HandleFunc("/group-builds/{id}/cancel", s.handleCancelGroup).Methods(http.MethodPost)
	api.HandleFunc("/group-builds/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/group-builds/{id}/events", s.handleEvents(notify.KindGroupBuildStatusChanged)).Methods(http.MethodGet)

	api.HandleFunc("/group-configurations/{id:[0-9]+}/latest", s.handleLatestGroup).Methods(http.MethodGet)
	api.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)
}

// Start serves until the context is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", slog.String("addr", s.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return errors.WrapError(err, errors.CategoryNetwork, "HTTP server failed").
				WithContext("addr", s.Addr).
				Build()
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Response represents a standard API response.
type Response struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// Error writes a classified error response.
func (s *Server) Error(w http.ResponseWriter, r *http.Request, err error) {
	s.errs.WriteErrorResponse(w, r, err)
}

// Success writes a success response.
func (s *Server) Success(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.Success(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"uptime": time.Since(s.started).Truncate(time.Second).String(),
	})
}
