// Package daemon wires the coordinator to its long-running surroundings:
// record and history stores, the definitions watcher, periodic schedules,
// the NATS bridge and the HTTP API.
package daemon

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/buildcoord/internal/api"
	"git.home.luguber.info/inful/buildcoord/internal/config"
	"git.home.luguber.info/inful/buildcoord/internal/coordinator"
	"git.home.luguber.info/inful/buildcoord/internal/eventstore"
	"git.home.luguber.info/inful/buildcoord/internal/executor"
	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/metrics"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/notify/natsbridge"
	"git.home.luguber.info/inful/buildcoord/internal/revision"
	"git.home.luguber.info/inful/buildcoord/internal/scheduler"
	"git.home.luguber.info/inful/buildcoord/internal/store"
	"git.home.luguber.info/inful/buildcoord/internal/version"
)

// Status represents the current state of the daemon
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Option configures a Daemon.
type Option func(*options)

type options struct {
	executor  executor.Executor
	transport natsbridge.Transport
	logger    *slog.Logger
}

// WithExecutor replaces the local shell executor.
func WithExecutor(e executor.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithNATSTransport uses t instead of dialing the configured NATS server.
func WithNATSTransport(t natsbridge.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Daemon represents the main daemon service
type Daemon struct {
	config    *config.Config
	logger    *slog.Logger
	status    atomic.Value // Status
	startTime time.Time
	stopChan  chan struct{}
	mu        sync.Mutex

	registry  *prom.Registry
	records   store.Store
	revisions *revision.MemoryStore
	watcher   *revision.Watcher
	coord     *coordinator.Coordinator

	events     eventstore.Store
	projection *eventstore.Projection
	sink       *eventstore.Sink
	bridge     *natsbridge.Bridge

	scheduler *Scheduler
	api       *api.Server
	workers   WorkerGroup
}

// NewDaemon opens every store and wires the components. Nothing runs until
// Start.
func NewDaemon(ctx context.Context, cfg *config.Config, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.ConfigError("configuration is required").Build()
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Daemon{
		config:    cfg,
		logger:    o.logger,
		stopChan:  make(chan struct{}),
		registry:  prom.NewRegistry(),
		revisions: revision.NewMemoryStore(),
		workers:   WorkerGroup{logger: o.logger},
	}
	d.status.Store(StatusStopped)
	recorder := metrics.NewPrometheusRecorder(d.registry)

	ok := false
	defer func() {
		if !ok {
			if d.watcher != nil {
				d.watcher.Stop()
			}
			d.closeStores()
		}
	}()

	watcher, err := revision.NewWatcher(cfg.Revisions.Definitions, d.revisions,
		revision.WithDebounce(cfg.Revisions.Debounce),
		revision.WithReloadHook(d.onRevisions))
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "failed to create definitions watcher").Build()
	}
	d.watcher = watcher
	if _, err := watcher.Reload(); err != nil {
		return nil, err
	}

	if d.records, err = OpenRecordStore(ctx, cfg.Store); err != nil {
		return nil, err
	}

	exec := o.executor
	if exec == nil {
		exec = executor.NewLocal(cfg.Executor.Workspace, d.logger, executor.WithShell(cfg.Executor.Shell))
	}

	d.coord, err = coordinator.New(coordinator.Config{
		Scheduler: scheduler.Config{
			MaxConcurrent:  cfg.Coordinator.MaxConcurrentBuilds,
			DefaultTimeout: cfg.Coordinator.DefaultBuildTimeout,
			CancelTimeout:  cfg.Coordinator.CancelTimeout,
		},
		EventBacklog: cfg.Coordinator.EventBacklog,
	}, coordinator.Deps{
		Revisions: d.revisions,
		Store:     d.records,
		Executor:  exec,
		Recorder:  recorder,
		Logger:    d.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := d.openHistory(ctx); err != nil {
		return nil, err
	}
	if err := d.openBridge(ctx, o.transport, recorder); err != nil {
		return nil, err
	}

	if d.scheduler, err = NewScheduler(d.logger); err != nil {
		return nil, err
	}
	if err := d.registerSchedules(); err != nil {
		return nil, err
	}

	apiOpts := []api.Option{
		api.WithMetricsHandler(metrics.HTTPHandler(d.registry)),
		api.WithLogger(d.logger),
	}
	if d.events != nil {
		apiOpts = append(apiOpts, api.WithHistory(d.events), api.WithActivity(d.projection))
	}
	d.api = api.NewServer(cfg.HTTP.Addr, d.coord, apiOpts...)

	ok = true
	return d, nil
}

func (d *Daemon) openHistory(ctx context.Context) error {
	if d.config.History.Path == "" {
		return nil
	}
	events, err := eventstore.NewSQLiteStore(d.config.History.Path)
	if err != nil {
		return err
	}
	d.events = events
	d.projection = eventstore.NewProjection(events, d.config.History.MaxEntries)
	if err := d.projection.Rebuild(ctx); err != nil {
		return err
	}
	d.sink = eventstore.NewSink(events, d.projection, d.logger)
	return nil
}

func (d *Daemon) openBridge(ctx context.Context, transport natsbridge.Transport, recorder metrics.Recorder) error {
	cfg := d.config.Notifications.NATS
	if !cfg.Enabled {
		return nil
	}
	if transport == nil {
		js, err := natsbridge.Connect(ctx, cfg, d.logger)
		if err != nil {
			return err
		}
		transport = js
	}
	d.bridge = natsbridge.New(transport, cfg, natsbridge.WithRecorder(recorder), natsbridge.WithLogger(d.logger))
	return nil
}

func (d *Daemon) onRevisions(revs []model.Revision) {
	for _, r := range revs {
		d.logger.Info("New configuration revision",
			logfields.ConfigurationID(r.ConfigurationID),
			logfields.Revision(r.Revision))
	}
}

// Coordinator returns the wired coordinator.
func (d *Daemon) Coordinator() *coordinator.Coordinator { return d.coord }

// Handler returns the HTTP API handler.
func (d *Daemon) Handler() http.Handler { return d.api.Handler() }

// History returns the status history projection, or nil when disabled.
func (d *Daemon) History() *eventstore.Projection { return d.projection }

// Start recovers orphaned records and starts every component. It returns
// once they are running.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.GetStatus() != StatusStopped {
		return errors.DaemonError("daemon is not in stopped state").
			WithContext("status", string(d.GetStatus())).
			Build()
	}
	d.startTime = time.Now()
	d.logger.Info("Starting build coordinator daemon", slog.String("version", version.String()))

	// Subscribers attach before recovery so its transitions are recorded.
	if d.sink != nil {
		if err := d.sink.Attach(d.coord.Dispatcher()); err != nil {
			d.status.Store(StatusError)
			return err
		}
	}
	if d.bridge != nil {
		if err := d.bridge.Attach(d.coord.Dispatcher()); err != nil {
			d.status.Store(StatusError)
			return err
		}
	}

	if err := d.coord.Start(ctx); err != nil {
		d.status.Store(StatusError)
		return err
	}

	if d.config.Revisions.Watch {
		if err := d.watcher.Start(ctx); err != nil {
			d.logger.Error("Failed to start definitions watcher", logfields.Error(err))
		}
	}

	d.scheduler.Start(ctx)

	d.workers.Go("http", func() error {
		runCtx, cancel := d.stopAwareContext(ctx)
		defer cancel()
		return d.api.Start(runCtx)
	})

	d.status.Store(StatusRunning)
	d.logger.Info("Build coordinator daemon started",
		slog.String("http_addr", d.config.HTTP.Addr),
		slog.String("store", string(d.config.Store.Driver)),
		slog.Int("schedules", len(d.config.Schedules)),
		slog.Bool("history", d.events != nil),
		slog.Bool("nats", d.bridge != nil))
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled, then stops it
// within shutdownTimeout.
func (d *Daemon) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-d.stopChan:
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Stop shuts components down in reverse start order.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.GetStatus()
	if current == StatusStopped || current == StatusStopping {
		return nil
	}
	d.status.Store(StatusStopping)
	d.logger.Info("Stopping build coordinator daemon")

	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}

	var errs []error
	if err := d.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	d.watcher.Stop()
	if err := d.workers.StopAndWait(ctx); err != nil {
		errs = append(errs, err)
	}
	// Draining the dispatcher flushes the sink and the bridge.
	if err := d.coord.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if d.sink != nil {
		d.sink.Detach()
	}
	if d.bridge != nil {
		if err := d.bridge.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closeStores()

	d.status.Store(StatusStopped)
	d.logger.Info("Build coordinator daemon stopped", slog.Duration("uptime", time.Since(d.startTime)))
	return stderrors.Join(errs...)
}

func (d *Daemon) closeStores() {
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			d.logger.Error("Failed to close event store", logfields.Error(err))
		}
	}
	if d.records != nil {
		if err := d.records.Close(); err != nil {
			d.logger.Error("Failed to close record store", logfields.Error(err))
		}
	}
}

// GetStatus returns the daemon lifecycle status.
func (d *Daemon) GetStatus() Status {
	if s, ok := d.status.Load().(Status); ok {
		return s
	}
	return StatusStopped
}

// GetStartTime returns when Start last ran.
func (d *Daemon) GetStartTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startTime
}
