package config

import "time"

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// CoordinatorDefaultApplier handles scheduling defaults.
type CoordinatorDefaultApplier struct{}

func (CoordinatorDefaultApplier) Domain() string { return "coordinator" }

func (CoordinatorDefaultApplier) ApplyDefaults(cfg *Config) error {
	c := &cfg.Coordinator
	if c.MaxConcurrentBuilds <= 0 {
		c.MaxConcurrentBuilds = 4
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 10 * time.Second
	}
	if c.EventBacklog <= 0 {
		c.EventBacklog = 1024
	}
	return nil
}

// StoreDefaultApplier handles record store and history defaults.
type StoreDefaultApplier struct{}

func (StoreDefaultApplier) Domain() string { return "store" }

func (StoreDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreDriverSQLite
	}
	if cfg.Store.Driver == StoreDriverSQLite && cfg.Store.DSN == "" {
		cfg.Store.DSN = "./buildcoord.db"
	}
	if cfg.History.MaxEntries <= 0 {
		cfg.History.MaxEntries = 200
	}
	return nil
}

// RuntimeDefaultApplier handles revisions, executor and HTTP defaults.
type RuntimeDefaultApplier struct{}

func (RuntimeDefaultApplier) Domain() string { return "runtime" }

func (RuntimeDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Revisions.Definitions == "" {
		cfg.Revisions.Definitions = "./definitions.yaml"
	}
	if cfg.Revisions.Debounce <= 0 {
		cfg.Revisions.Debounce = 500 * time.Millisecond
	}
	if cfg.Executor.Workspace == "" {
		cfg.Executor.Workspace = "./workspace"
	}
	if cfg.Executor.Shell == "" {
		cfg.Executor.Shell = "/bin/sh"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8090"
	}
	if cfg.Maintenance.SweepInterval <= 0 {
		cfg.Maintenance.SweepInterval = time.Minute
	}
	if cfg.Maintenance.TemporaryMaxAge <= 0 {
		cfg.Maintenance.TemporaryMaxAge = 24 * time.Hour
	}
	return nil
}

// NotificationsDefaultApplier handles NATS defaults.
type NotificationsDefaultApplier struct{}

func (NotificationsDefaultApplier) Domain() string { return "notifications" }

func (NotificationsDefaultApplier) ApplyDefaults(cfg *Config) error {
	n := &cfg.Notifications.NATS
	if n.URL == "" {
		n.URL = "nats://127.0.0.1:4222"
	}
	if n.SubjectPrefix == "" {
		n.SubjectPrefix = "buildcoord"
	}
	if n.Stream == "" {
		n.Stream = "BUILDCOORD"
	}
	if n.KVBucket == "" {
		n.KVBucket = "buildcoord-status"
	}
	r := &n.Retry
	if r.Backoff == "" {
		r.Backoff = RetryBackoffExponential
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = 200 * time.Millisecond
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 5 * time.Second
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	return nil
}

// LoggingDefaultApplier handles logging defaults.
type LoggingDefaultApplier struct{}

func (LoggingDefaultApplier) Domain() string { return "logging" }

func (LoggingDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogLevelInfo
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatText
	}
	return nil
}

// defaultAppliers run in order.
func defaultAppliers() []DefaultApplier {
	return []DefaultApplier{
		CoordinatorDefaultApplier{},
		StoreDefaultApplier{},
		RuntimeDefaultApplier{},
		NotificationsDefaultApplier{},
		LoggingDefaultApplier{},
	}
}

func applyDefaults(cfg *Config) error {
	for _, a := range defaultAppliers() {
		if err := a.ApplyDefaults(cfg); err != nil {
			return err
		}
	}
	return nil
}
