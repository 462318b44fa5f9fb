// Package config loads the coordinator's YAML configuration.
//
// Loading runs in a fixed order: .env files, ${VAR} expansion, YAML decode,
// normalization of enumerations, defaults, then validation.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
)

// CurrentVersion is the only configuration format version accepted.
const CurrentVersion = "1.0"

// Config is the root of the configuration file.
type Config struct {
	Version       string              `yaml:"version"`
	Coordinator   CoordinatorConfig   `yaml:"coordinator"`
	Store         StoreConfig         `yaml:"store"`
	History       HistoryConfig       `yaml:"history"`
	Revisions     RevisionsConfig     `yaml:"revisions"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Notifications NotificationsConfig `yaml:"notifications"`
	HTTP          HTTPConfig          `yaml:"http"`
	Schedules     []ScheduleConfig    `yaml:"schedules,omitempty"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// CoordinatorConfig tunes scheduling.
type CoordinatorConfig struct {
	MaxConcurrentBuilds int           `yaml:"max_concurrent_builds"`
	DefaultBuildTimeout time.Duration `yaml:"default_build_timeout"` // zero disables
	CancelTimeout       time.Duration `yaml:"cancel_timeout"`
	EventBacklog        int           `yaml:"event_backlog"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`
	DSN    string      `yaml:"dsn"`
}

// HistoryConfig locates the audit history database. An empty path disables it.
// Entries older than Retention are pruned by the maintenance sweep; zero
// keeps everything.
type HistoryConfig struct {
	Path       string        `yaml:"path"`
	MaxEntries int           `yaml:"max_entries"`
	Retention  time.Duration `yaml:"retention,omitempty"`
}

// RevisionsConfig locates the definitions file.
type RevisionsConfig struct {
	Definitions string        `yaml:"definitions"`
	Watch       bool          `yaml:"watch"`
	Debounce    time.Duration `yaml:"debounce"`
}

// ExecutorConfig configures the local executor.
type ExecutorConfig struct {
	Workspace string `yaml:"workspace"`
	Shell     string `yaml:"shell"`
}

// NotificationsConfig configures outbound notification transports.
type NotificationsConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig configures the NATS bridge.
type NATSConfig struct {
	Enabled       bool        `yaml:"enabled"`
	URL           string      `yaml:"url"`
	SubjectPrefix string      `yaml:"subject_prefix"`
	Stream        string      `yaml:"stream"`
	KVBucket      string      `yaml:"kv_bucket"`
	Retry         RetryConfig `yaml:"retry"`
}

// RetryConfig configures backoff for transient publish failures.
type RetryConfig struct {
	Backoff      RetryBackoffMode `yaml:"backoff"`
	InitialDelay time.Duration    `yaml:"initial_delay"`
	MaxDelay     time.Duration    `yaml:"max_delay"`
	MaxRetries   int              `yaml:"max_retries"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ScheduleConfig triggers a configuration or group periodically. Exactly one
// of Group and Configuration is set, and exactly one of Every and Cron.
type ScheduleConfig struct {
	Name          string        `yaml:"name"`
	Group         int           `yaml:"group,omitempty"`
	Configuration int           `yaml:"configuration,omitempty"`
	Class         string        `yaml:"class"`
	Force         bool          `yaml:"force,omitempty"`
	Every         time.Duration `yaml:"every,omitempty"`
	Cron          string        `yaml:"cron,omitempty"`
}

// MaintenanceConfig configures periodic housekeeping.
type MaintenanceConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	TemporaryMaxAge time.Duration `yaml:"temporary_max_age"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Load loads, normalizes, defaults and validates a configuration file.
func Load(configPath string) (*Config, error) {
	// .env files are optional, but one that exists must parse.
	if err := loadEnvFile(); err != nil && !stderrors.Is(err, errNoEnvFile) {
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to load .env file").Build()
	}

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil, errors.ConfigError("configuration file not found").
			WithContext("path", configPath).
			Build()
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to read config file").
			WithContext("path", configPath).
			Build()
	}
	return Parse(data)
}

// Parse decodes configuration content. Environment variables are expanded
// before decoding.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to unmarshal config").Build()
	}

	if cfg.Version != CurrentVersion {
		return nil, errors.ConfigError(fmt.Sprintf("unsupported configuration version: %q (expected %s)", cfg.Version, CurrentVersion)).Build()
	}

	res := NormalizeConfig(&cfg)
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "config normalization: %s\n", w)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return errors.ConfigError("configuration file already exists (use --force to overwrite)").
			WithContext("path", configPath).
			Build()
	}

	example := Config{
		Version: CurrentVersion,
		Store:   StoreConfig{Driver: StoreDriverSQLite, DSN: "./buildcoord.db"},
		History: HistoryConfig{Path: "./buildcoord-events.db"},
		Revisions: RevisionsConfig{
			Definitions: "./definitions.yaml",
			Watch:       true,
		},
		Schedules: []ScheduleConfig{{
			Name:  "nightly-platform",
			Group: 10,
			Class: "temporary",
			Every: 24 * time.Hour,
		}},
	}
	if err := applyDefaults(&example); err != nil {
		return err
	}

	data, err := yaml.Marshal(&example)
	if err != nil {
		return errors.WrapError(err, errors.CategoryConfig, "failed to marshal example config").Build()
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return errors.WrapError(err, errors.CategoryConfig, "failed to write config file").
			WithContext("path", configPath).
			Build()
	}
	return nil
}
