package config

import (
	"fmt"
	"slices"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// ValidateConfig validates the complete configuration.
func ValidateConfig(cfg *Config) error {
	return newConfigurationValidator(cfg).validate()
}

// configurationValidator coordinates validation across configuration domains.
type configurationValidator struct {
	config *Config
}

func newConfigurationValidator(config *Config) *configurationValidator {
	return &configurationValidator{config: config}
}

func (cv *configurationValidator) validate() error {
	for _, step := range []func() error{
		cv.validateCoordinator,
		cv.validateStore,
		cv.validateNotifications,
		cv.validateSchedules,
		cv.validateMaintenance,
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func invalid(field, msg string) error {
	return errors.ValidationError(fmt.Sprintf("%s: %s", field, msg)).
		WithContext("field", field).
		Build()
}

func (cv *configurationValidator) validateCoordinator() error {
	c := cv.config.Coordinator
	if c.DefaultBuildTimeout < 0 {
		return invalid("coordinator.default_build_timeout", "cannot be negative")
	}
	return nil
}

func (cv *configurationValidator) validateStore() error {
	s := cv.config.Store
	valid := []StoreDriver{StoreDriverSQLite, StoreDriverPostgres, StoreDriverMemory}
	if !slices.Contains(valid, s.Driver) {
		return invalid("store.driver", fmt.Sprintf("unsupported driver %q (valid: %v)", s.Driver, storeDriverNormalizer.Keys()))
	}
	if s.Driver == StoreDriverPostgres && s.DSN == "" {
		return invalid("store.dsn", "required for postgres")
	}
	return nil
}

func (cv *configurationValidator) validateNotifications() error {
	n := cv.config.Notifications.NATS
	if !n.Enabled {
		return nil
	}
	if n.URL == "" {
		return invalid("notifications.nats.url", "required when nats is enabled")
	}
	switch n.Retry.Backoff {
	case RetryBackoffFixed, RetryBackoffLinear, RetryBackoffExponential:
	default:
		return invalid("notifications.nats.retry.backoff", fmt.Sprintf("unsupported mode %q", n.Retry.Backoff))
	}
	if n.Retry.InitialDelay > n.Retry.MaxDelay {
		return invalid("notifications.nats.retry.initial_delay", "cannot exceed max_delay")
	}
	return nil
}

func (cv *configurationValidator) validateSchedules() error {
	names := make(map[string]bool, len(cv.config.Schedules))
	for i, s := range cv.config.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if s.Name == "" {
			return invalid(field+".name", "cannot be empty")
		}
		if names[s.Name] {
			return invalid(field+".name", fmt.Sprintf("duplicate schedule name %q", s.Name))
		}
		names[s.Name] = true

		if (s.Group > 0) == (s.Configuration > 0) {
			return invalid(field, "exactly one of group and configuration must be set")
		}
		if (s.Every > 0) == (s.Cron != "") {
			return invalid(field, "exactly one of every and cron must be set")
		}
		if s.Every < 0 {
			return invalid(field+".every", "cannot be negative")
		}
		if !model.BuildClass(s.Class).Valid() {
			return invalid(field+".class", fmt.Sprintf("unknown build class %q", s.Class))
		}
	}
	return nil
}

func (cv *configurationValidator) validateMaintenance() error {
	if cv.config.History.Retention < 0 {
		return invalid("history.retention", "cannot be negative")
	}
	if cv.config.Maintenance.SweepInterval < 0 {
		return invalid("maintenance.sweep_interval", "cannot be negative")
	}
	return nil
}
