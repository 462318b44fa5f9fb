package config

import (
	"fmt"
	"strings"

	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// NormalizationResult collects non-fatal adjustments made while normalizing.
type NormalizationResult struct {
	Warnings []string
}

func (r *NormalizationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// NormalizeConfig canonicalizes enumerations in place. Unknown values are
// left for validation to reject.
func NormalizeConfig(cfg *Config) *NormalizationResult {
	res := &NormalizationResult{}

	if raw := string(cfg.Store.Driver); raw != "" {
		if d := NormalizeStoreDriver(raw); d != "" {
			if string(d) != raw {
				res.warn("normalized store.driver from %q to %q", raw, d)
			}
			cfg.Store.Driver = d
		}
	}

	if raw := string(cfg.Logging.Level); raw != "" {
		lvl := NormalizeLogLevel(raw)
		if string(lvl) != raw {
			res.warn("normalized logging.level from %q to %q", raw, lvl)
		}
		cfg.Logging.Level = lvl
	}
	if raw := string(cfg.Logging.Format); raw != "" {
		f := NormalizeLogFormat(raw)
		if string(f) != raw {
			res.warn("normalized logging.format from %q to %q", raw, f)
		}
		cfg.Logging.Format = f
	}

	if raw := string(cfg.Notifications.NATS.Retry.Backoff); raw != "" {
		if m := NormalizeRetryBackoff(raw); m != "" {
			cfg.Notifications.NATS.Retry.Backoff = m
		}
	}

	for i := range cfg.Schedules {
		s := &cfg.Schedules[i]
		s.Name = strings.TrimSpace(s.Name)
		if c, err := model.ParseBuildClass(s.Class); err == nil {
			s.Class = string(c)
		}
	}
	return res
}
