package config

import (
	"errors"
	"fmt"
	"strings"

	logx "unitgauge/pkg/logx"
)

// Validate checks daemon-level settings. Plugin blocks are validated by
// the plugins themselves when their configuration callback runs.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Journal.Enabled && !logx.ValidLevel(cfg.Logging.Journal.MinLevel) {
		errs = append(errs, fmt.Errorf("logging.journal.min_level: unknown level %q", cfg.Logging.Journal.MinLevel))
	}
	if cfg.Logging.Journal.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.journal.rate_per_sec: must be >= 0"))
	}
	if _, err := ParseDurationField("metrics.read_timeout", cfg.Metrics.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if p := strings.TrimSpace(cfg.Metrics.Prometheus.Path); p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("metrics.prometheus.path: %q must start with /", p))
	}
	if s := cfg.Metrics.NATS.Subject; strings.ContainsAny(s, " \t*>") {
		errs = append(errs, fmt.Errorf("metrics.nats.subject: %q must not contain spaces or wildcards", s))
	}
	for name := range cfg.Plugins {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("plugins: empty plugin name"))
		}
	}
	return errors.Join(errs...)
}
