package unitstate

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"unitgauge/internal/config"
)

// Key is a recognized configuration key. Matching is case-sensitive.
type Key string

const (
	KeyUnit     Key = "Unit"
	KeyInterval Key = "Interval"
	KeyVerbose  Key = "Verbose"
)

const DefaultInterval = 60 * time.Second

var (
	ErrUnknownKey = errors.New("unknown config key")
	ErrBadValue   = errors.New("invalid config value")
)

// ConfigError names the key that failed to parse.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("systemd plugin: %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the parsed plugin block. It is built once and never mutated.
type Config struct {
	Units    []string
	Interval time.Duration
	Verbose  bool
}

func parseKey(s string) (Key, bool) {
	switch k := Key(s); k {
	case KeyUnit, KeyInterval, KeyVerbose:
		return k, true
	}
	return "", false
}

// ParseConfig validates every node before returning; on error nothing is
// applied. Unit values accumulate across repeated Unit keys, in order.
func ParseConfig(nodes []config.Node) (Config, error) {
	cfg := Config{Interval: DefaultInterval}
	for _, n := range nodes {
		key, ok := parseKey(n.Key)
		if !ok {
			return Config{}, &ConfigError{Key: n.Key, Err: ErrUnknownKey}
		}
		switch key {
		case KeyUnit:
			for _, v := range n.Values {
				if strings.TrimSpace(v) == "" {
					return Config{}, &ConfigError{Key: n.Key, Err: fmt.Errorf("%w: empty unit name", ErrBadValue)}
				}
				cfg.Units = append(cfg.Units, v)
			}
		case KeyInterval:
			d, err := parseInterval(n.Values)
			if err != nil {
				return Config{}, &ConfigError{Key: n.Key, Err: err}
			}
			cfg.Interval = d
		case KeyVerbose:
			if len(n.Values) != 1 {
				return Config{}, &ConfigError{Key: n.Key, Err: fmt.Errorf("%w: want one value, got %d", ErrBadValue, len(n.Values))}
			}
			cfg.Verbose = strings.EqualFold(n.Values[0], "true")
		}
	}
	return cfg, nil
}

func parseInterval(vals []string) (time.Duration, error) {
	if len(vals) != 1 {
		return 0, fmt.Errorf("%w: want one value, got %d", ErrBadValue, len(vals))
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(vals[0]), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrBadValue, vals[0])
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0 seconds, got %v", ErrBadValue, vals[0])
	}
	d := time.Duration(secs * float64(time.Second))
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval %v rounds to zero", ErrBadValue, vals[0])
	}
	return d, nil
}
