package config

import "encoding/json"

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`

	// Plugins holds one raw key/values block per plugin name. Blocks are
	// decoded into ordered Nodes by DecodeNodes and handed to the plugin's
	// configuration callback; their keys are validated by the plugin.
	Plugins map[string]json.RawMessage `json:"plugins"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Journal LoggingJournal `json:"journal"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingJournal forwards log lines at or above MinLevel to journald.
type LoggingJournal struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// MetricsConfig controls where dispatched value lists go.
//
// Example:
//
//	"metrics": {
//	  "hostname": "node-1",
//	  "prometheus": { "enabled": true, "listen": "127.0.0.1:9558" },
//	  "putval": { "enabled": false }
//	}
type MetricsConfig struct {
	// Hostname stamps every value list; defaults to os.Hostname().
	Hostname string `json:"hostname,omitempty"`

	// ReadTimeout bounds each read callback (Go duration string). Empty disables it.
	ReadTimeout string `json:"read_timeout,omitempty"`

	Prometheus PrometheusConfig `json:"prometheus"`
	Putval     PutvalConfig     `json:"putval"`
	NATS       NATSConfig       `json:"nats"`
}

type PrometheusConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"` // default: "127.0.0.1:9558"
	Path    string `json:"path,omitempty"`   // default: "/metrics"
}

// PutvalConfig writes collectd exec-plugin PUTVAL lines to stdout.
type PutvalConfig struct {
	Enabled bool `json:"enabled"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`     // default: nats.DefaultURL
	Subject string `json:"subject,omitempty"` // default: "unitgauge"
}

const (
	DefaultPrometheusListen = "127.0.0.1:9558"
	DefaultPrometheusPath   = "/metrics"
	DefaultNATSSubject      = "unitgauge"
)
