package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	logx "unitgauge/pkg/logx"
)

// Loader reads the daemon config file. The committed config is immutable
// for the life of the process; Watch only reports that the file changed.
type Loader struct {
	path string

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	log logx.Logger
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

func (l *Loader) SetLogger(log logx.Logger) { l.log = log }

func (l *Loader) Path() string { return l.path }

// Parse reads and strictly decodes the file without committing it.
// It returns the content hash used by Watch to skip no-op writes; the hash
// covers decoded content, so whitespace and comment edits do not count.
func (l *Loader) Parse() (*Config, uint64, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := Decode(l.path, b)
	if err != nil {
		return nil, 0, err
	}
	return cfg, hashConfig(cfg), nil
}

// Load parses, validates and commits the config.
func (l *Loader) Load() (*Config, error) {
	cfg, h, err := l.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.hash = h
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Loader) committedHash() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash
}

// Decode converts YAML (by extension) to JSON and decodes it with
// DisallowUnknownFields so both formats share one strict schema.
func Decode(path string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// coerceToJSONBytes returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		// Empty document; let the JSON decoder see an empty object.
		return []byte("{}"), "yaml", nil
	}

	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
