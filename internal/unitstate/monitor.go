package unitstate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"unitgauge/internal/config"
	"unitgauge/internal/host"
	"unitgauge/internal/metrics"
	logx "unitgauge/pkg/logx"
	"unitgauge/pkg/systemdbus"
)

const (
	PluginName   = "systemd"
	TypeInstance = "active"
)

var ErrAlreadyConfigured = errors.New("systemd plugin: already configured")

// Host is the part of the metrics host the monitor uses.
type Host interface {
	RegisterRead(name string, interval time.Duration, fn host.ReadFunc) error
	Dispatch(ctx context.Context, vl metrics.ValueList)
}

// DialFunc opens the system bus. It is called at most once.
type DialFunc func(ctx context.Context) (systemdbus.Bus, error)

type Phase int

const (
	PhaseUnconfigured Phase = iota
	// PhaseIdle: configured without units; nothing is ever polled.
	PhaseIdle
	// PhaseActive: bus connected and read registered.
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseUnconfigured:
		return "unconfigured"
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Sample is one unit's reading within a tick.
type Sample struct {
	Unit  string
	State string
	Value float64
}

// Monitor owns the unit cache and the polling cycle.
type Monitor struct {
	host Host
	dial DialFunc
	log  logx.Logger

	mu    sync.Mutex
	phase Phase
	cfg   Config
	bus   systemdbus.Bus
	cache *Cache

	// failing tracks units whose last property read failed.
	failing map[string]bool
}

func New(h Host, dial DialFunc, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		host:    h,
		dial:    dial,
		log:     log.With(logx.String("plugin", PluginName)),
		failing: map[string]bool{},
	}
}

func (m *Monitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Config returns the applied configuration.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Configure applies the plugin block. With no units the monitor goes idle
// and never touches the bus; otherwise it connects once and registers Read
// at the configured interval. It may succeed only once.
func (m *Monitor) Configure(ctx context.Context, nodes []config.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseUnconfigured {
		return ErrAlreadyConfigured
	}

	cfg, err := ParseConfig(nodes)
	if err != nil {
		return err
	}

	if len(cfg.Units) == 0 {
		m.cfg = cfg
		m.phase = PhaseIdle
		m.verbose(cfg, "no units defined in configuration")
		return nil
	}

	bus, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("systemd plugin: connect system bus: %w", err)
	}
	m.bus = bus
	m.cache = NewCache(bus, m.log)

	if err := m.host.RegisterRead(PluginName, cfg.Interval, m.Read); err != nil {
		m.closeBusLocked()
		m.cache = nil
		return fmt.Errorf("systemd plugin: register read: %w", err)
	}
	m.cfg = cfg
	m.phase = PhaseActive
	m.verbose(cfg, "configured",
		logx.Strings("units", cfg.Units),
		logx.Duration("interval", cfg.Interval),
	)
	return nil
}

// Read is the polling cycle: one gauge per configured unit, in order.
// It has no failure path.
func (m *Monitor) Read(ctx context.Context) {
	m.mu.Lock()
	cfg, cache := m.cfg, m.cache
	m.mu.Unlock()
	if cache == nil {
		return
	}

	m.verbose(cfg, "read callback called")
	for _, name := range cfg.Units {
		s := m.sample(ctx, cfg, cache, name)
		m.verbose(cfg, "sending value",
			logx.String("unit", s.Unit),
			logx.String("state", s.State),
			logx.Float64("value", s.Value),
		)
		m.host.Dispatch(ctx, metrics.ValueList{
			Plugin:         PluginName,
			PluginInstance: s.Unit,
			Type:           metrics.TypeGauge,
			TypeInstance:   TypeInstance,
			Values:         []float64{s.Value},
		})
	}
}

// sample resolves, queries and classifies one unit. A property read
// failure counts only for this tick: the entry stays resolved.
func (m *Monitor) sample(ctx context.Context, cfg Config, cache *Cache, name string) Sample {
	entry := cache.Resolve(ctx, name)
	state, err := QueryState(ctx, entry)
	switch {
	case err != nil:
		if !m.failing[name] {
			m.failing[name] = true
			m.log.Warn("failed to read unit state", logx.String("unit", name), logx.Err(err))
		}
	case m.failing[name]:
		delete(m.failing, name)
		m.verbose(cfg, "unit state readable again", logx.String("unit", name))
	}
	return Sample{Unit: name, State: state, Value: Classify(state)}
}

// Close releases the bus connection, if one was opened.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeBusLocked()
}

func (m *Monitor) closeBusLocked() error {
	if m.bus == nil {
		return nil
	}
	var err error
	if c, ok := m.bus.(io.Closer); ok {
		err = c.Close()
	}
	m.bus = nil
	return err
}

func (m *Monitor) verbose(cfg Config, msg string, fields ...logx.Field) {
	if !cfg.Verbose {
		return
	}
	m.log.Info(msg, append(fields, logx.Bool("verbose", true))...)
}
