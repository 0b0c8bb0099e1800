package unitstate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitgauge/internal/config"
	"unitgauge/internal/host"
	"unitgauge/internal/metrics"
	logx "unitgauge/pkg/logx"
	"unitgauge/pkg/systemdbus"
)

type fakeUnit struct {
	name  string
	state string
	err   error
	reads int
}

func (u *fakeUnit) Name() string { return u.name }

func (u *fakeUnit) Property(ctx context.Context, iface, name string) (string, error) {
	u.reads++
	if iface != systemdbus.UnitInterface || name != systemdbus.PropertyActiveState {
		return "", errors.New("unexpected property " + iface + "." + name)
	}
	return u.state, u.err
}

type fakeBus struct {
	units    map[string]*fakeUnit
	resolves map[string]int
	closed   bool

	// hold, when set, runs before each resolve and may fail it.
	hold func(ctx context.Context, name string) error
}

func newFakeBus(units ...*fakeUnit) *fakeBus {
	b := &fakeBus{units: map[string]*fakeUnit{}, resolves: map[string]int{}}
	for _, u := range units {
		b.units[u.name] = u
	}
	return b
}

func (b *fakeBus) ResolveUnit(ctx context.Context, name string) (systemdbus.Unit, error) {
	b.resolves[name]++
	if b.hold != nil {
		if err := b.hold(ctx, name); err != nil {
			return nil, err
		}
	}
	u, ok := b.units[name]
	if !ok {
		return nil, dbus.Error{Name: systemdbus.ErrNameNoSuchUnit, Body: []interface{}{"Unit " + name + " not loaded."}}
	}
	return u, nil
}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

type registration struct {
	name     string
	interval time.Duration
	fn       host.ReadFunc
}

type fakeHost struct {
	regs       []registration
	dispatched []metrics.ValueList
	regErr     error
}

func (h *fakeHost) RegisterRead(name string, interval time.Duration, fn host.ReadFunc) error {
	if h.regErr != nil {
		return h.regErr
	}
	h.regs = append(h.regs, registration{name, interval, fn})
	return nil
}

func (h *fakeHost) Dispatch(ctx context.Context, vl metrics.ValueList) {
	h.dispatched = append(h.dispatched, vl)
}

func (h *fakeHost) tick(t *testing.T) {
	t.Helper()
	require.Len(t, h.regs, 1)
	h.regs[0].fn(context.Background())
}

type logLines struct{ buf bytes.Buffer }

func (l *logLines) logger() logx.Logger { return logx.NewJSON(&l.buf, "trace") }

func (l *logLines) count(level string) int {
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(l.buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		if json.Unmarshal(sc.Bytes(), &m) == nil && m["level"] == level {
			n++
		}
	}
	return n
}

type dialer struct {
	bus   systemdbus.Bus
	err   error
	calls int
}

func (d *dialer) dial(ctx context.Context) (systemdbus.Bus, error) {
	d.calls++
	return d.bus, d.err
}

func nodes(kv ...any) []config.Node {
	var out []config.Node
	for i := 0; i+1 < len(kv); i += 2 {
		var vals []string
		switch v := kv[i+1].(type) {
		case string:
			vals = []string{v}
		case []string:
			vals = v
		}
		out = append(out, config.Node{Key: kv[i].(string), Values: vals})
	}
	return out
}

func gauge(unit string, v float64) metrics.ValueList {
	return metrics.ValueList{
		Plugin:         "systemd",
		PluginInstance: unit,
		Type:           "gauge",
		TypeInstance:   "active",
		Values:         []float64{v},
	}
}

func TestClassify(t *testing.T) {
	for state, want := range map[string]float64{
		"active":       1,
		"inactive":     0,
		"failed":       0,
		"activating":   0,
		"deactivating": 0,
		"reloading":    0,
		"broken":       0,
		"Active":       0,
		" active":      0,
		"":             0,
	} {
		assert.Equal(t, want, Classify(state), state)
	}
}

func TestQueryStateBrokenSkipsBus(t *testing.T) {
	state, err := QueryState(context.Background(), brokenEntry(errors.New("gone")))
	require.NoError(t, err)
	assert.Equal(t, StateBroken, state)

	u := &fakeUnit{name: "a.service", state: "reloading"}
	state, err = QueryState(context.Background(), resolvedEntry(u))
	require.NoError(t, err)
	assert.Equal(t, "reloading", state)
	assert.Equal(t, 1, u.reads)

	u.err = errors.New("bus went away")
	state, err = QueryState(context.Background(), resolvedEntry(u))
	require.Error(t, err)
	assert.Equal(t, StateBroken, state)
}

func TestResolveIsIdempotent(t *testing.T) {
	var logs logLines
	bus := newFakeBus(&fakeUnit{name: "sshd.service", state: "active"})
	c := NewCache(bus, logs.logger())
	ctx := context.Background()

	a := c.Resolve(ctx, "sshd.service")
	b := c.Resolve(ctx, "sshd.service")
	assert.False(t, a.Broken())
	assert.Same(t, a.Unit(), b.Unit())
	assert.Equal(t, 1, bus.resolves["sshd.service"])

	g1 := c.Resolve(ctx, "ghost.service")
	g2 := c.Resolve(ctx, "ghost.service")
	assert.True(t, g1.Broken())
	assert.True(t, g2.Broken())
	assert.True(t, systemdbus.IsNoSuchUnit(g1.Reason()))
	assert.Nil(t, g1.Unit())
	assert.Equal(t, 1, bus.resolves["ghost.service"])
	assert.Equal(t, 1, logs.count("warn"))
	assert.Equal(t, 2, c.Len())
}

func TestResolveInterruptedIsNotCached(t *testing.T) {
	var logs logLines
	bus := newFakeBus(&fakeUnit{name: "sshd.service", state: "active"})
	bus.hold = func(ctx context.Context, _ string) error { return ctx.Err() }
	c := NewCache(bus, logs.logger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := c.Resolve(ctx, "sshd.service")
	assert.True(t, e.Broken())
	assert.ErrorIs(t, e.Reason(), context.Canceled)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, logs.count("warn"))

	e = c.Resolve(context.Background(), "sshd.service")
	assert.False(t, e.Broken())
	assert.Equal(t, 2, bus.resolves["sshd.service"])
	assert.Equal(t, 1, c.Len())
}

func TestResolveNilHandleIsBroken(t *testing.T) {
	c := NewCache(nilBus{}, logx.Nop())
	e := c.Resolve(context.Background(), "x.service")
	assert.True(t, e.Broken())
	assert.ErrorIs(t, e.Reason(), errNoHandle)
}

type nilBus struct{}

func (nilBus) ResolveUnit(context.Context, string) (systemdbus.Unit, error) { return nil, nil }

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.False(t, cfg.Verbose)
	assert.Empty(t, cfg.Units)

	cfg, err = ParseConfig(nodes(
		"Unit", []string{"a.service", "b.service"},
		"Interval", "2.5",
		"Verbose", "TRUE",
		"Unit", "a.service",
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.service", "b.service", "a.service"}, cfg.Units)
	assert.Equal(t, 2500*time.Millisecond, cfg.Interval)
	assert.True(t, cfg.Verbose)

	cfg, err = ParseConfig(nodes("Verbose", "yes"))
	require.NoError(t, err)
	assert.False(t, cfg.Verbose)
}

func TestParseConfigErrors(t *testing.T) {
	cases := []struct {
		name  string
		nodes []config.Node
		want  error
	}{
		{"unknown key", nodes("Unit", "a.service", "Timeout", "5"), ErrUnknownKey},
		{"lowercase key", nodes("unit", "a.service"), ErrUnknownKey},
		{"interval zero", nodes("Interval", "0"), ErrBadValue},
		{"interval negative", nodes("Interval", "-3"), ErrBadValue},
		{"interval text", nodes("Interval", "soon"), ErrBadValue},
		{"interval nan", nodes("Interval", "NaN"), ErrBadValue},
		{"interval two values", nodes("Interval", []string{"1", "2"}), ErrBadValue},
		{"verbose empty", nodes("Verbose", []string{}), ErrBadValue},
		{"empty unit", nodes("Unit", ""), ErrBadValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig(tc.nodes)
			require.ErrorIs(t, err, tc.want)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, err.Error(), ce.Key)
		})
	}
}

// Unit=["sshd.service"], Interval=30, unit is active.
func TestScenarioActiveUnit(t *testing.T) {
	h := &fakeHost{}
	d := &dialer{bus: newFakeBus(&fakeUnit{name: "sshd.service", state: "active"})}
	m := New(h, d.dial, logx.Nop())

	require.NoError(t, m.Configure(context.Background(), nodes("Unit", "sshd.service", "Interval", "30")))
	assert.Equal(t, PhaseActive, m.Phase())
	require.Len(t, h.regs, 1)
	assert.Equal(t, "systemd", h.regs[0].name)
	assert.Equal(t, 30*time.Second, h.regs[0].interval)

	h.tick(t)
	assert.Equal(t, []metrics.ValueList{gauge("sshd.service", 1)}, h.dispatched)
}

// A unit that fails to resolve reports 0 and warns once across the run.
func TestScenarioBrokenUnitNeverRetried(t *testing.T) {
	var logs logLines
	h := &fakeHost{}
	bus := newFakeBus()
	d := &dialer{bus: bus}
	m := New(h, d.dial, logs.logger())

	require.NoError(t, m.Configure(context.Background(), nodes("Unit", "ghost.service")))
	for i := 0; i < 3; i++ {
		h.tick(t)
	}

	assert.Equal(t, []metrics.ValueList{
		gauge("ghost.service", 0), gauge("ghost.service", 0), gauge("ghost.service", 0),
	}, h.dispatched)
	assert.Equal(t, 1, bus.resolves["ghost.service"])
	assert.Equal(t, 1, logs.count("warn"))
	assert.Equal(t, 0, logs.count("info"), "not verbose")
}

// Two units, reported in configured order.
func TestScenarioOrderPreserved(t *testing.T) {
	h := &fakeHost{}
	d := &dialer{bus: newFakeBus(
		&fakeUnit{name: "a.service", state: "failed"},
		&fakeUnit{name: "b.service", state: "active"},
	)}
	m := New(h, d.dial, logx.Nop())

	require.NoError(t, m.Configure(context.Background(), nodes("Unit", []string{"a.service", "b.service"})))
	h.tick(t)
	assert.Equal(t, []metrics.ValueList{gauge("a.service", 0), gauge("b.service", 1)}, h.dispatched)
}

// Verbose adds info lines on every tick.
func TestScenarioVerboseLogsEachTick(t *testing.T) {
	var logs logLines
	h := &fakeHost{}
	d := &dialer{bus: newFakeBus(&fakeUnit{name: "a.service", state: "active"})}
	m := New(h, d.dial, logs.logger())

	require.NoError(t, m.Configure(context.Background(), nodes("Unit", "a.service", "Verbose", "true")))
	afterConfigure := logs.count("info")
	assert.Equal(t, 1, afterConfigure)

	h.tick(t)
	afterFirst := logs.count("info")
	assert.Greater(t, afterFirst, afterConfigure)

	h.tick(t)
	assert.Equal(t, 2*afterFirst-afterConfigure, logs.count("info"))
	assert.Zero(t, logs.count("warn"))
}

func TestDuplicateUnitsReportedRedundantly(t *testing.T) {
	h := &fakeHost{}
	bus := newFakeBus(&fakeUnit{name: "a.service", state: "active"})
	m := New(h, (&dialer{bus: bus}).dial, logx.Nop())

	require.NoError(t, m.Configure(context.Background(), nodes("Unit", []string{"a.service", "a.service"})))
	h.tick(t)
	assert.Equal(t, []metrics.ValueList{gauge("a.service", 1), gauge("a.service", 1)}, h.dispatched)
	assert.Equal(t, 1, bus.resolves["a.service"])
}

func TestEmptyUnitListStaysIdle(t *testing.T) {
	h := &fakeHost{}
	d := &dialer{bus: newFakeBus()}
	m := New(h, d.dial, logx.Nop())

	require.NoError(t, m.Configure(context.Background(), nodes("Interval", "10")))
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.Zero(t, d.calls, "no bus connection")
	assert.Empty(t, h.regs, "no read registered")

	m.Read(context.Background())
	assert.Empty(t, h.dispatched)
	assert.ErrorIs(t, m.Configure(context.Background(), nodes("Unit", "a.service")), ErrAlreadyConfigured)
}

func TestUnknownKeyAppliesNothing(t *testing.T) {
	h := &fakeHost{}
	d := &dialer{bus: newFakeBus()}
	m := New(h, d.dial, logx.Nop())

	err := m.Configure(context.Background(), nodes("Unit", "a.service", "Interval", "5", "Colour", "blue"))
	require.ErrorIs(t, err, ErrUnknownKey)
	assert.Equal(t, PhaseUnconfigured, m.Phase())
	assert.Empty(t, m.Config().Units)
	assert.Zero(t, m.Config().Interval)
	assert.Zero(t, d.calls)
	assert.Empty(t, h.regs)
}

func TestConfigureTwiceFails(t *testing.T) {
	h := &fakeHost{}
	d := &dialer{bus: newFakeBus()}
	m := New(h, d.dial, logx.Nop())
	require.NoError(t, m.Configure(context.Background(), nodes("Unit", "a.service")))
	require.ErrorIs(t, m.Configure(context.Background(), nodes("Unit", "b.service")), ErrAlreadyConfigured)
	assert.Equal(t, 1, d.calls)
	assert.Len(t, h.regs, 1)
}

func TestBusConnectFailureIsFatal(t *testing.T) {
	h := &fakeHost{}
	boom := errors.New("no system bus")
	m := New(h, (&dialer{err: boom}).dial, logx.Nop())

	err := m.Configure(context.Background(), nodes("Unit", "a.service"))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, PhaseUnconfigured, m.Phase())
	assert.Empty(t, h.regs)
}

func TestRegisterFailureClosesBus(t *testing.T) {
	h := &fakeHost{regErr: host.ErrDuplicateRead}
	bus := newFakeBus()
	m := New(h, (&dialer{bus: bus}).dial, logx.Nop())

	err := m.Configure(context.Background(), nodes("Unit", "a.service"))
	require.ErrorIs(t, err, host.ErrDuplicateRead)
	assert.True(t, bus.closed)
	assert.Equal(t, PhaseUnconfigured, m.Phase())
	assert.Equal(t, Config{}, m.Config())
}

func TestPropertyReadFailureIsTransient(t *testing.T) {
	var logs logLines
	h := &fakeHost{}
	u := &fakeUnit{name: "a.service", state: "active"}
	bus := newFakeBus(u)
	m := New(h, (&dialer{bus: bus}).dial, logs.logger())
	require.NoError(t, m.Configure(context.Background(), nodes("Unit", "a.service", "Verbose", "true")))

	u.err = errors.New("connection reset")
	h.tick(t)
	h.tick(t)
	u.err = nil
	h.tick(t)

	assert.Equal(t, []metrics.ValueList{
		gauge("a.service", 0), gauge("a.service", 0), gauge("a.service", 1),
	}, h.dispatched)
	assert.Equal(t, 1, bus.resolves["a.service"], "entry stays resolved")
	assert.Equal(t, 3, u.reads, "queried every tick")
	assert.Equal(t, 1, logs.count("warn"), "warned once while failing")
}

func TestCloseReleasesBus(t *testing.T) {
	bus := newFakeBus()
	m := New(&fakeHost{}, (&dialer{bus: bus}).dial, logx.Nop())
	require.NoError(t, m.Close())
	require.NoError(t, m.Configure(context.Background(), nodes("Unit", "a.service")))
	require.NoError(t, m.Close())
	assert.True(t, bus.closed)
}

func TestMonitorWithRealHost(t *testing.T) {
	sink := &captureSink{}
	h := host.New(host.Options{Hostname: "node-1", Sink: sink})
	d := &dialer{bus: newFakeBus(&fakeUnit{name: "sshd.service", state: "active"})}
	m := New(h, d.dial, logx.Nop())

	require.NoError(t, h.RegisterConfig(PluginName, m.Configure))
	require.NoError(t, h.Configure(context.Background(), map[string]json.RawMessage{
		"systemd": json.RawMessage(`{"Unit": ["sshd.service", "ghost.service"], "Interval": 30}`),
	}))
	h.ReadAll(context.Background())

	require.Len(t, sink.got, 2)
	assert.Equal(t, "node-1/systemd-sshd.service/gauge-active", sink.got[0].Identifier())
	assert.Equal(t, []float64{1}, sink.got[0].Values)
	assert.Equal(t, 30*time.Second, sink.got[0].Interval)
	assert.Equal(t, []float64{0}, sink.got[1].Values)
}

func TestReadTimeoutDoesNotBreakUnits(t *testing.T) {
	var logs logLines
	sink := &captureSink{}
	h := host.New(host.Options{Hostname: "node-1", Sink: sink, ReadTimeout: 30 * time.Millisecond})
	bus := newFakeBus(
		&fakeUnit{name: "a.service", state: "active"},
		&fakeUnit{name: "b.service", state: "active"},
	)
	stalled := true
	bus.hold = func(ctx context.Context, _ string) error {
		if !stalled {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}
	m := New(h, (&dialer{bus: bus}).dial, logs.logger())

	require.NoError(t, h.RegisterConfig(PluginName, m.Configure))
	require.NoError(t, h.Configure(context.Background(), map[string]json.RawMessage{
		"systemd": json.RawMessage(`{"Unit": ["a.service", "b.service"], "Interval": 30}`),
	}))

	h.ReadAll(context.Background())
	stalled = false
	h.ReadAll(context.Background())
	h.ReadAll(context.Background())

	var values []float64
	for _, vl := range sink.got {
		values = append(values, vl.Values[0])
	}
	assert.Equal(t, []float64{0, 0, 1, 1, 1, 1}, values)
	assert.Equal(t, 2, bus.resolves["a.service"])
	assert.Equal(t, 2, bus.resolves["b.service"])
	assert.Equal(t, 0, logs.count("warn"))
}

type captureSink struct{ got []metrics.ValueList }

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Write(ctx context.Context, vl metrics.ValueList) error {
	c.got = append(c.got, vl)
	return nil
}
