// Package host is the metrics host plugins run inside. It hands each plugin
// its configuration block once, schedules the read callbacks plugins
// register, and fans dispatched value lists out to the configured sinks.
//
// Read callbacks never run concurrently with each other: the host holds a
// single read lock around every invocation, and a tick that fires while the
// previous invocation of the same callback is still running is skipped.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"unitgauge/internal/config"
	"unitgauge/internal/metrics"
	logx "unitgauge/pkg/logx"
)

// ConfigFunc receives a plugin's configuration block, in file order.
type ConfigFunc func(ctx context.Context, nodes []config.Node) error

// ReadFunc is a recurring read callback. It reports through Dispatch.
type ReadFunc func(ctx context.Context)

var (
	ErrDuplicateRead   = errors.New("read callback already registered")
	ErrDuplicateConfig = errors.New("config callback already registered")
	ErrUnknownPlugin   = errors.New("no plugin registered for config block")
)

type Options struct {
	Hostname    string
	Sink        metrics.Sink
	Recorder    metrics.Recorder
	Log         logx.Logger
	ReadTimeout time.Duration
}

type Host struct {
	hostname    string
	sink        metrics.Sink
	rec         metrics.Recorder
	log         logx.Logger
	readTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	configs map[string]ConfigFunc
	reads   []*readDef
	c       *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc

	// readMu serializes every read callback across all plugins.
	readMu sync.Mutex
}

type readDef struct {
	name     string
	interval time.Duration
	fn       ReadFunc
	entryID  cron.EntryID
}

// ReadInfo describes a registered read callback.
type ReadInfo struct {
	Name     string
	Interval time.Duration
	Next     time.Time
}

func New(opts Options) *Host {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	rec := opts.Recorder
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Host{
		hostname:    opts.Hostname,
		sink:        opts.Sink,
		rec:         rec,
		log:         log,
		readTimeout: opts.ReadTimeout,
		now:         time.Now,
		configs:     map[string]ConfigFunc{},
	}
}

// RegisterConfig installs the configuration callback for plugin.
func (h *Host) RegisterConfig(plugin string, fn ConfigFunc) error {
	if strings.TrimSpace(plugin) == "" || fn == nil {
		return errors.New("plugin name and callback are required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.configs[plugin]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConfig, plugin)
	}
	h.configs[plugin] = fn
	return nil
}

// Configure invokes each plugin's configuration callback with its block.
// Blocks are processed in plugin-name order; the first failure aborts.
// Plugins without a block are left unconfigured.
func (h *Host) Configure(ctx context.Context, blocks map[string]json.RawMessage) error {
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		h.mu.Lock()
		fn, ok := h.configs[name]
		h.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
		}
		nodes, err := config.DecodeNodes(blocks[name])
		if err != nil {
			return fmt.Errorf("plugin %s: %w", name, err)
		}
		if err := fn(ctx, nodes); err != nil {
			return fmt.Errorf("plugin %s: %w", name, err)
		}
		h.log.Debug("plugin configured", logx.String("plugin", name), logx.Int("keys", len(nodes)))
	}
	return nil
}

// RegisterRead schedules fn every interval. Registering after Start
// schedules immediately.
func (h *Host) RegisterRead(name string, interval time.Duration, fn ReadFunc) error {
	if strings.TrimSpace(name) == "" || fn == nil {
		return errors.New("read name and callback are required")
	}
	if interval <= 0 {
		return fmt.Errorf("read %s: interval must be > 0, got %s", name, interval)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.reads {
		if d.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateRead, name)
		}
	}
	d := &readDef{name: name, interval: interval, fn: fn}
	h.reads = append(h.reads, d)
	if h.c != nil {
		h.scheduleLocked(d)
	}
	h.log.Debug("read registered", logx.String("name", name), logx.Duration("interval", interval))
	return nil
}

// Reads lists registered read callbacks in registration order.
func (h *Host) Reads() []ReadInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ReadInfo, 0, len(h.reads))
	for _, d := range h.reads {
		ri := ReadInfo{Name: d.name, Interval: d.interval}
		if h.c != nil && d.entryID != 0 {
			ri.Next = h.c.Entry(d.entryID).Next
		}
		out = append(out, ri)
	}
	return out
}

// Start begins scheduling registered reads. Reads run with a context
// derived from ctx; it is canceled by Stop.
func (h *Host) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.c != nil {
		return
	}
	h.baseCtx, h.cancel = context.WithCancel(ctx)

	cl := cronLogger{log: h.log}
	h.c = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	for _, d := range h.reads {
		h.scheduleLocked(d)
	}
	h.c.Start()
	h.log.Info("host started", logx.Int("reads", len(h.reads)))
}

// Stop stops scheduling and waits for a running read, bounded by ctx.
func (h *Host) Stop(ctx context.Context) {
	h.mu.Lock()
	c := h.c
	cancel := h.cancel
	h.c = nil
	h.cancel = nil
	h.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	h.log.Info("host stopped")
}

// ReadAll runs every registered read once, in registration order.
func (h *Host) ReadAll(ctx context.Context) {
	h.mu.Lock()
	defs := append([]*readDef(nil), h.reads...)
	h.mu.Unlock()
	for _, d := range defs {
		h.runRead(ctx, d)
	}
}

func (h *Host) scheduleLocked(d *readDef) {
	job := cron.FuncJob(func() {
		h.mu.Lock()
		ctx := h.baseCtx
		h.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		h.runRead(ctx, d)
	})
	d.entryID = h.c.Schedule(intervalSchedule{every: d.interval}, skipIfRunning(d.name, h.rec, h.log)(job))
}

func (h *Host) runRead(ctx context.Context, d *readDef) {
	h.readMu.Lock()
	defer h.readMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	ctx = context.WithValue(ctx, readKey{}, d)
	if h.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.readTimeout)
		defer cancel()
	}

	start := time.Now()
	d.fn(ctx)
	h.rec.ObserveReadDuration(d.name, time.Since(start))
}

type readKey struct{}

// Dispatch stamps missing host, time and interval fields and writes vl to
// every sink. Sink failures are logged and counted here; they are never
// returned to the plugin.
func (h *Host) Dispatch(ctx context.Context, vl metrics.ValueList) {
	if vl.Host == "" {
		vl.Host = h.hostname
	}
	if vl.Time.IsZero() {
		vl.Time = h.now()
	}
	if vl.Interval == 0 {
		if d, ok := ctx.Value(readKey{}).(*readDef); ok {
			vl.Interval = d.interval
		}
	}
	if err := vl.Validate(); err != nil {
		h.log.Error("dropping invalid value list", logx.Err(err))
		return
	}
	h.rec.IncDispatched(vl.Plugin)

	if h.sink == nil {
		return
	}
	err := h.sink.Write(ctx, vl)
	if err == nil {
		return
	}
	for _, name := range failedSinks(err, h.sink.Name()) {
		h.rec.IncDispatchError(name)
	}
	h.log.Error("dispatch failed", logx.String("id", vl.Identifier()), logx.Err(err))
}

// failedSinks names the sinks behind err, falling back to def.
func failedSinks(err error, def string) []string {
	var out []string
	var collect func(error)
	collect = func(e error) {
		var se *metrics.SinkError
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range j.Unwrap() {
				collect(inner)
			}
			return
		}
		if errors.As(e, &se) {
			out = append(out, se.Sink)
		}
	}
	collect(err)
	if len(out) == 0 {
		out = append(out, def)
	}
	return out
}
