package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"unitgauge/internal/config"
	"unitgauge/internal/host"
	"unitgauge/internal/metrics"
	"unitgauge/internal/runtime/supervisor"
	"unitgauge/internal/unitstate"
	logx "unitgauge/pkg/logx"
)

// ErrConfigChanged is returned by Run when --watch-config saw the config
// file change. Settings are fixed per process, so the caller restarts.
var ErrConfigChanged = errors.New("config file changed; restart required")

type Options struct {
	ConfigPath string

	// WatchConfig makes Run return ErrConfigChanged on a config content change.
	WatchConfig bool

	// Once replaces every configured sink with PUTVAL lines on Stdout.
	Once bool

	// Stdout receives PUTVAL lines. Defaults to os.Stdout.
	Stdout io.Writer

	// Dial opens the system bus for the systemd plugin. Defaults to the real bus.
	Dial unitstate.DialFunc
}

type App struct {
	opts   Options
	cfg    *config.Config
	loader *config.Loader

	log  logx.Logger
	logs *logx.Service

	reg     *prom.Registry
	closers []io.Closer
	host    *host.Host
	monitor *unitstate.Monitor

	sup *supervisor.Supervisor

	addrMu sync.Mutex
	addr   string

	configChanged atomic.Bool
	stopOnce      sync.Once
}

// New loads the config and builds every component. Nothing is started and
// the bus is not touched until Run or Once.
func New(opts Options) (*App, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Dial == nil {
		opts.Dial = dialSystemBus
	}

	loader := config.NewLoader(opts.ConfigPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg.Logging))
	loader.SetLogger(log.With(logx.String("comp", "config")))

	hostname, err := resolveHostname(cfg.Metrics.Hostname)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	readTimeout, err := config.ParseDurationField("metrics.read_timeout", cfg.Metrics.ReadTimeout)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	reg := prom.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sink, closers, err := buildSinks(cfg.Metrics, reg, opts, log.With(logx.String("comp", "sinks")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	h := host.New(host.Options{
		Hostname:    hostname,
		Sink:        sink,
		Recorder:    metrics.NewPrometheusRecorder(reg),
		Log:         log.With(logx.String("comp", "host")),
		ReadTimeout: readTimeout,
	})

	a := &App{
		opts:    opts,
		cfg:     cfg,
		loader:  loader,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		reg:     reg,
		closers: closers,
		host:    h,
	}
	if err := a.registerPlugins(log); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

// Configure hands each plugin block to its plugin. Bus connection failures
// and plugin config errors surface here, before any polling starts.
func (a *App) Configure(ctx context.Context) error {
	if err := a.host.Configure(ctx, a.cfg.Plugins); err != nil {
		return err
	}
	for _, r := range a.host.Reads() {
		a.log.Info("read registered", logx.String("name", r.Name), logx.Duration("interval", r.Interval))
	}
	return nil
}

// Once configures plugins, runs every read a single time and releases
// resources.
func (a *App) Once(ctx context.Context) error {
	defer a.closeAll()
	if err := a.Configure(ctx); err != nil {
		return err
	}
	a.host.ReadAll(ctx)
	return nil
}

// Run configures plugins, starts scheduling and serving, and blocks until
// ctx is canceled, a supervised goroutine fails or the config changes.
func (a *App) Run(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	if err := a.Configure(a.sup.Context()); err != nil {
		return err
	}
	if err := a.startHTTP(); err != nil {
		return err
	}
	a.host.Start(a.sup.Context())

	if a.opts.WatchConfig {
		a.sup.GoRestart("config.watch", time.Second, 30*time.Second, func(c context.Context) error {
			return a.loader.Watch(c, a.onConfigChange)
		})
	}
	if iv := watchdogInterval(); iv > 0 {
		a.sup.Go0("watchdog", func(c context.Context) { runWatchdog(c, iv, a.log) })
	}

	notifyReady(a.log)
	a.log.Info("unitgauge running",
		logx.String("config", a.loader.Path()),
		logx.Int("reads", len(a.host.Reads())),
		logx.Bool("watch_config", a.opts.WatchConfig),
	)

	<-a.sup.Done()
	if a.configChanged.Load() {
		return ErrConfigChanged
	}
	return a.sup.Err()
}

func (a *App) onConfigChange(*config.Config) {
	a.log.Warn("config file changed; exiting for restart", logx.String("path", a.loader.Path()))
	a.configChanged.Store(true)
	a.sup.Cancel()
}

// Addr is the bound metrics listen address, once serving.
func (a *App) Addr() string {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

func (a *App) startHTTP() error {
	pc := a.cfg.Metrics.Prometheus
	if !pc.Enabled {
		return nil
	}
	listen := strings.TrimSpace(pc.Listen)
	if listen == "" {
		listen = config.DefaultPrometheusListen
	}
	path := strings.TrimSpace(pc.Path)
	if path == "" {
		path = config.DefaultPrometheusPath
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", listen, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr().String()
	a.addrMu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(path, metrics.HTTPHandler(a.reg))
	mux.HandleFunc("/healthz", a.healthz)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	a.sup.Go("http", func(c context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()
		select {
		case <-c.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})
	a.log.Info("metrics endpoint listening", logx.String("addr", a.Addr()), logx.String("path", path))
	return nil
}

type health struct {
	Status string          `json:"status"`
	Phase  string          `json:"phase"`
	Reads  []host.ReadInfo `json:"reads"`
	Error  string          `json:"error,omitempty"`
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok", Phase: a.monitor.Phase().String(), Reads: a.host.Reads()}
	code := http.StatusOK
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			h.Status = "failing"
			h.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}

// Stop shuts components down in dependency order, each step bounded so
// one component can't stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) {
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))
		notifyStopping(a.log)

		if a.sup != nil {
			a.sup.Cancel()
		}
		a.step(ctx, "host", 2*time.Second, func(c context.Context) error { a.host.Stop(c); return nil })
		if a.sup != nil {
			a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
		}
		a.log.Info("stopped")
		a.closeAll()
	})
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// closeAll releases the bus, sinks and log outputs. Safe to call twice.
func (a *App) closeAll() {
	if a.monitor != nil {
		if err := a.monitor.Close(); err != nil {
			a.log.Warn("closing system bus", logx.Err(err))
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warn("closing sink", logx.Err(err))
		}
	}
	a.closers = nil
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func mapLogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Journal: logx.JournalConfig{
			Enabled:    c.Journal.Enabled,
			MinLevel:   c.Journal.MinLevel,
			RatePerSec: c.Journal.RatePerSec,
		},
	}
}

func resolveHostname(configured string) (string, error) {
	if h := strings.TrimSpace(configured); h != "" {
		return h, nil
	}
	h, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("metrics.hostname: not set and os.Hostname failed: %w", err)
	}
	return h, nil
}
