package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unitgauge"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	readDuration   *prom.HistogramVec
	dispatched     *prom.CounterVec
	dispatchErrors *prom.CounterVec
	readsSkipped   *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the host's own metrics.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		readDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "read_duration_seconds",
			Help:      "Duration of plugin read callbacks",
			Buckets:   prom.DefBuckets,
		}, []string{"plugin"}),
		dispatched: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Value lists dispatched by plugin",
		}, []string{"plugin"}),
		dispatchErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Sink write failures by sink",
		}, []string{"sink"}),
		readsSkipped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reads_skipped_total",
			Help:      "Read ticks skipped because the previous read was still running",
		}, []string{"plugin"}),
	}
	reg.MustRegister(pr.readDuration, pr.dispatched, pr.dispatchErrors, pr.readsSkipped)
	return pr
}

func (p *PrometheusRecorder) ObserveReadDuration(plugin string, d time.Duration) {
	if p == nil || p.readDuration == nil {
		return
	}
	p.readDuration.WithLabelValues(plugin).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncDispatched(plugin string) {
	if p == nil || p.dispatched == nil {
		return
	}
	p.dispatched.WithLabelValues(plugin).Inc()
}

func (p *PrometheusRecorder) IncDispatchError(sink string) {
	if p == nil || p.dispatchErrors == nil {
		return
	}
	p.dispatchErrors.WithLabelValues(sink).Inc()
}

func (p *PrometheusRecorder) IncReadSkipped(plugin string) {
	if p == nil || p.readsSkipped == nil {
		return
	}
	p.readsSkipped.WithLabelValues(plugin).Inc()
}

// PrometheusSink exposes dispatched gauges as Prometheus gauges named
// <plugin>_<type_instance> with host and instance labels, e.g.
// systemd_active{host="node-1",instance="sshd.service"}.
type PrometheusSink struct {
	reg prom.Registerer

	mu   sync.Mutex
	vecs map[string]*prom.GaugeVec
}

func NewPrometheusSink(reg prom.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	return &PrometheusSink{reg: reg, vecs: map[string]*prom.GaugeVec{}}
}

func (p *PrometheusSink) Name() string { return "prometheus" }

func (p *PrometheusSink) Write(ctx context.Context, vl ValueList) error {
	if vl.Type != TypeGauge {
		return fmt.Errorf("type %q not supported", vl.Type)
	}
	if len(vl.Values) != 1 {
		return fmt.Errorf("%s: expected one value, got %d", vl.Identifier(), len(vl.Values))
	}
	vec, err := p.vec(vl)
	if err != nil {
		return err
	}
	vec.WithLabelValues(vl.Host, vl.PluginInstance).Set(vl.Values[0])
	return nil
}

func (p *PrometheusSink) vec(vl ValueList) (*prom.GaugeVec, error) {
	suffix := vl.TypeInstance
	if suffix == "" {
		suffix = vl.Type
	}
	name := MetricName(vl.Plugin, suffix)

	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.vecs[name]; ok {
		return v, nil
	}
	v := prom.NewGaugeVec(prom.GaugeOpts{
		Name: name,
		Help: fmt.Sprintf("Gauge %s reported by the %s plugin", suffix, vl.Plugin),
	}, []string{"host", "instance"})
	if err := p.reg.Register(v); err != nil {
		var are prom.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		existing, ok := are.ExistingCollector.(*prom.GaugeVec)
		if !ok {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		v = existing
	}
	p.vecs[name] = v
	return v, nil
}

// MetricName joins parts with "_" and replaces characters Prometheus does
// not allow in metric names.
func MetricName(parts ...string) string {
	var b strings.Builder
	for i, part := range parts {
		if i > 0 {
			b.WriteByte('_')
		}
		for _, r := range part {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
				b.WriteRune(r)
			default:
				b.WriteByte('_')
			}
		}
	}
	s := b.String()
	if s == "" || (s[0] >= '0' && s[0] <= '9') {
		s = "_" + s
	}
	return s
}

// HTTPHandler returns an http.Handler that serves Prometheus metrics for the provided gatherer.
func HTTPHandler(g prom.Gatherer) http.Handler {
	if g == nil {
		g = prom.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
