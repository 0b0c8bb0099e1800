package app

import (
	"io"
	"strings"

	"github.com/nats-io/nats.go"
	prom "github.com/prometheus/client_golang/prometheus"

	"unitgauge/internal/config"
	"unitgauge/internal/metrics"
	logx "unitgauge/pkg/logx"
)

// buildSinks maps the metrics section to a fan-out sink. In once mode the
// configured sinks are ignored and PUTVAL goes to stdout.
func buildSinks(mc config.MetricsConfig, reg prom.Registerer, opts Options, log logx.Logger) (metrics.Sink, []io.Closer, error) {
	if opts.Once {
		return metrics.NewPutvalSink(opts.Stdout), nil, nil
	}

	var (
		sinks   metrics.Multi
		closers []io.Closer
	)
	if mc.Prometheus.Enabled {
		sinks = append(sinks, metrics.NewPrometheusSink(reg))
	}
	if mc.Putval.Enabled {
		sinks = append(sinks, metrics.NewPutvalSink(opts.Stdout))
	}
	if mc.NATS.Enabled {
		url := strings.TrimSpace(mc.NATS.URL)
		if url == "" {
			url = nats.DefaultURL
		}
		subject := strings.TrimSpace(mc.NATS.Subject)
		if subject == "" {
			subject = config.DefaultNATSSubject
		}
		ns, err := metrics.NewNATSSink(url, subject)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, nil, err
		}
		sinks = append(sinks, ns)
		closers = append(closers, ns)
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	if len(sinks) == 0 {
		log.Warn("no metric sinks enabled; values are discarded")
	} else {
		log.Info("metric sinks ready", logx.Strings("sinks", names))
	}
	return sinks, closers, nil
}
