// Package metrics defines the value list dispatched by read callbacks and
// the sinks that deliver it: a Prometheus registry, collectd's PUTVAL text
// protocol and NATS.
package metrics
