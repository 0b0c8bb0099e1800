package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// publisher is the subset of *nats.Conn the sink needs.
type publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes each value list as JSON on <subject>.<plugin>.
type NATSSink struct {
	pub     publisher
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to url. The connection reconnects on its own; writes
// made while disconnected are buffered by the client.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	if strings.TrimSpace(url) == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("unitgauge"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{pub: conn, conn: conn, subject: subject}, nil
}

func (n *NATSSink) Name() string { return "nats" }

func (n *NATSSink) Subject(vl ValueList) string {
	return n.subject + "." + MetricName(vl.Plugin)
}

func (n *NATSSink) Write(ctx context.Context, vl ValueList) error {
	b, err := json.Marshal(vl)
	if err != nil {
		return err
	}
	return n.pub.Publish(n.Subject(vl), b)
}

// Close drains pending publishes before closing the connection.
func (n *NATSSink) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
