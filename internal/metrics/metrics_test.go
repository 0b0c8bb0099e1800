package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeGauge(unit string, v float64) ValueList {
	return ValueList{
		Host:           "node-1",
		Plugin:         "systemd",
		PluginInstance: unit,
		Type:           TypeGauge,
		TypeInstance:   "active",
		Time:           time.Unix(1700000000, 0),
		Interval:       30 * time.Second,
		Values:         []float64{v},
	}
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "node-1/systemd-sshd.service/gauge-active", activeGauge("sshd.service", 1).Identifier())
	assert.Equal(t, "h/load/load", ValueList{Host: "h", Plugin: "load", Type: "load"}.Identifier())
}

func TestValidate(t *testing.T) {
	require.NoError(t, activeGauge("a.service", 0).Validate())
	assert.Error(t, ValueList{Type: TypeGauge, Values: []float64{1}}.Validate())
	assert.Error(t, ValueList{Plugin: "systemd", Values: []float64{1}}.Validate())
	assert.Error(t, ValueList{Plugin: "systemd", Type: TypeGauge}.Validate())
}

func TestFormatPutval(t *testing.T) {
	assert.Equal(t,
		"PUTVAL \"node-1/systemd-sshd.service/gauge-active\" interval=30.000 1700000000:1\n",
		FormatPutval(activeGauge("sshd.service", 1)))

	vl := activeGauge("a.service", math.NaN())
	vl.Time = time.Time{}
	vl.Interval = 0
	assert.Equal(t, "PUTVAL \"node-1/systemd-a.service/gauge-active\" N:U\n", FormatPutval(vl))
}

func TestFormatPutvalEscapesOnlyQuoteAndBackslash(t *testing.T) {
	vl := activeGauge("caf\u00e9\x01x\\y\"z.service", 1)
	assert.Equal(t,
		"PUTVAL \"node-1/systemd-caf\u00e9\x01x\\\\y\\\"z.service/gauge-active\" interval=30.000 1700000000:1\n",
		FormatPutval(vl))
}

func TestPutvalSinkWrites(t *testing.T) {
	var buf bytes.Buffer
	s := NewPutvalSink(&buf)
	require.NoError(t, s.Write(context.Background(), activeGauge("a.service", 0)))
	require.NoError(t, s.Write(context.Background(), activeGauge("b.service", 1)))
	assert.Equal(t,
		"PUTVAL \"node-1/systemd-a.service/gauge-active\" interval=30.000 1700000000:0\n"+
			"PUTVAL \"node-1/systemd-b.service/gauge-active\" interval=30.000 1700000000:1\n",
		buf.String())
}

func TestPrometheusSinkSetsGauges(t *testing.T) {
	reg := prom.NewRegistry()
	s := NewPrometheusSink(reg)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, activeGauge("sshd.service", 1)))
	require.NoError(t, s.Write(ctx, activeGauge("ghost.service", 0)))
	require.NoError(t, s.Write(ctx, activeGauge("sshd.service", 0)))

	vec := s.vecs["systemd_active"]
	require.NotNil(t, vec)
	assert.Equal(t, 0.0, testutil.ToFloat64(vec.WithLabelValues("node-1", "sshd.service")))
	assert.Equal(t, 2, testutil.CollectAndCount(vec))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	assert.Equal(t, "systemd_active", mfs[0].GetName())
}

func TestPrometheusSinkReusesRegisteredVec(t *testing.T) {
	reg := prom.NewRegistry()
	a := NewPrometheusSink(reg)
	b := NewPrometheusSink(reg)
	require.NoError(t, a.Write(context.Background(), activeGauge("x.service", 1)))
	require.NoError(t, b.Write(context.Background(), activeGauge("x.service", 0)))
	assert.Same(t, a.vecs["systemd_active"], b.vecs["systemd_active"])
}

func TestPrometheusSinkRejectsNonGauge(t *testing.T) {
	s := NewPrometheusSink(nil)
	vl := activeGauge("x.service", 1)
	vl.Type = "counter"
	assert.Error(t, s.Write(context.Background(), vl))

	vl = activeGauge("x.service", 1)
	vl.Values = []float64{1, 2}
	assert.Error(t, s.Write(context.Background(), vl))
}

func TestMetricName(t *testing.T) {
	assert.Equal(t, "systemd_active", MetricName("systemd", "active"))
	assert.Equal(t, "my_plugin_x_y", MetricName("my-plugin", "x.y"))
	assert.Equal(t, "_9p", MetricName("9p"))
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	s := &NATSSink{pub: pub, subject: "unitgauge"}

	require.NoError(t, s.Write(context.Background(), activeGauge("sshd.service", 1)))
	require.Equal(t, []string{"unitgauge.systemd"}, pub.subjects)

	var got ValueList
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, "sshd.service", got.PluginInstance)
	assert.Equal(t, []float64{1}, got.Values)
	assert.NoError(t, s.Close())
}

func TestMultiContinuesPastFailingSink(t *testing.T) {
	boom := errors.New("boom")
	bad := &NATSSink{pub: &fakePublisher{err: boom}, subject: "x"}
	var buf bytes.Buffer
	good := NewPutvalSink(&buf)

	err := Multi{bad, nil, good}.Write(context.Background(), activeGauge("a.service", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var se *SinkError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "nats", se.Sink)
	assert.NotEmpty(t, buf.String(), "good sink still written")
}

func TestPrometheusRecorderRegisters(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObserveReadDuration("systemd", 150*time.Millisecond)
	pr.IncDispatched("systemd")
	pr.IncDispatchError("nats")
	pr.IncReadSkipped("systemd")

	assert.Equal(t, 1.0, testutil.ToFloat64(pr.dispatchErrors.WithLabelValues("nats")))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 4)

	var nilRec *PrometheusRecorder
	nilRec.IncDispatched("systemd")
	NoopRecorder{}.IncDispatchError("x")
}
