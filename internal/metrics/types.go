package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const TypeGauge = "gauge"

// ValueList is one metric tuple, identified the collectd way:
// host/plugin-plugin_instance/type-type_instance.
type ValueList struct {
	Host           string        `json:"host"`
	Plugin         string        `json:"plugin"`
	PluginInstance string        `json:"plugin_instance,omitempty"`
	Type           string        `json:"type"`
	TypeInstance   string        `json:"type_instance,omitempty"`
	Time           time.Time     `json:"time"`
	Interval       time.Duration `json:"interval"`
	Values         []float64     `json:"values"`
}

// Identifier renders host/plugin[-instance]/type[-instance].
func (vl ValueList) Identifier() string {
	plugin := vl.Plugin
	if vl.PluginInstance != "" {
		plugin += "-" + vl.PluginInstance
	}
	typ := vl.Type
	if vl.TypeInstance != "" {
		typ += "-" + vl.TypeInstance
	}
	return vl.Host + "/" + plugin + "/" + typ
}

func (vl ValueList) Validate() error {
	if vl.Plugin == "" {
		return errors.New("value list: plugin is required")
	}
	if vl.Type == "" {
		return errors.New("value list: type is required")
	}
	if len(vl.Values) == 0 {
		return fmt.Errorf("value list %s: no values", vl.Identifier())
	}
	return nil
}

// Sink receives every dispatched value list.
type Sink interface {
	Name() string
	Write(ctx context.Context, vl ValueList) error
}

// SinkError attributes a write failure to the sink that produced it.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return e.Sink + ": " + e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }

// Multi fans a value list out to every sink; one failing sink does not stop
// the others. Failures are joined as *SinkError values.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Write(ctx context.Context, vl ValueList) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, vl); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}
