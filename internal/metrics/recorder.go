package metrics

import "time"

// Recorder defines self-observability hooks for the host. All methods must be
// safe to call on the NoopRecorder so metrics stay optional.
type Recorder interface {
	ObserveReadDuration(plugin string, d time.Duration)
	IncDispatched(plugin string)
	IncDispatchError(sink string)
	IncReadSkipped(plugin string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveReadDuration(string, time.Duration) {}
func (NoopRecorder) IncDispatched(string)                      {}
func (NoopRecorder) IncDispatchError(string)                   {}
func (NoopRecorder) IncReadSkipped(string)                     {}
