package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncTracked is a no-op.
func (n *NoopRecorder) IncTracked(outcome string) {}

// IncSkipped is a no-op.
func (n *NoopRecorder) IncSkipped(reason string) {}

// IncTrackError is a no-op.
func (n *NoopRecorder) IncTrackError(stage string) {}

// ObserveTrackDuration is a no-op.
func (n *NoopRecorder) ObserveTrackDuration(duration time.Duration) {}

// SetActiveVisitors is a no-op.
func (n *NoopRecorder) SetActiveVisitors(count int) {}

// AddActiveEvicted is a no-op.
func (n *NoopRecorder) AddActiveEvicted(count int) {}

// IncGeoLookup is a no-op.
func (n *NoopRecorder) IncGeoLookup(result string) {}

// IncVisitPublished is a no-op.
func (n *NoopRecorder) IncVisitPublished(result string) {}

// IncVisitProcessed is a no-op.
func (n *NoopRecorder) IncVisitProcessed(result string) {}

// SetVisitQueueDepth is a no-op.
func (n *NoopRecorder) SetVisitQueueDepth(depth int64) {}
