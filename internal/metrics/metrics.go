// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Tracking pipeline metrics
	IncTracked(outcome string)  // outcome: "visit" or "duplicate"
	IncSkipped(reason string)   // reason: "excluded_path" or "bot"
	IncTrackError(stage string) // stage: "ledger", "aggregate", "panic", "timeout", "dropped"
	ObserveTrackDuration(duration time.Duration)

	// Active visitor registry metrics
	SetActiveVisitors(n int)
	AddActiveEvicted(n int)

	// Geo lookup metrics
	IncGeoLookup(result string) // result: "hit", "miss", "error"

	// Visit stream metrics
	IncVisitPublished(result string) // result: "success", "fallback", "dropped"
	IncVisitProcessed(result string) // result: "success", "failed", "dead_lettered"
	SetVisitQueueDepth(depth int64)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
