package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	TrackedVisits        uint64
	TrackedDuplicates    uint64
	SkippedExcluded      uint64
	SkippedBots          uint64
	ErrorsLedger         uint64
	ErrorsAggregate      uint64
	ErrorsPanic          uint64
	ErrorsTimeout        uint64
	ErrorsDropped        uint64
	TrackDurationCount   uint64
	TrackDurationTotalNs int64
	ActiveVisitors       int64
	ActiveEvicted        uint64
	GeoLookupHits        uint64
	GeoLookupMisses      uint64
	GeoLookupErrors      uint64
	VisitsPublished      uint64
	VisitsFallback       uint64
	VisitsDropped        uint64
	VisitsProcessed      uint64
	VisitsFailed         uint64
	VisitsDeadLettered   uint64
	VisitQueueDepth      int64
}

// InMemoryRecorder stores metrics in memory. It backs the /metrics endpoint
// and is used directly by tests.
type InMemoryRecorder struct {
	trackedVisits        uint64
	trackedDuplicates    uint64
	skippedExcluded      uint64
	skippedBots          uint64
	errorsLedger         uint64
	errorsAggregate      uint64
	errorsPanic          uint64
	errorsTimeout        uint64
	errorsDropped        uint64
	trackDurationCount   uint64
	trackDurationTotalNs int64
	activeVisitors       int64
	activeEvicted        uint64
	geoHits              uint64
	geoMisses            uint64
	geoErrors            uint64
	visitsPublished      uint64
	visitsFallback       uint64
	visitsDropped        uint64
	visitsProcessed      uint64
	visitsFailed         uint64
	visitsDeadLettered   uint64
	visitQueueDepth      int64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		TrackedVisits:        atomic.LoadUint64(&m.trackedVisits),
		TrackedDuplicates:    atomic.LoadUint64(&m.trackedDuplicates),
		SkippedExcluded:      atomic.LoadUint64(&m.skippedExcluded),
		SkippedBots:          atomic.LoadUint64(&m.skippedBots),
		ErrorsLedger:         atomic.LoadUint64(&m.errorsLedger),
		ErrorsAggregate:      atomic.LoadUint64(&m.errorsAggregate),
		ErrorsPanic:          atomic.LoadUint64(&m.errorsPanic),
		ErrorsTimeout:        atomic.LoadUint64(&m.errorsTimeout),
		ErrorsDropped:        atomic.LoadUint64(&m.errorsDropped),
		TrackDurationCount:   atomic.LoadUint64(&m.trackDurationCount),
		TrackDurationTotalNs: atomic.LoadInt64(&m.trackDurationTotalNs),
		ActiveVisitors:       atomic.LoadInt64(&m.activeVisitors),
		ActiveEvicted:        atomic.LoadUint64(&m.activeEvicted),
		GeoLookupHits:        atomic.LoadUint64(&m.geoHits),
		GeoLookupMisses:      atomic.LoadUint64(&m.geoMisses),
		GeoLookupErrors:      atomic.LoadUint64(&m.geoErrors),
		VisitsPublished:      atomic.LoadUint64(&m.visitsPublished),
		VisitsFallback:       atomic.LoadUint64(&m.visitsFallback),
		VisitsDropped:        atomic.LoadUint64(&m.visitsDropped),
		VisitsProcessed:      atomic.LoadUint64(&m.visitsProcessed),
		VisitsFailed:         atomic.LoadUint64(&m.visitsFailed),
		VisitsDeadLettered:   atomic.LoadUint64(&m.visitsDeadLettered),
		VisitQueueDepth:      atomic.LoadInt64(&m.visitQueueDepth),
	}
}

// IncTracked increments the persisted-visit counter for outcome.
func (m *InMemoryRecorder) IncTracked(outcome string) {
	switch outcome {
	case "visit":
		atomic.AddUint64(&m.trackedVisits, 1)
	case "duplicate":
		atomic.AddUint64(&m.trackedDuplicates, 1)
	}
}

// IncSkipped increments the skipped-request counter for reason.
func (m *InMemoryRecorder) IncSkipped(reason string) {
	switch reason {
	case "excluded_path":
		atomic.AddUint64(&m.skippedExcluded, 1)
	case "bot":
		atomic.AddUint64(&m.skippedBots, 1)
	}
}

// IncTrackError increments the tracking failure counter for stage.
func (m *InMemoryRecorder) IncTrackError(stage string) {
	switch stage {
	case "ledger":
		atomic.AddUint64(&m.errorsLedger, 1)
	case "aggregate":
		atomic.AddUint64(&m.errorsAggregate, 1)
	case "panic":
		atomic.AddUint64(&m.errorsPanic, 1)
	case "timeout":
		atomic.AddUint64(&m.errorsTimeout, 1)
	case "dropped":
		atomic.AddUint64(&m.errorsDropped, 1)
	}
}

// ObserveTrackDuration records tracking duration.
func (m *InMemoryRecorder) ObserveTrackDuration(duration time.Duration) {
	atomic.AddUint64(&m.trackDurationCount, 1)
	atomic.AddInt64(&m.trackDurationTotalNs, duration.Nanoseconds())
}

// SetActiveVisitors sets the active visitor gauge.
func (m *InMemoryRecorder) SetActiveVisitors(count int) {
	atomic.StoreInt64(&m.activeVisitors, int64(count))
}

// AddActiveEvicted adds to the evicted-entries counter.
func (m *InMemoryRecorder) AddActiveEvicted(count int) {
	if count > 0 {
		atomic.AddUint64(&m.activeEvicted, uint64(count))
	}
}

// IncGeoLookup increments the geo lookup counter for result.
func (m *InMemoryRecorder) IncGeoLookup(result string) {
	switch result {
	case "hit":
		atomic.AddUint64(&m.geoHits, 1)
	case "miss":
		atomic.AddUint64(&m.geoMisses, 1)
	case "error":
		atomic.AddUint64(&m.geoErrors, 1)
	}
}

// IncVisitPublished increments the stream publish counter for result.
func (m *InMemoryRecorder) IncVisitPublished(result string) {
	switch result {
	case "success":
		atomic.AddUint64(&m.visitsPublished, 1)
	case "fallback":
		atomic.AddUint64(&m.visitsFallback, 1)
	case "dropped":
		atomic.AddUint64(&m.visitsDropped, 1)
	}
}

// IncVisitProcessed increments the stream consumer counter for result.
func (m *InMemoryRecorder) IncVisitProcessed(result string) {
	switch result {
	case "success":
		atomic.AddUint64(&m.visitsProcessed, 1)
	case "failed":
		atomic.AddUint64(&m.visitsFailed, 1)
	case "dead_lettered":
		atomic.AddUint64(&m.visitsDeadLettered, 1)
	}
}

// SetVisitQueueDepth sets the pending plus unread stream entries gauge.
func (m *InMemoryRecorder) SetVisitQueueDepth(depth int64) {
	atomic.StoreInt64(&m.visitQueueDepth, depth)
}
