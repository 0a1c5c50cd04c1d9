package handler

import (
	"fmt"
	"net/http"

	"github.com/tallyhq/tally/internal/metrics"
)

// MetricsHandler exposes in-memory metrics.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

// Metrics returns metrics in Prometheus exposition format.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeMetric(w, "tally_tracked_total{outcome=\"visit\"} %d\n", snap.TrackedVisits)
	writeMetric(w, "tally_tracked_total{outcome=\"duplicate\"} %d\n", snap.TrackedDuplicates)
	writeMetric(w, "tally_skipped_total{reason=\"excluded_path\"} %d\n", snap.SkippedExcluded)
	writeMetric(w, "tally_skipped_total{reason=\"bot\"} %d\n", snap.SkippedBots)

	writeMetric(w, "tally_track_errors_total{stage=\"ledger\"} %d\n", snap.ErrorsLedger)
	writeMetric(w, "tally_track_errors_total{stage=\"aggregate\"} %d\n", snap.ErrorsAggregate)
	writeMetric(w, "tally_track_errors_total{stage=\"panic\"} %d\n", snap.ErrorsPanic)
	writeMetric(w, "tally_track_errors_total{stage=\"timeout\"} %d\n", snap.ErrorsTimeout)
	writeMetric(w, "tally_track_errors_total{stage=\"dropped\"} %d\n", snap.ErrorsDropped)

	writeMetric(w, "tally_track_duration_seconds_count %d\n", snap.TrackDurationCount)
	writeMetric(w, "tally_track_duration_seconds_sum %.6f\n", float64(snap.TrackDurationTotalNs)/1e9)

	writeMetric(w, "tally_active_visitors %d\n", snap.ActiveVisitors)
	writeMetric(w, "tally_active_evicted_total %d\n", snap.ActiveEvicted)

	writeMetric(w, "tally_geo_lookups_total{result=\"hit\"} %d\n", snap.GeoLookupHits)
	writeMetric(w, "tally_geo_lookups_total{result=\"miss\"} %d\n", snap.GeoLookupMisses)
	writeMetric(w, "tally_geo_lookups_total{result=\"error\"} %d\n", snap.GeoLookupErrors)

	writeMetric(w, "tally_visits_published_total{result=\"success\"} %d\n", snap.VisitsPublished)
	writeMetric(w, "tally_visits_published_total{result=\"fallback\"} %d\n", snap.VisitsFallback)
	writeMetric(w, "tally_visits_published_total{result=\"dropped\"} %d\n", snap.VisitsDropped)
	writeMetric(w, "tally_visits_processed_total{result=\"success\"} %d\n", snap.VisitsProcessed)
	writeMetric(w, "tally_visits_processed_total{result=\"failed\"} %d\n", snap.VisitsFailed)
	writeMetric(w, "tally_visits_processed_total{result=\"dead_lettered\"} %d\n", snap.VisitsDeadLettered)
	writeMetric(w, "tally_visit_queue_depth %d\n", snap.VisitQueueDepth)
}

func writeMetric(w http.ResponseWriter, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
