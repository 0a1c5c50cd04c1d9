package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/metrics"
)

func TestHello(t *testing.T) {
	t.Parallel()

	h := New("")

	rec := httptest.NewRecorder()
	h.Site().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["version"] != Version {
		t.Errorf("version = %q, want %q", body["version"], Version)
	}

	rec = httptest.NewRecorder()
	h.Site().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", rec.Code)
	}
}

func TestSite_ServesDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>blog</h1>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	rec := httptest.NewRecorder()
	New(dir).Site().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<h1>blog</h1>") {
		t.Errorf("response = %d %q, want index.html", rec.Code, rec.Body.String())
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	t.Parallel()

	h := New("")

	tests := []struct {
		name     string
		fn       http.HandlerFunc
		wantCode int
		wantErr  string
	}{
		{"not found", h.NotFound, http.StatusNotFound, "NOT_FOUND"},
		{"method not allowed", h.MethodNotAllowed, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			tt.fn(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var body ErrorBody
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.Error.Code != tt.wantErr {
				t.Errorf("error code = %q, want %q", body.Error.Code, tt.wantErr)
			}
		})
	}
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	rec := metrics.NewInMemory()
	rec.IncTracked("visit")
	rec.IncTracked("visit")
	rec.IncTracked("duplicate")
	rec.IncSkipped("bot")
	rec.IncTrackError("ledger")
	rec.ObserveTrackDuration(1500 * time.Millisecond)
	rec.SetActiveVisitors(7)
	rec.IncVisitPublished("fallback")
	rec.IncVisitProcessed("dead_lettered")
	rec.SetVisitQueueDepth(12)

	w := httptest.NewRecorder()
	NewMetricsHandler(rec).Metrics(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := w.Body.String()
	for _, want := range []string{
		`tally_tracked_total{outcome="visit"} 2`,
		`tally_tracked_total{outcome="duplicate"} 1`,
		`tally_skipped_total{reason="bot"} 1`,
		`tally_track_errors_total{stage="ledger"} 1`,
		`tally_track_duration_seconds_count 1`,
		`tally_track_duration_seconds_sum 1.500000`,
		`tally_active_visitors 7`,
		`tally_visits_published_total{result="fallback"} 1`,
		`tally_visits_processed_total{result="dead_lettered"} 1`,
		`tally_visit_queue_depth 12`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

func TestMetricsHandler_NoSnapshotter(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	NewMetricsHandler(nil).Metrics(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
