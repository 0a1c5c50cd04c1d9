package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/handler"
	"github.com/tallyhq/tally/internal/memstore"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/middleware"
	"github.com/tallyhq/tally/internal/registry"
	"github.com/tallyhq/tally/internal/service"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type testApp struct {
	router   http.Handler
	store    *memstore.Store
	registry *registry.Registry
	queue    *analytics.Dispatcher
	adminKey string
}

func newTestApp(t *testing.T, withAdmin bool) *testApp {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{AppEnv: "test"}
	recorder := metrics.NewInMemory()
	store := memstore.New()
	active := registry.New(30 * time.Minute)

	tracker := analytics.NewTracker(analytics.TrackerConfig{
		Ledger:     store,
		Aggregator: store,
		Activity:   active,
		Metrics:    recorder,
		Logger:     logger,
	})
	dispatcher := analytics.NewDispatcher(tracker, time.Second, logger, recorder, nil)
	statsService := service.NewStatsService(store, store, active, nil)

	app := &testApp{store: store, registry: active, queue: dispatcher}

	var verifier *auth.Verifier
	if withAdmin {
		key, err := auth.GenerateAdminKey()
		if err != nil {
			t.Fatalf("GenerateAdminKey failed: %v", err)
		}
		verifier, err = auth.NewVerifier(key.Hash)
		if err != nil {
			t.Fatalf("NewVerifier failed: %v", err)
		}
		app.adminKey = key.Plaintext
	}

	app.router = setupRouter(routerDeps{
		site:    handler.New(""),
		health:  handler.NewHealthHandler(config.DriverMemory, store, nil),
		metrics: handler.NewMetricsHandler(recorder),
		stats:   handler.NewStatsHandler(statsService, logger),
		active:  handler.NewActiveHandler(statsService, time.Second, nil, logger),
		track: middleware.TrackConfig{
			Tracker: tracker,
			Queue:   dispatcher,
			Logger:  logger,
		},
		limiter:  middleware.NewIPLimiter(100, 100),
		verifier: verifier,
	}, cfg, logger)

	return app
}

func (a *testApp) do(t *testing.T, target string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "203.0.113.7:40000"
	req.Header.Set("User-Agent", chromeUA)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// flush waits for visits queued by earlier requests.
func (a *testApp) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.queue.Shutdown(ctx); err != nil {
		t.Fatalf("dispatcher Shutdown failed: %v", err)
	}
}

func TestRouter_TracksSiteRequests(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, false)

	rec := app.do(t, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want 200", rec.Code)
	}
	app.do(t, "/blog/post", nil)
	app.flush(t)

	day, err := app.store.Day(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Day failed: %v", err)
	}
	if day.PageViews != 2 {
		t.Errorf("PageViews = %d, want 2", day.PageViews)
	}
	if day.Visits != 1 || day.UniqueVisitors != 1 {
		t.Errorf("Visits/UniqueVisitors = %d/%d, want 1/1", day.Visits, day.UniqueVisitors)
	}
	if app.registry.Count() != 1 {
		t.Errorf("active count = %d, want 1", app.registry.Count())
	}
}

func TestRouter_InternalPathsAreNotTracked(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, false)

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/api/active", "/api/nope"} {
		app.do(t, path, nil)
	}
	app.flush(t)

	day, err := app.store.Day(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Day failed: %v", err)
	}
	if day.PageViews != 0 {
		t.Errorf("PageViews = %d, want 0", day.PageViews)
	}
}

func TestRouter_ActiveIsPublic(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, false)

	app.do(t, "/", nil)
	app.flush(t)
	rec := app.do(t, "/api/active", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body service.ActiveSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Visitors) != 1 {
		t.Fatalf("snapshot = %+v, want one visitor", body)
	}
	if strings.Contains(rec.Body.String(), analytics.VisitorHash("203.0.113.7", chromeUA)) {
		t.Error("public listing leaks the full visitor id")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("API headers not applied")
	}
}

func TestRouter_AdminDisabledWithoutKey(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, false)

	rec := app.do(t, "/api/admin/stats/today", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRouter_AdminRequiresKey(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, true)

	app.do(t, "/", nil)
	app.flush(t)

	if rec := app.do(t, "/api/admin/stats/today", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("without key status = %d, want 401", rec.Code)
	}

	rec := app.do(t, "/api/admin/stats/today", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+app.adminKey)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("with key status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"page_views":1`) {
		t.Errorf("today body = %s, want one page view", rec.Body.String())
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"postgres://tally:secret@db:5432/tally", "postgres://tally@db:5432/tally"},
		{"redis://:secret@cache:6379/0", "redis://redacted@cache:6379/0"},
		{"mongodb://db:27017", "mongodb://db:27017"},
	}

	for _, tt := range tests {
		if got := redactURL(tt.input); got != tt.want {
			t.Errorf("redactURL(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	dsn := "postgres://tally:secret@db:5432/tally"
	err := errors.New("dial " + dsn + " failed: password=hunter2 rejected")

	got := sanitizeError(err, dsn)
	if strings.Contains(got, "secret") || strings.Contains(got, "hunter2") {
		t.Errorf("sanitizeError leaked a secret: %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
