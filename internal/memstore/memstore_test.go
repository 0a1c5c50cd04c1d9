package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/model"
	"github.com/tallyhq/tally/internal/registry"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	store    *Store
	registry *registry.Registry
	tracker  *analytics.Tracker
	clock    *clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	c := &clock{now: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
	store := New()
	reg := registry.New(registry.DefaultWindow, registry.WithClock(c.Now))
	tracker := analytics.NewTracker(analytics.TrackerConfig{
		Ledger:     store,
		Aggregator: store,
		Activity:   reg,
		Now:        c.Now,
	})
	return &testEnv{store: store, registry: reg, tracker: tracker, clock: c}
}

func (e *testEnv) visit(t *testing.T, ip, ua, path string) analytics.Result {
	t.Helper()
	res := e.tracker.Track(context.Background(), analytics.Request{IP: ip, UserAgent: ua, Path: path})
	if res.Err != nil {
		t.Fatalf("Track(%q) error = %v", path, res.Err)
	}
	return res
}

func (e *testEnv) today(t *testing.T) *model.DailyStats {
	t.Helper()
	stats, err := e.store.Day(context.Background(), e.clock.Now())
	if err != nil {
		t.Fatalf("Day() error = %v", err)
	}
	return stats
}

func TestStore_VisitScenario(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	// First request creates the ledger record.
	res := env.visit(t, "203.0.113.5", chromeUA, "/posts/1")
	if !res.IsNewVisitor || res.IsDuplicate {
		t.Fatalf("first visit = %+v, want new non-duplicate", res)
	}
	stats := env.today(t)
	if stats.Visits != 1 || stats.PageViews != 1 || stats.UniqueVisitors != 1 || stats.Browsers["Chrome"] != 1 {
		t.Errorf("after first visit stats = %+v", stats)
	}

	// Five minutes later: duplicate.
	env.clock.Advance(5 * time.Minute)
	res = env.visit(t, "203.0.113.5", chromeUA, "/posts/2")
	if !res.IsDuplicate || res.IsNewVisitor {
		t.Fatalf("second visit = %+v, want duplicate", res)
	}
	stats = env.today(t)
	if stats.Visits != 1 || stats.PageViews != 2 || stats.Pages["_posts_2"] != 1 {
		t.Errorf("after duplicate stats = %+v", stats)
	}
	rec, err := env.store.LookupVisitor(ctx, res.VisitorID)
	if err != nil {
		t.Fatalf("LookupVisitor() error = %v", err)
	}
	if rec.VisitCount != 1 {
		t.Errorf("VisitCount = %d, want 1", rec.VisitCount)
	}
	if rec.LastPath != "/posts/2" {
		t.Errorf("LastPath = %q, want %q", rec.LastPath, "/posts/2")
	}

	// Forty minutes after the first request: 35 minutes since the last.
	env.clock.Advance(35 * time.Minute)
	res = env.visit(t, "203.0.113.5", chromeUA, "/posts/1")
	if res.IsDuplicate {
		t.Fatalf("third visit = %+v, want non-duplicate", res)
	}
	stats = env.today(t)
	if stats.Visits != 2 || stats.PageViews != 3 || stats.UniqueVisitors != 1 {
		t.Errorf("after return visit stats = %+v", stats)
	}
	rec, _ = env.store.LookupVisitor(ctx, res.VisitorID)
	if rec.VisitCount != 2 {
		t.Errorf("VisitCount = %d, want 2", rec.VisitCount)
	}
	if rec.FirstVisit.After(rec.LastVisit) {
		t.Errorf("FirstVisit %v after LastVisit %v", rec.FirstVisit, rec.LastVisit)
	}
	if rec.Region != analytics.RegionUnknown {
		t.Errorf("Region = %q, want %q", rec.Region, analytics.RegionUnknown)
	}
}

func TestStore_DedupWindowBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		gap           time.Duration
		wantDuplicate bool
	}{
		{"29 minutes", 29 * time.Minute, true},
		{"30 minutes", 30 * time.Minute, false},
		{"31 minutes", 31 * time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			env.visit(t, "203.0.113.5", chromeUA, "/")
			env.clock.Advance(tt.gap)
			res := env.visit(t, "203.0.113.5", chromeUA, "/")
			if res.IsDuplicate != tt.wantDuplicate {
				t.Errorf("IsDuplicate after %v = %v, want %v", tt.gap, res.IsDuplicate, tt.wantDuplicate)
			}
		})
	}
}

func TestStore_ConcurrentDistinctVisitors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env.tracker.Track(context.Background(), analytics.Request{
				IP:        fmt.Sprintf("198.51.100.%d", i+1),
				UserAgent: chromeUA,
				Path:      "/",
			})
		}(i)
	}
	wg.Wait()

	stats := env.today(t)
	if stats.Visits != 50 || stats.UniqueVisitors != 50 || stats.PageViews != 50 {
		t.Errorf("stats = visits %d, unique %d, views %d; want 50 each", stats.Visits, stats.UniqueVisitors, stats.PageViews)
	}
	if got := env.registry.Count(); got != 50 {
		t.Errorf("registry Count() = %d, want 50", got)
	}
}

func TestStore_ConcurrentSameVisitor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.tracker.Track(context.Background(), analytics.Request{IP: "203.0.113.5", UserAgent: chromeUA, Path: "/"})
		}()
	}
	wg.Wait()

	stats := env.today(t)
	if stats.Visits != 1 || stats.UniqueVisitors != 1 || stats.PageViews != 20 {
		t.Errorf("stats = visits %d, unique %d, views %d; want 1, 1, 20", stats.Visits, stats.UniqueVisitors, stats.PageViews)
	}
}

func TestStore_ExcludedPathHasNoSideEffects(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	res := env.tracker.Track(ctx, analytics.Request{IP: "203.0.113.5", UserAgent: chromeUA, Path: "/admin/x"})
	if res.Tracked {
		t.Fatal("excluded path was tracked")
	}

	if _, err := env.store.LookupVisitor(ctx, analytics.VisitorHash("203.0.113.5", chromeUA)); !errors.Is(err, analytics.ErrVisitorNotFound) {
		t.Errorf("LookupVisitor() error = %v, want ErrVisitorNotFound", err)
	}
	totals, _ := env.store.Totals(ctx)
	if totals.Days != 0 {
		t.Errorf("Totals().Days = %d, want 0", totals.Days)
	}
	if env.registry.Count() != 0 {
		t.Error("registry should be empty")
	}
}

func TestStore_PageViewsInvariant(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	paths := []string{"/", "/about", "/posts/1", "/posts/1", "/file.html"}
	for i, p := range paths {
		env.visit(t, fmt.Sprintf("198.51.100.%d", i%2+1), chromeUA, p)
		env.clock.Advance(time.Minute)
	}

	stats := env.today(t)
	var sum int64
	for _, v := range stats.Pages {
		sum += v
	}
	if stats.PageViews != sum {
		t.Errorf("PageViews = %d, sum(pages) = %d", stats.PageViews, sum)
	}
	if stats.PageViews < stats.Visits {
		t.Errorf("PageViews %d < Visits %d", stats.PageViews, stats.Visits)
	}
}

func TestStore_ReadQueries(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	day1 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	day3 := day1.Add(48 * time.Hour)

	events := []struct {
		day time.Time
		e   analytics.Event
	}{
		{day1, analytics.Event{IsNewVisitor: true, Path: "/", Region: "US", Browser: "Chrome"}},
		{day1, analytics.Event{IsDuplicateVisit: true, Path: "/about", Region: "US", Browser: "Chrome"}},
		{day2, analytics.Event{IsNewVisitor: true, Path: "/", Region: "DE", Browser: "Firefox"}},
		{day3, analytics.Event{Path: "/about", Region: "local", Browser: "Safari"}},
		{day3, analytics.Event{Path: "/", Region: "US", Browser: "Chrome"}},
	}
	for _, ev := range events {
		if err := store.RecordEvent(ctx, ev.day, ev.e); err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
	}

	totals, err := store.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals() error = %v", err)
	}
	want := model.Totals{Visits: 4, UniqueVisitors: 2, PageViews: 5, Days: 3}
	if *totals != want {
		t.Errorf("Totals() = %+v, want %+v", *totals, want)
	}

	rng, err := store.Range(ctx, day1, day2)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(rng) != 2 || !rng[0].Date.Equal(model.DayOf(day1)) || !rng[1].Date.Equal(model.DayOf(day2)) {
		t.Errorf("Range() = %d days, want day1 and day2 in order", len(rng))
	}

	pages, _ := store.TopPages(ctx, 1)
	if len(pages) != 1 || pages[0] != (model.Breakdown{Key: "_", Count: 3}) {
		t.Errorf("TopPages(1) = %+v", pages)
	}

	regions, _ := store.RegionBreakdown(ctx)
	wantRegions := []model.Breakdown{{Key: "US", Count: 3}, {Key: "DE", Count: 1}, {Key: "local", Count: 1}}
	if len(regions) != len(wantRegions) {
		t.Fatalf("RegionBreakdown() = %+v", regions)
	}
	for i := range wantRegions {
		if regions[i] != wantRegions[i] {
			t.Errorf("RegionBreakdown()[%d] = %+v, want %+v", i, regions[i], wantRegions[i])
		}
	}

	browsers, _ := store.BrowserBreakdown(ctx)
	if len(browsers) != 3 || browsers[0].Key != "Chrome" || browsers[0].Count != 3 {
		t.Errorf("BrowserBreakdown() = %+v", browsers)
	}

	empty, err := store.Day(ctx, day1.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Day() error = %v", err)
	}
	if empty.Visits != 0 || empty.Pages == nil {
		t.Errorf("Day() for missing bucket = %+v, want zeroed stats", empty)
	}
}

func TestStore_DayReturnsCopy(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_ = store.RecordEvent(ctx, day, analytics.Event{Path: "/", Region: "US", Browser: "Chrome"})

	stats, _ := store.Day(ctx, day)
	stats.Pages["_"] = 100

	again, _ := store.Day(ctx, day)
	if again.Pages["_"] != 1 {
		t.Errorf("Pages[_] = %d, want 1", again.Pages["_"])
	}
}

func TestStore_BreakdownKeysMatchOtherBackends(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	e := analytics.Event{Path: "/a.b", Region: "eu.west", Browser: "$other"}
	if err := store.RecordEvent(ctx, day, e); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}

	stats, _ := store.Day(ctx, day)
	if stats.Regions["eu_west"] != 1 || stats.Regions["eu.west"] != 0 {
		t.Errorf("Regions = %v, want eu_west only", stats.Regions)
	}
	if stats.Browsers["_other"] != 1 {
		t.Errorf("Browsers = %v, want _other", stats.Browsers)
	}
	if stats.Pages["_a_b"] != 1 {
		t.Errorf("Pages = %v, want _a_b", stats.Pages)
	}
}
