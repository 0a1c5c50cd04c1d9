//go:build integration

package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/model"
	"github.com/tallyhq/tally/internal/testutil"
)

func newDocstoreTestEnv(t *testing.T) (context.Context, *Store) {
	t.Helper()

	uri := testutil.RequireEnv(t, "MONGO_URL")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	store, err := New(ctx, uri, "tally_test")
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	if err := store.Drop(ctx); err != nil {
		t.Fatalf("Failed to reset collections: %v", err)
	}
	return ctx, store
}

func TestIntegrationDocstore_DedupWindow(t *testing.T) {
	ctx, store := newDocstoreTestEnv(t)

	id := testutil.UniqueID("visitor")
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	steps := []struct {
		offset    time.Duration
		wantNew   bool
		wantDup   bool
		wantCount int64
	}{
		{0, true, false, 1},
		{5 * time.Minute, false, true, 1},
		{40 * time.Minute, false, false, 2},
		{69 * time.Minute, false, true, 2},
		{71 * time.Minute, false, false, 3},
	}

	for i, step := range steps {
		res, err := store.RecordSighting(ctx, testutil.NewTestSighting(t, id, t0.Add(step.offset)))
		if err != nil {
			t.Fatalf("step %d: RecordSighting failed: %v", i, err)
		}
		if res.IsNewVisitor != step.wantNew || res.IsDuplicate != step.wantDup || res.VisitCount != step.wantCount {
			t.Errorf("step %d: result = %+v, want new=%v dup=%v count=%d",
				i, res, step.wantNew, step.wantDup, step.wantCount)
		}
	}

	rec, err := store.LookupVisitor(ctx, id)
	if err != nil {
		t.Fatalf("LookupVisitor failed: %v", err)
	}
	if !rec.FirstVisit.Equal(t0) {
		t.Errorf("FirstVisit = %v, want %v", rec.FirstVisit, t0)
	}
	if !rec.LastVisit.Equal(t0.Add(71 * time.Minute)) {
		t.Errorf("LastVisit = %v, want %v", rec.LastVisit, t0.Add(71*time.Minute))
	}
	if rec.ID == "" {
		t.Error("ID should be set")
	}
}

func TestIntegrationDocstore_OutOfOrderSighting(t *testing.T) {
	ctx, store := newDocstoreTestEnv(t)

	id := testutil.UniqueID("visitor")
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := store.RecordSighting(ctx, testutil.NewTestSighting(t, id, t0)); err != nil {
		t.Fatalf("RecordSighting failed: %v", err)
	}
	if _, err := store.RecordSighting(ctx, testutil.NewTestSighting(t, id, t0.Add(-time.Minute))); err != nil {
		t.Fatalf("RecordSighting failed: %v", err)
	}

	rec, err := store.LookupVisitor(ctx, id)
	if err != nil {
		t.Fatalf("LookupVisitor failed: %v", err)
	}
	if !rec.LastVisit.Equal(t0) {
		t.Errorf("LastVisit = %v, want %v (never moves backwards)", rec.LastVisit, t0)
	}
	if !rec.FirstVisit.Equal(t0.Add(-time.Minute)) {
		t.Errorf("FirstVisit = %v, want %v", rec.FirstVisit, t0.Add(-time.Minute))
	}
}

func TestIntegrationDocstore_LookupMissing(t *testing.T) {
	ctx, store := newDocstoreTestEnv(t)

	_, err := store.LookupVisitor(ctx, "nobody")
	if !errors.Is(err, analytics.ErrVisitorNotFound) {
		t.Errorf("Expected ErrVisitorNotFound, got: %v", err)
	}
}

func TestIntegrationDocstore_ConcurrentSameVisitor(t *testing.T) {
	ctx, store := newDocstoreTestEnv(t)

	id := testutil.UniqueID("visitor")
	at := time.Now().UTC().Truncate(time.Millisecond)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	newCount := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.RecordSighting(ctx, testutil.NewTestSighting(t, id, at))
			if err != nil {
				t.Errorf("RecordSighting failed: %v", err)
				return
			}
			if res.IsNewVisitor {
				mu.Lock()
				newCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if newCount != 1 {
		t.Errorf("new visitor results = %d, want 1", newCount)
	}

	rec, err := store.LookupVisitor(ctx, id)
	if err != nil {
		t.Fatalf("LookupVisitor failed: %v", err)
	}
	if rec.VisitCount != 1 {
		t.Errorf("VisitCount = %d, want 1", rec.VisitCount)
	}
}

func TestIntegrationDocstore_RecordAndRead(t *testing.T) {
	ctx, store := newDocstoreTestEnv(t)

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events := []analytics.Event{
		{IsNewVisitor: true, Path: "/", Region: "US", Browser: analytics.BrowserChrome},
		{IsDuplicateVisit: true, Path: "/posts/1", Region: "US", Browser: analytics.BrowserChrome},
		{IsNewVisitor: true, Path: "/posts/1", Region: analytics.RegionLocal, Browser: analytics.BrowserFirefox},
	}
	for _, e := range events {
		if err := store.RecordEvent(ctx, day.Add(13*time.Hour), e); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	stats, err := store.Day(ctx, day)
	if err != nil {
		t.Fatalf("Day failed: %v", err)
	}
	if stats.Visits != 2 || stats.UniqueVisitors != 2 || stats.PageViews != 3 {
		t.Errorf("counters = %d/%d/%d, want 2/2/3", stats.Visits, stats.UniqueVisitors, stats.PageViews)
	}
	if stats.Pages["_posts_1"] != 2 || stats.Pages["_"] != 1 {
		t.Errorf("Pages = %v", stats.Pages)
	}
	if stats.Regions["US"] != 2 || stats.Regions[analytics.RegionLocal] != 1 {
		t.Errorf("Regions = %v", stats.Regions)
	}
	if !stats.Date.Equal(day) {
		t.Errorf("Date = %v, want %v", stats.Date, day)
	}

	empty, err := store.Day(ctx, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Day (empty) failed: %v", err)
	}
	if empty.PageViews != 0 || empty.Pages == nil {
		t.Errorf("empty day = %+v, want zero stats with maps", empty)
	}
}

func TestIntegrationDocstore_ConcurrentEvents(t *testing.T) {
	ctx, store := newDocstoreTestEnv(t)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.RecordEvent(ctx, day, analytics.Event{
				IsNewVisitor: true,
				Path:         "/",
				Region:       "US",
				Browser:      analytics.BrowserChrome,
			})
			if err != nil {
				t.Errorf("RecordEvent failed: %v", err)
			}
		}()
	}
	wg.Wait()

	stats, err := store.Day(ctx, day)
	if err != nil {
		t.Fatalf("Day failed: %v", err)
	}
	if stats.Visits != n || stats.UniqueVisitors != n || stats.PageViews != n {
		t.Errorf("counters = %d/%d/%d, want %d each", stats.Visits, stats.UniqueVisitors, stats.PageViews, n)
	}
}

func TestIntegrationDocstore_Aggregates(t *testing.T) {
	ctx, store := newDocstoreTestEnv(t)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 3; d++ {
		for i := 0; i <= d; i++ {
			err := store.RecordEvent(ctx, start.AddDate(0, 0, d), analytics.Event{
				IsNewVisitor: true,
				Path:         fmt.Sprintf("/p%d", i),
				Region:       "DE",
				Browser:      analytics.BrowserSafari,
			})
			if err != nil {
				t.Fatalf("RecordEvent failed: %v", err)
			}
		}
	}

	totals, err := store.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if totals.PageViews != 6 || totals.Days != 3 {
		t.Errorf("Totals = %+v, want 6 page views over 3 days", totals)
	}

	days, err := store.Range(ctx, start.AddDate(0, 0, 1), start.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(days) != 2 || !days[0].Date.Before(days[1].Date) {
		t.Fatalf("Range = %d days, want 2 ascending", len(days))
	}

	pages, err := store.TopPages(ctx, 2)
	if err != nil {
		t.Fatalf("TopPages failed: %v", err)
	}
	want := []model.Breakdown{{Key: "_p0", Count: 3}, {Key: "_p1", Count: 2}}
	if len(pages) != len(want) {
		t.Fatalf("TopPages = %v, want %v", pages, want)
	}
	for i := range want {
		if pages[i] != want[i] {
			t.Errorf("TopPages[%d] = %+v, want %+v", i, pages[i], want[i])
		}
	}

	browsers, err := store.BrowserBreakdown(ctx)
	if err != nil {
		t.Fatalf("BrowserBreakdown failed: %v", err)
	}
	if len(browsers) != 1 || browsers[0].Count != 6 {
		t.Errorf("BrowserBreakdown = %v, want Safari=6", browsers)
	}

	regions, err := store.RegionBreakdown(ctx)
	if err != nil {
		t.Fatalf("RegionBreakdown failed: %v", err)
	}
	if len(regions) != 1 || regions[0].Key != "DE" {
		t.Errorf("RegionBreakdown = %v, want DE", regions)
	}
}
