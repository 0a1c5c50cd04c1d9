// Package memstore is an in-process analytics.Store for development and
// tests. Data does not survive a restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/model"
)

// Store keeps ledger records and day buckets in maps guarded by one mutex.
// Each operation holds the lock for its whole read-modify-write, which gives
// the same atomicity the database upserts provide.
type Store struct {
	mu       sync.Mutex
	visitors map[string]*model.VisitorRecord
	days     map[int64]*model.DailyStats
}

var _ analytics.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		visitors: make(map[string]*model.VisitorRecord),
		days:     make(map[int64]*model.DailyStats),
	}
}

// RecordSighting upserts the visitor record and reports the dedupe decision.
func (s *Store) RecordSighting(ctx context.Context, in analytics.Sighting) (analytics.SightingResult, error) {
	if err := ctx.Err(); err != nil {
		return analytics.SightingResult{}, err
	}
	at := in.At.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.visitors[in.VisitorID]
	if !ok {
		s.visitors[in.VisitorID] = &model.VisitorRecord{
			ID:         ulid.Make().String(),
			VisitorID:  in.VisitorID,
			IP:         in.IP,
			UserAgent:  in.UserAgent,
			Region:     in.Region,
			Browser:    in.Browser,
			LastPath:   in.Path,
			FirstVisit: at,
			LastVisit:  at,
			VisitCount: 1,
		}
		return analytics.SightingResult{IsNewVisitor: true, VisitCount: 1}, nil
	}

	duplicate := at.Sub(rec.LastVisit) < in.Window
	if !duplicate {
		rec.VisitCount++
	}
	if at.After(rec.LastVisit) {
		rec.LastVisit = at
	}
	if at.Before(rec.FirstVisit) {
		rec.FirstVisit = at
	}
	rec.IP = in.IP
	rec.UserAgent = in.UserAgent
	rec.Region = in.Region
	rec.Browser = in.Browser
	rec.LastPath = in.Path

	return analytics.SightingResult{IsDuplicate: duplicate, VisitCount: rec.VisitCount}, nil
}

// LookupVisitor returns a copy of the ledger record.
func (s *Store) LookupVisitor(ctx context.Context, visitorID string) (*model.VisitorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.visitors[visitorID]
	if !ok {
		return nil, analytics.ErrVisitorNotFound
	}
	cp := *rec
	return &cp, nil
}

// RecordEvent increments the day bucket, creating it if absent.
func (s *Store) RecordEvent(ctx context.Context, day time.Time, e analytics.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	day = model.DayOf(day)

	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.days[day.Unix()]
	if !ok {
		stats = model.NewDailyStats(day)
		s.days[day.Unix()] = stats
	}

	stats.PageViews++
	if !e.IsDuplicateVisit {
		stats.Visits++
	}
	if e.IsNewVisitor {
		stats.UniqueVisitors++
	}
	page, region, browser := e.Keys()
	stats.Pages[page]++
	stats.Regions[region]++
	stats.Browsers[browser]++
	return nil
}

// Day returns the bucket for day, or zeroed stats if none exists.
func (s *Store) Day(ctx context.Context, day time.Time) (*model.DailyStats, error) {
	day = model.DayOf(day)

	s.mu.Lock()
	defer s.mu.Unlock()

	if stats, ok := s.days[day.Unix()]; ok {
		return cloneStats(stats), nil
	}
	return model.NewDailyStats(day), nil
}

// Totals sums every bucket.
func (s *Store) Totals(ctx context.Context) (*model.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := &model.Totals{}
	for _, stats := range s.days {
		totals.Visits += stats.Visits
		totals.UniqueVisitors += stats.UniqueVisitors
		totals.PageViews += stats.PageViews
		totals.Days++
	}
	return totals, nil
}

// Range returns buckets with start <= date <= end, oldest first.
func (s *Store) Range(ctx context.Context, start, end time.Time) ([]*model.DailyStats, error) {
	start, end = model.DayOf(start), model.DayOf(end)

	s.mu.Lock()
	out := make([]*model.DailyStats, 0)
	for _, stats := range s.days {
		if stats.Date.Before(start) || stats.Date.After(end) {
			continue
		}
		out = append(out, cloneStats(stats))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// TopPages returns the most viewed pages across all days.
func (s *Store) TopPages(ctx context.Context, limit int) ([]model.Breakdown, error) {
	return s.breakdown(limit, func(d *model.DailyStats) map[string]int64 { return d.Pages }), nil
}

// RegionBreakdown returns visit counts per region across all days.
func (s *Store) RegionBreakdown(ctx context.Context) ([]model.Breakdown, error) {
	return s.breakdown(0, func(d *model.DailyStats) map[string]int64 { return d.Regions }), nil
}

// BrowserBreakdown returns visit counts per browser across all days.
func (s *Store) BrowserBreakdown(ctx context.Context) ([]model.Breakdown, error) {
	return s.breakdown(0, func(d *model.DailyStats) map[string]int64 { return d.Browsers }), nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) breakdown(limit int, field func(*model.DailyStats) map[string]int64) []model.Breakdown {
	s.mu.Lock()
	sums := make(map[string]int64)
	for _, stats := range s.days {
		for k, v := range field(stats) {
			sums[k] += v
		}
	}
	s.mu.Unlock()

	return model.SortedBreakdown(sums, limit)
}

func cloneStats(in *model.DailyStats) *model.DailyStats {
	out := *in
	out.Pages = cloneCounts(in.Pages)
	out.Regions = cloneCounts(in.Regions)
	out.Browsers = cloneCounts(in.Browsers)
	return &out
}

func cloneCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
