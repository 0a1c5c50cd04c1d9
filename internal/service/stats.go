// Package service provides the read side of the analytics engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/model"
)

// Service errors.
var (
	ErrInvalidRange = errors.New("range start is after end")
	ErrRangeTooLong = errors.New("range exceeds maximum span")
	ErrInvalidLimit = errors.New("limit must be between 1 and 100")
	ErrInvalidDate  = errors.New("date must be YYYY-MM-DD")
	ErrEmptyVisitor = errors.New("visitor id is required")
)

const (
	// MaxRangeDays bounds Range queries.
	MaxRangeDays = 366

	// DefaultPageLimit is used when TopPages gets no limit.
	DefaultPageLimit = 10
	maxPageLimit     = 100

	dateLayout = "2006-01-02"
)

// ActiveSource is the live visitor registry.
type ActiveSource interface {
	Count() int
	List() []model.ActiveVisitor
}

// ActiveSnapshot is the registry state at one instant.
type ActiveSnapshot struct {
	Count    int                   `json:"count"`
	Visitors []model.ActiveVisitor `json:"visitors"`
}

// StatsService answers dashboard queries.
type StatsService struct {
	stats    analytics.StatsReader
	visitors analytics.VisitorReader
	active   ActiveSource
	now      func() time.Time
}

// NewStatsService creates a StatsService. now may be nil.
func NewStatsService(stats analytics.StatsReader, visitors analytics.VisitorReader, active ActiveSource, now func() time.Time) *StatsService {
	if now == nil {
		now = time.Now
	}
	return &StatsService{
		stats:    stats,
		visitors: visitors,
		active:   active,
		now:      now,
	}
}

// Today returns the bucket for the current UTC day.
func (s *StatsService) Today(ctx context.Context) (*model.DailyStats, error) {
	return s.stats.Day(ctx, model.DayOf(s.now()))
}

// Totals sums every bucket.
func (s *StatsService) Totals(ctx context.Context) (*model.Totals, error) {
	return s.stats.Totals(ctx)
}

// Range returns buckets for start..end inclusive, oldest first.
func (s *StatsService) Range(ctx context.Context, start, end time.Time) ([]*model.DailyStats, error) {
	start, end = model.DayOf(start), model.DayOf(end)
	if start.After(end) {
		return nil, ErrInvalidRange
	}
	if end.Sub(start) >= MaxRangeDays*24*time.Hour {
		return nil, ErrRangeTooLong
	}
	return s.stats.Range(ctx, start, end)
}

// ParseRange parses YYYY-MM-DD bounds. An empty from means seven days
// before to; an empty to means today.
func (s *StatsService) ParseRange(from, to string) (time.Time, time.Time, error) {
	end := model.DayOf(s.now())
	if to != "" {
		parsed, err := time.Parse(dateLayout, to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, to)
		}
		end = parsed
	}

	start := end.AddDate(0, 0, -6)
	if from != "" {
		parsed, err := time.Parse(dateLayout, from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, from)
		}
		start = parsed
	}
	return start, end, nil
}

// TopPages returns the most viewed pages. A zero limit means the default.
func (s *StatsService) TopPages(ctx context.Context, limit int) ([]model.Breakdown, error) {
	if limit == 0 {
		limit = DefaultPageLimit
	}
	if limit < 0 || limit > maxPageLimit {
		return nil, ErrInvalidLimit
	}
	return s.stats.TopPages(ctx, limit)
}

// RegionBreakdown returns visit counts per region.
func (s *StatsService) RegionBreakdown(ctx context.Context) ([]model.Breakdown, error) {
	return s.stats.RegionBreakdown(ctx)
}

// BrowserBreakdown returns visit counts per browser.
func (s *StatsService) BrowserBreakdown(ctx context.Context) ([]model.Breakdown, error) {
	return s.stats.BrowserBreakdown(ctx)
}

// Visitor returns one ledger record.
func (s *StatsService) Visitor(ctx context.Context, visitorID string) (*model.VisitorRecord, error) {
	if visitorID == "" {
		return nil, ErrEmptyVisitor
	}
	return s.visitors.LookupVisitor(ctx, visitorID)
}

// ActiveCount returns the number of live visitors.
func (s *StatsService) ActiveCount() int {
	return s.active.Count()
}

// ActiveList returns live visitors, most recent first, ids redacted.
func (s *StatsService) ActiveList() []model.ActiveVisitor {
	return s.active.List()
}

// Active returns count and list from a single listing so they agree.
func (s *StatsService) Active() ActiveSnapshot {
	visitors := s.active.List()
	if visitors == nil {
		visitors = []model.ActiveVisitor{}
	}
	return ActiveSnapshot{Count: len(visitors), Visitors: visitors}
}
