package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/model"
)

// breakdownColumns whitelists the JSONB counter columns that
// breakdown queries may interpolate.
var breakdownColumns = map[string]bool{
	"pages":    true,
	"regions":  true,
	"browsers": true,
}

// RecordEvent increments the day row in one upsert. Nested counters are
// bumped with jsonb_set under the row lock taken by ON CONFLICT.
func (r *Repository) RecordEvent(ctx context.Context, day time.Time, e analytics.Event) error {
	query := `
		INSERT INTO daily_stats AS d (
			date, visits, unique_visitors, page_views,
			pages, regions, browsers, updated_at
		) VALUES (
			$1, $2, $3, 1,
			jsonb_build_object($4::text, 1),
			jsonb_build_object($5::text, 1),
			jsonb_build_object($6::text, 1),
			NOW()
		)
		ON CONFLICT (date) DO UPDATE SET
			visits = d.visits + EXCLUDED.visits,
			unique_visitors = d.unique_visitors + EXCLUDED.unique_visitors,
			page_views = d.page_views + 1,
			pages = jsonb_set(d.pages, ARRAY[$4::text],
				to_jsonb(COALESCE((d.pages ->> $4::text)::bigint, 0) + 1)),
			regions = jsonb_set(d.regions, ARRAY[$5::text],
				to_jsonb(COALESCE((d.regions ->> $5::text)::bigint, 0) + 1)),
			browsers = jsonb_set(d.browsers, ARRAY[$6::text],
				to_jsonb(COALESCE((d.browsers ->> $6::text)::bigint, 0) + 1)),
			updated_at = NOW()
	`

	var visits, unique int64
	if !e.IsDuplicateVisit {
		visits = 1
	}
	if e.IsNewVisitor {
		unique = 1
	}

	page, region, browser := e.Keys()
	_, err := r.pool.Exec(ctx, query,
		model.DayOf(day),
		visits,
		unique,
		page,
		region,
		browser,
	)
	if err != nil {
		return classify("upsert daily stats", err)
	}
	return nil
}

// Day returns the row for day, or zeroed stats if none exists.
func (r *Repository) Day(ctx context.Context, day time.Time) (*model.DailyStats, error) {
	query := `
		SELECT date, visits, unique_visitors, page_views, pages, regions, browsers
		FROM daily_stats
		WHERE date = $1
	`

	day = model.DayOf(day)
	stats, err := scanDailyStats(r.pool.QueryRow(ctx, query, day))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NewDailyStats(day), nil
		}
		return nil, classify("query daily stats", err)
	}
	return stats, nil
}

// Totals sums every row.
func (r *Repository) Totals(ctx context.Context) (*model.Totals, error) {
	query := `
		SELECT
			COALESCE(SUM(visits), 0),
			COALESCE(SUM(unique_visitors), 0),
			COALESCE(SUM(page_views), 0),
			COUNT(*)
		FROM daily_stats
	`

	var totals model.Totals
	err := r.pool.QueryRow(ctx, query).Scan(
		&totals.Visits,
		&totals.UniqueVisitors,
		&totals.PageViews,
		&totals.Days,
	)
	if err != nil {
		return nil, classify("query totals", err)
	}
	return &totals, nil
}

// Range returns rows with start <= date <= end, oldest first.
func (r *Repository) Range(ctx context.Context, start, end time.Time) ([]*model.DailyStats, error) {
	query := `
		SELECT date, visits, unique_visitors, page_views, pages, regions, browsers
		FROM daily_stats
		WHERE date >= $1 AND date <= $2
		ORDER BY date ASC
	`

	rows, err := r.pool.Query(ctx, query, model.DayOf(start), model.DayOf(end))
	if err != nil {
		return nil, classify("query daily stats range", err)
	}
	defer rows.Close()

	stats := make([]*model.DailyStats, 0)
	for rows.Next() {
		s, err := scanDailyStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily stats: %w", err)
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

// TopPages returns the most viewed pages across all days.
func (r *Repository) TopPages(ctx context.Context, limit int) ([]model.Breakdown, error) {
	return r.breakdown(ctx, "pages", limit)
}

// RegionBreakdown returns visit counts per region across all days.
func (r *Repository) RegionBreakdown(ctx context.Context) ([]model.Breakdown, error) {
	return r.breakdown(ctx, "regions", 0)
}

// BrowserBreakdown returns visit counts per browser across all days.
func (r *Repository) BrowserBreakdown(ctx context.Context) ([]model.Breakdown, error) {
	return r.breakdown(ctx, "browsers", 0)
}

func (r *Repository) breakdown(ctx context.Context, column string, limit int) ([]model.Breakdown, error) {
	if !breakdownColumns[column] {
		return nil, fmt.Errorf("unknown breakdown column %q", column)
	}

	query := fmt.Sprintf(`
		SELECT key, SUM(value::bigint) AS total
		FROM daily_stats, jsonb_each_text(%s)
		GROUP BY key
		ORDER BY total DESC, key ASC
		LIMIT $1
	`, column)

	// LIMIT NULL returns every row.
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}

	rows, err := r.pool.Query(ctx, query, limitArg)
	if err != nil {
		return nil, classify("query "+column+" breakdown", err)
	}
	defer rows.Close()

	result := make([]model.Breakdown, 0)
	for rows.Next() {
		var b model.Breakdown
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, fmt.Errorf("scan %s breakdown: %w", column, err)
		}
		result = append(result, b)
	}

	return result, rows.Err()
}

// scanDailyStats scans a row into DailyStats.
func scanDailyStats(row pgx.Row) (*model.DailyStats, error) {
	var stats model.DailyStats
	var pagesJSON, regionsJSON, browsersJSON []byte

	err := row.Scan(
		&stats.Date,
		&stats.Visits,
		&stats.UniqueVisitors,
		&stats.PageViews,
		&pagesJSON,
		&regionsJSON,
		&browsersJSON,
	)
	if err != nil {
		return nil, err
	}

	stats.Date = model.DayOf(stats.Date)
	if stats.Pages, err = decodeCounts(pagesJSON); err != nil {
		return nil, fmt.Errorf("decode pages: %w", err)
	}
	if stats.Regions, err = decodeCounts(regionsJSON); err != nil {
		return nil, fmt.Errorf("decode regions: %w", err)
	}
	if stats.Browsers, err = decodeCounts(browsersJSON); err != nil {
		return nil, fmt.Errorf("decode browsers: %w", err)
	}
	return &stats, nil
}

func decodeCounts(raw []byte) (map[string]int64, error) {
	counts := make(map[string]int64)
	if len(raw) == 0 {
		return counts, nil
	}
	if err := json.Unmarshal(raw, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}
