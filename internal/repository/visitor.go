package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/model"
)

// RecordSighting upserts the ledger row in one statement. The conflict
// branch locks the row, so concurrent sightings of one visitor serialize and
// each sees the previous sighting's last_visit.
func (r *Repository) RecordSighting(ctx context.Context, s analytics.Sighting) (analytics.SightingResult, error) {
	query := `
		INSERT INTO visitor_records AS v (
			id, visitor_id, ip, user_agent, region, browser, last_path,
			first_visit, last_visit, visit_count, last_duplicate
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, 1, FALSE)
		ON CONFLICT (visitor_id) DO UPDATE SET
			last_duplicate = EXCLUDED.last_visit - v.last_visit < make_interval(secs => $9),
			visit_count = CASE
				WHEN EXCLUDED.last_visit - v.last_visit < make_interval(secs => $9) THEN v.visit_count
				ELSE v.visit_count + 1
			END,
			first_visit = LEAST(v.first_visit, EXCLUDED.first_visit),
			last_visit = GREATEST(v.last_visit, EXCLUDED.last_visit),
			ip = EXCLUDED.ip,
			user_agent = EXCLUDED.user_agent,
			region = EXCLUDED.region,
			browser = EXCLUDED.browser,
			last_path = EXCLUDED.last_path
		RETURNING (xmax = 0) AS inserted, visit_count, last_duplicate
	`

	var res analytics.SightingResult
	err := r.pool.QueryRow(ctx, query,
		ulid.Make().String(),
		s.VisitorID,
		s.IP,
		s.UserAgent,
		s.Region,
		s.Browser,
		s.Path,
		s.At.UTC(),
		s.Window.Seconds(),
	).Scan(&res.IsNewVisitor, &res.VisitCount, &res.IsDuplicate)
	if err != nil {
		return analytics.SightingResult{}, classify("upsert visitor record", err)
	}

	return res, nil
}

// LookupVisitor retrieves a ledger row by visitor id.
func (r *Repository) LookupVisitor(ctx context.Context, visitorID string) (*model.VisitorRecord, error) {
	query := `
		SELECT id, visitor_id, ip, user_agent, region, browser, last_path,
			   first_visit, last_visit, visit_count
		FROM visitor_records
		WHERE visitor_id = $1
	`

	var rec model.VisitorRecord
	err := r.pool.QueryRow(ctx, query, visitorID).Scan(
		&rec.ID,
		&rec.VisitorID,
		&rec.IP,
		&rec.UserAgent,
		&rec.Region,
		&rec.Browser,
		&rec.LastPath,
		&rec.FirstVisit,
		&rec.LastVisit,
		&rec.VisitCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, analytics.ErrVisitorNotFound
		}
		return nil, classify("query visitor record", err)
	}

	rec.FirstVisit = rec.FirstVisit.UTC()
	rec.LastVisit = rec.LastVisit.UTC()
	return &rec, nil
}
