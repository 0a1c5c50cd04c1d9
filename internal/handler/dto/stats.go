// Package dto provides Data Transfer Objects for API responses.
package dto

import (
	"time"

	"github.com/tallyhq/tally/internal/model"
)

// DateLayout is the wire format for day keys.
const DateLayout = "2006-01-02"

// DailyStatsResponse is one day bucket.
type DailyStatsResponse struct {
	Date           string           `json:"date"`
	Visits         int64            `json:"visits"`
	UniqueVisitors int64            `json:"unique_visitors"`
	PageViews      int64            `json:"page_views"`
	Pages          map[string]int64 `json:"pages"`
	Regions        map[string]int64 `json:"regions"`
	Browsers       map[string]int64 `json:"browsers"`
}

// ToDailyStatsResponse converts a bucket for the API.
func ToDailyStatsResponse(s *model.DailyStats) DailyStatsResponse {
	return DailyStatsResponse{
		Date:           s.Date.UTC().Format(DateLayout),
		Visits:         s.Visits,
		UniqueVisitors: s.UniqueVisitors,
		PageViews:      s.PageViews,
		Pages:          nonNil(s.Pages),
		Regions:        nonNil(s.Regions),
		Browsers:       nonNil(s.Browsers),
	}
}

// RangeResponse lists day buckets between two dates.
type RangeResponse struct {
	From   string               `json:"from"`
	To     string               `json:"to"`
	Days   []DailyStatsResponse `json:"days"`
	Totals model.Totals         `json:"totals"`
}

// ToRangeResponse converts a range result and sums it.
func ToRangeResponse(from, to time.Time, days []*model.DailyStats) RangeResponse {
	resp := RangeResponse{
		From: from.UTC().Format(DateLayout),
		To:   to.UTC().Format(DateLayout),
		Days: make([]DailyStatsResponse, 0, len(days)),
	}
	for _, d := range days {
		resp.Days = append(resp.Days, ToDailyStatsResponse(d))
		resp.Totals.Visits += d.Visits
		resp.Totals.UniqueVisitors += d.UniqueVisitors
		resp.Totals.PageViews += d.PageViews
		resp.Totals.Days++
	}
	return resp
}

// BreakdownResponse is a ranked counter.
type BreakdownResponse struct {
	Items []model.Breakdown `json:"items"`
	Total int64             `json:"total"`
}

// ToBreakdownResponse wraps a breakdown with its sum.
func ToBreakdownResponse(items []model.Breakdown) BreakdownResponse {
	if items == nil {
		items = []model.Breakdown{}
	}
	var total int64
	for _, b := range items {
		total += b.Count
	}
	return BreakdownResponse{Items: items, Total: total}
}

// VisitorResponse is a ledger record as shown to admins.
type VisitorResponse struct {
	VisitorID  string    `json:"visitor_id"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"user_agent"`
	Region     string    `json:"region"`
	Browser    string    `json:"browser"`
	LastPath   string    `json:"last_path"`
	FirstVisit time.Time `json:"first_visit"`
	LastVisit  time.Time `json:"last_visit"`
	VisitCount int64     `json:"visit_count"`
}

// ToVisitorResponse converts a ledger record for the API.
func ToVisitorResponse(v *model.VisitorRecord) VisitorResponse {
	return VisitorResponse{
		VisitorID:  v.VisitorID,
		IP:         v.IP,
		UserAgent:  v.UserAgent,
		Region:     v.Region,
		Browser:    v.Browser,
		LastPath:   v.LastPath,
		FirstVisit: v.FirstVisit.UTC(),
		LastVisit:  v.LastVisit.UTC(),
		VisitCount: v.VisitCount,
	}
}

func nonNil(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
