package model

import (
	"sort"
	"time"
)

// DailyStats is the aggregate bucket for one UTC calendar day.
type DailyStats struct {
	Date time.Time `json:"date" bson:"date"` // UTC midnight

	// Counters
	Visits         int64 `json:"visits" bson:"visits"`
	UniqueVisitors int64 `json:"unique_visitors" bson:"uniqueVisitors"`
	PageViews      int64 `json:"page_views" bson:"pageViews"`

	// Breakdowns keyed by sanitized path, region label and browser label
	Pages    map[string]int64 `json:"pages" bson:"pages"`
	Regions  map[string]int64 `json:"regions" bson:"regions"`
	Browsers map[string]int64 `json:"browsers" bson:"browsers"`
}

// NewDailyStats returns an empty bucket for the day containing t.
func NewDailyStats(t time.Time) *DailyStats {
	return &DailyStats{
		Date:     DayOf(t),
		Pages:    make(map[string]int64),
		Regions:  make(map[string]int64),
		Browsers: make(map[string]int64),
	}
}

// DayOf truncates t to UTC midnight. Every reader and writer of day buckets
// goes through this function so day boundaries agree.
func DayOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Totals is the sum of all day buckets.
type Totals struct {
	Visits         int64 `json:"visits"`
	UniqueVisitors int64 `json:"unique_visitors"`
	PageViews      int64 `json:"page_views"`
	Days           int64 `json:"days"`
}

// Breakdown is one key of a nested counter summed over days.
type Breakdown struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// SortedBreakdown converts a counter map into a slice ordered by count
// descending, then key ascending. A limit <= 0 keeps every entry.
func SortedBreakdown(m map[string]int64, limit int) []Breakdown {
	result := make([]Breakdown, 0, len(m))
	for key, count := range m {
		result = append(result, Breakdown{Key: key, Count: count})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Key < result[j].Key
	})

	if limit > 0 && len(result) > limit {
		return result[:limit]
	}
	return result
}
