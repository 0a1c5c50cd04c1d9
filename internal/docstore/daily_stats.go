package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/model"
)

// eventUpdate builds the $inc document for one event. Counter keys never
// contain "." or "$".
func eventUpdate(e analytics.Event) bson.D {
	inc := bson.D{{Key: "pageViews", Value: int64(1)}}
	if !e.IsDuplicateVisit {
		inc = append(inc, bson.E{Key: "visits", Value: int64(1)})
	}
	if e.IsNewVisitor {
		inc = append(inc, bson.E{Key: "uniqueVisitors", Value: int64(1)})
	}
	page, region, browser := e.Keys()
	inc = append(inc,
		bson.E{Key: "pages." + page, Value: int64(1)},
		bson.E{Key: "regions." + region, Value: int64(1)},
		bson.E{Key: "browsers." + browser, Value: int64(1)},
	)
	return bson.D{{Key: "$inc", Value: inc}}
}

// RecordEvent applies the event to the day document with one upserting $inc.
func (s *Store) RecordEvent(ctx context.Context, day time.Time, e analytics.Event) error {
	filter := bson.D{{Key: "date", Value: model.DayOf(day)}}
	update := eventUpdate(e)
	opts := options.Update().SetUpsert(true)

	err := withUpsertRetry(func() error {
		_, err := s.days.UpdateOne(ctx, filter, update, opts)
		return err
	})
	if err != nil {
		return classify("upsert daily stats", err)
	}
	return nil
}

// Day returns the document for day, or zeroed stats if none exists.
func (s *Store) Day(ctx context.Context, day time.Time) (*model.DailyStats, error) {
	day = model.DayOf(day)

	var stats model.DailyStats
	err := s.days.FindOne(ctx, bson.D{{Key: "date", Value: day}}).Decode(&stats)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.NewDailyStats(day), nil
		}
		return nil, classify("find daily stats", err)
	}
	return normalize(&stats), nil
}

// Totals sums every document.
func (s *Store) Totals(ctx context.Context) (*model.Totals, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "visits", Value: bson.D{{Key: "$sum", Value: "$visits"}}},
			{Key: "uniqueVisitors", Value: bson.D{{Key: "$sum", Value: "$uniqueVisitors"}}},
			{Key: "pageViews", Value: bson.D{{Key: "$sum", Value: "$pageViews"}}},
			{Key: "days", Value: bson.D{{Key: "$sum", Value: int64(1)}}},
		}}},
	}

	cursor, err := s.days.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classify("aggregate totals", err)
	}
	defer cursor.Close(ctx)

	var result struct {
		Visits         int64 `bson:"visits"`
		UniqueVisitors int64 `bson:"uniqueVisitors"`
		PageViews      int64 `bson:"pageViews"`
		Days           int64 `bson:"days"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&result); err != nil {
			return nil, fmt.Errorf("decode totals: %w", err)
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, classify("iterate totals", err)
	}

	return &model.Totals{
		Visits:         result.Visits,
		UniqueVisitors: result.UniqueVisitors,
		PageViews:      result.PageViews,
		Days:           result.Days,
	}, nil
}

// Range returns documents with start <= date <= end, oldest first.
func (s *Store) Range(ctx context.Context, start, end time.Time) ([]*model.DailyStats, error) {
	filter := bson.D{{Key: "date", Value: bson.D{
		{Key: "$gte", Value: model.DayOf(start)},
		{Key: "$lte", Value: model.DayOf(end)},
	}}}
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}})

	cursor, err := s.days.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify("find daily stats range", err)
	}
	defer cursor.Close(ctx)

	stats := make([]*model.DailyStats, 0)
	for cursor.Next(ctx) {
		var day model.DailyStats
		if err := cursor.Decode(&day); err != nil {
			return nil, fmt.Errorf("decode daily stats: %w", err)
		}
		stats = append(stats, normalize(&day))
	}
	if err := cursor.Err(); err != nil {
		return nil, classify("iterate daily stats range", err)
	}
	return stats, nil
}

// TopPages returns the most viewed pages across all days.
func (s *Store) TopPages(ctx context.Context, limit int) ([]model.Breakdown, error) {
	return s.breakdown(ctx, "pages", limit)
}

// RegionBreakdown returns visit counts per region across all days.
func (s *Store) RegionBreakdown(ctx context.Context) ([]model.Breakdown, error) {
	return s.breakdown(ctx, "regions", 0)
}

// BrowserBreakdown returns visit counts per browser across all days.
func (s *Store) BrowserBreakdown(ctx context.Context) ([]model.Breakdown, error) {
	return s.breakdown(ctx, "browsers", 0)
}

func breakdownPipeline(field string, limit int) mongo.Pipeline {
	pipeline := mongo.Pipeline{
		{{Key: "$project", Value: bson.D{
			{Key: "kv", Value: bson.D{{Key: "$objectToArray", Value: bson.D{
				{Key: "$ifNull", Value: bson.A{"$" + field, bson.D{}}},
			}}}},
		}}},
		{{Key: "$unwind", Value: "$kv"}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$kv.k"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: "$kv.v"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: int64(limit)}})
	}
	return pipeline
}

func (s *Store) breakdown(ctx context.Context, field string, limit int) ([]model.Breakdown, error) {
	cursor, err := s.days.Aggregate(ctx, breakdownPipeline(field, limit))
	if err != nil {
		return nil, classify("aggregate "+field+" breakdown", err)
	}
	defer cursor.Close(ctx)

	result := make([]model.Breakdown, 0)
	for cursor.Next(ctx) {
		var row struct {
			Key   string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode %s breakdown: %w", field, err)
		}
		result = append(result, model.Breakdown{Key: row.Key, Count: row.Count})
	}
	if err := cursor.Err(); err != nil {
		return nil, classify("iterate "+field+" breakdown", err)
	}
	return result, nil
}

// normalize fills maps a partial document may lack.
func normalize(stats *model.DailyStats) *model.DailyStats {
	stats.Date = model.DayOf(stats.Date)
	if stats.Pages == nil {
		stats.Pages = make(map[string]int64)
	}
	if stats.Regions == nil {
		stats.Regions = make(map[string]int64)
	}
	if stats.Browsers == nil {
		stats.Browsers = make(map[string]int64)
	}
	return stats
}
