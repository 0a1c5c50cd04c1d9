package docstore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/model"
)

// visitorDoc is the stored ledger document.
type visitorDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	VisitorID  string             `bson:"visitorId"`
	IP         string             `bson:"ip"`
	UserAgent  string             `bson:"userAgent"`
	Region     string             `bson:"region"`
	Browser    string             `bson:"browser"`
	LastPath   string             `bson:"lastPath"`
	FirstVisit time.Time          `bson:"firstVisit"`
	LastVisit  time.Time          `bson:"lastVisit"`
	VisitCount int64              `bson:"visitCount"`
}

func (d *visitorDoc) toModel() *model.VisitorRecord {
	return &model.VisitorRecord{
		ID:         d.ID.Hex(),
		VisitorID:  d.VisitorID,
		IP:         d.IP,
		UserAgent:  d.UserAgent,
		Region:     d.Region,
		Browser:    d.Browser,
		LastPath:   d.LastPath,
		FirstVisit: d.FirstVisit.UTC(),
		LastVisit:  d.LastVisit.UTC(),
		VisitCount: d.VisitCount,
	}
}

// sightingPipeline builds the update applied by RecordSighting. All
// expressions in one $set stage see the pre-update document, so the
// dedupe decision and the new values come from the same snapshot.
func sightingPipeline(s analytics.Sighting) mongo.Pipeline {
	at := s.At.UTC()
	missing := bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$type", Value: "$lastVisit"}}, "missing"}}}
	duplicate := bson.D{{Key: "$lt", Value: bson.A{
		bson.D{{Key: "$subtract", Value: bson.A{at, "$lastVisit"}}},
		s.Window.Milliseconds(),
	}}}

	ifMissing := func(then, otherwise any) bson.D {
		return bson.D{{Key: "$cond", Value: bson.D{
			{Key: "if", Value: missing},
			{Key: "then", Value: then},
			{Key: "else", Value: otherwise},
		}}}
	}
	literal := func(v string) bson.D {
		return bson.D{{Key: "$literal", Value: v}}
	}

	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "visitCount", Value: ifMissing(int64(1), bson.D{{Key: "$cond", Value: bson.D{
				{Key: "if", Value: duplicate},
				{Key: "then", Value: "$visitCount"},
				{Key: "else", Value: bson.D{{Key: "$add", Value: bson.A{"$visitCount", int64(1)}}}},
			}}})},
			{Key: "firstVisit", Value: ifMissing(at, bson.D{{Key: "$min", Value: bson.A{"$firstVisit", at}}})},
			{Key: "lastVisit", Value: ifMissing(at, bson.D{{Key: "$max", Value: bson.A{"$lastVisit", at}}})},
			{Key: "ip", Value: literal(s.IP)},
			{Key: "userAgent", Value: literal(s.UserAgent)},
			{Key: "region", Value: literal(s.Region)},
			{Key: "browser", Value: literal(s.Browser)},
			{Key: "lastPath", Value: literal(s.Path)},
		}}},
	}
}

// RecordSighting upserts the ledger document with a single
// findOneAndUpdate and derives the dedupe decision from the document as it
// was before the update.
func (s *Store) RecordSighting(ctx context.Context, in analytics.Sighting) (analytics.SightingResult, error) {
	filter := bson.D{{Key: "visitorId", Value: in.VisitorID}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before)

	var prev visitorDoc
	inserted := false
	err := withUpsertRetry(func() error {
		err := s.visitors.FindOneAndUpdate(ctx, filter, sightingPipeline(in), opts).Decode(&prev)
		if errors.Is(err, mongo.ErrNoDocuments) {
			inserted = true
			return nil
		}
		inserted = false
		return err
	})
	if err != nil {
		return analytics.SightingResult{}, classify("upsert visitor record", err)
	}

	if inserted {
		return analytics.SightingResult{IsNewVisitor: true, VisitCount: 1}, nil
	}

	res := analytics.SightingResult{VisitCount: prev.VisitCount}
	if in.At.Sub(prev.LastVisit) < in.Window {
		res.IsDuplicate = true
	} else {
		res.VisitCount++
	}
	return res, nil
}

// LookupVisitor retrieves a ledger document by visitor id.
func (s *Store) LookupVisitor(ctx context.Context, visitorID string) (*model.VisitorRecord, error) {
	var doc visitorDoc
	err := s.visitors.FindOne(ctx, bson.D{{Key: "visitorId", Value: visitorID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, analytics.ErrVisitorNotFound
		}
		return nil, classify("find visitor record", err)
	}
	return doc.toModel(), nil
}
