// Package docstore is the MongoDB analytics store. Documents use the
// camelCase field names shared with existing deployments.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tallyhq/tally/internal/analytics"
)

// Collection names.
const (
	VisitorsCollection   = "visitorRecords"
	DailyStatsCollection = "dailyStats"
)

// Store provides MongoDB access methods. It implements analytics.Store.
type Store struct {
	client   *mongo.Client
	visitors *mongo.Collection
	days     *mongo.Collection
}

var _ analytics.Store = (*Store)(nil)

// New connects to MongoDB and ensures indexes.
func New(ctx context.Context, uri, database string) (*Store, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		visitors: db.Collection(VisitorsCollection),
		days:     db.Collection(DailyStatsCollection),
	}

	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// EnsureIndexes creates the unique keys the upserts rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.visitors.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "visitorId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "lastVisit", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create visitor indexes: %w", err)
	}

	_, err = s.days.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "date", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create daily stats index: %w", err)
	}
	return nil
}

// Ping checks MongoDB connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Drop removes both collections. Tests use it to start clean.
func (s *Store) Drop(ctx context.Context) error {
	if err := s.visitors.Drop(ctx); err != nil {
		return err
	}
	if err := s.days.Drop(ctx); err != nil {
		return err
	}
	return s.EnsureIndexes(ctx)
}

// classify maps network failures to analytics.ErrStoreUnavailable.
func classify(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%s: %w: %w", op, analytics.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// withUpsertRetry retries once when two upserts race to insert the same
// unique key; the loser's retry takes the update branch.
func withUpsertRetry(fn func() error) error {
	err := fn()
	if mongo.IsDuplicateKeyError(err) {
		err = fn()
	}
	return err
}
