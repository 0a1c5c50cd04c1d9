package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tallyhq/tally/internal/metrics"
)

const (
	// StreamKey is the Redis stream carrying prepared visits.
	StreamKey = "stream:visits"

	// DeadLetterStreamKey is the Redis stream for entries that cannot be decoded.
	DeadLetterStreamKey = "stream:visits:dlq"

	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000

	// PublishTimeout is the max time to wait for Redis publish.
	PublishTimeout = 100 * time.Millisecond
)

// VisitPayload is the compact stream encoding of a prepared Visit.
type VisitPayload struct {
	VisitorID   string `json:"vid"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"ua,omitempty"`
	Path        string `json:"p"`
	CountryHint string `json:"cc,omitempty"`
	RequestID   string `json:"rid,omitempty"`
	At          int64  `json:"t"` // Unix milliseconds
}

// NewVisitPayload encodes v for the stream.
func NewVisitPayload(v Visit) VisitPayload {
	return VisitPayload{
		VisitorID:   v.VisitorID,
		IP:          v.IP,
		UserAgent:   v.UserAgent,
		Path:        v.Path,
		CountryHint: v.CountryHint,
		RequestID:   v.RequestID,
		At:          v.At.UnixMilli(),
	}
}

// Validate rejects payloads the worker must not record.
func (p VisitPayload) Validate() error {
	if !validToken(p.VisitorID) {
		return errors.New("visitor id is missing or malformed")
	}
	if !strings.HasPrefix(p.Path, "/") {
		return errors.New("path must be absolute")
	}
	if len(p.UserAgent) > maxUserAgentLength {
		return errors.New("user agent too long")
	}
	if p.At <= 0 {
		return errors.New("timestamp must be set")
	}
	return nil
}

// Visit decodes the payload. Decoded visits are never new: the cookie was
// handled when the request was prepared.
func (p VisitPayload) Visit() Visit {
	return Visit{
		Identity: Identity{VisitorID: p.VisitorID},
		Request: Request{
			IP:          p.IP,
			UserAgent:   p.UserAgent,
			Path:        p.Path,
			CountryHint: p.CountryHint,
			RequestID:   p.RequestID,
		},
		At: time.UnixMilli(p.At).UTC(),
	}
}

// Publisher enqueues prepared visits to the Redis stream. Publishes that
// fail or cannot get a slot go to the fallback queue when one is set.
type Publisher struct {
	redis    *redis.Client
	fallback VisitQueue
	logger   *slog.Logger
	metrics  metrics.Recorder

	slots chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPublisher creates a new visit publisher. fallback may be nil.
func NewPublisher(client *redis.Client, fallback VisitQueue, logger *slog.Logger, recorder metrics.Recorder) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Publisher{
		redis:    client,
		fallback: fallback,
		logger:   logger.With("component", "analytics.publisher"),
		metrics:  recorder,
		slots:    make(chan struct{}, DefaultMaxInFlight),
	}
}

// Publish adds a visit to the stream synchronously.
func (p *Publisher) Publish(ctx context.Context, v Visit) (string, error) {
	data, err := json.Marshal(NewVisitPayload(v))
	if err != nil {
		return "", fmt.Errorf("marshal visit: %w", err)
	}

	id, err := p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: MaxStreamLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"payload": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Dispatch publishes the visit in the background without blocking the
// caller. It implements VisitQueue.
func (p *Publisher) Dispatch(ctx context.Context, v Visit) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.metrics.IncVisitPublished("dropped")
		return false
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.mu.Unlock()
		return p.toFallback(ctx, v)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PublishTimeout)
		defer cancel()

		streamID, err := p.Publish(pubCtx, v)
		if err != nil {
			p.logger.Warn("failed to publish visit",
				"visitor", Redact(v.VisitorID),
				"error", err,
			)
			p.toFallback(ctx, v)
			return
		}

		p.logger.Debug("visit published",
			"visitor", Redact(v.VisitorID),
			"stream_id", streamID,
		)
		p.metrics.IncVisitPublished("success")
	}()
	return true
}

func (p *Publisher) toFallback(ctx context.Context, v Visit) bool {
	if p.fallback != nil && p.fallback.Dispatch(ctx, v) {
		p.metrics.IncVisitPublished("fallback")
		return true
	}
	p.metrics.IncVisitPublished("dropped")
	return false
}

// Shutdown waits for in-flight publishes. It implements server.ShutdownFunc.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("publisher shutdown timed out")
		return ctx.Err()
	}
}
