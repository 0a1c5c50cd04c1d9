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
	// ConsumerGroup is the Redis consumer group name.
	ConsumerGroup = "visit_recorders"

	// DefaultBatchSize is the max entries read per batch.
	DefaultBatchSize = 100

	// DefaultBlockTimeout is how long to block waiting for messages.
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxRetries is how many times a retryable visit is attempted
	// before it is left pending for a later claim.
	DefaultMaxRetries = 3

	// DefaultClaimInterval is how often to scan pending messages.
	DefaultClaimInterval = 10 * time.Second

	// DefaultClaimIdle is the idle time before reclaiming pending messages.
	DefaultClaimIdle = 30 * time.Second

	// DefaultMetricsInterval is how often to refresh queue depth metrics.
	DefaultMetricsInterval = 5 * time.Second

	deadLetterMaxLen = 10000
	ackTimeout       = time.Second
)

// VisitRecorder persists one prepared visit. *Tracker implements it.
type VisitRecorder interface {
	Record(ctx context.Context, v Visit) Result
}

// Worker records visits consumed from the Redis stream.
type Worker struct {
	redis           *redis.Client
	visits          VisitRecorder
	logger          *slog.Logger
	metrics         metrics.Recorder
	onError         func(Result)
	consumerID      string
	batchSize       int
	blockTimeout    time.Duration
	recordTimeout   time.Duration
	maxRetries      int
	backoff         func(attempt int) time.Duration
	claimInterval   time.Duration
	claimIdle       time.Duration
	metricsInterval time.Duration
	claimStartID    string
	lastClaim       time.Time
	lastMetrics     time.Time

	started  bool
	draining bool
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

// streamVisit is a decoded stream entry.
type streamVisit struct {
	id    string
	visit Visit
}

// NewWorker creates a stream worker. onError, if set, receives every
// result carrying an error.
func NewWorker(client *redis.Client, visits VisitRecorder, logger *slog.Logger, consumerID string, recorder metrics.Recorder, onError func(Result)) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Worker{
		redis:           client,
		visits:          visits,
		logger:          logger.With("component", "analytics.worker", "consumer_id", consumerID),
		metrics:         recorder,
		onError:         onError,
		consumerID:      consumerID,
		batchSize:       DefaultBatchSize,
		blockTimeout:    DefaultBlockTimeout,
		recordTimeout:   DefaultTrackTimeout,
		maxRetries:      DefaultMaxRetries,
		backoff:         func(attempt int) time.Duration { return time.Duration(1<<attempt) * time.Second },
		claimInterval:   DefaultClaimInterval,
		claimIdle:       DefaultClaimIdle,
		metricsInterval: DefaultMetricsInterval,
		claimStartID:    "0-0",
	}
}

// Run starts the worker loop. Blocks until context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	w.started = true
	w.done = make(chan struct{})
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	defer close(w.done)

	if err := w.ensureConsumerGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	w.logger.Info("visit worker started")

	for {
		w.mu.Lock()
		draining := w.draining
		w.mu.Unlock()

		if draining {
			w.logger.Info("visit worker draining, stopping")
			return nil
		}

		select {
		case <-ctx.Done():
			w.logger.Info("visit worker stopping")
			return ctx.Err()
		default:
			if err := w.processOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				w.logger.Error("process error", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	}
}

// Shutdown stops the worker. A visit being recorded finishes under its own
// timeout; unacknowledged entries stay pending and are claimed later.
// It implements server.ShutdownFunc.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.draining = true
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	w.logger.Info("visit worker shutdown initiated")

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
			w.logger.Info("visit worker shutdown complete")
			return nil
		case <-ctx.Done():
			w.logger.Warn("visit worker shutdown timed out")
			return ctx.Err()
		}
	}
	return nil
}

// ensureConsumerGroup creates the consumer group if it doesn't exist.
func (w *Worker) ensureConsumerGroup(ctx context.Context) error {
	err := w.redis.XGroupCreateMkStream(ctx, StreamKey, ConsumerGroup, "0").Err()
	if err != nil && !isConsumerGroupExistsError(err) {
		return err
	}
	return nil
}

// processOnce reads and records a single batch.
func (w *Worker) processOnce(ctx context.Context) error {
	w.maybeUpdateQueueDepth(ctx)

	claimed, err := w.maybeClaimPending(ctx)
	if err != nil {
		w.logger.Warn("failed to claim pending messages", "error", err)
	}

	messages := claimed
	if len(messages) == 0 {
		messages, err = w.readBatch(ctx)
		if err != nil {
			return err
		}
	}
	if len(messages) == 0 {
		return nil
	}

	entries, acked := w.parseMessages(ctx, messages)
	recorded, recordErr := w.recordWithRetry(ctx, entries)
	acked = append(acked, recorded...)

	if err := w.ackMessages(ctx, acked); err != nil {
		return err
	}
	return recordErr
}

// maybeClaimPending reclaims entries another consumer read but never acked.
func (w *Worker) maybeClaimPending(ctx context.Context) ([]redis.XMessage, error) {
	if w.claimInterval <= 0 || w.claimIdle <= 0 {
		return nil, nil
	}
	if !w.lastClaim.IsZero() && time.Since(w.lastClaim) < w.claimInterval {
		return nil, nil
	}

	w.lastClaim = time.Now()
	messages, start, err := w.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKey,
		Group:    ConsumerGroup,
		Consumer: w.consumerID,
		MinIdle:  w.claimIdle,
		Start:    w.claimStartID,
		Count:    int64(w.batchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if start != "" {
		w.claimStartID = start
	}
	return messages, nil
}

func (w *Worker) maybeUpdateQueueDepth(ctx context.Context) {
	if w.metricsInterval <= 0 {
		return
	}
	if !w.lastMetrics.IsZero() && time.Since(w.lastMetrics) < w.metricsInterval {
		return
	}
	w.lastMetrics = time.Now()

	groups, err := w.redis.XInfoGroups(ctx, StreamKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		w.logger.Warn("failed to read stream group info", "error", err)
		return
	}
	for _, group := range groups {
		if group.Name == ConsumerGroup {
			w.metrics.SetVisitQueueDepth(group.Pending + group.Lag)
			return
		}
	}
}

// SetBatchSize overrides the default batch size.
func (w *Worker) SetBatchSize(size int) {
	if size > 0 {
		w.batchSize = size
	}
}

// SetBlockTimeout overrides the default blocking timeout.
func (w *Worker) SetBlockTimeout(timeout time.Duration) {
	if timeout > 0 {
		w.blockTimeout = timeout
	}
}

// SetRecordTimeout bounds the store work for one visit.
func (w *Worker) SetRecordTimeout(timeout time.Duration) {
	if timeout > 0 {
		w.recordTimeout = timeout
	}
}

// SetClaimInterval overrides the default pending-claim interval.
func (w *Worker) SetClaimInterval(interval time.Duration) {
	if interval > 0 {
		w.claimInterval = interval
	}
}

// SetClaimIdle overrides the default pending idle threshold.
func (w *Worker) SetClaimIdle(idle time.Duration) {
	if idle > 0 {
		w.claimIdle = idle
	}
}

// SetMetricsInterval overrides the default metrics refresh interval.
func (w *Worker) SetMetricsInterval(interval time.Duration) {
	if interval > 0 {
		w.metricsInterval = interval
	}
}

// readBatch reads messages from the stream using XREADGROUP.
func (w *Worker) readBatch(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := w.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: w.consumerID,
		Streams:  []string{StreamKey, ">"},
		Count:    int64(w.batchSize),
		Block:    w.blockTimeout,
	}).Result()

	if errors.Is(err, redis.Nil) || len(streams) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	return streams[0].Messages, nil
}

// parseMessages decodes stream entries. Entries that cannot be decoded are
// moved to the dead-letter stream and returned for acking.
func (w *Worker) parseMessages(ctx context.Context, messages []redis.XMessage) ([]streamVisit, []string) {
	entries := make([]streamVisit, 0, len(messages))
	var dead []string

	for _, msg := range messages {
		v, reason, err := decodeMessage(msg)
		if err != nil {
			w.deadLetterMessage(ctx, msg, reason, err.Error())
			dead = append(dead, msg.ID)
			continue
		}
		entries = append(entries, streamVisit{id: msg.ID, visit: v})
	}
	return entries, dead
}

// decodeMessage turns one stream entry into a Visit. On failure the reason
// names the dead-letter category.
func decodeMessage(msg redis.XMessage) (Visit, string, error) {
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return Visit{}, "invalid_format", errors.New("payload field missing or not a string")
	}

	var payload VisitPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Visit{}, "unmarshal_error", err
	}
	if err := payload.Validate(); err != nil {
		return Visit{}, "validation_error", err
	}
	return payload.Visit(), "", nil
}

// deadLetterMessage moves a poison message to the dead-letter stream.
func (w *Worker) deadLetterMessage(ctx context.Context, msg redis.XMessage, reason, detail string) {
	w.logger.Warn("dead-lettering poison message",
		"message_id", msg.ID,
		"reason", reason,
		"detail", detail,
	)

	_, err := w.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStreamKey,
		MaxLen: deadLetterMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"original_id":      msg.ID,
			"original_stream":  StreamKey,
			"reason":           reason,
			"detail":           detail,
			"payload":          fmt.Sprint(msg.Values["payload"]),
			"dead_lettered_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		w.logger.Error("failed to write to dead-letter stream",
			"message_id", msg.ID,
			"error", err,
		)
	}

	w.metrics.IncVisitProcessed("dead_lettered")
}

// recordWithRetry records each visit and returns the ids safe to ack.
// Only ledger failures are retried: nothing was written for them. Other
// failures are acked and reported, since recording again would double
// count the page view. Visits still failing after the last attempt stay
// pending.
func (w *Worker) recordWithRetry(ctx context.Context, entries []streamVisit) ([]string, error) {
	acked := make([]string, 0, len(entries))
	pending := entries

	for attempt := 1; ; attempt++ {
		var retry []streamVisit
		var last Result
		for _, e := range pending {
			res := w.record(ctx, e.visit)
			switch {
			case res.Err == nil:
				acked = append(acked, e.id)
				w.metrics.IncVisitProcessed("success")
			case !res.Retryable:
				acked = append(acked, e.id)
				w.metrics.IncVisitProcessed("failed")
				w.report(res)
			default:
				retry = append(retry, e)
				last = res
			}
		}

		if len(retry) == 0 {
			return acked, nil
		}
		if attempt >= w.maxRetries {
			for range retry {
				w.metrics.IncVisitProcessed("failed")
			}
			w.report(last)
			return acked, fmt.Errorf("%d visits left pending: %w", len(retry), last.Err)
		}

		backoff := w.backoff(attempt)
		w.logger.Warn("visit recording failed, retrying",
			"attempt", attempt,
			"pending", len(retry),
			"backoff_seconds", backoff.Seconds(),
			"error", last.Err,
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return acked, ctx.Err()
		case <-timer.C:
		}
		pending = retry
	}
}

// record runs one visit under its own timeout. Cancelling the worker does
// not abort a write already in progress.
func (w *Worker) record(ctx context.Context, v Visit) Result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.recordTimeout)
	defer cancel()
	return w.visits.Record(ctx, v)
}

func (w *Worker) report(res Result) {
	if res.Err != nil && w.onError != nil {
		w.onError(res)
	}
}

// ackMessages acknowledges processed messages. The ack outlives worker
// cancellation so recorded visits are not redelivered.
func (w *Worker) ackMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	if _, err := w.redis.XAck(ctx, StreamKey, ConsumerGroup, messageIDs...).Result(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// isConsumerGroupExistsError checks if the error is "BUSYGROUP" (group exists).
func isConsumerGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
