package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tallyhq/tally/internal/metrics"
)

// DefaultMaxInFlight caps concurrent background recordings.
const DefaultMaxInFlight = 256

// VisitQueue takes prepared visits off the request path. Dispatch never
// blocks on storage; it returns false when the visit was dropped.
type VisitQueue interface {
	Dispatch(ctx context.Context, v Visit) bool
}

// Dispatcher records prepared visits off the request path. Each recording
// runs under its own timeout, detached from the request.
type Dispatcher struct {
	tracker *Tracker
	timeout time.Duration
	logger  *slog.Logger
	metrics metrics.Recorder
	onError func(Result)

	slots chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a Dispatcher. onError, if set, receives every
// result carrying an error.
func NewDispatcher(tracker *Tracker, timeout time.Duration, logger *slog.Logger, recorder metrics.Recorder, onError func(Result)) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTrackTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Dispatcher{
		tracker: tracker,
		timeout: timeout,
		logger:  logger.With("component", "analytics.dispatcher"),
		metrics: recorder,
		onError: onError,
		slots:   make(chan struct{}, DefaultMaxInFlight),
	}
}

// RecordSync records the visit on the caller's goroutine. The context only
// carries values; its cancellation is ignored so a client disconnect does
// not abort the writes.
func (d *Dispatcher) RecordSync(ctx context.Context, v Visit) Result {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	res := d.tracker.Record(ctx, v)
	if res.Err != nil && ctx.Err() != nil {
		d.metrics.IncTrackError("timeout")
	}
	d.report(res)
	return res
}

// Dispatch records the visit in the background. When the in-flight limit is
// reached or the dispatcher is shut down, the visit is dropped and false
// is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, v Visit) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	select {
	case d.slots <- struct{}{}:
	default:
		d.mu.Unlock()
		d.metrics.IncTrackError("dropped")
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		d.RecordSync(ctx, v)
	}()
	return true
}

// Shutdown waits for in-flight recordings. It implements server.ShutdownFunc.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher shutdown timed out")
		return ctx.Err()
	}
}

func (d *Dispatcher) report(res Result) {
	if res.Err != nil && d.onError != nil {
		d.onError(res)
	}
}
