package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tallyhq/tally/internal/metrics"
)

// DefaultSweepInterval is how often the background sweeper runs.
const DefaultSweepInterval = time.Minute

// Sweeper periodically evicts expired registry entries so memory stays
// bounded between requests.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	metrics  metrics.Recorder

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// NewSweeper creates a Sweeper for the registry.
func NewSweeper(r *Registry, interval time.Duration, logger *slog.Logger, recorder metrics.Recorder) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Sweeper{
		registry: r,
		interval: interval,
		logger:   logger.With("component", "registry.sweeper"),
		metrics:  recorder,
	}
}

// Run sweeps on every tick. Blocks until the context is cancelled or
// Shutdown is called.
func (s *Sweeper) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("sweeper already started")
	}
	s.started = true
	s.done = make(chan struct{})
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("registry sweeper started", "interval", s.interval.String())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("registry sweeper stopping")
			return nil
		case <-ticker.C:
			evicted := s.registry.Sweep()
			s.metrics.AddActiveEvicted(evicted)
			s.metrics.SetActiveVisitors(s.registry.Count())
			if evicted > 0 {
				s.logger.Debug("evicted inactive visitors", "count", evicted)
			}
		}
	}
}

// Shutdown stops the sweeper. It implements server.ShutdownFunc.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("registry sweeper shutdown timed out")
		return ctx.Err()
	}
}
