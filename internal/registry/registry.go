// Package registry tracks visitors seen within a recent window.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/tallyhq/tally/internal/model"
)

// DefaultWindow is how long a visitor stays active after their last request.
const DefaultWindow = 30 * time.Minute

// Registry is an in-memory map of active visitors. All methods are safe for
// concurrent use. Entries older than the window are evicted on every touch,
// count and list.
type Registry struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]model.ActiveVisitor
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a Registry with the given expiry window.
func New(window time.Duration, opts ...Option) *Registry {
	if window <= 0 {
		window = DefaultWindow
	}
	r := &Registry{
		window:  window,
		now:     time.Now,
		entries: make(map[string]model.ActiveVisitor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Touch upserts the visitor with the current time and sweeps expired
// entries. It returns the number of live entries.
func (r *Registry) Touch(visitorID, path, browser, region string) int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[visitorID] = model.ActiveVisitor{
		VisitorID: visitorID,
		Time:      now,
		Path:      path,
		Browser:   browser,
		Region:    region,
	}
	r.sweepLocked(now)
	return len(r.entries)
}

// Sweep evicts expired entries and returns how many were removed.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(now)
}

// Count returns the number of active visitors.
func (r *Registry) Count() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	return len(r.entries)
}

// List returns active visitors, most recent first, with ids redacted.
func (r *Registry) List() []model.ActiveVisitor {
	now := r.now()

	r.mu.Lock()
	r.sweepLocked(now)
	list := make([]model.ActiveVisitor, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].Time.Equal(list[j].Time) {
			return list[i].Time.After(list[j].Time)
		}
		return list[i].VisitorID < list[j].VisitorID
	})
	for i := range list {
		list[i].VisitorID = redact(list[i].VisitorID)
	}
	return list
}

// sweepLocked must be called with r.mu held.
func (r *Registry) sweepLocked(now time.Time) int {
	evicted := 0
	for id, e := range r.entries {
		if now.Sub(e.Time) > r.window {
			delete(r.entries, id)
			evicted++
		}
	}
	return evicted
}

func redact(id string) string {
	const keep = 8
	if len(id) > keep {
		id = id[:keep]
	}
	return id + "…"
}
