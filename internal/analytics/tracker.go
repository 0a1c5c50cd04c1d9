package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/model"
)

const (
	// DefaultDedupWindow is how long repeat sightings count as page views only.
	DefaultDedupWindow = 30 * time.Minute

	// DefaultTrackTimeout bounds the persistence work of one request.
	DefaultTrackTimeout = 500 * time.Millisecond
)

// Skip reasons.
const (
	SkipExcludedPath = "excluded_path"
	SkipBot          = "bot"
)

// Common errors.
var (
	ErrVisitorNotFound  = errors.New("visitor not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Sighting is one observation of a visitor passed to the ledger.
type Sighting struct {
	VisitorID string
	IP        string
	UserAgent string
	Path      string
	Region    string
	Browser   string
	At        time.Time
	// Window is the dedup window; sightings closer than this to the
	// previous one are duplicates.
	Window time.Duration
}

// SightingResult is the ledger's dedupe decision.
type SightingResult struct {
	IsDuplicate  bool
	IsNewVisitor bool
	VisitCount   int64
}

// Event is one increment applied to a day bucket.
type Event struct {
	IsDuplicateVisit bool
	IsNewVisitor     bool
	Path             string
	Region           string
	Browser          string
}

// Keys returns the sanitized breakdown counter keys every store writes.
func (e Event) Keys() (page, region, browser string) {
	return SanitizeKey(e.Path), SanitizeKey(e.Region), SanitizeKey(e.Browser)
}

// Ledger persists per-visitor records. RecordSighting must be a single
// atomic upsert so concurrent sightings of one visitor never lose updates.
type Ledger interface {
	RecordSighting(ctx context.Context, s Sighting) (SightingResult, error)
}

// Aggregator applies events to day buckets with atomic increments.
type Aggregator interface {
	RecordEvent(ctx context.Context, day time.Time, e Event) error
}

// StatsReader answers read-only aggregate queries.
type StatsReader interface {
	Day(ctx context.Context, day time.Time) (*model.DailyStats, error)
	Totals(ctx context.Context) (*model.Totals, error)
	Range(ctx context.Context, start, end time.Time) ([]*model.DailyStats, error)
	TopPages(ctx context.Context, limit int) ([]model.Breakdown, error)
	RegionBreakdown(ctx context.Context) ([]model.Breakdown, error)
	BrowserBreakdown(ctx context.Context) ([]model.Breakdown, error)
}

// VisitorReader looks up ledger records.
type VisitorReader interface {
	LookupVisitor(ctx context.Context, visitorID string) (*model.VisitorRecord, error)
}

// Store is everything a storage backend provides.
type Store interface {
	Ledger
	Aggregator
	StatsReader
	VisitorReader
	Ping(ctx context.Context) error
}

// ActivityRecorder receives every tracked request. Touch returns the live
// entry count after the upsert.
type ActivityRecorder interface {
	Touch(visitorID, path, browser, region string) int
}

// Request is what the request pipeline supplies for each inbound request.
type Request struct {
	IP          string
	UserAgent   string
	Path        string
	Token       string // existing visitor token, if any
	CountryHint string // CDN country header, if any
	RequestID   string
}

// Visit is a request that passed the cheap synchronous checks.
type Visit struct {
	Identity
	Request
	At time.Time
}

// Result describes what tracking did. A non-nil Err never affects the
// response; callers may log it and move on.
type Result struct {
	VisitorID    string
	Tracked      bool
	SkipReason   string
	IsDuplicate  bool
	IsNewVisitor bool
	Browser      string
	Region       string
	RequestID    string
	Err          error
	// Retryable is set when the ledger write failed. Nothing was persisted,
	// so recording the same visit again cannot double count it.
	Retryable bool
}

// TrackerConfig holds tracker dependencies.
type TrackerConfig struct {
	Ledger      Ledger
	Aggregator  Aggregator
	Activity    ActivityRecorder
	Regions     *RegionClassifier
	Filter      *PathFilter
	DedupWindow time.Duration
	Metrics     metrics.Recorder
	Logger      *slog.Logger
	Now         func() time.Time
}

// Tracker runs the per-request analytics pipeline.
type Tracker struct {
	ledger      Ledger
	aggregator  Aggregator
	activity    ActivityRecorder
	regions     *RegionClassifier
	filter      *PathFilter
	dedupWindow time.Duration
	metrics     metrics.Recorder
	logger      *slog.Logger
	now         func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	t := &Tracker{
		ledger:      cfg.Ledger,
		aggregator:  cfg.Aggregator,
		activity:    cfg.Activity,
		regions:     cfg.Regions,
		filter:      cfg.Filter,
		dedupWindow: cfg.DedupWindow,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if t.regions == nil {
		t.regions = NewRegionClassifier(nil, 0)
	}
	if t.filter == nil {
		t.filter = NewPathFilter()
	}
	if t.dedupWindow <= 0 {
		t.dedupWindow = DefaultDedupWindow
	}
	if t.metrics == nil {
		t.metrics = metrics.NewNoop()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "analytics.tracker")
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Prepare runs the path-exclusion and bot checks and identifies the
// visitor. It does no I/O. ok is false when the request is not tracked.
func (t *Tracker) Prepare(req Request) (v Visit, skipReason string, ok bool) {
	if t.filter.Excluded(req.Path) {
		t.metrics.IncSkipped(SkipExcludedPath)
		return Visit{}, SkipExcludedPath, false
	}
	if IsBot(req.UserAgent) {
		t.metrics.IncSkipped(SkipBot)
		return Visit{}, SkipBot, false
	}

	req.UserAgent = TruncateUserAgent(req.UserAgent)
	return Visit{
		Identity: Identify(req.IP, req.UserAgent, req.Token),
		Request:  req,
		At:       t.now(),
	}, "", true
}

// Record classifies and persists a prepared visit. It never panics; every
// failure is reported through Result.Err.
func (t *Tracker) Record(ctx context.Context, v Visit) (res Result) {
	start := time.Now()
	res = Result{VisitorID: v.VisitorID, RequestID: v.RequestID}

	defer func() {
		if rvr := recover(); rvr != nil {
			res.Tracked = false
			res.Retryable = false
			res.Err = fmt.Errorf("tracking panic: %v", rvr)
			t.metrics.IncTrackError("panic")
		}
		t.metrics.ObserveTrackDuration(time.Since(start))
	}()

	res.Browser = ClassifyBrowser(v.UserAgent)
	res.Region = t.regions.Classify(ctx, v.IP, v.CountryHint)

	// The registry is in-memory and independent of the stores, so it is
	// refreshed even when persistence fails below.
	if t.activity != nil {
		active := t.activity.Touch(v.VisitorID, v.Path, res.Browser, res.Region)
		t.metrics.SetActiveVisitors(active)
	}

	sighting, err := t.ledger.RecordSighting(ctx, Sighting{
		VisitorID: v.VisitorID,
		IP:        v.IP,
		UserAgent: v.UserAgent,
		Path:      v.Path,
		Region:    res.Region,
		Browser:   res.Browser,
		At:        v.At,
		Window:    t.dedupWindow,
	})
	if err != nil {
		t.metrics.IncTrackError("ledger")
		res.Err = fmt.Errorf("record sighting: %w", err)
		res.Retryable = true
		return res
	}
	res.IsDuplicate = sighting.IsDuplicate
	res.IsNewVisitor = sighting.IsNewVisitor

	err = t.aggregator.RecordEvent(ctx, model.DayOf(v.At), Event{
		IsDuplicateVisit: sighting.IsDuplicate,
		IsNewVisitor:     sighting.IsNewVisitor,
		Path:             v.Path,
		Region:           res.Region,
		Browser:          res.Browser,
	})
	if err != nil {
		t.metrics.IncTrackError("aggregate")
		res.Err = fmt.Errorf("record event: %w", err)
		return res
	}

	res.Tracked = true
	if sighting.IsDuplicate {
		t.metrics.IncTracked("duplicate")
	} else {
		t.metrics.IncTracked("visit")
	}

	t.logger.Debug("visit tracked",
		"visitor", Redact(v.VisitorID),
		"path", v.Path,
		"duplicate", sighting.IsDuplicate,
		"new_visitor", sighting.IsNewVisitor,
		"visit_count", sighting.VisitCount,
	)
	return res
}

// Track runs Prepare and Record in sequence.
func (t *Tracker) Track(ctx context.Context, req Request) Result {
	v, reason, ok := t.Prepare(req)
	if !ok {
		return Result{SkipReason: reason}
	}
	return t.Record(ctx, v)
}

// Redact shortens a visitor id for logs and public listings.
func Redact(visitorID string) string {
	const keep = 8
	if len(visitorID) <= keep {
		return visitorID + "…"
	}
	return visitorID[:keep] + "…"
}
