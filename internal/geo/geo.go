// Package geo resolves client addresses to ISO country codes.
package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/tallyhq/tally/internal/metrics"
)

// Provider names accepted by Open.
const (
	ProviderNone = "none"
	ProviderMMDB = "mmdb"
	ProviderHTTP = "http"
)

// Common errors.
var (
	ErrInvalidIP       = errors.New("invalid ip address")
	ErrUnknownProvider = errors.New("unknown geo provider")
)

// Lookup resolves an address to a country code. An empty code with a nil
// error means the address is not in the dataset.
type Lookup interface {
	Country(ctx context.Context, ip string) (string, error)
}

// MMDB reads a MaxMind GeoIP2/GeoLite2 country or city database.
type MMDB struct {
	reader *geoip2.Reader
}

// OpenMMDB opens the database at path.
func OpenMMDB(path string) (*MMDB, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MMDB{reader: reader}, nil
}

// Country looks up the ISO code. Local reads do not block, so ctx is only
// checked up front.
func (m *MMDB) Country(ctx context.Context, ip string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", ErrInvalidIP
	}

	record, err := m.reader.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("geoip lookup: %w", err)
	}
	return record.Country.IsoCode, nil
}

// Close releases the database.
func (m *MMDB) Close() error {
	return m.reader.Close()
}

// CountryCache stores lookup results. cache.Cache implements it.
type CountryCache interface {
	GetCountry(ctx context.Context, ip string) (string, error)
	SetCountry(ctx context.Context, ip, country string, ttl time.Duration) error
}

// Cached decorates a Lookup with a CountryCache. Cache failures fall
// through to the underlying lookup.
type Cached struct {
	next    Lookup
	cache   CountryCache
	ttl     time.Duration
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewCached wraps next with cache.
func NewCached(next Lookup, cache CountryCache, ttl time.Duration, logger *slog.Logger, recorder metrics.Recorder) *Cached {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{
		next:    next,
		cache:   cache,
		ttl:     ttl,
		metrics: recorder,
		logger:  logger.With("component", "geo.cache"),
	}
}

// Country returns the cached code or resolves and caches it.
func (c *Cached) Country(ctx context.Context, ip string) (string, error) {
	country, err := c.cache.GetCountry(ctx, ip)
	if err == nil {
		c.metrics.IncGeoLookup("hit")
		return country, nil
	}
	c.metrics.IncGeoLookup("miss")

	country, err = c.next.Country(ctx, ip)
	if err != nil {
		c.metrics.IncGeoLookup("error")
		return "", err
	}

	if err := c.cache.SetCountry(ctx, ip, country, c.ttl); err != nil {
		c.logger.Debug("failed to cache country", "error", err)
	}
	return country, nil
}

// Options configures Open.
type Options struct {
	Provider string
	DBPath   string
	HTTPURL  string
	Timeout  time.Duration
}

// Open builds the configured provider. It returns a nil Lookup and a no-op
// closer for ProviderNone.
func Open(opts Options) (Lookup, func() error, error) {
	noop := func() error { return nil }

	switch opts.Provider {
	case "", ProviderNone:
		return nil, noop, nil
	case ProviderMMDB:
		db, err := OpenMMDB(opts.DBPath)
		if err != nil {
			return nil, noop, err
		}
		return db, db.Close, nil
	case ProviderHTTP:
		client, err := NewHTTP(opts.HTTPURL, opts.Timeout)
		if err != nil {
			return nil, noop, err
		}
		return client, noop, nil
	default:
		return nil, noop, fmt.Errorf("%w: %q", ErrUnknownProvider, opts.Provider)
	}
}
