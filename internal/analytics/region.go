package analytics

import (
	"context"
	"net"
	"strings"
	"time"
)

// Region labels that are not country codes.
const (
	RegionLocal   = "local"
	RegionUnknown = "unknown"
)

// DefaultGeoTimeout bounds a single geo lookup.
const DefaultGeoTimeout = 50 * time.Millisecond

// GeoLookup resolves an IP address to an ISO 3166-1 alpha-2 country code.
type GeoLookup interface {
	Country(ctx context.Context, ip string) (string, error)
}

// RegionClassifier maps client addresses to coarse region labels.
// It never fails: lookup errors degrade to the CDN hint or "unknown".
type RegionClassifier struct {
	geo     GeoLookup
	timeout time.Duration
}

// NewRegionClassifier creates a classifier. geo may be nil, in which case
// only local detection and the CDN hint are used.
func NewRegionClassifier(geo GeoLookup, timeout time.Duration) *RegionClassifier {
	if timeout <= 0 {
		timeout = DefaultGeoTimeout
	}
	return &RegionClassifier{geo: geo, timeout: timeout}
}

// Classify returns "local" for loopback/private addresses, the country code
// from the geo lookup, the validated countryHint, or "unknown".
func (c *RegionClassifier) Classify(ctx context.Context, ip, countryHint string) string {
	if IsLocalIP(ip) {
		return RegionLocal
	}

	if c != nil && c.geo != nil && ip != "" {
		if code := c.lookup(ctx, ip); code != "" {
			return code
		}
	}

	if code := ExtractCountryCode(countryHint); code != "" {
		return code
	}
	return RegionUnknown
}

func (c *RegionClassifier) lookup(ctx context.Context, ip string) (code string) {
	defer func() {
		if recover() != nil {
			code = ""
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	country, err := c.geo.Country(ctx, ip)
	if err != nil {
		return ""
	}
	return ExtractCountryCode(country)
}

// IsLocalIP reports loopback, private-range and link-local addresses.
func IsLocalIP(ip string) bool {
	switch {
	case ip == "127.0.0.1", ip == "::1", ip == "localhost":
		return true
	case strings.HasPrefix(ip, "192.168."), strings.HasPrefix(ip, "10."):
		return true
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast()
}
