// Package analytics identifies visitors, classifies requests and records
// visits into the ledger, the daily aggregates and the active registry.
package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/x-way/crawlerdetect"
)

const (
	// CookieName is the client-held token carrying the visitor id.
	CookieName = "visitor_id"

	maxTokenLength     = 128
	maxUserAgentLength = 500
)

// DefaultExcludedPrefixes are never tracked.
var DefaultExcludedPrefixes = []string{
	"/static/",
	"/assets/",
	"/api/",
	"/admin/",
	"/auth/",
	"/favicon.ico",
}

// Identity is the outcome of visitor identification.
type Identity struct {
	VisitorID string
	// IsNew is true when the id was derived rather than read from a token.
	// The caller must hand the id back to the client.
	IsNew bool
}

// Identify resolves the visitor id for a request. A valid token wins;
// otherwise the id is hex(SHA256(ip + " - " + userAgent)).
func Identify(ip, userAgent, token string) Identity {
	if validToken(token) {
		return Identity{VisitorID: token}
	}
	return Identity{VisitorID: VisitorHash(ip, userAgent), IsNew: true}
}

// VisitorHash derives the pseudonymous visitor id.
func VisitorHash(ip, userAgent string) string {
	hash := sha256.Sum256([]byte(ip + " - " + userAgent))
	return hex.EncodeToString(hash[:])
}

func validToken(token string) bool {
	if token == "" || len(token) > maxTokenLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		ch := token[i]
		switch {
		case ch >= '0' && ch <= '9', ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z':
		case ch == '-' || ch == '_' || ch == '.':
		default:
			return false
		}
	}
	return true
}

// IsBot reports whether the user agent carries a known crawler signature.
// An empty user agent is not treated as a bot.
func IsBot(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	return crawlerdetect.IsCrawler(userAgent)
}

// PathFilter decides which paths are tracked.
type PathFilter struct {
	prefixes []string
}

// NewPathFilter builds a filter from the default prefixes plus extra ones.
func NewPathFilter(extra ...string) *PathFilter {
	prefixes := make([]string, 0, len(DefaultExcludedPrefixes)+len(extra))
	prefixes = append(prefixes, DefaultExcludedPrefixes...)
	for _, p := range extra {
		p = strings.TrimSpace(p)
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return &PathFilter{prefixes: prefixes}
}

// Excluded reports whether path is outside tracking. The bare namespace
// roots ("/api", "/admin", ...) are excluded along with their subtrees.
func (f *PathFilter) Excluded(path string) bool {
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
		if strings.HasSuffix(prefix, "/") && path == strings.TrimSuffix(prefix, "/") {
			return true
		}
	}
	return false
}

// TruncateUserAgent truncates user agent to max 500 chars.
func TruncateUserAgent(ua string) string {
	if len(ua) > maxUserAgentLength {
		return ua[:maxUserAgentLength]
	}
	return ua
}

// ExtractCountryCode validates a CDN country header.
// Returns empty string if header is missing or invalid.
func ExtractCountryCode(cfIPCountry string) string {
	if len(cfIPCountry) != 2 {
		return ""
	}
	code := strings.ToUpper(cfIPCountry)
	// Cloudflare uses XX for unknown and T1 for Tor
	if code == "XX" || code == "T1" {
		return ""
	}
	if code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return ""
	}
	return code
}
