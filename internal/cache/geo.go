package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache key prefixes and TTLs.
const (
	geoKeyPrefix = "geo:"

	// DefaultGeoTTL is the TTL for resolved country codes.
	DefaultGeoTTL = 24 * time.Hour

	// NegativeCacheTTL is the TTL for addresses that resolved to nothing.
	NegativeCacheTTL = 5 * time.Minute

	// negativeValue marks an address with no known country.
	negativeValue = "-"
)

// Common cache errors.
var (
	ErrCacheMiss = errors.New("cache miss")
)

// GetCountry returns the cached country code for ip. An empty code with a
// nil error means the address is negatively cached.
// Returns ErrCacheMiss if not found.
func (c *Cache) GetCountry(ctx context.Context, ip string) (string, error) {
	result, err := c.client.Get(ctx, geoKey(ip)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	if result == negativeValue {
		return "", nil
	}
	return result, nil
}

// SetCountry stores a resolved country code. An empty code is stored as a
// negative entry with the shorter NegativeCacheTTL.
func (c *Cache) SetCountry(ctx context.Context, ip, country string, ttl time.Duration) error {
	value := country
	if country == "" {
		value = negativeValue
		ttl = NegativeCacheTTL
	}
	if ttl <= 0 {
		ttl = DefaultGeoTTL
	}

	if err := c.client.Set(ctx, geoKey(ip), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache country: %w", err)
	}
	return nil
}

// geoKey hashes the address so raw client IPs never land in Redis.
func geoKey(ip string) string {
	return geoKeyPrefix + hashIP(ip)
}

// hashIP creates a truncated SHA256 hash of an IP address.
func hashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(hash[:8]) // 16 hex chars
}
