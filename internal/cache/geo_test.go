package cache

import (
	"strings"
	"testing"
)

func TestHashIP_Deterministic(t *testing.T) {
	t.Parallel()

	ip := "203.0.113.10"
	if hashIP(ip) != hashIP(ip) {
		t.Error("hashIP should be deterministic")
	}
	if got := len(hashIP(ip)); got != 16 {
		t.Errorf("hashIP() len = %d, want 16", got)
	}
}

func TestGeoKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ip1 string
		ip2 string
	}{
		{"203.0.113.10", "203.0.113.11"},
		{"2001:db8::1", "2001:db8::2"},
	}

	for _, tt := range tests {
		k1, k2 := geoKey(tt.ip1), geoKey(tt.ip2)
		if !strings.HasPrefix(k1, geoKeyPrefix) {
			t.Errorf("geoKey(%q) = %q, want prefix %q", tt.ip1, k1, geoKeyPrefix)
		}
		if strings.Contains(k1, tt.ip1) {
			t.Errorf("geoKey(%q) = %q leaks the address", tt.ip1, k1)
		}
		if k1 == k2 {
			t.Errorf("geoKey(%q) == geoKey(%q)", tt.ip1, tt.ip2)
		}
	}
}
