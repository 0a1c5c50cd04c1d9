package analytics

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Forwarding headers read from trusted proxies.
const (
	HeaderCFConnectingIP = "CF-Connecting-IP"
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderRealIP         = "X-Real-IP"
)

// TrustedProxies is the set of peers whose forwarding headers are believed.
// A nil or empty set trusts nobody, so the client is always the TCP peer.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies accepts CIDRs ("10.0.0.0/8") and bare addresses.
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	t := &TrustedProxies{}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			t.prefixes = append(t.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		t.prefixes = append(t.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return t, nil
}

// Trusts reports whether the request came directly from a trusted proxy.
func (t *TrustedProxies) Trusts(remoteAddr string) bool {
	return t.contains(peerIP(remoteAddr))
}

// ClientIP returns the client address. Forwarding headers are only read
// when the peer is trusted; X-Forwarded-For is walked from the nearest hop
// and the first untrusted entry wins, so a client cannot spoof its address
// by prepending hops.
func (t *TrustedProxies) ClientIP(remoteAddr string, header func(string) string) string {
	peer := peerIP(remoteAddr)
	if !t.contains(peer) {
		return peer
	}

	if ip := parseIP(header(HeaderCFConnectingIP)); ip != "" {
		return ip
	}
	if xff := header(HeaderForwardedFor); xff != "" {
		hops := strings.Split(xff, ",")
		client := ""
		for i := len(hops) - 1; i >= 0; i-- {
			ip := parseIP(hops[i])
			if ip == "" {
				break
			}
			client = ip
			if !t.contains(ip) {
				break
			}
		}
		if client != "" {
			return client
		}
	}
	if ip := parseIP(header(HeaderRealIP)); ip != "" {
		return ip
	}
	return peer
}

func (t *TrustedProxies) contains(ip string) bool {
	if t == nil || len(t.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range t.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func peerIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func parseIP(raw string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
