package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// CORS allows the listed origins to read the public live-visitor endpoints
// from a browser. Only GET is permitted; no credentials are shared.
// An empty list disables cross-origin access.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := originMatcher(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !allowed(origin) {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CheckOrigin returns a websocket origin check that accepts same-origin
// requests, requests without an Origin header and the listed origins.
func CheckOrigin(allowedOrigins []string) func(*http.Request) bool {
	allowed := originMatcher(allowedOrigins)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}
		return allowed(origin)
	}
}

// originMatcher supports exact origins and "*.example.com" suffix patterns.
func originMatcher(allowedOrigins []string) func(string) bool {
	origins := make(map[string]bool, len(allowedOrigins))
	var wildcards []string
	for _, o := range allowedOrigins {
		o = strings.ToLower(strings.TrimSpace(o))
		switch {
		case o == "":
		case strings.HasPrefix(o, "*."):
			wildcards = append(wildcards, strings.TrimPrefix(o, "*"))
		default:
			origins[o] = true
		}
	}

	return func(origin string) bool {
		origin = strings.ToLower(origin)
		if origins[origin] {
			return true
		}
		for _, suffix := range wildcards {
			if !strings.HasSuffix(origin, suffix) {
				continue
			}
			// "*.example.com" matches "https://a.example.com", not "https://badexample.com"
			host := strings.TrimSuffix(origin, suffix)
			if i := strings.Index(host, "://"); i >= 0 && len(host) > i+3 {
				return true
			}
		}
		return false
	}
}
