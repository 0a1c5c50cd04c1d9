package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tallyhq/tally/internal/auth"
)

// minFailureDuration is the minimum time spent on a rejected request so
// malformed and wrong keys are indistinguishable by timing.
const minFailureDuration = 200 * time.Millisecond

// AdminAuth guards the admin API with a bearer key checked against the
// configured Argon2id hash. A nil verifier means admin access is disabled
// and every request gets 404.
func AdminAuth(verifier *auth.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
				return
			}

			start := time.Now()
			key := bearerToken(r)

			reason := ""
			switch {
			case key == "":
				reason = "missing_key"
			case !auth.ValidateKeyFormat(key):
				reason = "invalid_format"
			case !verifier.Verify(key):
				reason = "invalid_key"
			}

			if reason != "" {
				logger.Warn("authentication failed",
					slog.String("reason", reason),
					slog.String("ip", r.RemoteAddr),
					slog.String("endpoint", r.Method+" "+r.URL.Path),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				if elapsed := time.Since(start); elapsed < minFailureDuration {
					time.Sleep(minFailureDuration - elapsed)
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="tally"`)
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing admin key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > len("Bearer ") && strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}
