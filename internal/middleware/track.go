package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tallyhq/tally/internal/analytics"
)

const (
	// CountryHeader is the CDN-provided client country.
	CountryHeader = "CF-IPCountry"

	cookieMaxAge = 365 * 24 * 60 * 60

	errorLogBurst = 5
)

// TrackConfig configures the tracking middleware.
type TrackConfig struct {
	Tracker *analytics.Tracker
	// Queue records prepared visits off the request path. Required.
	Queue analytics.VisitQueue
	// Proxies whose forwarding and country headers are believed. Nil
	// trusts none.
	Proxies      *analytics.TrustedProxies
	CookieSecure bool
	Logger       *slog.Logger
	// Errors receives tracking panics. When nil one is built from Logger
	// and ErrorLogRPS.
	Errors *ErrorLogger
	// ErrorLogRPS caps tracking-error log lines per second.
	ErrorLogRPS float64
}

// Track records every request that reaches the site handler. Only the
// cheap checks and the cookie run before the response; persistence is
// handed to the queue. Tracking never changes the response.
func Track(cfg TrackConfig) func(http.Handler) http.Handler {
	errLog := cfg.Errors
	if errLog == nil {
		logger := cfg.Logger
		if logger == nil {
			logger = slog.Default()
		}
		errLog = NewErrorLogger(logger.With("component", "middleware.track"), cfg.ErrorLogRPS)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			trackRequest(w, r, cfg, errLog)
			next.ServeHTTP(w, r)
		})
	}
}

func trackRequest(w http.ResponseWriter, r *http.Request, cfg TrackConfig, errLog *ErrorLogger) {
	defer func() {
		if rvr := recover(); rvr != nil {
			errLog.Log(analytics.Result{
				RequestID: GetRequestID(r.Context()),
				Err:       fmt.Errorf("tracking panic: %v", rvr),
			})
		}
	}()

	v, _, ok := cfg.Tracker.Prepare(requestFor(r, cfg.Proxies))
	if !ok {
		return
	}
	if v.IsNew {
		http.SetCookie(w, visitorCookie(v.VisitorID, cfg.CookieSecure))
	}
	cfg.Queue.Dispatch(r.Context(), v)
}

func requestFor(r *http.Request, proxies *analytics.TrustedProxies) analytics.Request {
	req := analytics.Request{
		IP:        proxies.ClientIP(r.RemoteAddr, r.Header.Get),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
		RequestID: GetRequestID(r.Context()),
	}
	if proxies.Trusts(r.RemoteAddr) {
		req.CountryHint = r.Header.Get(CountryHeader)
	}
	if c, err := r.Cookie(analytics.CookieName); err == nil {
		req.Token = c.Value
	}
	return req
}

func visitorCookie(visitorID string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     analytics.CookieName,
		Value:    visitorID,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		Expires:  time.Now().Add(cookieMaxAge * time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ErrorLogger logs tracking failures at a bounded rate. Lines over the
// limit are counted and the count is reported with the next line that
// gets through.
type ErrorLogger struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewErrorLogger allows rps lines per second with a burst of five.
// rps <= 0 logs every error.
func NewErrorLogger(logger *slog.Logger, rps float64) *ErrorLogger {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &ErrorLogger{
		logger:  logger,
		limiter: rate.NewLimiter(limit, errorLogBurst),
	}
}

// Log reports a failed tracking result.
func (l *ErrorLogger) Log(res analytics.Result) {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return
	}
	l.logger.Warn("visit tracking failed",
		slog.String("visitor", analytics.Redact(res.VisitorID)),
		slog.String("request_id", res.RequestID),
		slog.Int64("suppressed", l.suppressed.Swap(0)),
		slog.String("error", res.Err.Error()),
	)
}

// Suppressed returns the number of lines dropped since the last one logged.
func (l *ErrorLogger) Suppressed() int64 {
	return l.suppressed.Load()
}
