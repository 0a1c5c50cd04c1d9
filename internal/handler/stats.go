package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/handler/dto"
	"github.com/tallyhq/tally/internal/service"
)

// StatsHandler serves the admin statistics API.
type StatsHandler struct {
	svc    *service.StatsService
	logger *slog.Logger
}

// NewStatsHandler creates a new StatsHandler.
func NewStatsHandler(svc *service.StatsService, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{
		svc:    svc,
		logger: logger.With("component", "handler.stats"),
	}
}

// Routes mounts the stats endpoints.
func (h *StatsHandler) Routes(r chi.Router) {
	r.Get("/stats/today", h.Today)
	r.Get("/stats/totals", h.Totals)
	r.Get("/stats/range", h.Range)
	r.Get("/stats/pages", h.TopPages)
	r.Get("/stats/regions", h.Regions)
	r.Get("/stats/browsers", h.Browsers)
	r.Get("/visitors/{id}", h.Visitor)
}

// Today handles GET /api/admin/stats/today.
func (h *StatsHandler) Today(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Today(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToDailyStatsResponse(stats))
}

// Totals handles GET /api/admin/stats/totals.
func (h *StatsHandler) Totals(w http.ResponseWriter, r *http.Request) {
	totals, err := h.svc.Totals(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// Range handles GET /api/admin/stats/range?from=YYYY-MM-DD&to=YYYY-MM-DD.
func (h *StatsHandler) Range(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := h.svc.ParseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	days, err := h.svc.Range(r.Context(), from, to)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToRangeResponse(from, to, days))
}

// TopPages handles GET /api/admin/stats/pages?limit=N.
func (h *StatsHandler) TopPages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be an integer")
			return
		}
		limit = n
	}

	pages, err := h.svc.TopPages(r.Context(), limit)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToBreakdownResponse(pages))
}

// Regions handles GET /api/admin/stats/regions.
func (h *StatsHandler) Regions(w http.ResponseWriter, r *http.Request) {
	regions, err := h.svc.RegionBreakdown(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToBreakdownResponse(regions))
}

// Browsers handles GET /api/admin/stats/browsers.
func (h *StatsHandler) Browsers(w http.ResponseWriter, r *http.Request) {
	browsers, err := h.svc.BrowserBreakdown(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToBreakdownResponse(browsers))
}

// Visitor handles GET /api/admin/visitors/{id}.
func (h *StatsHandler) Visitor(w http.ResponseWriter, r *http.Request) {
	visitor, err := h.svc.Visitor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToVisitorResponse(visitor))
}

// handleServiceError maps service errors to HTTP responses.
func (h *StatsHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, "INVALID_DATE", err.Error())
	case errors.Is(err, service.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "INVALID_RANGE", err.Error())
	case errors.Is(err, service.ErrRangeTooLong):
		writeError(w, http.StatusBadRequest, "RANGE_TOO_LONG", err.Error())
	case errors.Is(err, service.ErrInvalidLimit):
		writeError(w, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
	case errors.Is(err, service.ErrEmptyVisitor):
		writeError(w, http.StatusBadRequest, "MISSING_ID", err.Error())
	case errors.Is(err, analytics.ErrVisitorNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Visitor not found")
	case errors.Is(err, analytics.ErrStoreUnavailable):
		h.logger.Error("store unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Statistics store is unavailable")
	default:
		h.logger.Error("stats query failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch statistics")
	}
}
