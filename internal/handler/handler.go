// Package handler provides HTTP request handlers.
package handler

import (
	"encoding/json"
	"net/http"
	"os"
)

// Version is reported by the fallback site handler.
const Version = "0.1.0"

// Handler serves the host site behind the tracking middleware.
type Handler struct {
	siteDir string
}

// New creates a Handler. An empty siteDir serves a JSON hello page.
func New(siteDir string) *Handler {
	return &Handler{siteDir: siteDir}
}

// Site returns the host site handler: a file server rooted at siteDir, or
// Hello when no directory is configured.
func (h *Handler) Site() http.Handler {
	if h.siteDir == "" {
		return http.HandlerFunc(h.Hello)
	}
	return http.FileServer(http.FS(os.DirFS(h.siteDir)))
}

// Hello is the placeholder site page.
// GET /
func (h *Handler) Hello(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		h.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Hello from Tally!",
		"version": Version,
	})
}

// NotFound handles 404 responses.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
}

// MethodNotAllowed handles 405 responses.
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorBody is the error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}
