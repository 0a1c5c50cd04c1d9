package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tallyhq/tally/internal/service"
)

const (
	// DefaultPushInterval is how often the live feed sends a snapshot.
	DefaultPushInterval = 5 * time.Second

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = 15 * time.Second
)

// ActiveSnapshotter returns the current live visitor snapshot.
type ActiveSnapshotter interface {
	Active() service.ActiveSnapshot
}

// ActiveHandler serves the public live-visitor endpoints.
type ActiveHandler struct {
	source   ActiveSnapshotter
	interval time.Duration
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// mu orders conns.Add against Shutdown's Wait.
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	conns  sync.WaitGroup
}

// NewActiveHandler creates an ActiveHandler. checkOrigin decides which
// browser origins may open the websocket; nil allows same-origin only.
func NewActiveHandler(source ActiveSnapshotter, interval time.Duration, checkOrigin func(*http.Request) bool, logger *slog.Logger) *ActiveHandler {
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	return &ActiveHandler{
		source:   source,
		interval: interval,
		logger:   logger.With("component", "handler.active"),
		upgrader: websocket.Upgrader{
			CheckOrigin:       checkOrigin,
			EnableCompression: true,
		},
		done: make(chan struct{}),
	}
}

// List handles GET /api/active.
func (h *ActiveHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Active())
}

// Stream handles GET /api/active/ws. It sends a snapshot on connect and
// every push interval until the client goes away or the server shuts down.
func (h *ActiveHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if !h.acquire() {
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down")
		return
	}
	defer h.conns.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The read loop handles pongs and notices client disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket closed unexpectedly", "error", err)
				}
				return
			}
		}
	}()

	push := time.NewTicker(h.interval)
	defer push.Stop()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	if err := h.send(conn); err != nil {
		return
	}

	for {
		select {
		case <-push.C:
			if err := h.send(conn); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-h.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

// acquire registers a stream unless shutdown has begun.
func (h *ActiveHandler) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns.Add(1)
	return true
}

func (h *ActiveHandler) send(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(h.source.Active())
}

// Shutdown closes open streams and waits for them to finish. Hijacked
// connections are not tracked by http.Server, so this runs as a shutdown
// hook.
func (h *ActiveHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	h.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
