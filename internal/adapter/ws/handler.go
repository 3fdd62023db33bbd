// Package ws implements the WebSocket adapter for real-time client communication.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/troupehq/troupe/internal/domain/run"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// Hub manages all active WebSocket connections and broadcasts engine events.
// The latest run_status and run_progress messages are retained and replayed to
// each new connection, so a client joining mid-run sees the active run without
// polling the REST surface first.
type Hub struct {
	origins []string

	mu       sync.RWMutex
	conns    map[*conn]struct{}
	retained map[string]Message
}

// NewHub creates a WebSocket hub. Allowed origins take the same form as the
// CORS origin config value; with none given, or with "*", origin checks are
// disabled. Non-browser clients send no Origin header and always connect.
func NewHub(allowedOrigins ...string) *Hub {
	var origins []string
	for _, o := range allowedOrigins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o == "" || o == "*" {
			origins = nil
			break
		}
		origins = append(origins, o)
	}
	return &Hub{
		origins:  origins,
		conns:    make(map[*conn]struct{}),
		retained: make(map[string]Message),
	}
}

// HandleWS upgrades the connection, registers it with the hub and replays the
// retained run state.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: h.origins}
	if len(h.origins) == 0 {
		opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
	}

	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.ErrorContext(r.Context(), "websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	replay := make([]Message, 0, len(h.retained))
	for _, t := range []string{EventRunStatus, EventRunProgress} {
		if msg, ok := h.retained[t]; ok {
			replay = append(replay, msg)
		}
	}
	h.mu.Unlock()

	slog.InfoContext(ctx, "websocket connected", "remote", r.RemoteAddr)

	for _, msg := range replay {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.DebugContext(ctx, "websocket replay failed", "error", err)
			break
		}
	}

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			_, _, err := ws.Read(ctx)
			if err != nil {
				return
			}
		}
	}()
}

// Broadcast sends a message to all connected clients. run_status and
// run_progress messages are retained for replay to late joiners; a terminal
// run_status drops the retained progress with it.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.ErrorContext(ctx, "websocket marshal failed", "error", err)
		return
	}

	h.mu.Lock()
	switch msg.Type {
	case EventRunStatus:
		h.retained[msg.Type] = msg
		var ev struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(msg.Payload, &ev) == nil && run.Status(ev.Status).Terminal() {
			delete(h.retained, EventRunProgress)
		}
	case EventRunProgress:
		h.retained[msg.Type] = msg
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.DebugContext(ctx, "websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}
