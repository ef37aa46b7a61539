package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicerag/gateway/pkg/core/events"
	"github.com/voicerag/gateway/pkg/core/replay"
	"github.com/voicerag/gateway/pkg/gateway/relay/sessions"
)

const (
	feedPingInterval = 20 * time.Second
	feedWriteTimeout = 10 * time.Second
	feedPongWait     = 60 * time.Second
)

// EventsHandler serves GET /debug/events: a point-in-time query over the
// retained event log, or the reconstructed conversations derived from it.
type EventsHandler struct {
	Bus *events.Bus
}

func (h EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	q := r.URL.Query()
	filter := events.Filter{
		SessionID: strings.TrimSpace(q.Get("session_id")),
		Text:      strings.TrimSpace(q.Get("text")),
	}
	for _, raw := range strings.Split(q.Get("kinds"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		kind := events.Kind(raw)
		if !kind.Known() {
			writeError(w, r, http.StatusBadRequest, "invalid_kind", "unknown event kind: "+raw)
			return
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	matched := h.Bus.Query(filter)

	if q.Get("view") == "conversations" {
		conversations := replay.Reconstruct(matched, replay.Options{})
		writeJSON(w, http.StatusOK, map[string]any{
			"conversations": conversations,
			"count":         len(conversations),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": matched,
		"count":  len(matched),
	})
}

// ClearHandler serves POST /debug/clear: an operator reset of the event
// log. Live feed subscribers are notified; session state is untouched.
type ClearHandler struct {
	Bus    *events.Bus
	Logger *slog.Logger
}

func (h ClearHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	h.Bus.Clear()
	if h.Logger != nil {
		h.Logger.Info("event log cleared")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

// StatsHandler serves GET /debug/stats.
type StatsHandler struct {
	Bus     *events.Bus
	Tracker *sessions.Tracker
}

func (h StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	type statsResp struct {
		events.Stats
		ActiveSessions int             `json:"active_sessions"`
		Sessions       []sessions.Info `json:"sessions,omitempty"`
	}
	writeJSON(w, http.StatusOK, statsResp{
		Stats:          h.Bus.Stats(),
		ActiveSessions: h.Tracker.Count(),
		Sessions:       h.Tracker.Sessions(),
	})
}

// FeedHandler serves GET /debug/ws: the live event feed. New subscribers
// get a replay of the most recent events, then the live stream; an
// operator clear is surfaced as a control frame.
type FeedHandler struct {
	Bus         *events.Bus
	ReplayCount int
	Logger      *slog.Logger
}

func (h FeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.Bus.Subscribe()
	defer sub.Close()

	for _, e := range h.Bus.Recent(h.ReplayCount) {
		if err := h.writeJSON(conn, e); err != nil {
			return
		}
	}

	// Reader goroutine: consumes pongs and close frames, signals hangup.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(feedPongWait))
		})
		_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.writeJSON(conn, e); err != nil {
				return
			}
		case <-sub.Resets:
			if err := h.writeJSON(conn, map[string]any{"event_type": "events_cleared"}); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(feedWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (h FeedHandler) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return conn.WriteJSON(v)
}
