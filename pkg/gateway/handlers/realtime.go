package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicerag/gateway/pkg/core/events"
	"github.com/voicerag/gateway/pkg/gateway/config"
	"github.com/voicerag/gateway/pkg/gateway/relay"
	"github.com/voicerag/gateway/pkg/gateway/relay/protocol"
	"github.com/voicerag/gateway/pkg/gateway/relay/sessions"
	"github.com/voicerag/gateway/pkg/gateway/tools"
)

const upstreamDialTimeout = 15 * time.Second

// RealtimeHandler handles /realtime websocket sessions: one upgrade, one
// upstream dial, one relay session run to completion.
type RealtimeHandler struct {
	Config   config.Config
	Dialer   relay.UpstreamDialer
	Bus      *events.Bus
	Registry *tools.Registry
	Tracker  *sessions.Tracker
	Logger   *slog.Logger
	Draining func() bool
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if h.Draining != nil && h.Draining() {
		writeError(w, r, http.StatusServiceUnavailable, "draining", "gateway is draining")
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	h.Bus.Publish(events.Draft{
		Kind:      events.KindWebsocketConnect,
		Message:   "Client connected",
		Data:      map[string]any{"remote_addr": r.RemoteAddr, "user_agent": r.UserAgent()},
		SessionID: sessionID,
	})

	dialCtx, cancelDial := context.WithTimeout(context.Background(), upstreamDialTimeout)
	dialStart := time.Now()
	upstream, err := h.Dialer.DialUpstream(dialCtx)
	cancelDial()
	if err != nil {
		logger.Warn("upstream dial failed", "session_id", sessionID, "error", err)
		h.Bus.Publish(events.Draft{
			Kind:      events.KindError,
			Message:   "Upstream dial failed",
			Data:      map[string]any{"error": err.Error()},
			SessionID: sessionID,
		})
		h.Bus.Publish(events.Draft{
			Kind:      events.KindWebsocketDisconnect,
			Message:   "Session closed",
			Data:      map[string]any{"reason": "upstream dial failed"},
			SessionID: sessionID,
		})
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"error","error":{"code":"upstream_unavailable","message":"could not reach the realtime upstream"}}`))
		return
	}
	defer upstream.Close()

	h.Bus.Publish(events.Draft{
		Kind:       events.KindUpstreamAPICall,
		Message:    "Connected to realtime upstream",
		Data:       map[string]any{"deployment": h.Config.RealtimeDeployment},
		DurationMS: events.DurationPtr(time.Since(dialStart)),
		SessionID:  sessionID,
	})

	sess := relay.New(relay.Config{
		SessionID:           sessionID,
		Overrides:           overridesFromConfig(h.Config),
		ToolTimeout:         h.Config.ToolTimeout,
		MaxMalformedFrames:  h.Config.MaxMalformedFrames,
		WriteTimeout:        h.Config.WriteTimeout,
		SuppressMediaEvents: h.Config.SuppressMediaEvents,
	}, relay.Dependencies{
		Client:   conn,
		Upstream: upstream,
		Bus:      h.Bus,
		Registry: h.Registry,
		Logger:   logger,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	unregister := h.Tracker.Register(sessionID, sessions.Handle{
		Cancel: cancelRun,
		Warn:   sess.Warn,
		Append: sess.Append,
		Clear:  sess.Clear,
		State:  sess.State,
	})
	defer unregister()

	if err := sess.Run(runCtx); err != nil {
		logger.Warn("relay session ended with error", "session_id", sessionID, "error", err)
	}
}

func overridesFromConfig(cfg config.Config) protocol.SessionOverrides {
	return protocol.SessionOverrides{
		Instructions:     cfg.SystemMessage,
		Voice:            cfg.Voice,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		PresencePenalty:  cfg.PresencePenalty,
		FrequencyPenalty: cfg.FrequencyPenalty,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		Language:         cfg.Language,
	}
}
