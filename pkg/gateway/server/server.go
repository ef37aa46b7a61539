package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/voicerag/gateway/pkg/core/events"
	"github.com/voicerag/gateway/pkg/gateway/config"
	"github.com/voicerag/gateway/pkg/gateway/handlers"
	"github.com/voicerag/gateway/pkg/gateway/mw"
	"github.com/voicerag/gateway/pkg/gateway/relay"
	"github.com/voicerag/gateway/pkg/gateway/relay/sessions"
	"github.com/voicerag/gateway/pkg/gateway/retrieval/azsearch"
	"github.com/voicerag/gateway/pkg/gateway/tools"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	bus      *events.Bus
	tracker  *sessions.Tracker
	registry *tools.Registry
	dialer   relay.UpstreamDialer

	draining atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger, bus *events.Bus) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus(events.Config{BufferSize: cfg.EventBufferSize})
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	registry := tools.NewRegistry()
	if cfg.SearchEnabled() {
		search, err := azsearch.NewClient(azsearch.Options{
			Endpoint: cfg.SearchEndpoint,
			Index:    cfg.SearchIndex,
			APIKey:   cfg.SearchAPIKey,
			Fields: azsearch.Fields{
				ID:         cfg.SearchIdentifierField,
				Content:    cfg.SearchContentField,
				Title:      cfg.SearchTitleField,
				SourceFile: cfg.SearchSourceFileField,
				Embedding:  cfg.SearchEmbeddingField,
			},
			SemanticConfiguration: cfg.SearchSemanticConfig,
			UseVectorQuery:        cfg.SearchUseVectorQuery,
			Top:                   cfg.SearchTop,
			HTTPClient:            httpClient,
			Logger:                logger,
		})
		if err != nil {
			return nil, fmt.Errorf("search client: %w", err)
		}
		registry = tools.NewRegistry(
			tools.NewSearchExecutor(search, bus),
			tools.NewGroundingExecutor(search, bus),
		)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		bus:      bus,
		tracker:  sessions.NewTracker(),
		registry: registry,
		dialer: &relay.AzureRealtimeDialer{
			Endpoint:   cfg.RealtimeEndpoint,
			Deployment: cfg.RealtimeDeployment,
			APIKey:     cfg.RealtimeAPIKey,
			APIVersion: cfg.RealtimeAPIVersion,
		},
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Draining: s.draining.Load})

	s.mux.Handle("/realtime", handlers.RealtimeHandler{
		Config:   s.cfg,
		Dialer:   s.dialer,
		Bus:      s.bus,
		Registry: s.registry,
		Tracker:  s.tracker,
		Logger:   s.logger,
		Draining: s.draining.Load,
	})

	s.mux.Handle("/debug/ws", handlers.FeedHandler{
		Bus:         s.bus,
		ReplayCount: s.cfg.DebugReplayCount,
		Logger:      s.logger,
	})
	s.mux.Handle("/debug/events", handlers.EventsHandler{Bus: s.bus})
	s.mux.Handle("/debug/clear", handlers.ClearHandler{Bus: s.bus, Logger: s.logger})
	s.mux.Handle("/debug/stats", handlers.StatsHandler{Bus: s.bus, Tracker: s.tracker})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Tracker exposes the live session registry so the entrypoint can drain
// sessions on shutdown.
func (s *Server) Tracker() *sessions.Tracker { return s.tracker }

// SetDraining flips the server into drain mode: readiness fails and new
// relay sessions are refused while existing ones run to completion.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }
