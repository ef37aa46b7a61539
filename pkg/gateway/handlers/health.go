package handlers

import (
	"net/http"

	"github.com/voicerag/gateway/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config   config.Config
	Draining func() bool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		SearchEnabled bool     `json:"search_enabled"`
		Draining      bool     `json:"draining"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	draining := h.Draining != nil && h.Draining()
	if draining {
		issues = append(issues, "gateway is draining")
	}
	if h.Config.RealtimeEndpoint == "" || h.Config.RealtimeDeployment == "" || h.Config.RealtimeAPIKey == "" {
		issues = append(issues, "realtime upstream is not configured")
	}
	if h.Config.EventBufferSize <= 0 {
		issues = append(issues, "event buffer size must be > 0")
	}
	if h.Config.ToolTimeout <= 0 {
		issues = append(issues, "tool timeout must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:            ok,
		SearchEnabled: h.Config.SearchEnabled(),
		Draining:      draining,
		Issues:        issues,
	})
}
