// Package config loads the gateway configuration from the environment
// with fail-fast validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Upstream realtime deployment.
	RealtimeEndpoint   string
	RealtimeDeployment string
	RealtimeAPIKey     string
	RealtimeAPIVersion string

	// Server-enforced session configuration. The client never controls
	// these; whatever it sends in session.update is overridden.
	SystemMessage    string
	Voice            string
	Temperature      *float64
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	MaxOutputTokens  *int
	Language         string

	// Search backend. The triplet is all-or-nothing: with none set the
	// gateway runs without retrieval tools.
	SearchEndpoint        string
	SearchIndex           string
	SearchAPIKey          string
	SearchSemanticConfig  string
	SearchUseVectorQuery  bool
	SearchIdentifierField string
	SearchContentField    string
	SearchTitleField      string
	SearchSourceFileField string
	SearchEmbeddingField  string
	SearchTop             int

	// Event log.
	EventBufferSize int
	EventDBPath     string // empty => in-memory only

	// Relay behavior.
	ToolTimeout        time.Duration
	MaxMalformedFrames int
	WriteTimeout       time.Duration
	// SuppressMediaEvents drops per-frame events for audio appends and
	// streaming deltas; off by default so every forwarded frame is
	// visible on the debug surface.
	SuppressMediaEvents bool

	// Debug surface.
	DebugReplayCount int

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("VOICERAG_ADDR", ":8765"),
		RealtimeEndpoint:      envOr("VOICERAG_OPENAI_ENDPOINT", ""),
		RealtimeDeployment:    envOr("VOICERAG_OPENAI_REALTIME_DEPLOYMENT", ""),
		RealtimeAPIKey:        envOr("VOICERAG_OPENAI_API_KEY", ""),
		RealtimeAPIVersion:    envOr("VOICERAG_OPENAI_API_VERSION", "2024-10-01-preview"),
		SystemMessage:         envOr("VOICERAG_SYSTEM_MESSAGE", ""),
		Voice:                 envOr("VOICERAG_VOICE", ""),
		Temperature:           envFloatPtr("VOICERAG_TEMPERATURE"),
		TopP:                  envFloatPtr("VOICERAG_TOP_P"),
		PresencePenalty:       envFloatPtr("VOICERAG_PRESENCE_PENALTY"),
		FrequencyPenalty:      envFloatPtr("VOICERAG_FREQUENCY_PENALTY"),
		MaxOutputTokens:       envIntPtr("VOICERAG_MAX_OUTPUT_TOKENS"),
		Language:              envOr("VOICERAG_TRANSCRIPTION_LANGUAGE", ""),
		SearchEndpoint:        envOr("VOICERAG_SEARCH_ENDPOINT", ""),
		SearchIndex:           envOr("VOICERAG_SEARCH_INDEX", ""),
		SearchAPIKey:          envOr("VOICERAG_SEARCH_API_KEY", ""),
		SearchSemanticConfig:  envOr("VOICERAG_SEARCH_SEMANTIC_CONFIGURATION", ""),
		SearchUseVectorQuery:  envBoolOr("VOICERAG_SEARCH_USE_VECTOR_QUERY", true),
		SearchIdentifierField: envOr("VOICERAG_SEARCH_IDENTIFIER_FIELD", "chunk_id"),
		SearchContentField:    envOr("VOICERAG_SEARCH_CONTENT_FIELD", "chunk"),
		SearchTitleField:      envOr("VOICERAG_SEARCH_TITLE_FIELD", "title"),
		SearchSourceFileField: envOr("VOICERAG_SEARCH_SOURCE_FILE_FIELD", "source_file"),
		SearchEmbeddingField:  envOr("VOICERAG_SEARCH_EMBEDDING_FIELD", "text_vector"),
		SearchTop:             envIntOr("VOICERAG_SEARCH_TOP", 5),
		EventBufferSize:       envIntOr("VOICERAG_EVENT_BUFFER_SIZE", 1000),
		EventDBPath:           envOr("VOICERAG_EVENT_DB_PATH", ""),
		ToolTimeout:           envDurationOr("VOICERAG_TOOL_TIMEOUT", 10*time.Second),
		MaxMalformedFrames:    envIntOr("VOICERAG_MAX_MALFORMED_FRAMES", 5),
		WriteTimeout:          envDurationOr("VOICERAG_WS_WRITE_TIMEOUT", 10*time.Second),
		SuppressMediaEvents:   envBoolOr("VOICERAG_SUPPRESS_MEDIA_EVENTS", false),
		DebugReplayCount:      envIntOr("VOICERAG_DEBUG_REPLAY_COUNT", 50),
		CORSAllowedOrigins:    make(map[string]struct{}),
		ReadHeaderTimeout:     envDurationOr("VOICERAG_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("VOICERAG_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOICERAG_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.RealtimeEndpoint) == "" {
		return Config{}, fmt.Errorf("VOICERAG_OPENAI_ENDPOINT must be set")
	}
	if strings.TrimSpace(cfg.RealtimeDeployment) == "" {
		return Config{}, fmt.Errorf("VOICERAG_OPENAI_REALTIME_DEPLOYMENT must be set")
	}
	if strings.TrimSpace(cfg.RealtimeAPIKey) == "" {
		return Config{}, fmt.Errorf("VOICERAG_OPENAI_API_KEY must be set")
	}

	searchSet := 0
	for _, v := range []string{cfg.SearchEndpoint, cfg.SearchIndex, cfg.SearchAPIKey} {
		if strings.TrimSpace(v) != "" {
			searchSet++
		}
	}
	if searchSet != 0 && searchSet != 3 {
		return Config{}, fmt.Errorf("VOICERAG_SEARCH_ENDPOINT, VOICERAG_SEARCH_INDEX and VOICERAG_SEARCH_API_KEY must be set together")
	}

	if cfg.SearchTop <= 0 {
		return Config{}, fmt.Errorf("VOICERAG_SEARCH_TOP must be > 0")
	}
	if cfg.EventBufferSize <= 0 {
		return Config{}, fmt.Errorf("VOICERAG_EVENT_BUFFER_SIZE must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICERAG_TOOL_TIMEOUT must be > 0")
	}
	if cfg.MaxMalformedFrames <= 0 {
		return Config{}, fmt.Errorf("VOICERAG_MAX_MALFORMED_FRAMES must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICERAG_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.DebugReplayCount < 0 {
		return Config{}, fmt.Errorf("VOICERAG_DEBUG_REPLAY_COUNT must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICERAG_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICERAG_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// SearchEnabled reports whether a retrieval backend is configured.
func (c Config) SearchEnabled() bool {
	return strings.TrimSpace(c.SearchEndpoint) != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envIntPtr(key string) *int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func envFloatPtr(key string) *float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
