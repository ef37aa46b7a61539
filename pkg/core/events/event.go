package events

import (
	"time"
)

// Kind identifies the class of a logged event. The set is closed: every
// component publishes one of these, and the replay package keys its
// step-building rules off them.
type Kind string

const (
	KindUserQuestion        Kind = "user_question"
	KindRealtimeAPIReceived Kind = "realtime_api_received"
	KindSearchQueryStart    Kind = "search_query_start"
	KindSearchQueryComplete Kind = "search_query_complete"
	KindSearchResults       Kind = "search_results"
	KindToolCallStart       Kind = "tool_call_start"
	KindToolCallComplete    Kind = "tool_call_complete"
	KindAIResponseStart     Kind = "ai_response_start"
	KindAIResponseComplete  Kind = "ai_response_complete"
	KindError               Kind = "error"
	KindWebsocketConnect    Kind = "websocket_connect"
	KindWebsocketDisconnect Kind = "websocket_disconnect"
	KindUpstreamAPICall     Kind = "openai_api_call"
	KindSearchAPICall       Kind = "azure_search_call"
	KindGroundingSources    Kind = "grounding_sources"
)

// Known reports whether k is one of the closed set of event kinds.
func (k Kind) Known() bool {
	switch k {
	case KindUserQuestion, KindRealtimeAPIReceived,
		KindSearchQueryStart, KindSearchQueryComplete, KindSearchResults,
		KindToolCallStart, KindToolCallComplete,
		KindAIResponseStart, KindAIResponseComplete,
		KindError,
		KindWebsocketConnect, KindWebsocketDisconnect,
		KindUpstreamAPICall, KindSearchAPICall, KindGroundingSources:
		return true
	default:
		return false
	}
}

// Event is an immutable fact recorded on the bus. Ordering is defined by
// Timestamp with ID as tie-break; IDs are assigned monotonically by the bus.
type Event struct {
	ID            int64          `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Kind          Kind           `json:"event_type"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	DurationMS    *int64         `json:"duration_ms,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Before reports whether e sorts before other under the (timestamp, id)
// total order.
func (e Event) Before(other Event) bool {
	if e.Timestamp.Equal(other.Timestamp) {
		return e.ID < other.ID
	}
	return e.Timestamp.Before(other.Timestamp)
}

// Draft is the publisher-facing shape of an event. The bus stamps the ID
// and timestamp on publish.
type Draft struct {
	Kind          Kind
	Message       string
	Data          map[string]any
	DurationMS    *int64
	SessionID     string
	CorrelationID string
}

// DurationPtr is a convenience for populating Draft.DurationMS.
func DurationPtr(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}
