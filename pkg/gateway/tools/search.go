package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/voicerag/gateway/pkg/core/events"
	"github.com/voicerag/gateway/pkg/gateway/relay/protocol"
	"github.com/voicerag/gateway/pkg/gateway/retrieval"
)

const ToolSearch = "search"

const noResultsText = "No documents found in the knowledge base for this query."

var searchSchema = protocol.ToolSchema{
	Type: "function",
	Name: ToolSearch,
	Description: "Search the knowledge base. The knowledge base is in English, translate to and from English if " +
		"needed. Results are formatted as a source name first in square brackets, followed by the text " +
		"content, and a line with '-----' at the end of each result.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "Search query"
			}
		},
		"required": ["query"],
		"additionalProperties": false
	}`),
}

// SearchExecutor runs knowledge-base queries on behalf of the model and
// formats passages the way the system prompt tells the model to expect
// them.
type SearchExecutor struct {
	searcher retrieval.Searcher
	bus      *events.Bus
	now      func() time.Time
}

func NewSearchExecutor(searcher retrieval.Searcher, bus *events.Bus) *SearchExecutor {
	return &SearchExecutor{searcher: searcher, bus: bus, now: time.Now}
}

func (e *SearchExecutor) Name() string { return ToolSearch }

func (e *SearchExecutor) Schema() protocol.ToolSchema { return searchSchema }

func (e *SearchExecutor) Execute(ctx context.Context, args map[string]any) (Result, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, fmt.Errorf("query is required")
	}

	sessionID, correlationID := events.MetaFromContext(ctx)
	started := e.now()
	e.bus.Publish(events.Draft{
		Kind:          events.KindSearchQueryStart,
		Message:       fmt.Sprintf("Searching knowledge base for: '%s'", query),
		Data:          map[string]any{"search_query": query},
		SessionID:     sessionID,
		CorrelationID: correlationID,
	})
	e.bus.Publish(events.Draft{
		Kind:          events.KindSearchAPICall,
		Message:       fmt.Sprintf("Calling search API for query: '%s'", query),
		Data:          map[string]any{"query": query},
		SessionID:     sessionID,
		CorrelationID: correlationID,
	})

	sources, err := e.searcher.Search(ctx, query)
	if err != nil {
		e.bus.Publish(events.Draft{
			Kind:          events.KindError,
			Message:       fmt.Sprintf("Error during search: %s", query),
			Data:          map[string]any{"error": err.Error()},
			SessionID:     sessionID,
			CorrelationID: correlationID,
		})
		return Result{}, fmt.Errorf("search %q: %w", query, err)
	}

	var sb strings.Builder
	previews := make([]map[string]any, 0, len(sources))
	for _, s := range sources {
		fmt.Fprintf(&sb, "[%s]: %s\n-----\n", s.ID, s.Content)
		previews = append(previews, map[string]any{
			"id":      s.ID,
			"content": preview(s.Content, 200),
		})
	}

	e.bus.Publish(events.Draft{
		Kind:          events.KindSearchResults,
		Message:       fmt.Sprintf("Found %d results", len(sources)),
		Data:          map[string]any{"results": previews},
		SessionID:     sessionID,
		CorrelationID: correlationID,
	})
	e.bus.Publish(events.Draft{
		Kind:          events.KindSearchQueryComplete,
		Message:       fmt.Sprintf("Search complete: '%s'", query),
		Data:          map[string]any{"search_query": query, "result_count": len(sources)},
		DurationMS:    events.DurationPtr(e.now().Sub(started)),
		SessionID:     sessionID,
		CorrelationID: correlationID,
	})

	if len(sources) == 0 {
		return Result{Text: noResultsText, Direction: ToServer}, nil
	}
	return Result{Text: sb.String(), Direction: ToServer}, nil
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
