package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/voicerag/gateway/pkg/core/events"
	"github.com/voicerag/gateway/pkg/gateway/relay/protocol"
	"github.com/voicerag/gateway/pkg/gateway/retrieval"
)

const ToolReportGrounding = "report_grounding"

var sourceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_=\-]+$`)

var groundingSchema = protocol.ToolSchema{
	Type: "function",
	Name: ToolReportGrounding,
	Description: "Report use of a source from the knowledge base as part of an answer (effectively, cite the source). Sources " +
		"appear in square brackets before each knowledge base passage. Always use this tool to cite sources when responding " +
		"with information from the knowledge base.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"sources": {
				"type": "array",
				"items": {
					"type": "string"
				},
				"description": "List of source names from last statement actually used, do not include the ones not used to formulate a response"
			}
		},
		"required": ["sources"],
		"additionalProperties": false
	}`),
}

// GroundingExecutor resolves the passages the model says it cited and
// routes them to the client so the UI can render citations. The model
// itself gets nothing back.
type GroundingExecutor struct {
	fetcher retrieval.Fetcher
	bus     *events.Bus
}

func NewGroundingExecutor(fetcher retrieval.Fetcher, bus *events.Bus) *GroundingExecutor {
	return &GroundingExecutor{fetcher: fetcher, bus: bus}
}

func (e *GroundingExecutor) Name() string { return ToolReportGrounding }

func (e *GroundingExecutor) Schema() protocol.ToolSchema { return groundingSchema }

func (e *GroundingExecutor) Execute(ctx context.Context, args map[string]any) (Result, error) {
	ids := sourceIDs(args)
	sessionID, correlationID := events.MetaFromContext(ctx)
	e.bus.Publish(events.Draft{
		Kind:          events.KindGroundingSources,
		Message:       fmt.Sprintf("Retrieving grounding sources: %v", ids),
		Data:          map[string]any{"source_ids": ids},
		SessionID:     sessionID,
		CorrelationID: correlationID,
	})
	if len(ids) == 0 {
		return Result{Text: `{"sources":[]}`, Direction: ToClient}, nil
	}

	sources, err := e.fetcher.FetchByIDs(ctx, ids)
	if err != nil {
		e.bus.Publish(events.Draft{
			Kind:          events.KindError,
			Message:       fmt.Sprintf("Error retrieving grounding sources: %v", ids),
			Data:          map[string]any{"error": err.Error()},
			SessionID:     sessionID,
			CorrelationID: correlationID,
		})
		return Result{}, fmt.Errorf("fetch grounding sources: %w", err)
	}

	previews := make([]map[string]any, 0, len(sources))
	for _, s := range sources {
		previews = append(previews, map[string]any{
			"chunk_id":        s.ID,
			"title":           s.Title,
			"source_file":     s.SourceFile,
			"content_preview": preview(s.Content, 100),
		})
	}
	e.bus.Publish(events.Draft{
		Kind:          events.KindGroundingSources,
		Message:       fmt.Sprintf("Retrieved %d grounding sources", len(sources)),
		Data:          map[string]any{"retrieved_sources": previews},
		SessionID:     sessionID,
		CorrelationID: correlationID,
	})

	payload, err := json.Marshal(map[string]any{"sources": sources})
	if err != nil {
		return Result{}, fmt.Errorf("encode grounding sources: %w", err)
	}
	return Result{Text: string(payload), Direction: ToClient}, nil
}

func sourceIDs(args map[string]any) []string {
	raw, ok := args["sources"].([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		if id, ok := item.(string); ok && sourceIDPattern.MatchString(id) {
			ids = append(ids, id)
		}
	}
	return ids
}
