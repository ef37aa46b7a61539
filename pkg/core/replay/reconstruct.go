package replay

import (
	"fmt"
	"sort"
	"strings"

	"github.com/voicerag/gateway/pkg/core/events"
)

const (
	defaultTruncateAt = 100

	// defaultGroupKey collects events carrying neither a correlation id
	// nor a session id.
	defaultGroupKey = "default"
)

// Options tunes reconstruction policy. The zero value uses the defaults.
type Options struct {
	// TruncateAt bounds step descriptions derived from captured text.
	TruncateAt int
}

// Reconstruct turns an event snapshot into conversation timelines. Events
// are grouped by correlation id, falling back to session id, falling back
// to a single default group; within a group they are processed in
// (timestamp, id) order regardless of the order they arrive in.
func Reconstruct(log []events.Event, opts Options) []Conversation {
	if opts.TruncateAt <= 0 {
		opts.TruncateAt = defaultTruncateAt
	}

	groups := make(map[string][]events.Event)
	order := make([]string, 0)
	for _, e := range log {
		key := groupKey(e)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	out := make([]Conversation, 0, len(order))
	for _, key := range order {
		out = append(out, buildConversation(key, groups[key], opts))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func groupKey(e events.Event) string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	if e.SessionID != "" {
		return e.SessionID
	}
	return defaultGroupKey
}

// builder walks one group's events keeping at most one open step. Kinds
// that begin a phase force-close an open step of a different phase;
// standalone kinds (sources, system markers, audio markers) insert a
// closed step without disturbing the open one.
type builder struct {
	truncateAt int
	steps      []Step
	open       *Step
	failed     bool
}

func buildConversation(key string, group []events.Event, opts Options) Conversation {
	sorted := make([]events.Event, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	b := &builder{truncateAt: opts.TruncateAt}
	for _, e := range sorted {
		b.consume(e)
	}
	b.finish()

	c := Conversation{
		Key:     key,
		Steps:   b.steps,
		Success: !b.failed,
	}
	if len(sorted) > 0 {
		c.StartedAt = sorted[0].Timestamp
		c.EndedAt = sorted[len(sorted)-1].Timestamp
		c.DurationMS = c.EndedAt.Sub(c.StartedAt).Milliseconds()
	}

	serviceSet := make(map[string]struct{})
	for _, e := range sorted {
		if svc, ok := serviceFor(e.Kind); ok {
			serviceSet[svc] = struct{}{}
		}
		if e.Kind == events.KindUserQuestion && c.UserQuery == "" {
			c.UserQuery = textOf(e, "question", "query")
		}
	}
	for svc := range serviceSet {
		c.Services = append(c.Services, svc)
	}
	sort.Strings(c.Services)

	for i := len(c.Steps) - 1; i >= 0; i-- {
		s := c.Steps[i]
		if s.Kind == StepAIResponse && !s.Open && s.Text != "" {
			c.FinalResponse = s.Text
			break
		}
	}
	return c
}

func (b *builder) consume(e events.Event) {
	switch e.Kind {
	case events.KindUserQuestion:
		b.closeOpen()
		q := textOf(e, "question", "query")
		b.append(closedStep(StepUserInput, truncate(q, b.truncateAt), e, nil), q)

	case events.KindSearchQueryStart:
		b.ensureOpen(StepSearch, e, func() string {
			if q := textOf(e, "search_query", "query"); q != "" {
				return fmt.Sprintf("Searched for %q", q)
			}
			return e.Message
		})

	case events.KindSearchAPICall:
		b.ensureOpen(StepSearch, e, func() string { return e.Message })

	case events.KindSearchQueryComplete:
		if b.open != nil && b.open.Kind == StepSearch {
			if n, ok := intOf(e, "result_count", "results_count"); ok {
				b.open.Description += fmt.Sprintf(" (%d results)", n)
			}
			b.closeWith(e)
			return
		}
		// Unmatched complete: tolerated as its own closed step.
		b.closeOpen()
		b.append(closedStep(StepSearch, e.Message, e, durationOf(e)), "")

	case events.KindSearchResults, events.KindGroundingSources:
		// Standalone sources step; an open search step stays open.
		s := closedStep(StepSearch, e.Message, e, durationOf(e))
		s.Sources = sourcesOf(e)
		b.append(s, "")

	case events.KindAIResponseStart:
		b.ensureOpen(StepAIResponse, e, func() string { return e.Message })

	case events.KindAIResponseComplete:
		text := textOf(e, "response", "text")
		if b.open != nil && b.open.Kind == StepAIResponse {
			if text != "" {
				b.open.Description = truncate(text, b.truncateAt)
				b.open.Text = text
			}
			b.closeWith(e)
			return
		}
		b.closeOpen()
		b.append(closedStep(StepAIResponse, truncate(text, b.truncateAt), e, durationOf(e)), text)

	case events.KindError:
		b.closeOpen()
		b.append(closedStep(StepError, e.Message, e, durationOf(e)), "")
		b.failed = true

	case events.KindWebsocketConnect, events.KindWebsocketDisconnect,
		events.KindToolCallStart, events.KindToolCallComplete,
		events.KindUpstreamAPICall:
		// System markers insert a closed step without disturbing the
		// open one.
		b.append(closedStep(StepSystem, e.Message, e, durationOf(e)), "")

	case events.KindRealtimeAPIReceived:
		if isAudioFrame(e) {
			b.append(closedStep(StepAudio, e.Message, e, durationOf(e)), "")
		}
		// Other raw protocol traffic stays visible in the event log but
		// does not form steps.

	default:
		// Unknown kinds are ignored for step-building.
	}
}

// ensureOpen extends an open step of the same kind or starts a new one,
// force-closing an open step of a different kind first.
func (b *builder) ensureOpen(kind StepKind, e events.Event, describe func() string) {
	if b.open != nil && b.open.Kind != kind {
		b.closeOpen()
	}
	if b.open == nil {
		s := Step{
			Kind:        kind,
			Description: describe(),
			StartedAt:   e.Timestamp,
			EndedAt:     e.Timestamp,
			EventIDs:    []int64{e.ID},
		}
		b.open = &s
		return
	}
	b.open.EndedAt = e.Timestamp
	b.open.EventIDs = append(b.open.EventIDs, e.ID)
}

// closeWith closes the open step using e as its completing event.
func (b *builder) closeWith(e events.Event) {
	b.open.EndedAt = e.Timestamp
	b.open.EventIDs = append(b.open.EventIDs, e.ID)
	if d := durationOf(e); d != nil {
		b.open.DurationMS = d
	}
	b.steps = append(b.steps, *b.open)
	b.open = nil
}

// closeOpen force-closes the open step, if any, because a different phase
// began.
func (b *builder) closeOpen() {
	if b.open == nil {
		return
	}
	b.steps = append(b.steps, *b.open)
	b.open = nil
}

// finish implicitly closes a trailing open step, keeping it marked as
// still in progress. This is the tolerance for truncated traces such as a
// disconnect mid-search.
func (b *builder) finish() {
	if b.open == nil {
		return
	}
	b.open.Open = true
	b.steps = append(b.steps, *b.open)
	b.open = nil
}

func (b *builder) append(s Step, fullText string) {
	if fullText != "" {
		s.Text = fullText
	}
	b.steps = append(b.steps, s)
}

func closedStep(kind StepKind, description string, e events.Event, duration *int64) Step {
	if description == "" {
		description = e.Message
	}
	return Step{
		Kind:        kind,
		Description: description,
		StartedAt:   e.Timestamp,
		EndedAt:     e.Timestamp,
		DurationMS:  duration,
		EventIDs:    []int64{e.ID},
	}
}

func serviceFor(k events.Kind) (string, bool) {
	switch k {
	case events.KindSearchQueryStart, events.KindSearchQueryComplete,
		events.KindSearchResults, events.KindSearchAPICall,
		events.KindGroundingSources:
		return "azure-ai-search", true
	case events.KindAIResponseStart, events.KindAIResponseComplete,
		events.KindUpstreamAPICall, events.KindRealtimeAPIReceived:
		return "openai-realtime", true
	case events.KindUserQuestion:
		return "transcription", true
	default:
		return "", false
	}
}

func isAudioFrame(e events.Event) bool {
	t, _ := e.Data["type"].(string)
	return strings.HasPrefix(t, "response.audio")
}

func textOf(e events.Event, keys ...string) string {
	for _, k := range keys {
		if v, ok := e.Data[k].(string); ok && v != "" {
			return v
		}
	}
	return e.Message
}

func intOf(e events.Event, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := e.Data[k].(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		}
	}
	return 0, false
}

func durationOf(e events.Event) *int64 {
	if e.DurationMS != nil {
		d := *e.DurationMS
		return &d
	}
	switch v := e.Data["duration_ms"].(type) {
	case int64:
		d := v
		return &d
	case int:
		d := int64(v)
		return &d
	case float64:
		d := int64(v)
		return &d
	}
	return nil
}

func sourcesOf(e events.Event) []Source {
	raw, ok := e.Data["retrieved_sources"].([]any)
	if !ok {
		raw, ok = e.Data["sources"].([]any)
	}
	if !ok {
		return nil
	}
	out := make([]Source, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, Source{ID: v})
		case map[string]any:
			s := Source{}
			s.ID, _ = v["chunk_id"].(string)
			if s.ID == "" {
				s.ID, _ = v["id"].(string)
			}
			s.Title, _ = v["title"].(string)
			s.Content, _ = v["content"].(string)
			if s.ID != "" || s.Title != "" || s.Content != "" {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
