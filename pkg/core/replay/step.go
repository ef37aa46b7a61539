// Package replay rebuilds human-readable conversation timelines from the
// raw event log. Reconstruction is a pure function of an event snapshot:
// it holds no state between invocations and always yields the same output
// for the same input, so it can run concurrently with live publishing.
package replay

import "time"

// StepKind classifies a phase of a conversation.
type StepKind string

const (
	StepUserInput  StepKind = "user_input"
	StepSearch     StepKind = "search"
	StepAIResponse StepKind = "ai_response"
	StepAudio      StepKind = "audio"
	StepError      StepKind = "error"
	StepSystem     StepKind = "system"
)

// Source is one grounding passage attached to a step.
type Source struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

// Step is a typed phase of a conversation built from one or more events.
// A step accumulates while open; it closes on a matching complete event,
// when a different phase begins, or implicitly at the end of the trace.
// Open remains true only in that last case.
type Step struct {
	Kind        StepKind   `json:"kind"`
	Description string     `json:"description"`
	// Text carries the full captured content where the description is
	// truncated (model responses, user questions).
	Text       string   `json:"text,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMS *int64   `json:"duration_ms,omitempty"`
	Open       bool     `json:"open,omitempty"`
	Sources    []Source `json:"sources,omitempty"`
	EventIDs   []int64  `json:"event_ids"`
}

// Conversation is the top-level aggregate: every step sharing one
// correlation key, with fields derived from a single extra pass over the
// group's events.
type Conversation struct {
	Key           string    `json:"key"`
	Steps         []Step    `json:"steps"`
	UserQuery     string    `json:"user_query,omitempty"`
	FinalResponse string    `json:"final_response,omitempty"`
	Success       bool      `json:"success"`
	Services      []string  `json:"services,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	DurationMS    int64     `json:"duration_ms"`
}
