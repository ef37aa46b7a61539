// Package protocol covers the realtime wire vocabulary the relay speaks
// on both legs: the client-facing websocket and the upstream model
// websocket use the same frame shapes. The relay passes most frames
// through untouched; this package decodes only what must be inspected or
// rewritten and keeps every unknown field intact when it does rewrite.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame types observed on the upstream-inbound leg.
const (
	TypeSessionCreated          = "session.created"
	TypeResponseAudioDelta      = "response.audio.delta"
	TypeAudioTranscriptDelta    = "response.audio_transcript.delta"
	TypeTranscriptionCompleted  = "conversation.item.input_audio_transcription.completed"
	TypeResponseDone            = "response.done"
	TypeSpeechStarted           = "input_audio_buffer.speech_started"
	TypeConversationItemCreated = "conversation.item.created"
	TypeResponseOutputItemAdded = "response.output_item.added"
	TypeResponseOutputItemDone  = "response.output_item.done"
	TypeFunctionCallArgsDelta   = "response.function_call_arguments.delta"
	TypeFunctionCallArgsDone    = "response.function_call_arguments.done"
	TypeError                   = "error"
)

// Frame types produced on the upstream-outbound leg.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioAppend       = "input_audio_buffer.append"
	TypeInputAudioClear        = "input_audio_buffer.clear"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
)

// TypeToolResponse is the one frame the relay originates toward the
// client: a tool result routed past the model straight to the UI.
const TypeToolResponse = "extension.middle_tier_tool_response"

// Conversation item types.
const (
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
	ItemMessage            = "message"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// Envelope is the minimal decode applied to every JSON frame.
type Envelope struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// Peek extracts the frame type without decoding the rest of the payload.
func Peek(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, badFrame("invalid json frame", "")
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, badFrame("missing type", "type")
	}
	return env, nil
}

// Item is one conversation item as it appears inside item-bearing frames.
type Item struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// ItemEvent covers the three upstream frames that carry a conversation
// item: conversation.item.created, response.output_item.added and
// response.output_item.done.
type ItemEvent struct {
	Type           string `json:"type"`
	EventID        string `json:"event_id,omitempty"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
	ResponseID     string `json:"response_id,omitempty"`
	Item           *Item  `json:"item,omitempty"`
}

func DecodeItemEvent(data []byte) (*ItemEvent, error) {
	var ev ItemEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, badFrame("invalid item frame", "")
	}
	switch ev.Type {
	case TypeConversationItemCreated, TypeResponseOutputItemAdded, TypeResponseOutputItemDone:
	default:
		return nil, badFrame("not an item frame", "type")
	}
	return &ev, nil
}

// IsFunctionCall reports whether the frame carries a function_call item.
func (ev *ItemEvent) IsFunctionCall() bool {
	return ev != nil && ev.Item != nil && ev.Item.Type == ItemFunctionCall
}

// IsFunctionCallOutput reports whether the frame carries a
// function_call_output item.
func (ev *ItemEvent) IsFunctionCallOutput() bool {
	return ev != nil && ev.Item != nil && ev.Item.Type == ItemFunctionCallOutput
}

// ResponseDone is the subset of response.done the relay inspects.
type ResponseDone struct {
	Type     string `json:"type"`
	Response struct {
		ID     string `json:"id,omitempty"`
		Status string `json:"status,omitempty"`
		Output []Item `json:"output,omitempty"`
	} `json:"response"`
}

func DecodeResponseDone(data []byte) (*ResponseDone, error) {
	var ev ResponseDone
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, badFrame("invalid response.done frame", "")
	}
	if ev.Type != TypeResponseDone {
		return nil, badFrame("not a response.done frame", "type")
	}
	return &ev, nil
}

// DecodeTranscript pulls the text out of transcript-bearing frames: the
// final transcript of a user utterance or an assistant transcript delta.
func DecodeTranscript(data []byte) (string, error) {
	var frame struct {
		Type       string `json:"type"`
		Transcript string `json:"transcript,omitempty"`
		Delta      string `json:"delta,omitempty"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return "", badFrame("invalid transcript frame", "")
	}
	switch frame.Type {
	case TypeTranscriptionCompleted:
		return frame.Transcript, nil
	case TypeAudioTranscriptDelta:
		return frame.Delta, nil
	default:
		return "", badFrame("not a transcript frame", "type")
	}
}

// ToolSchema is a tool definition advertised to the model in
// session.update, in the realtime API's flat function shape.
type ToolSchema struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// TurnDetection configures upstream server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// DefaultTurnDetection is the server VAD shape enforced on every session.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMS:   300,
		SilenceDurationMS: 800,
	}
}

// SessionOverrides is the server-enforced session configuration. Whatever
// a client puts in its session.update, these fields win; the client never
// controls instructions or the tool surface.
type SessionOverrides struct {
	Instructions       string
	Voice              string
	Temperature        *float64
	TopP               *float64
	PresencePenalty    *float64
	FrequencyPenalty   *float64
	MaxOutputTokens    *int
	DisableAudio       *bool
	TranscriptionModel string
	Language           string
	Tools              []ToolSchema
	TurnDetection      *TurnDetection
}

// RewriteSessionUpdate overlays the server-enforced configuration onto a
// client session.update frame, preserving any client fields that are not
// overridden.
func RewriteSessionUpdate(data []byte, o SessionOverrides) ([]byte, error) {
	frame, session, err := frameWithSession(data, TypeSessionUpdate)
	if err != nil {
		return nil, err
	}

	if o.Instructions != "" {
		session["instructions"] = o.Instructions
	}
	if o.Temperature != nil {
		session["temperature"] = *o.Temperature
	}
	if o.TopP != nil {
		session["top_p"] = *o.TopP
	}
	if o.PresencePenalty != nil {
		session["presence_penalty"] = *o.PresencePenalty
	}
	if o.FrequencyPenalty != nil {
		session["frequency_penalty"] = *o.FrequencyPenalty
	}
	if o.MaxOutputTokens != nil {
		session["max_response_output_tokens"] = *o.MaxOutputTokens
	}
	if o.DisableAudio != nil {
		session["disable_audio"] = *o.DisableAudio
	}
	if o.Voice != "" {
		session["voice"] = o.Voice
	}

	transcription := map[string]any{"model": "whisper-1"}
	if o.TranscriptionModel != "" {
		transcription["model"] = o.TranscriptionModel
	}
	if o.Language != "" {
		transcription["language"] = o.Language
	}
	session["input_audio_transcription"] = transcription
	session["output_audio_format"] = "pcm16"
	session["modalities"] = []string{"text", "audio"}

	td := DefaultTurnDetection()
	if o.TurnDetection != nil {
		td = *o.TurnDetection
	}
	session["turn_detection"] = td

	if len(o.Tools) > 0 {
		session["tool_choice"] = "auto"
		session["tools"] = o.Tools
	} else {
		session["tool_choice"] = "none"
		session["tools"] = []ToolSchema{}
	}

	return json.Marshal(frame)
}

// SanitizeSessionCreated hides the server-side session configuration
// (instructions, tool surface, token limits) before session.created is
// passed through to the client.
func SanitizeSessionCreated(data []byte, voice string) ([]byte, error) {
	frame, session, err := frameWithSession(data, TypeSessionCreated)
	if err != nil {
		return nil, err
	}
	session["instructions"] = ""
	session["tools"] = []any{}
	session["tool_choice"] = "none"
	session["max_response_output_tokens"] = nil
	if voice != "" {
		session["voice"] = voice
	}
	return json.Marshal(frame)
}

// StripFunctionCallOutput removes function_call items from a
// response.done frame's output list so tool plumbing never reaches the
// client. The second return reports whether anything was removed.
func StripFunctionCallOutput(data []byte) ([]byte, bool, error) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false, badFrame("invalid response.done frame", "")
	}
	response, ok := frame["response"].(map[string]any)
	if !ok {
		return data, false, nil
	}
	output, ok := response["output"].([]any)
	if !ok {
		return data, false, nil
	}

	kept := make([]any, 0, len(output))
	for _, raw := range output {
		if item, ok := raw.(map[string]any); ok {
			if t, _ := item["type"].(string); t == ItemFunctionCall {
				continue
			}
		}
		kept = append(kept, raw)
	}
	if len(kept) == len(output) {
		return data, false, nil
	}
	response["output"] = kept
	out, err := json.Marshal(frame)
	if err != nil {
		return nil, false, badFrame("re-encode response.done frame", "")
	}
	return out, true, nil
}

// FunctionCallOutput builds the conversation.item.create frame that
// threads a tool result back into the upstream conversation.
func FunctionCallOutput(callID, output string) []byte {
	frame := map[string]any{
		"type": TypeConversationItemCreate,
		"item": map[string]any{
			"type":    ItemFunctionCallOutput,
			"call_id": callID,
			"output":  output,
		},
	}
	data, _ := json.Marshal(frame)
	return data
}

// ResponseCreateFrame asks the upstream model to continue the turn after
// tool results were injected.
func ResponseCreateFrame() []byte {
	return []byte(`{"type":"response.create"}`)
}

// ResponseCancelFrame aborts an in-flight upstream generation.
func ResponseCancelFrame() []byte {
	return []byte(`{"type":"response.cancel"}`)
}

// InputAudioClearFrame discards buffered input audio upstream.
func InputAudioClearFrame() []byte {
	return []byte(`{"type":"input_audio_buffer.clear"}`)
}

// ToolResponseFrame builds the client-bound extension frame carrying a
// tool result that bypasses the model.
func ToolResponseFrame(previousItemID, toolName, result string) []byte {
	frame := map[string]any{
		"type":             TypeToolResponse,
		"previous_item_id": previousItemID,
		"tool_name":        toolName,
		"tool_result":      result,
	}
	data, _ := json.Marshal(frame)
	return data
}

// IsToolPlumbing reports whether a frame type belongs to the tool-call
// machinery and must never reach the client as-is.
func IsToolPlumbing(frameType string) bool {
	switch frameType {
	case TypeFunctionCallArgsDelta, TypeFunctionCallArgsDone:
		return true
	default:
		return false
	}
}

func frameWithSession(data []byte, wantType string) (map[string]any, map[string]any, error) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, nil, badFrame("invalid json frame", "")
	}
	if t, _ := frame["type"].(string); t != wantType {
		return nil, nil, badFrame("unexpected frame type", "type")
	}
	session, ok := frame["session"].(map[string]any)
	if !ok {
		session = map[string]any{}
		frame["session"] = session
	}
	return frame, session, nil
}
