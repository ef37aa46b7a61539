// Package orchestrator intercepts model-issued tool calls on a session's
// upstream-inbound path, executes them against the tool registry, and
// threads results back into the upstream conversation without breaking
// turn order.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/voicerag/gateway/pkg/core/events"
	"github.com/voicerag/gateway/pkg/gateway/relay/protocol"
	"github.com/voicerag/gateway/pkg/gateway/tools"
)

const DefaultTimeout = 10 * time.Second

// Sender is the slice of the relay session the orchestrator writes
// through. Both methods must be safe for concurrent use.
type Sender interface {
	SendUpstream(data []byte) error
	SendClient(data []byte) error
}

type Config struct {
	SessionID string
	Registry  *tools.Registry
	Bus       *events.Bus
	Logger    *slog.Logger
	// Timeout bounds one tool execution. On expiry an empty result is
	// injected so the model turn resolves instead of hanging.
	Timeout time.Duration
	// OnIdle fires each time the pending count returns to zero; the
	// relay uses it to resume forwarding of buffered generation frames.
	OnIdle func()
	// Correlation supplies the session's current turn id, stamped on
	// every published event so reconstruction can group by turn.
	Correlation func() string
	Now         func() time.Time
}

type pendingCall struct {
	callID         string
	previousItemID string
	name           string
	created        time.Time
	epoch          int64
	executing      bool
}

// Orchestrator tracks the in-flight tool calls of one session. Sessions
// are independent; each gets its own orchestrator.
type Orchestrator struct {
	cfg    Config
	sender Sender

	mu      sync.Mutex
	pending map[string]*pendingCall
	// epoch advances on Interrupt; results carrying an older epoch are
	// discarded rather than forwarded.
	epoch int64
	// sawToolCalls marks that the current upstream response issued at
	// least one tool call, so response.done must trigger a follow-up
	// response.create.
	sawToolCalls bool
	// followUpDue marks a response.done that arrived while calls were
	// still executing; the follow-up response.create is held back until
	// the last result has been injected upstream.
	followUpDue bool

	wg sync.WaitGroup
}

func New(cfg Config, sender Sender) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cfg:     cfg,
		sender:  sender,
		pending: make(map[string]*pendingCall),
	}
}

// Busy reports whether any tool call is unresolved. While true, the
// relay buffers this session's client-bound generation frames.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending) > 0
}

// ObserveItemCreated records a function_call item announced by the
// upstream, keyed by call id. The previous item id is captured here; the
// arguments arrive later on output_item.done.
func (o *Orchestrator) ObserveItemCreated(ev *protocol.ItemEvent) {
	if !ev.IsFunctionCall() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.pending[ev.Item.CallID]; !exists {
		o.pending[ev.Item.CallID] = &pendingCall{
			callID:         ev.Item.CallID,
			previousItemID: ev.PreviousItemID,
			name:           ev.Item.Name,
			created:        o.cfg.Now(),
			epoch:          o.epoch,
		}
	}
	o.sawToolCalls = true
}

// ExecuteItemDone starts asynchronous execution of a completed
// function_call item. Two calls pending at once run concurrently; the
// session resumes forwarding only after both resolve.
func (o *Orchestrator) ExecuteItemDone(ev *protocol.ItemEvent) {
	if !ev.IsFunctionCall() {
		return
	}
	o.mu.Lock()
	call, ok := o.pending[ev.Item.CallID]
	if !ok {
		call = &pendingCall{
			callID:         ev.Item.CallID,
			previousItemID: ev.PreviousItemID,
			name:           ev.Item.Name,
			created:        o.cfg.Now(),
			epoch:          o.epoch,
		}
		o.pending[call.callID] = call
	}
	if call.name == "" {
		call.name = ev.Item.Name
	}
	call.executing = true
	o.sawToolCalls = true
	epoch := call.epoch
	o.mu.Unlock()

	args := decodeArguments(ev.Item.Arguments)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(call, epoch, args)
	}()
}

func (o *Orchestrator) run(call *pendingCall, epoch int64, args map[string]any) {
	started := o.cfg.Now()
	correlationID := o.correlation()
	o.cfg.Bus.Publish(events.Draft{
		Kind:          events.KindToolCallStart,
		Message:       fmt.Sprintf("Tool call started: %s", call.name),
		Data:          map[string]any{"tool_name": call.name, "call_id": call.callID},
		SessionID:     o.cfg.SessionID,
		CorrelationID: correlationID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout)
	defer cancel()
	ctx = events.WithMeta(ctx, o.cfg.SessionID, correlationID)

	result, err := o.execute(ctx, call.name, args)

	forward, followUp, idle := o.resolve(call.callID, epoch)
	if !forward {
		// Interrupted or swept while running: the call finished, but
		// its result must not be forwarded.
		o.cfg.Logger.Info("discarding tool result after interrupt",
			"session_id", o.cfg.SessionID, "tool", call.name, "call_id", call.callID)
		if idle && o.cfg.OnIdle != nil {
			o.cfg.OnIdle()
		}
		return
	}

	if err != nil {
		// Degrade gracefully: an empty tool result keeps the turn
		// moving, the error stays visible on the bus.
		o.cfg.Bus.Publish(events.Draft{
			Kind:          events.KindError,
			Message:       fmt.Sprintf("Tool call failed: %s", call.name),
			Data:          map[string]any{"tool_name": call.name, "call_id": call.callID, "error": err.Error()},
			SessionID:     o.cfg.SessionID,
			CorrelationID: correlationID,
		})
		result = tools.Result{Text: "", Direction: tools.ToServer}
	}

	upstreamOutput := result.Text
	if result.Direction == tools.ToClient {
		upstreamOutput = ""
	}
	if sendErr := o.sender.SendUpstream(protocol.FunctionCallOutput(call.callID, upstreamOutput)); sendErr != nil {
		o.cfg.Logger.Warn("failed to inject tool result upstream",
			"session_id", o.cfg.SessionID, "tool", call.name, "error", sendErr)
	}
	if result.Direction == tools.ToClient {
		if sendErr := o.sender.SendClient(protocol.ToolResponseFrame(call.previousItemID, call.name, result.Text)); sendErr != nil {
			o.cfg.Logger.Warn("failed to deliver tool result to client",
				"session_id", o.cfg.SessionID, "tool", call.name, "error", sendErr)
		}
	}

	// A response.done observed while this call was executing deferred the
	// follow-up; it goes out only now that the output item is in place.
	if followUp {
		if sendErr := o.sender.SendUpstream(protocol.ResponseCreateFrame()); sendErr != nil {
			o.cfg.Logger.Warn("failed to request follow-up response",
				"session_id", o.cfg.SessionID, "error", sendErr)
		}
	}
	if idle && o.cfg.OnIdle != nil {
		o.cfg.OnIdle()
	}

	o.cfg.Bus.Publish(events.Draft{
		Kind:    events.KindToolCallComplete,
		Message: fmt.Sprintf("Tool call completed: %s", call.name),
		Data: map[string]any{
			"tool_name":  call.name,
			"call_id":    call.callID,
			"source_ids": sourceIDsFromResult(result.Text),
		},
		DurationMS:    events.DurationPtr(o.cfg.Now().Sub(started)),
		SessionID:     o.cfg.SessionID,
		CorrelationID: correlationID,
	})
}

func (o *Orchestrator) correlation() string {
	if o.cfg.Correlation == nil {
		return ""
	}
	return o.cfg.Correlation()
}

func (o *Orchestrator) execute(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	type outcome struct {
		result tools.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := o.cfg.Registry.Execute(ctx, name, args)
		done <- outcome{result, err}
	}()
	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return tools.Result{}, fmt.Errorf("tool %s: %w", name, ctx.Err())
	}
}

// resolve removes the call from the pending map and reports whether its
// result may be forwarded, whether a deferred follow-up response.create
// is now owed, and whether this was the last pending call. Side effects
// (sends, OnIdle) are the caller's, so the follow-up can land after the
// output injection.
func (o *Orchestrator) resolve(callID string, epoch int64) (forward, followUp, idle bool) {
	o.mu.Lock()
	_, ok := o.pending[callID]
	forward = ok && epoch == o.epoch
	if ok {
		delete(o.pending, callID)
	}
	idle = len(o.pending) == 0
	if idle && o.followUpDue {
		followUp = true
		o.followUpDue = false
	}
	o.mu.Unlock()
	return forward, followUp, idle
}

// ObserveResponseDone reacts to the end of an upstream response. If the
// response issued tool calls, a response.create is sent so the model
// continues the turn with the injected results. The upstream emits
// response.done while the tools are typically still executing; in that
// case the follow-up is deferred until the last output is injected, so
// function_call_output always precedes response.create.
func (o *Orchestrator) ObserveResponseDone() {
	o.mu.Lock()
	follow := o.sawToolCalls
	o.sawToolCalls = false
	if follow && len(o.pending) > 0 {
		o.followUpDue = true
		follow = false
	}
	o.mu.Unlock()

	if follow {
		if err := o.sender.SendUpstream(protocol.ResponseCreateFrame()); err != nil {
			o.cfg.Logger.Warn("failed to request follow-up response",
				"session_id", o.cfg.SessionID, "error", err)
		}
	}
}

// Interrupt handles a client input-buffer clear: in-flight tool calls
// are allowed to finish, but their results are discarded.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	o.epoch++
	o.sawToolCalls = false
	o.followUpDue = false
	hadPending := len(o.pending) > 0
	o.pending = make(map[string]*pendingCall)
	o.mu.Unlock()

	if hadPending && o.cfg.OnIdle != nil {
		o.cfg.OnIdle()
	}
}

// SweepStale drops pending entries older than the timeout that never
// started executing, so a call announced but never completed by the
// upstream cannot suspend the session forever.
func (o *Orchestrator) SweepStale() {
	now := o.cfg.Now()
	o.mu.Lock()
	var swept []*pendingCall
	for id, call := range o.pending {
		if !call.executing && now.Sub(call.created) > o.cfg.Timeout {
			swept = append(swept, call)
			delete(o.pending, id)
		}
	}
	idle := len(o.pending) == 0
	followUp := false
	if len(swept) > 0 && idle && o.followUpDue {
		followUp = true
		o.followUpDue = false
	}
	o.mu.Unlock()

	for _, call := range swept {
		o.cfg.Bus.Publish(events.Draft{
			Kind:          events.KindError,
			Message:       fmt.Sprintf("Tool call never completed: %s", call.name),
			Data:          map[string]any{"tool_name": call.name, "call_id": call.callID},
			SessionID:     o.cfg.SessionID,
			CorrelationID: o.correlation(),
		})
	}
	if followUp {
		if err := o.sender.SendUpstream(protocol.ResponseCreateFrame()); err != nil {
			o.cfg.Logger.Warn("failed to request follow-up response",
				"session_id", o.cfg.SessionID, "error", err)
		}
	}
	if len(swept) > 0 && idle && o.cfg.OnIdle != nil {
		o.cfg.OnIdle()
	}
}

// Wait blocks until every started execution goroutine has finished. Used
// on session teardown and in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func decodeArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

var sourceRefPattern = regexp.MustCompile(`\[([a-zA-Z0-9_=\-]+)\]:`)

// sourceIDsFromResult pulls the deduplicated source identifiers out of a
// formatted passage list.
func sourceIDsFromResult(text string) []string {
	matches := sourceRefPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		ids = append(ids, m[1])
	}
	return ids
}
