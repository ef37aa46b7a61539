package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicerag/gateway/pkg/core/events"
	"github.com/voicerag/gateway/pkg/gateway/relay/protocol"
	"github.com/voicerag/gateway/pkg/gateway/tools"
)

type fakeSender struct {
	mu       sync.Mutex
	upstream [][]byte
	client   [][]byte
}

func (f *fakeSender) SendUpstream(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstream = append(f.upstream, data)
	return nil
}

func (f *fakeSender) SendClient(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.client = append(f.client, data)
	return nil
}

func (f *fakeSender) upstreamFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.upstream))
	copy(out, f.upstream)
	return out
}

func (f *fakeSender) clientFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.client))
	copy(out, f.client)
	return out
}

type fakeTool struct {
	name   string
	result tools.Result
	delay  time.Duration
	block  chan struct{}
}

func (t *fakeTool) Name() string { return t.name }

func (t *fakeTool) Schema() protocol.ToolSchema {
	return protocol.ToolSchema{Type: "function", Name: t.name}
}

func (t *fakeTool) Execute(ctx context.Context, _ map[string]any) (tools.Result, error) {
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return tools.Result{}, ctx.Err()
		}
	}
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return tools.Result{}, ctx.Err()
		}
	}
	return t.result, nil
}

func functionCallEvents(callID, name, args string) (*protocol.ItemEvent, *protocol.ItemEvent) {
	created := &protocol.ItemEvent{
		Type:           protocol.TypeConversationItemCreated,
		PreviousItemID: "item_before_" + callID,
		Item:           &protocol.Item{Type: protocol.ItemFunctionCall, CallID: callID, Name: name},
	}
	done := &protocol.ItemEvent{
		Type: protocol.TypeResponseOutputItemDone,
		Item: &protocol.Item{Type: protocol.ItemFunctionCall, CallID: callID, Name: name, Arguments: args},
	}
	return created, done
}

func decodeOutput(t *testing.T, frame []byte) (callID, output string) {
	t.Helper()
	var decoded struct {
		Type string        `json:"type"`
		Item protocol.Item `json:"item"`
	}
	require.NoError(t, json.Unmarshal(frame, &decoded))
	require.Equal(t, protocol.TypeConversationItemCreate, decoded.Type)
	require.Equal(t, protocol.ItemFunctionCallOutput, decoded.Item.Type)
	return decoded.Item.CallID, decoded.Item.Output
}

func newOrchestrator(t *testing.T, cfg Config, executors ...tools.Executor) (*Orchestrator, *fakeSender, *events.Bus) {
	t.Helper()
	bus := events.NewBus(events.Config{})
	sender := &fakeSender{}
	cfg.SessionID = "s1"
	cfg.Registry = tools.NewRegistry(executors...)
	cfg.Bus = bus
	o := New(cfg, sender)
	return o, sender, bus
}

func TestOrchestrator_ExecutesAndInjectsResult(t *testing.T) {
	tool := &fakeTool{
		name:   "search",
		result: tools.Result{Text: "[doc_0]: a\n-----\n[doc_1]: b\n-----\n[doc_0]: again\n-----\n", Direction: tools.ToServer},
	}
	o, sender, bus := newOrchestrator(t, Config{}, tool)

	created, done := functionCallEvents("call_1", "search", `{"query":"benefits"}`)
	o.ObserveItemCreated(created)
	assert.True(t, o.Busy())
	o.ExecuteItemDone(done)
	o.Wait()

	assert.False(t, o.Busy())
	frames := sender.upstreamFrames()
	require.Len(t, frames, 1)
	callID, output := decodeOutput(t, frames[0])
	assert.Equal(t, "call_1", callID)
	assert.Contains(t, output, "[doc_0]: a")

	log := bus.Snapshot()
	require.Len(t, log, 2)
	assert.Equal(t, events.KindToolCallStart, log[0].Kind)
	assert.Equal(t, events.KindToolCallComplete, log[1].Kind)
	assert.Equal(t, []string{"doc_0", "doc_1"}, log[1].Data["source_ids"])
	assert.NotNil(t, log[1].DurationMS)
}

func TestOrchestrator_ClientBoundResult(t *testing.T) {
	tool := &fakeTool{
		name:   "report_grounding",
		result: tools.Result{Text: `{"sources":[]}`, Direction: tools.ToClient},
	}
	o, sender, _ := newOrchestrator(t, Config{}, tool)

	created, done := functionCallEvents("call_1", "report_grounding", `{"sources":[]}`)
	o.ObserveItemCreated(created)
	o.ExecuteItemDone(done)
	o.Wait()

	// The model gets an empty output, the client gets the payload.
	frames := sender.upstreamFrames()
	require.Len(t, frames, 1)
	_, output := decodeOutput(t, frames[0])
	assert.Empty(t, output)

	client := sender.clientFrames()
	require.Len(t, client, 1)
	var ext map[string]any
	require.NoError(t, json.Unmarshal(client[0], &ext))
	assert.Equal(t, protocol.TypeToolResponse, ext["type"])
	assert.Equal(t, "item_before_call_1", ext["previous_item_id"])
	assert.Equal(t, "report_grounding", ext["tool_name"])
}

func TestOrchestrator_TimeoutInjectsEmptyResult(t *testing.T) {
	tool := &fakeTool{name: "search", block: make(chan struct{})}
	o, sender, bus := newOrchestrator(t, Config{Timeout: 30 * time.Millisecond}, tool)

	created, done := functionCallEvents("call_1", "search", `{"query":"q"}`)
	o.ObserveItemCreated(created)

	start := time.Now()
	o.ExecuteItemDone(done)
	o.Wait()
	elapsed := time.Since(start)

	// The turn resolves within timeout plus scheduling slack, never hangs.
	assert.Less(t, elapsed, 500*time.Millisecond)

	frames := sender.upstreamFrames()
	require.Len(t, frames, 1)
	_, output := decodeOutput(t, frames[0])
	assert.Empty(t, output)

	var sawError bool
	for _, e := range bus.Snapshot() {
		if e.Kind == events.KindError {
			sawError = true
		}
	}
	assert.True(t, sawError)
	close(tool.block)
}

func TestOrchestrator_UnknownToolDegradesGracefully(t *testing.T) {
	o, sender, bus := newOrchestrator(t, Config{})

	created, done := functionCallEvents("call_1", "not_registered", `{}`)
	o.ObserveItemCreated(created)
	o.ExecuteItemDone(done)
	o.Wait()

	frames := sender.upstreamFrames()
	require.Len(t, frames, 1)
	_, output := decodeOutput(t, frames[0])
	assert.Empty(t, output)

	var sawError bool
	for _, e := range bus.Snapshot() {
		if e.Kind == events.KindError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestOrchestrator_ParallelCallsResolveTogether(t *testing.T) {
	blockA := make(chan struct{})
	blockB := make(chan struct{})
	toolA := &fakeTool{name: "search", block: blockA, result: tools.Result{Text: "[a]: x\n-----\n"}}
	toolB := &fakeTool{name: "report_grounding", block: blockB, result: tools.Result{Text: `{}`, Direction: tools.ToClient}}

	idle := make(chan struct{}, 4)
	o, sender, _ := newOrchestrator(t, Config{
		Timeout: time.Second,
		OnIdle:  func() { idle <- struct{}{} },
	}, toolA, toolB)

	createdA, doneA := functionCallEvents("call_a", "search", `{"query":"x"}`)
	createdB, doneB := functionCallEvents("call_b", "report_grounding", `{"sources":[]}`)
	o.ObserveItemCreated(createdA)
	o.ObserveItemCreated(createdB)
	o.ExecuteItemDone(doneA)
	o.ExecuteItemDone(doneB)
	o.ObserveResponseDone()

	require.True(t, o.Busy())
	close(blockA)

	// One call resolved; the session must still be suspended and the
	// follow-up still held back.
	require.Eventually(t, func() bool { return len(sender.upstreamFrames()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, o.Busy())
	select {
	case <-idle:
		t.Fatal("idle fired while a call was still pending")
	default:
	}

	close(blockB)
	o.Wait()

	assert.False(t, o.Busy())
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle never fired")
	}
	frames := sender.upstreamFrames()
	require.Len(t, frames, 3)
	assert.True(t, strings.Contains(string(frames[2]), "response.create"))
}

func TestOrchestrator_InterruptDiscardsResult(t *testing.T) {
	block := make(chan struct{})
	tool := &fakeTool{name: "search", block: block, result: tools.Result{Text: "[a]: x\n-----\n"}}
	o, sender, _ := newOrchestrator(t, Config{Timeout: time.Second}, tool)

	created, done := functionCallEvents("call_1", "search", `{"query":"x"}`)
	o.ObserveItemCreated(created)
	o.ExecuteItemDone(done)
	require.True(t, o.Busy())

	o.Interrupt()
	assert.False(t, o.Busy())

	// The tool finishes after the interrupt; nothing is forwarded.
	close(block)
	o.Wait()
	assert.Empty(t, sender.upstreamFrames())
	assert.Empty(t, sender.clientFrames())
}

func TestOrchestrator_ResponseDoneTriggersFollowUp(t *testing.T) {
	tool := &fakeTool{name: "search", result: tools.Result{Text: "[a]: x\n-----\n"}}
	o, sender, _ := newOrchestrator(t, Config{}, tool)

	// Without tool calls: no follow-up.
	o.ObserveResponseDone()
	assert.Empty(t, sender.upstreamFrames())

	created, done := functionCallEvents("call_1", "search", `{"query":"x"}`)
	o.ObserveItemCreated(created)
	o.ExecuteItemDone(done)
	o.Wait()
	o.ObserveResponseDone()

	frames := sender.upstreamFrames()
	require.Len(t, frames, 2)
	assert.True(t, strings.Contains(string(frames[1]), "response.create"))

	// The flag resets after one follow-up.
	o.ObserveResponseDone()
	assert.Len(t, sender.upstreamFrames(), 2)
}

func TestOrchestrator_ResultPrecedesDeferredFollowUp(t *testing.T) {
	block := make(chan struct{})
	tool := &fakeTool{name: "search", block: block, result: tools.Result{Text: "[a]: x\n-----\n"}}
	o, sender, _ := newOrchestrator(t, Config{Timeout: time.Second}, tool)

	created, done := functionCallEvents("call_1", "search", `{"query":"x"}`)
	o.ObserveItemCreated(created)
	o.ExecuteItemDone(done)
	// The upstream ends its response while the tool is still running.
	o.ObserveResponseDone()
	assert.Empty(t, sender.upstreamFrames())

	close(block)
	o.Wait()

	frames := sender.upstreamFrames()
	require.Len(t, frames, 2)
	callID, _ := decodeOutput(t, frames[0])
	assert.Equal(t, "call_1", callID)
	assert.True(t, strings.Contains(string(frames[1]), "response.create"))

	// The deferred follow-up is owed exactly once.
	o.ObserveResponseDone()
	assert.Len(t, sender.upstreamFrames(), 2)
}

func TestOrchestrator_SweepStale(t *testing.T) {
	o, _, bus := newOrchestrator(t, Config{Timeout: 10 * time.Millisecond})

	created, _ := functionCallEvents("call_1", "search", "")
	o.ObserveItemCreated(created)
	require.True(t, o.Busy())

	time.Sleep(20 * time.Millisecond)
	o.SweepStale()

	assert.False(t, o.Busy())
	var sawError bool
	for _, e := range bus.Snapshot() {
		if e.Kind == events.KindError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}
