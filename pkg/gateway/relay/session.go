// Package relay runs the bidirectional websocket relay between a voice
// client and the upstream realtime model. Each session pumps both legs
// concurrently, rewrites the session configuration, intercepts tool
// calls, and keeps tool plumbing out of the client-facing stream.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicerag/gateway/pkg/core/events"
	"github.com/voicerag/gateway/pkg/gateway/orchestrator"
	"github.com/voicerag/gateway/pkg/gateway/relay/protocol"
	"github.com/voicerag/gateway/pkg/gateway/tools"
)

// Conn is the websocket surface the session needs from each leg.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const (
	DefaultMaxMalformedFrames = 5
	DefaultWriteTimeout       = 10 * time.Second
)

type Config struct {
	SessionID string
	// Overrides is the server-enforced session configuration overlaid on
	// every client session.update.
	Overrides protocol.SessionOverrides
	// ToolTimeout bounds one tool execution; zero means the orchestrator
	// default.
	ToolTimeout time.Duration
	// MaxMalformedFrames is the number of undecodable client frames
	// tolerated before the session is torn down.
	MaxMalformedFrames int
	WriteTimeout       time.Duration
	// SuppressMediaEvents drops the per-frame events for audio appends
	// and streaming deltas, keeping only turn boundaries on the bus.
	// Off by default: every forwarded frame emits one event.
	SuppressMediaEvents bool
	// SweepInterval is how often announced-but-never-completed tool calls
	// are swept. Zero means the tool timeout.
	SweepInterval time.Duration
	Now           func() time.Time
}

type Dependencies struct {
	Client   Conn
	Upstream Conn
	Bus      *events.Bus
	Registry *tools.Registry
	Logger   *slog.Logger
}

// Session is one client's relay. Sessions are isolated: each owns its
// two connections, its orchestrator, and its forwarding buffer.
type Session struct {
	cfg  Config
	deps Dependencies
	orch *orchestrator.Orchestrator

	stateMu     sync.Mutex
	state       State
	closeReason string

	// correlationID groups every event of the current turn; rotated when
	// a turn completes or is interrupted.
	corrMu        sync.Mutex
	correlationID string

	clientMu   sync.Mutex
	upstreamMu sync.Mutex

	// buffered holds client-bound generation frames held back while tool
	// calls are pending, flushed in arrival order once the orchestrator
	// goes idle.
	bufMu    sync.Mutex
	buffered [][]byte
	flushCh  chan struct{}

	// Turn tracking, touched only by the upstream pump goroutine.
	announced   bool
	turnStarted time.Time

	// malformed counts undecodable client frames, touched only by the
	// client pump goroutine.
	malformed int
}

func New(cfg Config, deps Dependencies) *Session {
	if cfg.MaxMalformedFrames <= 0 {
		cfg.MaxMalformedFrames = DefaultMaxMalformedFrames
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = orchestrator.DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.ToolTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Session{
		cfg:           cfg,
		deps:          deps,
		state:         StateConnecting,
		correlationID: uuid.NewString(),
		flushCh:       make(chan struct{}, 1),
	}
	s.orch = orchestrator.New(orchestrator.Config{
		SessionID:   cfg.SessionID,
		Registry:    deps.Registry,
		Bus:         deps.Bus,
		Logger:      deps.Logger,
		Timeout:     cfg.ToolTimeout,
		OnIdle:      s.requestFlush,
		Correlation: s.currentCorrelation,
		Now:         cfg.Now,
	}, s)
	return s
}

// Run pumps both legs until either closes, the context is canceled, or
// the client exhausts its malformed frame allowance. It always tears the
// session down to the closed state before returning.
func (s *Session) Run(ctx context.Context) error {
	s.transition(StateListening)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- s.clientPump() }()
	go func() { errCh <- s.upstreamPump() }()

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case runErr = <-errCh:
			break loop
		case <-s.flushCh:
			s.flushBuffered()
		case <-sweep.C:
			s.orch.SweepStale()
		}
	}

	s.teardown(runErr)
	return runErr
}

func (s *Session) teardown(runErr error) {
	switch {
	case errors.Is(runErr, ErrUpstreamDisconnected):
		s.setCloseReason("upstream disconnected")
		s.transition(StateError)
	case errors.Is(runErr, ErrTooManyMalformedFrames):
		s.setCloseReason("malformed frame limit exceeded")
		s.transition(StateError)
	default:
		s.setCloseReason("client disconnected")
		s.transition(StateClosing)
	}

	_ = s.deps.Client.Close()
	_ = s.deps.Upstream.Close()
	s.orch.Wait()
	s.transition(StateClosed)
}

// clientPump reads the client leg: session.update is rewritten with the
// server-enforced configuration, input_audio_buffer.clear becomes an
// interruption, everything else passes through to the upstream.
func (s *Session) clientPump() error {
	for {
		msgType, data, err := s.deps.Client.ReadMessage()
		if err != nil {
			return nil
		}
		if msgType != websocket.TextMessage {
			// Raw binary audio goes straight through.
			if err := s.sendUpstreamRaw(msgType, data); err != nil {
				return nil
			}
			continue
		}

		env, err := protocol.Peek(data)
		if err != nil {
			if fatal := s.noteMalformed(err); fatal != nil {
				return fatal
			}
			continue
		}

		switch env.Type {
		case protocol.TypeSessionUpdate:
			overrides := s.cfg.Overrides
			if s.deps.Registry != nil {
				overrides.Tools = s.deps.Registry.Schemas()
			}
			rewritten, err := protocol.RewriteSessionUpdate(data, overrides)
			if err != nil {
				if fatal := s.noteMalformed(err); fatal != nil {
					return fatal
				}
				continue
			}
			s.publishControlFrame(env.Type)
			if err := s.SendUpstream(rewritten); err != nil {
				return nil
			}

		case protocol.TypeInputAudioClear:
			s.publishControlFrame(env.Type)
			_ = s.Clear()

		case protocol.TypeInputAudioAppend:
			if !s.cfg.SuppressMediaEvents {
				s.publishControlFrame(env.Type)
			}
			if err := s.SendUpstream(data); err != nil {
				return nil
			}

		default:
			s.publishControlFrame(env.Type)
			if err := s.SendUpstream(data); err != nil {
				return nil
			}
		}
	}
}

// upstreamPump reads the model leg: tool plumbing is intercepted and
// suppressed, session.created is sanitized, turn boundaries are recorded
// on the bus, and everything else is forwarded to the client.
func (s *Session) upstreamPump() error {
	for {
		_, data, err := s.deps.Upstream.ReadMessage()
		if err != nil {
			if st := s.currentState(); st.Terminal() || st == StateClosing || st == StateError {
				return nil
			}
			return ErrUpstreamDisconnected
		}

		env, err := protocol.Peek(data)
		if err != nil {
			s.deps.Logger.Warn("undecodable upstream frame",
				"session_id", s.cfg.SessionID, "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeSessionCreated:
			sanitized, err := protocol.SanitizeSessionCreated(data, s.cfg.Overrides.Voice)
			if err != nil {
				s.deps.Logger.Warn("failed to sanitize session.created",
					"session_id", s.cfg.SessionID, "error", err)
				continue
			}
			s.publish(events.Draft{
				Kind:    events.KindRealtimeAPIReceived,
				Message: "Session created",
				Data:    map[string]any{"type": env.Type},
			})
			if err := s.forwardToClient(sanitized); err != nil {
				return nil
			}

		case protocol.TypeConversationItemCreated, protocol.TypeResponseOutputItemAdded:
			ev, err := protocol.DecodeItemEvent(data)
			if err != nil {
				continue
			}
			if ev.IsFunctionCall() {
				s.orch.ObserveItemCreated(ev)
				continue
			}
			if ev.IsFunctionCallOutput() {
				continue
			}
			if err := s.forwardToClient(data); err != nil {
				return nil
			}

		case protocol.TypeResponseOutputItemDone:
			ev, err := protocol.DecodeItemEvent(data)
			if err != nil {
				continue
			}
			if ev.IsFunctionCall() {
				s.orch.ExecuteItemDone(ev)
				continue
			}
			if ev.IsFunctionCallOutput() {
				continue
			}
			if err := s.forwardToClient(data); err != nil {
				return nil
			}

		case protocol.TypeResponseDone:
			s.orch.ObserveResponseDone()
			stripped, _, err := protocol.StripFunctionCallOutput(data)
			if err != nil {
				stripped = data
			}
			s.endTurn(data)
			if err := s.forwardToClient(stripped); err != nil {
				return nil
			}

		case protocol.TypeSpeechStarted:
			s.transition(StateListening)
			if err := s.forwardToClient(data); err != nil {
				return nil
			}

		case protocol.TypeTranscriptionCompleted:
			if text, err := protocol.DecodeTranscript(data); err == nil && text != "" {
				s.publish(events.Draft{
					Kind:    events.KindUserQuestion,
					Message: "User question",
					Data:    map[string]any{"question": text},
				})
			}
			if err := s.forwardToClient(data); err != nil {
				return nil
			}

		case protocol.TypeAudioTranscriptDelta:
			if !s.announced {
				s.announced = true
				s.turnStarted = s.cfg.Now()
				s.publish(events.Draft{
					Kind:    events.KindAIResponseStart,
					Message: "AI response started",
				})
			} else if !s.cfg.SuppressMediaEvents {
				s.publishMediaFrame(env.Type)
			}
			if err := s.forwardToClient(data); err != nil {
				return nil
			}

		case protocol.TypeResponseAudioDelta:
			// The first delta of a turn moves the state machine; its event
			// is the speaking transition. Later deltas each publish a
			// plain received event unless media events are suppressed.
			if !s.transition(StateSpeaking) && !s.cfg.SuppressMediaEvents {
				s.publishMediaFrame(env.Type)
			}
			if err := s.forwardToClient(data); err != nil {
				return nil
			}

		case protocol.TypeError:
			s.publish(events.Draft{
				Kind:    events.KindError,
				Message: "Upstream error frame",
				Data:    map[string]any{"frame": string(data)},
			})
			if err := s.forwardToClient(data); err != nil {
				return nil
			}

		default:
			if protocol.IsToolPlumbing(env.Type) {
				continue
			}
			if err := s.forwardToClient(data); err != nil {
				return nil
			}
		}
	}
}

// endTurn records the completed assistant response and returns the state
// machine to listening.
func (s *Session) endTurn(responseDone []byte) {
	draft := events.Draft{
		Kind:    events.KindAIResponseComplete,
		Message: "AI response complete",
		Data:    map[string]any{"response": responseText(responseDone)},
	}
	if s.announced && !s.turnStarted.IsZero() {
		draft.DurationMS = events.DurationPtr(s.cfg.Now().Sub(s.turnStarted))
	}
	s.publish(draft)
	s.announced = false
	s.turnStarted = time.Time{}
	s.rotateCorrelation()
	s.transition(StateListening)
}

// Append forwards a complete client frame (typically an
// input_audio_buffer.append) to the upstream on behalf of the client.
func (s *Session) Append(chunk []byte) error {
	if !s.currentState().Accepting() {
		return ErrInvalidSession
	}
	return s.SendUpstream(chunk)
}

// Clear handles a user interruption: pending tool results are discarded,
// held-back frames are dropped, the in-flight generation is canceled and
// the upstream input buffer cleared. Safe to call repeatedly; once the
// session is winding down there is nothing left to interrupt and the
// call is a no-op success.
func (s *Session) Clear() error {
	st := s.currentState()
	if st.Terminal() || st == StateClosing || st == StateError {
		return nil
	}

	s.orch.Interrupt()
	s.bufMu.Lock()
	s.buffered = nil
	s.bufMu.Unlock()

	if err := s.SendUpstream(protocol.ResponseCancelFrame()); err != nil {
		return err
	}
	if err := s.SendUpstream(protocol.InputAudioClearFrame()); err != nil {
		return err
	}
	s.rotateCorrelation()
	s.transition(StateListening)
	return nil
}

// Warn sends an error-shaped frame to the client, used for drain notices.
func (s *Session) Warn(code, message string) error {
	frame := fmt.Sprintf(`{"type":"error","error":{"code":%q,"message":%q}}`, code, message)
	return s.SendClient([]byte(frame))
}

func (s *Session) State() string {
	return s.currentState().String()
}

// SendUpstream writes one text frame to the model leg. Safe for
// concurrent use.
func (s *Session) SendUpstream(data []byte) error {
	return s.sendUpstreamRaw(websocket.TextMessage, data)
}

func (s *Session) sendUpstreamRaw(msgType int, data []byte) error {
	s.upstreamMu.Lock()
	defer s.upstreamMu.Unlock()
	_ = s.deps.Upstream.SetWriteDeadline(s.cfg.Now().Add(s.cfg.WriteTimeout))
	return s.deps.Upstream.WriteMessage(msgType, data)
}

// SendClient writes one text frame to the client leg, bypassing the
// tool-call buffer. Safe for concurrent use.
func (s *Session) SendClient(data []byte) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	_ = s.deps.Client.SetWriteDeadline(s.cfg.Now().Add(s.cfg.WriteTimeout))
	return s.deps.Client.WriteMessage(websocket.TextMessage, data)
}

// forwardToClient delivers a generation frame, holding it back while any
// tool call is unresolved so results always land before further output.
func (s *Session) forwardToClient(data []byte) error {
	s.bufMu.Lock()
	if s.orch.Busy() {
		s.buffered = append(s.buffered, data)
		s.bufMu.Unlock()
		if !s.orch.Busy() {
			// The orchestrator went idle between the check and the
			// append; make sure the frame is not stranded.
			s.requestFlush()
		}
		return nil
	}
	s.bufMu.Unlock()
	return s.SendClient(data)
}

func (s *Session) requestFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Session) flushBuffered() {
	s.bufMu.Lock()
	frames := s.buffered
	s.buffered = nil
	s.bufMu.Unlock()

	for _, frame := range frames {
		if err := s.SendClient(frame); err != nil {
			return
		}
	}
}

func (s *Session) noteMalformed(cause error) error {
	s.malformed++
	s.publish(events.Draft{
		Kind:    events.KindError,
		Message: "Malformed client frame",
		Data:    map[string]any{"error": cause.Error(), "count": s.malformed},
	})
	if s.malformed >= s.cfg.MaxMalformedFrames {
		return ErrTooManyMalformedFrames
	}
	return nil
}

func (s *Session) currentState() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setCloseReason(reason string) {
	s.stateMu.Lock()
	s.closeReason = reason
	s.stateMu.Unlock()
}

func (s *Session) transition(to State) bool {
	s.stateMu.Lock()
	from := s.state
	if !validTransition(from, to) {
		s.stateMu.Unlock()
		return false
	}
	s.state = to
	reason := s.closeReason
	s.stateMu.Unlock()

	s.publishTransition(from, to, reason)
	return true
}

// publishTransition emits exactly one event per state change. Speaking
// carries the audio-delta marker the conversation reconstructor keys on;
// closed carries the disconnect reason.
func (s *Session) publishTransition(from, to State, reason string) {
	switch to {
	case StateSpeaking:
		s.publish(events.Draft{
			Kind:    events.KindRealtimeAPIReceived,
			Message: "Assistant audio started",
			Data:    map[string]any{"type": protocol.TypeResponseAudioDelta},
		})
	case StateClosed:
		s.publish(events.Draft{
			Kind:    events.KindWebsocketDisconnect,
			Message: "Session closed",
			Data:    map[string]any{"reason": reason},
		})
	case StateError:
		s.publish(events.Draft{
			Kind:    events.KindError,
			Message: "Session failed",
			Data:    map[string]any{"reason": reason},
		})
	default:
		s.publish(events.Draft{
			Kind:    events.KindRealtimeAPIReceived,
			Message: "Session state changed",
			Data:    map[string]any{"type": "session.state", "from": from.String(), "to": to.String()},
		})
	}
}

func (s *Session) currentCorrelation() string {
	s.corrMu.Lock()
	defer s.corrMu.Unlock()
	return s.correlationID
}

func (s *Session) rotateCorrelation() {
	s.corrMu.Lock()
	s.correlationID = uuid.NewString()
	s.corrMu.Unlock()
}

func (s *Session) publish(draft events.Draft) {
	if s.deps.Bus == nil {
		return
	}
	draft.SessionID = s.cfg.SessionID
	draft.CorrelationID = s.currentCorrelation()
	s.deps.Bus.Publish(draft)
}

func (s *Session) publishControlFrame(frameType string) {
	s.publish(events.Draft{
		Kind:    events.KindRealtimeAPIReceived,
		Message: "Client frame",
		Data:    map[string]any{"type": frameType, "direction": "client"},
	})
}

func (s *Session) publishMediaFrame(frameType string) {
	s.publish(events.Draft{
		Kind:    events.KindRealtimeAPIReceived,
		Message: "Assistant stream frame",
		Data:    map[string]any{"type": frameType},
	})
}

// responseText concatenates the assistant transcript out of a
// response.done frame's message items.
func responseText(data []byte) string {
	var frame struct {
		Response struct {
			Output []struct {
				Type    string `json:"type"`
				Content []struct {
					Transcript string `json:"transcript"`
					Text       string `json:"text"`
				} `json:"content"`
			} `json:"output"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return ""
	}
	var parts []string
	for _, item := range frame.Response.Output {
		if item.Type != protocol.ItemMessage {
			continue
		}
		for _, c := range item.Content {
			if c.Transcript != "" {
				parts = append(parts, c.Transcript)
			} else if c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
	}
	return strings.Join(parts, " ")
}
