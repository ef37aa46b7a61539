package events

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultBufferSize       = 1000
	defaultSubscriberBuffer = 256
	defaultMaxDataBytes     = 8 << 10
	sinkQueueSize           = 1024
)

// Sink receives every published event, for optional durability. Append is
// called from a dedicated goroutine, never from the publisher.
type Sink interface {
	Append(Event) error
	Close() error
}

type Config struct {
	// BufferSize caps in-memory retention; oldest events are evicted first.
	BufferSize int
	// SubscriberBuffer is the per-subscriber channel depth. A subscriber
	// that falls further behind than this drops events rather than stalling
	// the publisher.
	SubscriberBuffer int
	// MaxDataBytes bounds the serialized size of an event's Data payload.
	MaxDataBytes int
	// Sink, when set, receives an asynchronous copy of every event.
	Sink Sink
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Bus is an append-only, bounded, in-memory event log with live fan-out.
// It is the only shared mutable resource between the relay, the
// orchestrator, and the debug surface; writes are serialized, reads copy.
type Bus struct {
	cfg Config

	mu     sync.Mutex
	log    []Event
	nextID int64
	subs   map[*Subscription]struct{}

	sinkCh   chan Event
	sinkDone chan struct{}
}

// Subscription is a live feed of events published after Subscribe was
// called. Resets fires when an operator clears the log.
type Subscription struct {
	C      <-chan Event
	Resets <-chan struct{}

	bus    *Bus
	ch     chan Event
	resets chan struct{}
	once   sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func NewBus(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.MaxDataBytes <= 0 {
		cfg.MaxDataBytes = defaultMaxDataBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &Bus{
		cfg:  cfg,
		log:  make([]Event, 0, cfg.BufferSize),
		subs: make(map[*Subscription]struct{}),
	}
	if cfg.Sink != nil {
		b.sinkCh = make(chan Event, sinkQueueSize)
		b.sinkDone = make(chan struct{})
		go b.runSink()
	}
	return b
}

// Publish stamps and appends an event, then fans it out. It never blocks
// the caller: slow subscribers and a slow sink drop events instead of
// propagating back-pressure.
func (b *Bus) Publish(d Draft) Event {
	b.mu.Lock()
	b.nextID++
	e := Event{
		ID:            b.nextID,
		Timestamp:     b.cfg.Now().Truncate(time.Millisecond),
		Kind:          d.Kind,
		Message:       d.Message,
		Data:          boundData(d.Data, b.cfg.MaxDataBytes),
		DurationMS:    d.DurationMS,
		SessionID:     d.SessionID,
		CorrelationID: d.CorrelationID,
	}
	b.log = append(b.log, e)
	if len(b.log) > b.cfg.BufferSize {
		b.log = b.log[len(b.log)-b.cfg.BufferSize:]
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
		default:
		}
	}
	if b.sinkCh != nil {
		select {
		case b.sinkCh <- e:
		default:
		}
	}
	return e
}

// Subscribe returns a live feed of all events published from this point
// forward.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, b.cfg.SubscriberBuffer)
	resets := make(chan struct{}, 1)
	s := &Subscription{C: ch, Resets: resets, bus: b, ch: ch, resets: resets}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Snapshot returns a consistent copy of the retained log, already in
// (timestamp, id) order.
func (b *Bus) Snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.log))
	copy(out, b.log)
	return out
}

// Recent returns up to n of the newest retained events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.log) {
		n = len(b.log)
	}
	out := make([]Event, n)
	copy(out, b.log[len(b.log)-n:])
	return out
}

// Filter selects historical events. Zero values mean "no constraint".
type Filter struct {
	Kinds     []Kind
	SessionID string
	// Text matches case-insensitively against the message and the
	// serialized data payload.
	Text  string
	Since time.Time
	Until time.Time
	// Limit keeps only the newest N matches.
	Limit int
}

// Query returns matching retained events ordered by (timestamp, id).
func (b *Bus) Query(f Filter) []Event {
	snapshot := b.Snapshot()

	var kindSet map[Kind]struct{}
	if len(f.Kinds) > 0 {
		kindSet = make(map[Kind]struct{}, len(f.Kinds))
		for _, k := range f.Kinds {
			kindSet[k] = struct{}{}
		}
	}
	needle := strings.ToLower(strings.TrimSpace(f.Text))

	out := make([]Event, 0, len(snapshot))
	for _, e := range snapshot {
		if kindSet != nil {
			if _, ok := kindSet[e.Kind]; !ok {
				continue
			}
		}
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		if needle != "" && !matchesText(e, needle) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Clear empties the retained log and signals every live subscriber that a
// reset happened. Event IDs keep climbing so ordering stays total across
// a clear.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.log = b.log[:0]
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.resets <- struct{}{}:
		default:
		}
	}
}

// Stats summarizes the retained log for the debug surface.
type Stats struct {
	TotalEvents  int          `json:"total_events"`
	Subscribers  int          `json:"connected_clients"`
	CountsByKind map[Kind]int `json:"event_counts"`
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[Kind]int, 16)
	for _, e := range b.log {
		counts[e.Kind]++
	}
	return Stats{
		TotalEvents:  len(b.log),
		Subscribers:  len(b.subs),
		CountsByKind: counts,
	}
}

// Close stops the sink writer, if any, and closes the sink.
func (b *Bus) Close() error {
	if b.sinkCh == nil {
		return nil
	}
	close(b.sinkCh)
	<-b.sinkDone
	return b.cfg.Sink.Close()
}

func (b *Bus) runSink() {
	defer close(b.sinkDone)
	for e := range b.sinkCh {
		_ = b.cfg.Sink.Append(e)
	}
}

func matchesText(e Event, needle string) bool {
	if strings.Contains(strings.ToLower(e.Message), needle) {
		return true
	}
	if len(e.Data) == 0 {
		return false
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(raw)), needle)
}

func boundData(data map[string]any, maxBytes int) map[string]any {
	if len(data) == 0 {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil || len(raw) <= maxBytes {
		return data
	}
	return map[string]any{
		"truncated":      true,
		"original_bytes": len(raw),
	}
}
