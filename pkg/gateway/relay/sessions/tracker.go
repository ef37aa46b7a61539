// Package sessions tracks live relay sessions for the gateway: audio
// append/clear routing by session id, drain warnings, cancellation, and
// shutdown waiting.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidSession is returned for operations addressed to an unknown
// session id.
var ErrInvalidSession = errors.New("invalid session")

// Handle is the slice of a session the tracker needs.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
	Append func(chunk []byte) error
	Clear  func() error
	State  func() string
}

// Info describes one tracked session for the debug surface.
type Info struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
	now      func() time.Time
}

type trackedSession struct {
	handle  Handle
	created time.Time
	once    sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
		now:      time.Now,
	}
}

func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h, created: t.now()}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Append routes a raw audio chunk to a live session.
func (t *Tracker) Append(sessionID string, chunk []byte) error {
	h, ok := t.lookup(sessionID)
	if !ok || h.Append == nil {
		return ErrInvalidSession
	}
	return h.Append(chunk)
}

// Clear signals a user interruption on a live session.
func (t *Tracker) Clear(sessionID string) error {
	h, ok := t.lookup(sessionID)
	if !ok || h.Clear == nil {
		return ErrInvalidSession
	}
	return h.Clear()
}

func (t *Tracker) lookup(sessionID string) (Handle, bool) {
	if t == nil {
		return Handle{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.sessions[sessionID]
	if !ok || entry == nil {
		return Handle{}, false
	}
	return entry.handle, true
}

// Sessions lists the live sessions, for the debug surface.
func (t *Tracker) Sessions() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, 0, len(t.sessions))
	for id, entry := range t.sessions {
		info := Info{SessionID: id, CreatedAt: entry.created}
		if entry.handle.State != nil {
			info.State = entry.handle.State()
		}
		out = append(out, info)
	}
	return out
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
