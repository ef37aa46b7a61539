package sessions

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTrackerRegisterUnregister(t *testing.T) {
	tr := NewTracker()
	if got := tr.Count(); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}

	un1 := tr.Register("s1", Handle{})
	un2 := tr.Register("s2", Handle{})
	if got := tr.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}

	un1()
	un1() // repeated unregister is a no-op
	if got := tr.Count(); got != 1 {
		t.Fatalf("Count() after unregister = %d, want 1", got)
	}
	un2()
}

func TestTrackerReplaceSameID(t *testing.T) {
	tr := NewTracker()

	first := 0
	un1 := tr.Register("s1", Handle{Cancel: func() { first++ }})
	un2 := tr.Register("s1", Handle{})

	if got := tr.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	// The stale unregister must not remove the replacement.
	un1()
	if got := tr.Count(); got != 1 {
		t.Fatalf("Count() after stale unregister = %d, want 1", got)
	}
	un2()
	if got := tr.Count(); got != 0 {
		t.Fatalf("Count() after unregister = %d, want 0", got)
	}
}

func TestTrackerAppendAndClearRouting(t *testing.T) {
	tr := NewTracker()

	var gotChunk []byte
	cleared := false
	un := tr.Register("s1", Handle{
		Append: func(chunk []byte) error { gotChunk = chunk; return nil },
		Clear:  func() error { cleared = true; return nil },
	})
	defer un()

	if err := tr.Append("s1", []byte("audio")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if string(gotChunk) != "audio" {
		t.Fatalf("chunk = %q, want %q", gotChunk, "audio")
	}
	if err := tr.Clear("s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if !cleared {
		t.Fatal("Clear callback never fired")
	}

	if err := tr.Append("missing", nil); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("Append(missing) = %v, want ErrInvalidSession", err)
	}
	if err := tr.Clear("missing"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("Clear(missing) = %v, want ErrInvalidSession", err)
	}
}

func TestTrackerWarnAndCancelAll(t *testing.T) {
	tr := NewTracker()

	warned := make(map[string]string)
	canceled := 0
	u1 := tr.Register("s1", Handle{
		Warn:   func(code, message string) error { warned["s1"] = code; return nil },
		Cancel: func() { canceled++ },
	})
	u2 := tr.Register("s2", Handle{
		Warn: func(code, message string) error { warned["s2"] = code; return nil },
	})
	defer u1()
	defer u2()

	if got := tr.WarnAll("draining", "server is shutting down"); got != 2 {
		t.Fatalf("WarnAll sent = %d, want 2", got)
	}
	if warned["s1"] != "draining" || warned["s2"] != "draining" {
		t.Fatalf("warned = %v", warned)
	}

	if got := tr.CancelAll(); got != 1 {
		t.Fatalf("CancelAll canceled = %d, want 1", got)
	}
	if canceled != 1 {
		t.Fatalf("cancel fired %d times, want 1", canceled)
	}
}

func TestTrackerSessions(t *testing.T) {
	tr := NewTracker()
	un := tr.Register("s1", Handle{State: func() string { return "listening" }})
	defer un()

	infos := tr.Sessions()
	if len(infos) != 1 {
		t.Fatalf("Sessions() len = %d, want 1", len(infos))
	}
	if infos[0].SessionID != "s1" || infos[0].State != "listening" {
		t.Fatalf("Sessions()[0] = %+v", infos[0])
	}
	if infos[0].CreatedAt.IsZero() {
		t.Fatal("CreatedAt not stamped")
	}
}

func TestTrackerWait(t *testing.T) {
	tr := NewTracker()
	un := tr.Register("s1", Handle{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatal("Wait returned true with a live session")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		un()
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if !tr.Wait(ctx2) {
		t.Fatal("Wait returned false after all sessions ended")
	}
}
