package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestBus_PublishAssignsMonotonicIDs(t *testing.T) {
	bus := NewBus(Config{Now: testClock(time.Unix(1700000000, 0))})

	e1 := bus.Publish(Draft{Kind: KindUserQuestion, Message: "first"})
	e2 := bus.Publish(Draft{Kind: KindError, Message: "second"})

	require.Less(t, e1.ID, e2.ID)
	assert.True(t, e1.Before(e2))

	log := bus.Snapshot()
	require.Len(t, log, 2)
	assert.Equal(t, "first", log[0].Message)
	assert.Equal(t, "second", log[1].Message)
}

func TestBus_RingEvictsOldestFirst(t *testing.T) {
	bus := NewBus(Config{BufferSize: 3, Now: testClock(time.Unix(1700000000, 0))})
	for i := 0; i < 5; i++ {
		bus.Publish(Draft{Kind: KindRealtimeAPIReceived, Message: fmt.Sprintf("m%d", i)})
	}

	log := bus.Snapshot()
	require.Len(t, log, 3)
	assert.Equal(t, "m2", log[0].Message)
	assert.Equal(t, "m4", log[2].Message)
	// Eviction must keep the remaining events in order.
	for i := 1; i < len(log); i++ {
		assert.True(t, log[i-1].Before(log[i]))
	}
}

func TestBus_SubscribeReceivesLiveEvents(t *testing.T) {
	bus := NewBus(Config{})
	sub := bus.Subscribe()
	defer sub.Close()

	published := bus.Publish(Draft{Kind: KindToolCallStart, Message: "tool", SessionID: "s1"})

	select {
	case got := <-sub.C:
		assert.Equal(t, published.ID, got.ID)
		assert.Equal(t, "s1", got.SessionID)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestBus_SlowSubscriberNeverBlocksPublisher(t *testing.T) {
	bus := NewBus(Config{SubscriberBuffer: 1})
	sub := bus.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody drains sub.C; publishing must still complete.
		for i := 0; i < 100; i++ {
			bus.Publish(Draft{Kind: KindRealtimeAPIReceived, Message: "burst"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestBus_QueryFilters(t *testing.T) {
	clock := testClock(time.Unix(1700000000, 0))
	bus := NewBus(Config{Now: clock})

	bus.Publish(Draft{Kind: KindUserQuestion, Message: "User asked: 'benefits'", SessionID: "s1"})
	bus.Publish(Draft{Kind: KindSearchQueryStart, Message: "Searching knowledge base", SessionID: "s1", Data: map[string]any{"search_query": "benefits"}})
	bus.Publish(Draft{Kind: KindError, Message: "upstream hiccup", SessionID: "s2"})

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"by kind", Filter{Kinds: []Kind{KindError}}, 1},
		{"by session", Filter{SessionID: "s1"}, 2},
		{"by text in message", Filter{Text: "hiccup"}, 1},
		{"by text in payload", Filter{Text: "benefits"}, 2},
		{"limit keeps newest", Filter{Limit: 2}, 2},
		{"no match", Filter{SessionID: "s3"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := bus.Query(tc.filter)
			assert.Len(t, got, tc.want)
			for i := 1; i < len(got); i++ {
				assert.True(t, got[i-1].Before(got[i]))
			}
		})
	}
}

func TestBus_QueryTimeRange(t *testing.T) {
	clock := testClock(time.Unix(1700000000, 0))
	bus := NewBus(Config{Now: clock})

	bus.Publish(Draft{Kind: KindUserQuestion, Message: "early"})
	mid := bus.Publish(Draft{Kind: KindUserQuestion, Message: "middle"})
	bus.Publish(Draft{Kind: KindUserQuestion, Message: "late"})

	got := bus.Query(Filter{Since: mid.Timestamp})
	require.Len(t, got, 2)
	assert.Equal(t, "middle", got[0].Message)

	got = bus.Query(Filter{Until: mid.Timestamp})
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].Message)
}

func TestBus_ClearNotifiesSubscribersAndKeepsIDsClimbing(t *testing.T) {
	bus := NewBus(Config{})
	sub := bus.Subscribe()
	defer sub.Close()

	before := bus.Publish(Draft{Kind: KindUserQuestion, Message: "before"})
	bus.Clear()

	select {
	case <-sub.Resets:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified of reset")
	}

	assert.Empty(t, bus.Snapshot())
	after := bus.Publish(Draft{Kind: KindUserQuestion, Message: "after"})
	assert.Greater(t, after.ID, before.ID)
}

func TestBus_Stats(t *testing.T) {
	bus := NewBus(Config{})
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(Draft{Kind: KindUserQuestion, Message: "q"})
	bus.Publish(Draft{Kind: KindError, Message: "e1"})
	bus.Publish(Draft{Kind: KindError, Message: "e2"})

	stats := bus.Stats()
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 1, stats.Subscribers)
	assert.Equal(t, 1, stats.CountsByKind[KindUserQuestion])
	assert.Equal(t, 2, stats.CountsByKind[KindError])
}

func TestBus_OversizedPayloadIsBounded(t *testing.T) {
	bus := NewBus(Config{MaxDataBytes: 64})
	big := make(map[string]any)
	for i := 0; i < 32; i++ {
		big[fmt.Sprintf("key_%d", i)] = "some long padding value for the payload"
	}

	e := bus.Publish(Draft{Kind: KindSearchResults, Message: "big", Data: big})
	require.Contains(t, e.Data, "truncated")
	assert.Equal(t, true, e.Data["truncated"])
}

func TestBus_RecentReturnsNewestOldestFirst(t *testing.T) {
	bus := NewBus(Config{Now: testClock(time.Unix(1700000000, 0))})
	for i := 0; i < 10; i++ {
		bus.Publish(Draft{Kind: KindRealtimeAPIReceived, Message: fmt.Sprintf("m%d", i)})
	}
	got := bus.Recent(3)
	require.Len(t, got, 3)
	assert.Equal(t, "m7", got[0].Message)
	assert.Equal(t, "m9", got[2].Message)
}
