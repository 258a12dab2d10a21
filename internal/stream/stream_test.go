// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("subscription did not close")
			return events
		}
	}
}

func TestSession_ConnectedThenOrdered(t *testing.T) {
	s := NewSession("s1", 0, 16, nil)

	a, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	s.Publish(EventThinking, map[string]int{"round": 1})
	b, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	s.Publish(EventToolCallStart, nil)
	s.Publish(EventComplete, "done")
	s.Close()

	evA := drain(t, a)
	evB := drain(t, b)

	typesOf := func(evs []Event) []EventType {
		out := make([]EventType, len(evs))
		for i, ev := range evs {
			out[i] = ev.Type
		}
		return out
	}
	assert.Equal(t, []EventType{EventConnected, EventThinking, EventToolCallStart, EventComplete}, typesOf(evA))
	// No replay: b joined after thinking.
	assert.Equal(t, []EventType{EventConnected, EventToolCallStart, EventComplete}, typesOf(evB))
	assert.Equal(t, map[string]string{"sessionId": "s1"}, evA[0].Payload)

	for _, evs := range [][]Event{evA, evB} {
		for i := 1; i < len(evs); i++ {
			assert.Greater(t, evs[i].Sequence, evs[i-1].Sequence)
		}
	}
}

func TestSession_ConcurrentPublishersStrictlyIncreasing(t *testing.T) {
	s := NewSession("s2", 0, 1024, nil)
	sub, err := s.Subscribe(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Publish(EventToolCallComplete, i)
			}
		}()
	}
	wg.Wait()
	s.Close()

	events := drain(t, sub)
	require.Len(t, events, 401)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func TestSession_DisconnectRemovesSubscriber(t *testing.T) {
	s := NewSession("s3", 0, 16, nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Subscribers())

	cancel()
	events := drain(t, sub)
	assert.Len(t, events, 1)
	assert.False(t, sub.Dropped())
	assert.Equal(t, 0, s.Subscribers())

	// Producers keep going after the consumer left.
	ev := s.Publish(EventThinking, nil)
	assert.NotZero(t, ev.Sequence)
}

func TestSession_SlowSubscriberDropped(t *testing.T) {
	s := NewSession("s4", 0, 2, nil)
	defer s.Close()

	slow, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	fast, err := s.Subscribe(context.Background())
	require.NoError(t, err)

	var fastEvents []Event
	for i := 0; i < 5; i++ {
		s.Publish(EventThinking, i)
		for len(fast.Events()) > 0 {
			fastEvents = append(fastEvents, <-fast.Events())
		}
	}

	events := drain(t, slow)
	assert.True(t, slow.Dropped())
	assert.Len(t, events, 2)
	assert.Equal(t, 1, s.Subscribers())
	assert.Len(t, fastEvents, 6)
}

func TestSession_Heartbeat(t *testing.T) {
	s := NewSession("s5", 10*time.Millisecond, 16, nil)
	sub, err := s.Subscribe(context.Background())
	require.NoError(t, err)

	<-sub.Events() // connected
	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventHeartbeat, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
	s.Close()
	drain(t, sub)
}

func TestSession_Closed(t *testing.T) {
	s := NewSession("s6", 0, 16, nil)
	s.Close()
	s.Close()

	_, err := s.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)

	ev := s.Publish(EventComplete, nil)
	assert.Zero(t, ev.Sequence)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestHub(t *testing.T) {
	hub := NewHub(0, 8, nil)
	defer hub.Shutdown()

	s, err := hub.Open("a")
	require.NoError(t, err)
	assert.Equal(t, "a", s.ID())

	_, err = hub.Open("a")
	assert.True(t, errdefs.IsValidation(err))

	got, err := hub.Get("a")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = hub.Get("missing")
	assert.True(t, errdefs.IsNotFound(err))

	sub, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	hub.Close("a")
	hub.Close("a")
	assert.Len(t, drain(t, sub), 1)
	assert.Equal(t, 0, hub.Len())

	_, err = hub.Open("b")
	require.NoError(t, err)
	_, err = hub.Open("c")
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Len())
	hub.Shutdown()
	assert.Equal(t, 0, hub.Len())
}

func TestSessionsAreIsolated(t *testing.T) {
	hub := NewHub(0, 8, nil)
	defer hub.Shutdown()

	a, _ := hub.Open("a")
	b, _ := hub.Open("b")
	subB, err := b.Subscribe(context.Background())
	require.NoError(t, err)

	a.Publish(EventComplete, "for a")
	hub.Close("b")

	events := drain(t, subB)
	require.Len(t, events, 1)
	assert.Equal(t, EventConnected, events[0].Type)
}

func TestRecorderAndTee(t *testing.T) {
	var r1, r2 Recorder
	pub := Tee(&r1, &r2, Discard)

	ev := pub.Publish(EventThinking, 1)
	pub.Publish(EventComplete, 2)

	assert.Equal(t, uint64(1), ev.Sequence)
	assert.Equal(t, []EventType{EventThinking, EventComplete}, r1.Types())
	assert.Equal(t, r1.Types(), r2.Types())
	assert.Len(t, r1.Events(), 2)
	assert.True(t, EventComplete.Terminal())
	assert.True(t, EventError.Terminal())
	assert.False(t, EventHeartbeat.Terminal())
}
