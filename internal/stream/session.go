// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSessionClosed is returned when subscribing to a closed session.
var ErrSessionClosed = errors.New("stream session closed")

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 64

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// Subscription is one consumer's view of a session.
type Subscription struct {
	events chan Event
	gone   chan struct{}
	once   sync.Once

	// dropped is set when the subscriber was removed for falling behind.
	dropped bool
}

// Events returns the event channel. It is closed when the session closes,
// the subscriber's context ends, or the subscriber falls behind.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped reports whether the subscription ended because its buffer
// overflowed. Valid after Events is closed.
func (s *Subscription) Dropped() bool {
	return s.dropped
}

func (s *Subscription) end() {
	s.once.Do(func() {
		close(s.gone)
		close(s.events)
	})
}

// =============================================================================
// SESSION
// =============================================================================

// Session broadcasts one request's events to its subscribers.
type Session struct {
	id     string
	buffer int
	logger *zap.Logger

	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSession creates a session. A heartbeat > 0 publishes heartbeat events
// on that interval until Close.
func NewSession(id string, heartbeat time.Duration, buffer int, logger *zap.Logger) *Session {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		id:     id,
		buffer: buffer,
		logger: logger.With(zap.String("session_id", id)),
		subs:   make(map[*Subscription]struct{}),
		done:   make(chan struct{}),
	}
	if heartbeat > 0 {
		s.wg.Add(1)
		go s.heartbeat(heartbeat)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) heartbeat(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Publish(EventHeartbeat, nil)
		}
	}
}

// Publish assigns the next sequence number and fans the event out. Events
// published after Close are dropped.
func (s *Session) Publish(t EventType, payload any) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Event{Type: t, Timestamp: time.Now(), Payload: payload}
	}
	s.seq++
	ev := Event{Type: t, Sequence: s.seq, Timestamp: time.Now(), Payload: payload}

	for sub := range s.subs {
		select {
		case sub.events <- ev:
		default:
			sub.dropped = true
			delete(s.subs, sub)
			sub.end()
			s.logger.Warn("dropping slow stream subscriber", zap.Uint64("sequence", ev.Sequence))
		}
	}
	return ev
}

// Subscribe registers a consumer. Its first event is connected. The
// subscription ends when ctx is done.
func (s *Session) Subscribe(ctx context.Context) (*Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}

	sub := &Subscription{
		events: make(chan Event, s.buffer),
		gone:   make(chan struct{}),
	}
	s.seq++
	sub.events <- Event{
		Type:      EventConnected,
		Sequence:  s.seq,
		Timestamp: time.Now(),
		Payload:   map[string]string{"sessionId": s.id},
	}
	s.subs[sub] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.unsubscribe(sub)
		case <-sub.gone:
		}
	}()

	return sub, nil
}

func (s *Session) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		sub.end()
	}
}

// Subscribers returns the number of live subscribers.
func (s *Session) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription and stops the heartbeat. It waits for the
// session's goroutines and is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	close(s.done)
	for sub := range s.subs {
		delete(s.subs, sub)
		sub.end()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
