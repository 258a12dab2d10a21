// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"sync"
	"time"
)

// EventType names a progress event.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventThinking         EventType = "thinking"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallComplete EventType = "tool_call_complete"
	EventToolCallError    EventType = "tool_call_error"
	EventIntegrating      EventType = "integrating"
	EventComplete         EventType = "complete"
	EventError            EventType = "error"
	EventHeartbeat        EventType = "heartbeat"
)

// Terminal reports whether t ends a stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one progress event. Sequence numbers are assigned by the
// session and increase strictly.
type Event struct {
	Type      EventType `json:"type"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Publisher receives events from producers.
type Publisher interface {
	Publish(t EventType, payload any) Event
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(t EventType, payload any) Event {
	return Event{Type: t, Timestamp: time.Now(), Payload: payload}
}

// Recorder is a Publisher that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
}

// Publish records an event.
func (r *Recorder) Publish(t EventType, payload any) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev := Event{Type: t, Sequence: r.seq, Timestamp: time.Now(), Payload: payload}
	r.events = append(r.events, ev)
	return ev
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

// Tee publishes to every publisher and returns the first one's event.
func Tee(pubs ...Publisher) Publisher {
	return tee(pubs)
}

type tee []Publisher

func (t tee) Publish(typ EventType, payload any) Event {
	var first Event
	for i, p := range t {
		ev := p.Publish(typ, payload)
		if i == 0 {
			first = ev
		}
	}
	return first
}
