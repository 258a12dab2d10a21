// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/router"
	"github.com/jeranaias/rigrun-agentd/internal/tools"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the state of an orchestration session.
type Status string

const (
	StatusInit           Status = "INIT"
	StatusAwaitingModel  Status = "AWAITING_MODEL"
	StatusExecutingTools Status = "EXECUTING_TOOLS"
	StatusDone           Status = "DONE"
	StatusFailed         Status = "FAILED"
	StatusAborted        Status = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusAborted
}

var transitions = map[Status][]Status{
	StatusInit:           {StatusAwaitingModel, StatusFailed, StatusAborted},
	StatusAwaitingModel:  {StatusExecutingTools, StatusDone, StatusFailed, StatusAborted},
	StatusExecutingTools: {StatusAwaitingModel, StatusDone, StatusFailed, StatusAborted},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// ROUNDS
// =============================================================================

// Round is one model-call/tool-call cycle. Rounds are never edited once
// appended.
type Round struct {
	Index        int               `json:"index"`
	ModelMessage string            `json:"modelMessage"`
	ToolCalls    []*tools.ToolCall `json:"toolCalls"`
}

func (r Round) clone() Round {
	out := Round{Index: r.Index, ModelMessage: r.ModelMessage, ToolCalls: make([]*tools.ToolCall, len(r.ToolCalls))}
	for i, c := range r.ToolCalls {
		cp := *c
		if c.Result != nil {
			res := *c.Result
			cp.Result = &res
		}
		out.ToolCalls[i] = &cp
	}
	return out
}

// =============================================================================
// SESSION
// =============================================================================

// Session is the state of one orchestrated request. Methods are safe for
// concurrent use; the loop is the only writer.
type Session struct {
	id        string
	createdAt time.Time

	mu          sync.RWMutex
	status      Status
	started     bool
	strategy    router.Strategy
	maxRounds   int
	rounds      []Round
	finalAnswer string
	incomplete  bool
	errMsg      string
	errType     string
	updatedAt   time.Time
	finishedAt  time.Time
}

// NewSession creates a session in INIT.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{id: id, createdAt: now, updatedAt: now, status: StatusInit}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Done reports whether the session reached a terminal state.
func (s *Session) Done() bool {
	return s.Status().Terminal()
}

// FinishedAt returns when the session reached a terminal state.
func (s *Session) FinishedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finishedAt
}

// Rounds returns the number of completed tool rounds.
func (s *Session) Rounds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rounds)
}

func (s *Session) start(strategy router.Strategy, maxRounds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.status != StatusInit {
		return fmt.Errorf("session %s already started (%s)", s.id, s.status)
	}
	s.started = true
	s.strategy = strategy
	s.maxRounds = maxRounds
	return nil
}

func (s *Session) transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.status, to) {
		return fmt.Errorf("invalid transition %s -> %s", s.status, to)
	}
	s.status = to
	s.updatedAt = time.Now()
	if to.Terminal() {
		s.finishedAt = s.updatedAt
	}
	return nil
}

func (s *Session) appendRound(r Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rounds) >= s.maxRounds {
		return fmt.Errorf("round %d exceeds limit of %d", r.Index, s.maxRounds)
	}
	s.rounds = append(s.rounds, r)
	s.updatedAt = time.Now()
	return nil
}

func (s *Session) complete(answer string, incomplete bool) error {
	s.mu.Lock()
	s.finalAnswer = answer
	s.incomplete = incomplete
	s.mu.Unlock()
	return s.transition(StatusDone)
}

func (s *Session) fail(to Status, errType, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A session that already terminated keeps its first outcome.
	if s.status.Terminal() {
		return
	}
	s.errType = errType
	s.errMsg = msg
	s.status = to
	s.updatedAt = time.Now()
	s.finishedAt = s.updatedAt
}

// Snapshot is a point-in-time copy of a session for status queries.
type Snapshot struct {
	SessionID   string          `json:"sessionId"`
	Kind        string          `json:"kind"`
	Status      Status          `json:"status"`
	Strategy    router.Strategy `json:"strategy,omitempty"`
	MaxRounds   int             `json:"maxRounds"`
	Rounds      []Round         `json:"rounds"`
	FinalAnswer string          `json:"finalAnswer,omitempty"`
	Incomplete  bool            `json:"incomplete"`
	ErrorType   string          `json:"errorType,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Snapshot returns a deep copy of the session state.
func (s *Session) Snapshot() any {
	return s.snapshot()
}

func (s *Session) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rounds := make([]Round, len(s.rounds))
	for i, r := range s.rounds {
		rounds[i] = r.clone()
	}
	return Snapshot{
		SessionID:   s.id,
		Kind:        "orchestration",
		Status:      s.status,
		Strategy:    s.strategy,
		MaxRounds:   s.maxRounds,
		Rounds:      rounds,
		FinalAnswer: s.finalAnswer,
		Incomplete:  s.incomplete,
		ErrorType:   s.errType,
		Error:       s.errMsg,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
	}
}
