// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
)

// Hub tracks live sessions by id.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	heartbeat time.Duration
	buffer    int
	logger    *zap.Logger
}

// NewHub creates a hub whose sessions heartbeat on the given interval and
// buffer that many events per subscriber.
func NewHub(heartbeat time.Duration, buffer int, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions:  make(map[string]*Session),
		heartbeat: heartbeat,
		buffer:    buffer,
		logger:    logger,
	}
}

// Open creates the session for id. Ids must be unique among live sessions.
func (h *Hub) Open(id string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[id]; exists {
		return nil, errdefs.Validation("stream.Open", "session %s already open", id)
	}
	s := NewSession(id, h.heartbeat, h.buffer, h.logger)
	h.sessions[id] = s
	return s, nil
}

// Get returns the live session for id.
func (h *Hub) Get(id string) (*Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil, errdefs.NotFound("stream.Get", "no live stream for session %s", id)
	}
	return s, nil
}

// Close closes and forgets the session for id. Unknown ids are ignored.
func (h *Hub) Close(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if n := len(sessions); n > 0 {
		h.logger.Info("closed live streams", zap.Int("count", n))
	}
}
