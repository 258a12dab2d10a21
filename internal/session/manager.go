// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
)

// =============================================================================
// TRACKED SESSIONS
// =============================================================================

// Tracked is anything the manager can report on and expire.
type Tracked interface {
	ID() string
	// Done reports whether the session reached a terminal state.
	Done() bool
	// FinishedAt is when it did. Zero while running.
	FinishedAt() time.Time
	// Snapshot returns a JSON-serializable copy of the session state.
	Snapshot() any
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// Manager tracks live and recently finished sessions. Finished sessions are
// kept for the TTL so their status stays queryable, then expired.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]Tracked

	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	onExpire func(id string)
}

// Config holds configuration for the session manager.
type Config struct {
	// TTL is how long finished sessions remain queryable (default: 15 minutes)
	TTL time.Duration

	// SweepInterval is how often Run expires sessions (default: TTL/4, at least 1s)
	SweepInterval time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{TTL: 15 * time.Minute}
}

// NewManager creates a new session manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL / 4
		if cfg.SweepInterval < time.Second {
			cfg.SweepInterval = time.Second
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]Tracked),
		ttl:      cfg.TTL,
		interval: cfg.SweepInterval,
		now:      time.Now,
		logger:   logger,
	}
}

// SetExpireCallback sets the function called for each expired session id.
// It runs outside the manager lock.
func (m *Manager) SetExpireCallback(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// TTL returns how long finished sessions are retained.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// =============================================================================
// REGISTRY
// =============================================================================

// Add starts tracking a session. Ids must be unique.
func (m *Manager) Add(s Tracked) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID()]; exists {
		return errdefs.Validation("session.Add", "session %q already exists", s.ID())
	}
	m.sessions[s.ID()] = s
	return nil
}

// Get returns a tracked session.
func (m *Manager) Get(id string) (Tracked, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errdefs.NotFound("session.Get", "unknown session %q", id)
	}
	return s, nil
}

// Snapshot returns the status snapshot of a tracked session.
func (m *Manager) Snapshot(id string) (any, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IDs returns the tracked session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// =============================================================================
// EXPIRY
// =============================================================================

// IsExpired reports whether s finished more than the TTL before now.
func (m *Manager) IsExpired(s Tracked, now time.Time) bool {
	if !s.Done() {
		return false
	}
	finished := s.FinishedAt()
	return !finished.IsZero() && now.Sub(finished) >= m.ttl
}

// Sweep removes expired sessions and returns their ids.
func (m *Manager) Sweep(now time.Time) []string {
	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if m.IsExpired(s, now) {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	onExpire := m.onExpire
	m.mu.Unlock()

	sort.Strings(expired)
	if len(expired) > 0 {
		m.logger.Debug("expired sessions", zap.Int("count", len(expired)))
	}

	// Execute callbacks outside lock
	if onExpire != nil {
		for _, id := range expired {
			onExpire(id)
		}
	}
	return expired
}

// Run sweeps on the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// FormatDuration returns a human-readable duration string.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return strconv.Itoa(int(d.Seconds())) + "s"
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if secs == 0 {
		return strconv.Itoa(mins) + "m"
	}
	return strconv.Itoa(mins) + "m " + strconv.Itoa(secs) + "s"
}
