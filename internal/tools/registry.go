// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/jeranaias/rigrun-agentd/internal/util"
)

const (
	// DefaultToolTimeout bounds a single execution.
	DefaultToolTimeout = 30 * time.Second

	// DefaultMaxOutputBytes bounds the serialized data of a result.
	DefaultMaxOutputBytes = 32 * 1024
)

// ErrDuplicateTool is returned when a name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the name-keyed tool table. It is safe for concurrent use and
// optimized for reads.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDefinition

	timeout        time.Duration
	maxOutputBytes int
	logger         *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:          make(map[string]*ToolDefinition),
		timeout:        DefaultToolTimeout,
		maxOutputBytes: DefaultMaxOutputBytes,
		logger:         logger,
	}
}

// WithTimeout sets the default per-execution timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// WithMaxOutputBytes sets the result size cap.
func (r *Registry) WithMaxOutputBytes(n int) *Registry {
	if n > 0 {
		r.maxOutputBytes = n
	}
	return r
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(def *ToolDefinition) error {
	if def == nil {
		return errdefs.Validation("tools.Register", "nil tool definition")
	}
	if err := def.validate(); err != nil {
		return errdefs.Validation("tools.Register", "%v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Load returns the named tools in the order given. Unknown names produce a
// not-found error listing all of them.
func (r *Registry) Load(names []string) ([]*ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*ToolDefinition, 0, len(names))
	var missing []string
	for _, name := range names {
		def, ok := r.tools[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		defs = append(defs, def)
	}
	if len(missing) > 0 {
		return nil, errdefs.NotFound("tools.Load", "unknown tools: %s", strings.Join(missing, ", "))
	}
	return defs, nil
}

// List returns all tools sorted by name.
func (r *Registry) List() []*ToolDefinition {
	return r.Available(nil)
}

// Available returns the tools whose capabilities satisfy permit, sorted by
// name. A nil permit accepts every tool.
func (r *Registry) Available(permit func(caps []string) bool) []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		if permit == nil || permit(def.RequiredCapabilities) {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	defs := r.List()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// =============================================================================
// EXECUTION
// =============================================================================

type handlerOutcome struct {
	data any
	err  error
}

// Execute runs a tool and always returns a result: unknown tools, invalid
// arguments, handler errors, panics, and timeouts come back error-shaped.
func (r *Registry) Execute(ctx context.Context, name string, raw json.RawMessage) Result {
	start := time.Now()
	result := r.execute(ctx, name, raw)
	result.Duration = time.Since(start)

	if result.OK() {
		r.logger.Debug("tool executed",
			zap.String("tool", name),
			zap.Duration("duration", result.Duration),
			zap.Bool("truncated", result.Truncated))
	} else {
		r.logger.Info("tool failed",
			zap.String("tool", name),
			zap.String("error_type", result.ErrorType),
			zap.String("message", result.Message),
			zap.Duration("duration", result.Duration))
	}
	return result
}

func (r *Registry) execute(ctx context.Context, name string, raw json.RawMessage) Result {
	const op = "tools.Execute"

	def := r.Get(name)
	if def == nil {
		return Failure(errdefs.NotFound(op, "unknown tool %q; available tools: %s", name, strings.Join(r.Names(), ", ")))
	}

	args, err := DecodeArgs(raw)
	if err != nil {
		return Failure(errdefs.Validation(op, "%s: %v", name, err))
	}
	applyDefaults(&def.Schema, args)
	if err := ValidateToolArgs(&def.Schema, args); err != nil {
		return Failure(errdefs.Validation(op, "%s: %v", name, err))
	}

	timeout := r.timeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so a handler that outlives the timeout never blocks.
	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool panicked",
					zap.String("tool", name),
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()))
				done <- handlerOutcome{err: errdefs.ToolExecution(op, fmt.Errorf("%s panicked: %v", name, p))}
			}
		}()
		data, err := def.Handler(ctx, args)
		done <- handlerOutcome{data: data, err: err}
	}()

	var out handlerOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		return Failure(errdefs.ToolExecution(op, fmt.Errorf("%s timed out: %w", name, ctx.Err())))
	}

	if out.err != nil {
		if errdefs.KindOf(out.err) == errdefs.KindUnknown {
			out.err = errdefs.ToolExecution(op, fmt.Errorf("%s: %w", name, out.err))
		}
		return Failure(out.err)
	}
	return r.bounded(Success(out.data))
}

// bounded replaces oversized data with a truncated text rendering.
func (r *Registry) bounded(res Result) Result {
	encoded, err := json.Marshal(res.Data)
	if err != nil {
		return Failure(errdefs.ToolExecution("tools.Execute", fmt.Errorf("result is not serializable: %w", err)))
	}
	if len(encoded) <= r.maxOutputBytes {
		return res
	}
	text := string(encoded)
	if s, ok := res.Data.(string); ok {
		text = s
	}
	// Truncate on a rune boundary within the byte budget.
	runes := 0
	for i := range text {
		if i > r.maxOutputBytes-3 {
			break
		}
		runes++
	}
	res.Data = util.TruncateRunes(text, runes)
	res.Truncated = true
	return res
}
