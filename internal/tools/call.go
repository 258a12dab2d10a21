// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
)

// =============================================================================
// RESULT
// =============================================================================

// Status is the outcome recorded on a result or tool call.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the outcome of one tool execution. Its JSON form is the tool
// output shown to the model.
type Result struct {
	Status    Status `json:"status"`
	Data      any    `json:"data,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	// Duration is how long execution took. Not serialized.
	Duration time.Duration `json:"-"`
}

// Success returns a success result carrying data.
func Success(data any) Result {
	return Result{Status: StatusSuccess, Data: data}
}

// Failure converts err into an error-shaped result. Unclassified errors are
// reported as tool execution errors.
func Failure(err error) Result {
	kind := errdefs.KindOf(err)
	if kind == errdefs.KindUnknown {
		kind = errdefs.KindToolExecution
	}
	return Result{Status: StatusError, ErrorType: kind.String(), Message: err.Error()}
}

// OK reports whether the execution succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Content returns the JSON text handed back to the model.
func (r Result) Content() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"status":"error","error_type":"tool_execution_error","message":%q}`, err.Error())
	}
	return string(data)
}

// =============================================================================
// TOOL CALL
// =============================================================================

// ErrAlreadyResolved is returned when a resolved call is resolved again.
var ErrAlreadyResolved = errors.New("tool call already resolved")

// ToolCall is one invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Status    Status          `json:"status"`
	Result    *Result         `json:"result,omitempty"`
}

// NewToolCall returns a pending call.
func NewToolCall(id, name string, args json.RawMessage) *ToolCall {
	return &ToolCall{ID: id, Name: name, Arguments: args, Status: StatusPending}
}

// Pending reports whether the call still awaits its result.
func (c *ToolCall) Pending() bool {
	return c.Status == StatusPending
}

// Resolve records the result. A call moves from pending to success or error
// exactly once.
func (c *ToolCall) Resolve(r Result) error {
	if c.Status != StatusPending {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, c.ID)
	}
	if r.Status != StatusSuccess && r.Status != StatusError {
		return fmt.Errorf("cannot resolve tool call %s with status %q", c.ID, r.Status)
	}
	c.Status = r.Status
	c.Result = &r
	return nil
}
