// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errdefs defines the error taxonomy shared by every layer of agentd.
//
// Errors are classified by Kind. Callers test the kind with the Is* helpers,
// which see through fmt.Errorf("%w") wrapping:
//
//	if errdefs.IsNotFound(err) {
//	    writeError(w, http.StatusNotFound, err.Error())
//	}
//
// Tool-level kinds (Validation, NotFound, ToolExecution) are usually turned
// into tool results and fed back to the model. Provider kinds surface as a
// terminal error event. SessionLimit is reported as an incomplete answer.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown Kind = iota
	// KindValidation means malformed input, such as tool arguments that do
	// not match the schema.
	KindValidation
	// KindNotFound means an unknown tool, persona, or session.
	KindNotFound
	// KindTransientProvider is a retryable model provider failure.
	KindTransientProvider
	// KindFatalProvider is a provider failure after retries were exhausted or
	// a deterministic rejection.
	KindFatalProvider
	// KindToolExecution is a tool handler failure.
	KindToolExecution
	// KindSessionLimit means the round cap was reached.
	KindSessionLimit
)

// String returns the snake_case name used in tool results and events.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindTransientProvider:
		return "transient_provider_error"
	case KindFatalProvider:
		return "fatal_provider_error"
	case KindToolExecution:
		return "tool_execution_error"
	case KindSessionLimit:
		return "session_limit_exceeded"
	default:
		return "unknown_error"
	}
}

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Validation returns a KindValidation error.
func Validation(op, format string, args ...any) error {
	return newf(KindValidation, op, format, args...)
}

// NotFound returns a KindNotFound error.
func NotFound(op, format string, args ...any) error {
	return newf(KindNotFound, op, format, args...)
}

// ToolExecution returns a KindToolExecution error.
func ToolExecution(op string, err error) error {
	return &Error{Kind: KindToolExecution, Op: op, Err: err}
}

// TransientProvider wraps err as a KindTransientProvider error.
func TransientProvider(op string, err error) error {
	return &Error{Kind: KindTransientProvider, Op: op, Err: err}
}

// FatalProvider wraps err as a KindFatalProvider error.
func FatalProvider(op string, err error) error {
	return &Error{Kind: KindFatalProvider, Op: op, Err: err}
}

// SessionLimit returns a KindSessionLimit error.
func SessionLimit(op string, maxRounds int) error {
	return newf(KindSessionLimit, op, "round limit of %d reached", maxRounds)
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTransientProvider reports whether err is a retryable provider error.
func IsTransientProvider(err error) bool { return KindOf(err) == KindTransientProvider }

// IsFatalProvider reports whether err is a non-retryable provider error.
func IsFatalProvider(err error) bool { return KindOf(err) == KindFatalProvider }

// IsToolExecution reports whether err is a tool execution failure.
func IsToolExecution(err error) bool { return KindOf(err) == KindToolExecution }

// IsSessionLimit reports whether err reports a reached round cap.
func IsSessionLimit(err error) bool { return KindOf(err) == KindSessionLimit }
