// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorClass buckets provider failures for retry decisions.
type ErrorClass string

const (
	ClassTimeout    ErrorClass = "timeout"
	ClassTransport  ErrorClass = "transport"
	ClassHTTPStatus ErrorClass = "http_status"
	ClassParse      ErrorClass = "parse"
)

// ProviderError is a classified model provider failure.
type ProviderError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	// Attempts is filled in by RetryableClient.
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Class == ClassHTTPStatus {
		return fmt.Sprintf("provider %s (%d): %s", e.Class, e.StatusCode, msg)
	}
	return fmt.Sprintf("provider %s: %s", e.Class, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *ProviderError) Retryable() bool {
	switch e.Class {
	case ClassTimeout, ClassTransport:
		return true
	case ClassHTTPStatus:
		return e.StatusCode == http.StatusRequestTimeout ||
			e.StatusCode == http.StatusTooManyRequests ||
			e.StatusCode >= 500
	default:
		return false
	}
}

// NewHTTPStatusError builds an http_status ProviderError.
func NewHTTPStatusError(status int, message string) *ProviderError {
	return &ProviderError{Class: ClassHTTPStatus, StatusCode: status, Message: message}
}

// NewParseError builds a parse ProviderError.
func NewParseError(err error) *ProviderError {
	return &ProviderError{Class: ClassParse, Err: err}
}

// Classify converts any client error into a ProviderError. Errors that are
// already classified pass through unchanged.
func Classify(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Class: ClassTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Class: ClassTimeout, Err: err}
	}
	return &ProviderError{Class: ClassTransport, Err: err}
}
