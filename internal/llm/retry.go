// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"go.uber.org/zap"
)

// Retry defaults.
const (
	DefaultAttemptTimeout = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 10 * time.Second
)

// RetryPolicy bounds retries. MaxRetries counts attempts after the first.
type RetryPolicy struct {
	AttemptTimeout time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// DefaultRetryPolicy returns the standard policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		AttemptTimeout: DefaultAttemptTimeout,
		MaxRetries:     DefaultMaxRetries,
		BaseDelay:      DefaultRetryBaseDelay,
		MaxDelay:       DefaultRetryMaxDelay,
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// base, 2*base, 4*base, ... capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := p.BaseDelay * time.Duration(1<<uint(shift))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// RetryableClient wraps a ModelClient with a per-attempt timeout and retries
// on transient failures. Errors it returns are the caller's context error,
// an unretried NotFound/Validation error from the inner client, or an errdefs
// FatalProvider wrapping a *ProviderError.
type RetryableClient struct {
	inner  ModelClient
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetryableClient wraps inner.
func NewRetryableClient(inner ModelClient, policy RetryPolicy, logger *zap.Logger) *RetryableClient {
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = DefaultAttemptTimeout
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryableClient{inner: inner, policy: policy, logger: logger}
}

// Complete calls the wrapped client, retrying timeout, transport, and
// retryable HTTP status failures. Caller cancellation is never retried.
func (c *RetryableClient) Complete(ctx context.Context, req Request) (*Response, error) {
	const op = "llm.Complete"
	var last *ProviderError

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.policy.Backoff(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
		resp, err := c.inner.Complete(attemptCtx, req)
		cancel()

		if err == nil {
			if resp.Duration == 0 {
				resp.Duration = time.Since(start)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Misconfiguration (unknown model, bad request shape) cannot heal.
		if errdefs.IsNotFound(err) || errdefs.IsValidation(err) {
			return nil, err
		}

		last = Classify(err)
		last.Attempts = attempt + 1

		if !last.Retryable() {
			c.logger.Warn("model call failed, not retryable",
				zap.String("model", req.Model),
				zap.String("class", string(last.Class)),
				zap.Int("status", last.StatusCode),
				zap.Error(err))
			return nil, errdefs.FatalProvider(op, last)
		}

		c.logger.Warn("model call failed, retrying",
			zap.String("model", req.Model),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.policy.MaxRetries+1),
			zap.String("class", string(last.Class)),
			zap.Error(err))
	}

	return nil, errdefs.FatalProvider(op, last)
}
