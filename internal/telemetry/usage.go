// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/llm"
)

// =============================================================================
// USAGE METER
// =============================================================================

// Meter accumulates model call counts and token usage per model name.
// Query content is never recorded.
type Meter struct {
	mu      sync.Mutex
	models  map[string]*ModelUsage
	started time.Time
	now     func() time.Time
}

// ModelUsage is the running total for one model.
type ModelUsage struct {
	Model            string        `json:"model"`
	Calls            int           `json:"calls"`
	Failures         int           `json:"failures"`
	PromptTokens     int           `json:"promptTokens"`
	CompletionTokens int           `json:"completionTokens"`
	TotalLatency     time.Duration `json:"-"`
	AvgLatencyMs     int64         `json:"avgLatencyMs"`
	LastCall         time.Time     `json:"lastCall"`
}

// Report is a point-in-time copy of the meter.
type Report struct {
	Since            time.Time    `json:"since"`
	Calls            int          `json:"calls"`
	Failures         int          `json:"failures"`
	PromptTokens     int          `json:"promptTokens"`
	CompletionTokens int          `json:"completionTokens"`
	Models           []ModelUsage `json:"models"`
}

// NewMeter creates an empty meter.
func NewMeter() *Meter {
	return &Meter{
		models:  make(map[string]*ModelUsage),
		started: time.Now(),
		now:     time.Now,
	}
}

// Record adds one call. A failed call counts toward calls and failures but
// carries no tokens.
func (m *Meter) Record(model string, usage llm.Usage, latency time.Duration, err error) {
	if model == "" {
		model = "default"
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.models[model]
	if !ok {
		u = &ModelUsage{Model: model}
		m.models[model] = u
	}
	u.Calls++
	u.TotalLatency += latency
	u.LastCall = m.now()
	if err != nil {
		u.Failures++
		return
	}
	u.PromptTokens += usage.PromptTokens
	u.CompletionTokens += usage.CompletionTokens
}

// Report returns totals with models sorted by name.
func (m *Meter) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Report{Since: m.started, Models: make([]ModelUsage, 0, len(m.models))}
	for _, u := range m.models {
		c := *u
		if c.Calls > 0 {
			c.AvgLatencyMs = (c.TotalLatency / time.Duration(c.Calls)).Milliseconds()
		}
		r.Models = append(r.Models, c)
		r.Calls += c.Calls
		r.Failures += c.Failures
		r.PromptTokens += c.PromptTokens
		r.CompletionTokens += c.CompletionTokens
	}
	sort.Slice(r.Models, func(i, j int) bool { return r.Models[i].Model < r.Models[j].Model })
	return r
}

// Reset clears every counter.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = make(map[string]*ModelUsage)
	m.started = m.now()
}

// =============================================================================
// METERED CLIENT
// =============================================================================

// Wrap returns a client that records every call made through inner under
// the requested model name.
func (m *Meter) Wrap(inner llm.ModelClient) llm.ModelClient {
	return &meteredClient{inner: inner, meter: m}
}

type meteredClient struct {
	inner llm.ModelClient
	meter *Meter
}

func (c *meteredClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := c.inner.Complete(ctx, req)
	var usage llm.Usage
	if resp != nil {
		usage = resp.Usage
	}
	c.meter.Record(req.Model, usage, time.Since(start), err)
	return resp, err
}
