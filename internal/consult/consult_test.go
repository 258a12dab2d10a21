// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package consult

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/jeranaias/rigrun-agentd/internal/llm"
	"github.com/jeranaias/rigrun-agentd/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testPersonas() []Persona {
	mk := func(n int, domain string, kw ...string) Persona {
		return Persona{
			ID:           fmt.Sprintf("p%d", n),
			Name:         fmt.Sprintf("persona %d", n),
			Domains:      []string{domain},
			Keywords:     kw,
			SystemPrompt: fmt.Sprintf("you are persona %d", n),
			Capabilities: []string{fmt.Sprintf("skill %d", n)},
		}
	}
	return []Persona{
		mk(1, "data", "enrollment"),
		mk(2, "data", "budget"),
		mk(3, "education", "curriculum"),
		mk(4, "security", "privacy"),
	}
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(testPersonas()...)
	require.NoError(t, err)
	return c
}

// personaModel answers as whichever persona the system prompt names.
type personaModel struct {
	mu        sync.Mutex
	fail      map[string]bool
	aggFail   bool
	aggregate []llm.Request
}

func (m *personaModel) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	sys := req.Messages[0].Content
	if sys == aggregatorPrompt {
		m.mu.Lock()
		m.aggregate = append(m.aggregate, req)
		m.mu.Unlock()
		if m.aggFail {
			return nil, errdefs.FatalProvider("test", errors.New("aggregator down"))
		}
		return &llm.Response{Content: "reconciled advice"}, nil
	}
	id := strings.TrimPrefix(sys, "you are persona ")
	if m.fail[id] {
		return nil, errdefs.FatalProvider("test", errors.New("persona down"))
	}
	return &llm.Response{Content: "advice from persona " + id}, nil
}

func TestCatalog(t *testing.T) {
	c := testCatalog(t)
	assert.Equal(t, 4, c.Len())

	all := c.List("")
	require.Len(t, all, 4)
	assert.Equal(t, Entry{ID: "p1", Name: "persona 1", Capabilities: []string{"skill 1"}, Domain: "data"}, all[0])

	data := c.List("DATA")
	require.Len(t, data, 2)
	assert.Equal(t, "p2", data[1].ID)
	assert.Empty(t, c.List("astronomy"))

	err := c.Add(Persona{ID: "p1", SystemPrompt: "x"})
	assert.ErrorIs(t, err, ErrDuplicatePersona)
	assert.True(t, errdefs.IsValidation(c.Add(Persona{ID: " "})))
	assert.True(t, errdefs.IsValidation(c.Add(Persona{ID: "noprompt"})))

	_, err = c.Get("missing")
	assert.True(t, errdefs.IsNotFound(err))

	builtin, err := DefaultCatalog(Persona{ID: "custom", SystemPrompt: "custom"})
	require.NoError(t, err)
	assert.Equal(t, len(BuiltinPersonas())+1, builtin.Len())
	p, err := builtin.Get("custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", p.Name)
}

func TestCatalog_Select(t *testing.T) {
	c := testCatalog(t)
	ids := func(ps []*Persona) []string {
		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = p.ID
		}
		return out
	}

	tests := []struct {
		name    string
		query   string
		domain  string
		ids     []string
		limit   int
		want    []string
		wantErr func(error) bool
	}{
		{name: "explicit ids", ids: []string{"p3", "p1", "p3"}, limit: 3, want: []string{"p3", "p1"}},
		{name: "explicit capped", ids: []string{"p1", "p2", "p3", "p4"}, limit: 2, want: []string{"p1", "p2"}},
		{name: "unknown id", ids: []string{"p1", "nope"}, limit: 3, wantErr: errdefs.IsNotFound},
		{name: "keywords", query: "Privacy of ENROLLMENT records", limit: 3, want: []string{"p1", "p4"}},
		{name: "domain", query: "anything", domain: "data", limit: 3, want: []string{"p1", "p2"}},
		{name: "domain with keyword", query: "budget review", domain: "data", limit: 3, want: []string{"p2"}},
		{name: "no hits uses catalog order", query: "hello", limit: 3, want: []string{"p1", "p2", "p3"}},
		{name: "unknown domain", query: "x", domain: "astronomy", limit: 3, wantErr: errdefs.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Select(tt.query, tt.domain, tt.ids, tt.limit)
			if tt.wantErr != nil {
				assert.True(t, tt.wantErr(err), "unexpected error: %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestConsult_FailedPersonaGetsStub(t *testing.T) {
	model := &personaModel{fail: map[string]bool{"2": true}, aggFail: true}
	orch := New(model, testCatalog(t), Config{MaxPersonas: 3}, nil)

	var rec stream.Recorder
	advice, err := orch.Consult(context.Background(), Request{Query: "q", PersonaIDs: []string{"p1", "p2", "p3"}}, &rec)
	require.NoError(t, err)

	require.Len(t, advice.Opinions, 3)
	assert.True(t, advice.Opinions[0].Available)
	assert.False(t, advice.Opinions[1].Available)
	assert.True(t, advice.Opinions[2].Available)
	assert.Equal(t, "Persona persona 2 unavailable, consider these general capabilities: skill 2.", advice.Opinions[1].Content)

	assert.False(t, advice.Aggregated)
	assert.Contains(t, advice.Advice, "advice from persona 1")
	assert.Contains(t, advice.Advice, "advice from persona 3")
	assert.Contains(t, advice.Advice, "persona 2 unavailable")
	assert.Less(t, strings.Index(advice.Advice, "persona 1"), strings.Index(advice.Advice, "advice from persona 3"))

	types := rec.Types()
	assert.Equal(t, stream.EventComplete, types[len(types)-1])
	assert.Contains(t, types, stream.EventIntegrating)
}

func TestConsult_Aggregates(t *testing.T) {
	model := &personaModel{fail: map[string]bool{"2": true}}
	orch := New(model, testCatalog(t), Config{Model: "large"}, nil)

	advice, err := orch.Consult(context.Background(), Request{Query: "plan the term", PersonaIDs: []string{"p1", "p2", "p3"}}, nil)
	require.NoError(t, err)
	assert.True(t, advice.Aggregated)
	assert.Equal(t, "reconciled advice", advice.Advice)

	require.Len(t, model.aggregate, 1)
	agg := model.aggregate[0]
	assert.Equal(t, "large", agg.Model)
	body := agg.Messages[1].Content
	assert.Contains(t, body, "plan the term")
	assert.Contains(t, body, "advice from persona 1")
	assert.Contains(t, body, "persona 2 unavailable")
	assert.Contains(t, body, "advice from persona 3")
}

func TestConsult_NeverEmpty(t *testing.T) {
	for failing := 0; failing <= 3; failing++ {
		t.Run(fmt.Sprint(failing), func(t *testing.T) {
			fail := map[string]bool{}
			for i := 1; i <= failing; i++ {
				fail[fmt.Sprint(i)] = true
			}
			model := &personaModel{fail: fail, aggFail: true}
			orch := New(model, testCatalog(t), Config{}, nil)

			advice, err := orch.Consult(context.Background(), Request{Query: "q", PersonaIDs: []string{"p1", "p2", "p3"}}, nil)
			require.NoError(t, err)
			assert.NotEmpty(t, strings.TrimSpace(advice.Advice))
			if failing == 3 {
				assert.Empty(t, model.aggregate)
			}
		})
	}
}

func TestConsult_ConcurrencyBound(t *testing.T) {
	var inflight, peak atomic.Int32
	model := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		cur := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return &llm.Response{Content: "ok"}, nil
	})
	orch := New(model, testCatalog(t), Config{MaxPersonas: 4, Concurrency: 2}, nil)

	advice, err := orch.Consult(context.Background(), Request{Query: "hello"}, nil)
	require.NoError(t, err)
	assert.Len(t, advice.Opinions, 4)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestConsult_Errors(t *testing.T) {
	orch := New(&personaModel{}, testCatalog(t), Config{}, nil)

	var rec stream.Recorder
	sess := NewSession("c1", "q")
	_, err := orch.Run(context.Background(), sess, Request{Query: "q", PersonaIDs: []string{"ghost"}}, &rec)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Equal(t, StatusFailed, sess.Status())
	assert.Equal(t, []stream.EventType{stream.EventError}, rec.Types())

	_, err = orch.Consult(context.Background(), Request{Query: "  "}, nil)
	assert.True(t, errdefs.IsValidation(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess = NewSession("c2", "q")
	_, err = orch.Run(ctx, sess, Request{Query: "q"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusAborted, sess.Status())
	assert.True(t, sess.Done())
}

func TestSessionSnapshot(t *testing.T) {
	orch := New(&personaModel{}, testCatalog(t), Config{}, nil)
	sess := NewSession("c3", "curriculum question")
	assert.Equal(t, StatusPending, sess.Status())
	assert.False(t, sess.Done())

	_, err := orch.Run(context.Background(), sess, Request{Query: "curriculum question"}, nil)
	require.NoError(t, err)

	snap := sess.Snapshot().(Snapshot)
	assert.Equal(t, "consultation", snap.Kind)
	assert.Equal(t, StatusDone, snap.Status)
	assert.Equal(t, []string{"p3"}, snap.Personas)
	assert.Equal(t, "reconciled advice", snap.Advice)
	assert.False(t, sess.FinishedAt().IsZero())
}
