// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/jeranaias/rigrun-agentd/internal/llm"
	"github.com/jeranaias/rigrun-agentd/internal/router"
	"github.com/jeranaias/rigrun-agentd/internal/storage"
	"github.com/jeranaias/rigrun-agentd/internal/stream"
	"github.com/jeranaias/rigrun-agentd/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// HELPERS
// =============================================================================

// scripted replays responses in order and records every request.
type scripted struct {
	mu        sync.Mutex
	responses []func(req llm.Request) (*llm.Response, error)
	requests  []llm.Request
}

func (s *scripted) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i](req)
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func answer(text string) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: text, FinishReason: "stop"}, nil
	}
}

func request(calls ...llm.ToolRequest) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: calls, FinishReason: "tool_calls"}, nil
	}
}

func call(id, name, args string) llm.ToolRequest {
	return llm.ToolRequest{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// countingTool records executions and answers with its input.
func countingTool(name string, n *atomic.Int32, caps ...string) *tools.ToolDefinition {
	return &tools.ToolDefinition{
		Name:        name,
		Description: "lookup",
		Schema: tools.Schema{Parameters: []tools.Parameter{
			{Name: "q", Type: tools.TypeString},
		}},
		RequiredCapabilities: caps,
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			n.Add(1)
			return map[string]string{"echo": args.String("q", "")}, nil
		},
	}
}

func fullDecision(maxRounds int) router.Decision {
	return router.Decision{
		Strategy:             router.StrategyFull,
		Tier:                 router.TierLarge,
		MaxRounds:            maxRounds,
		MaxToolCallsPerRound: router.UnlimitedToolCalls,
	}
}

func newRegistry(t *testing.T, defs ...*tools.ToolDefinition) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	return reg
}

// =============================================================================
// TESTS
// =============================================================================

func TestRun_DirectAnswer(t *testing.T) {
	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){answer("Paris.")}}
	var n atomic.Int32
	loop := New(model, newRegistry(t, countingTool("lookup", &n)), nil, Config{
		Models: map[router.Tier]string{router.TierFast: "fast-model"},
	}, nil)

	var rec stream.Recorder
	sess := NewSession("s-direct")
	out, err := loop.Run(context.Background(), sess, Query{Text: "capital of France?", Role: "student"},
		router.Decision{Strategy: router.StrategyDirect, Tier: router.TierFast}, &rec)
	require.NoError(t, err)

	assert.Equal(t, "Paris.", out.Answer)
	assert.False(t, out.Incomplete)
	assert.Equal(t, 0, out.Rounds)
	assert.Equal(t, StatusDone, sess.Status())
	assert.Equal(t, []stream.EventType{stream.EventThinking, stream.EventComplete}, rec.Types())

	require.Len(t, model.requests, 1)
	req := model.requests[0]
	assert.Equal(t, "fast-model", req.Model)
	assert.Empty(t, req.Tools)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, DefaultDirectPrompt)
	assert.Contains(t, req.Messages[0].Content, "student")
	assert.Equal(t, llm.UserMessage("capital of France?"), req.Messages[len(req.Messages)-1])
}

func TestRun_UnknownToolFedBack(t *testing.T) {
	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){
		request(call("c1", "nonexistent_tool", `{}`)),
		answer("I could not use that tool, but here is my answer."),
	}}
	var n atomic.Int32
	loop := New(model, newRegistry(t, countingTool("lookup", &n)), nil, Config{}, nil)

	var rec stream.Recorder
	sess := NewSession("s-unknown")
	out, err := loop.Run(context.Background(), sess, Query{Text: "q"}, fullDecision(5), &rec)
	require.NoError(t, err)

	assert.Equal(t, StatusDone, sess.Status())
	assert.Equal(t, 1, out.Rounds)
	assert.Equal(t, "I could not use that tool, but here is my answer.", out.Answer)

	// Second request carries the error-shaped result for c1.
	require.Equal(t, 2, model.calls())
	msgs := model.requests[1].Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)

	var res tools.Result
	require.NoError(t, json.Unmarshal([]byte(last.Content), &res))
	assert.Equal(t, tools.StatusError, res.Status)
	assert.Equal(t, "not_found", res.ErrorType)
	assert.Contains(t, res.Message, "lookup")

	assert.Equal(t, []stream.EventType{
		stream.EventThinking,
		stream.EventToolCallStart,
		stream.EventToolCallError,
		stream.EventIntegrating,
		stream.EventThinking,
		stream.EventComplete,
	}, rec.Types())

	snap := sess.snapshot()
	require.Len(t, snap.Rounds, 1)
	require.Len(t, snap.Rounds[0].ToolCalls, 1)
	assert.Equal(t, tools.StatusError, snap.Rounds[0].ToolCalls[0].Status)
}

func TestRun_RoundLimitYieldsIncomplete(t *testing.T) {
	var counter int
	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			counter++
			return &llm.Response{ToolCalls: []llm.ToolRequest{call(fmt.Sprintf("c%d", counter), "lookup", `{"q":"x"}`)}}, nil
		},
	}}
	var n atomic.Int32
	loop := New(model, newRegistry(t, countingTool("lookup", &n)), nil, Config{}, nil)

	var rec stream.Recorder
	sess := NewSession("s-limit")
	out, err := loop.Run(context.Background(), sess, Query{Text: "q"}, fullDecision(3), &rec)
	require.NoError(t, err)

	assert.True(t, out.Incomplete)
	assert.Equal(t, 3, out.Rounds)
	assert.Equal(t, 4, model.calls())
	assert.Equal(t, int32(3), n.Load())
	assert.Equal(t, StatusDone, sess.Status())
	assert.NotEmpty(t, out.Answer)
	assert.Contains(t, out.Answer, "lookup")

	// The last request is made without tools.
	assert.Empty(t, model.requests[3].Tools)
	assert.NotEmpty(t, model.requests[2].Tools)

	events := rec.Events()
	final := events[len(events)-1]
	assert.Equal(t, stream.EventComplete, final.Type)
	assert.True(t, final.Payload.(*Outcome).Incomplete)
}

func TestRun_RoundLimitTextAnswerIsIncomplete(t *testing.T) {
	var counter int
	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){
		func(req llm.Request) (*llm.Response, error) {
			if len(req.Tools) == 0 {
				return &llm.Response{Content: "best effort summary", FinishReason: "stop"}, nil
			}
			counter++
			return &llm.Response{ToolCalls: []llm.ToolRequest{call(fmt.Sprintf("c%d", counter), "lookup", `{"q":"x"}`)}}, nil
		},
	}}
	var n atomic.Int32
	loop := New(model, newRegistry(t, countingTool("lookup", &n)), nil, Config{}, nil)

	var rec stream.Recorder
	out, err := loop.Run(context.Background(), NewSession("s-text"), Query{Text: "q"}, fullDecision(3), &rec)
	require.NoError(t, err)

	assert.Equal(t, 3, out.Rounds)
	assert.Equal(t, 4, model.calls())
	assert.True(t, out.Incomplete)
	assert.Equal(t, "best effort summary", out.Answer)
	assert.True(t, rec.Events()[len(rec.Events())-1].Payload.(*Outcome).Incomplete)
}

func TestRun_AnswerWithinBudgetIsComplete(t *testing.T) {
	var n atomic.Int32
	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){
		request(call("c1", "lookup", `{"q":"x"}`)),
		answer("done"),
	}}
	loop := New(model, newRegistry(t, countingTool("lookup", &n)), nil, Config{}, nil)

	out, err := loop.Run(context.Background(), NewSession("s-ok"), Query{Text: "q"}, fullDecision(3), nil)
	require.NoError(t, err)
	assert.False(t, out.Incomplete)
	assert.Equal(t, "done", out.Answer)
}

func TestRun_NeverExceedsMaxRounds(t *testing.T) {
	for _, maxRounds := range []int{1, 2, 5} {
		t.Run(fmt.Sprint(maxRounds), func(t *testing.T) {
			model := &scripted{responses: []func(llm.Request) (*llm.Response, error){
				request(call("", "lookup", `{}`), call("", "lookup", `{}`)),
			}}
			var n atomic.Int32
			loop := New(model, newRegistry(t, countingTool("lookup", &n)), nil, Config{}, nil)

			sess := NewSession("s")
			out, err := loop.Run(context.Background(), sess, Query{Text: "q"}, fullDecision(maxRounds), nil)
			require.NoError(t, err)
			assert.Equal(t, maxRounds, out.Rounds)
			assert.LessOrEqual(t, model.calls(), maxRounds+1)
			assert.Equal(t, int32(2*maxRounds), n.Load())
		})
	}
}

func TestRun_ToolFailuresDoNotFailSession(t *testing.T) {
	failing := &tools.ToolDefinition{
		Name:    "flaky",
		Handler: func(context.Context, tools.Args) (any, error) { return nil, errors.New("backend down") },
	}
	panicking := &tools.ToolDefinition{
		Name:    "broken",
		Handler: func(context.Context, tools.Args) (any, error) { panic("boom") },
	}
	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){
		request(call("a", "flaky", `{}`), call("b", "broken", `{}`), call("c", "flaky", `{"unexpected":`)),
		answer("done anyway"),
	}}
	loop := New(model, newRegistry(t, failing, panicking), nil, Config{}, nil)

	var rec stream.Recorder
	sess := NewSession("s-fail")
	out, err := loop.Run(context.Background(), sess, Query{Text: "q"}, fullDecision(3), &rec)
	require.NoError(t, err)
	assert.Equal(t, "done anyway", out.Answer)
	assert.Equal(t, StatusDone, sess.Status())

	msgs := model.requests[1].Messages
	toolMsgs := msgs[len(msgs)-3:]
	kinds := make([]string, 0, 3)
	for i, m := range toolMsgs {
		assert.Equal(t, []string{"a", "b", "c"}[i], m.ToolCallID)
		var res tools.Result
		require.NoError(t, json.Unmarshal([]byte(m.Content), &res))
		kinds = append(kinds, res.ErrorType)
	}
	assert.Equal(t, []string{"tool_execution_error", "tool_execution_error", "validation_error"}, kinds)

	var errorEvents int
	for _, typ := range rec.Types() {
		if typ == stream.EventToolCallError {
			errorEvents++
		}
		assert.NotEqual(t, stream.EventError, typ)
	}
	assert.Equal(t, 3, errorEvents)
}

func TestRun_ProviderFailure(t *testing.T) {
	model := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return nil, errdefs.FatalProvider("llm.Complete", errors.New("503 after retries"))
	})
	loop := New(model, nil, nil, Config{}, nil)

	var rec stream.Recorder
	sess := NewSession("s-provider")
	_, err := loop.Run(context.Background(), sess, Query{Text: "q"}, fullDecision(2), &rec)
	require.Error(t, err)
	assert.True(t, errdefs.IsFatalProvider(err))
	assert.Equal(t, StatusFailed, sess.Status())

	events := rec.Events()
	final := events[len(events)-1]
	assert.Equal(t, stream.EventError, final.Type)
	assert.Equal(t, "fatal_provider_error", final.Payload.(stream.ErrorPayload).Type)

	snap := sess.snapshot()
	assert.Equal(t, "fatal_provider_error", snap.ErrorType)
	assert.False(t, sess.FinishedAt().IsZero())
}

func TestRun_UnclassifiedProviderErrorIsFatal(t *testing.T) {
	model := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return nil, errors.New("weird")
	})
	loop := New(model, nil, nil, Config{}, nil)
	sess := NewSession("s")
	_, err := loop.Run(context.Background(), sess, Query{Text: "q"}, fullDecision(1), nil)
	assert.True(t, errdefs.IsFatalProvider(err))
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	slow := &tools.ToolDefinition{
		Name: "slow",
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			close(release)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){
		request(call("a", "slow", `{}`)),
		answer("unreachable"),
	}}
	loop := New(model, newRegistry(t, slow), nil, Config{}, nil)

	go func() {
		<-release
		cancel()
	}()

	var rec stream.Recorder
	sess := NewSession("s-cancel")
	out, err := loop.Run(ctx, sess, Query{Text: "q"}, fullDecision(3), &rec)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)
	assert.Equal(t, StatusAborted, sess.Status())
	assert.Equal(t, 1, model.calls())

	events := rec.Events()
	final := events[len(events)-1]
	assert.Equal(t, stream.EventError, final.Type)
	assert.Equal(t, "aborted", final.Payload.(stream.ErrorPayload).Type)
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){answer("x")}}
	loop := New(model, nil, nil, Config{}, nil)

	sess := NewSession("s")
	_, err := loop.Run(ctx, sess, Query{Text: "q"}, fullDecision(1), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusAborted, sess.Status())
	assert.Equal(t, 0, model.calls())
}

func TestRun_CallAcceptance(t *testing.T) {
	tests := []struct {
		name     string
		decision router.Decision
		calls    []llm.ToolRequest
		wantIDs  int
		wantExec int32
	}{
		{
			name:     "duplicate ids dropped",
			decision: fullDecision(2),
			calls:    []llm.ToolRequest{call("x", "lookup", `{}`), call("x", "lookup", `{}`), call("y", "lookup", `{}`)},
			wantIDs:  2,
			wantExec: 2,
		},
		{
			name:     "empty ids assigned",
			decision: fullDecision(2),
			calls:    []llm.ToolRequest{call("", "lookup", `{}`), call("", "lookup", `{}`)},
			wantIDs:  2,
			wantExec: 2,
		},
		{
			name: "single tool cap",
			decision: router.Decision{
				Strategy: router.StrategySingleTool, Tier: router.TierStandard,
				MaxRounds: 1, MaxToolCallsPerRound: 1,
			},
			calls:    []llm.ToolRequest{call("a", "lookup", `{}`), call("b", "lookup", `{}`)},
			wantIDs:  1,
			wantExec: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scripted{responses: []func(llm.Request) (*llm.Response, error){
				request(tt.calls...),
				answer("ok"),
			}}
			var n atomic.Int32
			loop := New(model, newRegistry(t, countingTool("lookup", &n)), nil, Config{}, nil)

			sess := NewSession("s")
			out, err := loop.Run(context.Background(), sess, Query{Text: "q"}, tt.decision, nil)
			require.NoError(t, err)
			assert.Equal(t, "ok", out.Answer)
			assert.Equal(t, tt.wantExec, n.Load())

			snap := sess.snapshot()
			require.Len(t, snap.Rounds, 1)
			ids := map[string]bool{}
			for _, c := range snap.Rounds[0].ToolCalls {
				assert.NotEmpty(t, c.ID)
				assert.Equal(t, tools.StatusSuccess, c.Status)
				ids[c.ID] = true
			}
			assert.Len(t, ids, tt.wantIDs)
		})
	}
}

func TestRun_DeniedCapabilityNotOffered(t *testing.T) {
	var web, local atomic.Int32
	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){
		request(call("a", "web_lookup", `{}`)),
		answer("ok"),
	}}
	loop := New(model, newRegistry(t,
		countingTool("web_lookup", &web, tools.CapabilityWeb),
		countingTool("local_lookup", &local),
	), nil, Config{}, nil)

	d := fullDecision(2)
	d.DeniedCapabilities = []string{tools.CapabilityWeb}

	sess := NewSession("s")
	_, err := loop.Run(context.Background(), sess, Query{Text: "q"}, d, nil)
	require.NoError(t, err)

	offered := model.requests[0].Tools
	require.Len(t, offered, 1)
	assert.Equal(t, "local_lookup", offered[0].Name)
	assert.Equal(t, int32(0), web.Load())

	c := sess.snapshot().Rounds[0].ToolCalls[0]
	assert.Equal(t, "not_found", c.Result.ErrorType)
}

func TestRun_ConcurrencyCap(t *testing.T) {
	var inflight, peak atomic.Int32
	slow := &tools.ToolDefinition{
		Name: "slow",
		Handler: func(ctx context.Context, args tools.Args) (any, error) {
			cur := inflight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inflight.Add(-1)
			return "ok", nil
		},
	}
	var reqs []llm.ToolRequest
	for i := 0; i < 8; i++ {
		reqs = append(reqs, call(fmt.Sprintf("c%d", i), "slow", `{}`))
	}
	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){request(reqs...), answer("ok")}}
	loop := New(model, newRegistry(t, slow), nil, Config{ToolConcurrency: 2}, nil)

	_, err := loop.Run(context.Background(), NewSession("s"), Query{Text: "q"}, fullDecision(2), nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	// Results stay in request order regardless of completion order.
	msgs := model.requests[1].Messages
	for i, m := range msgs[len(msgs)-8:] {
		assert.Equal(t, fmt.Sprintf("c%d", i), m.ToolCallID)
	}
}

func TestRun_PersistsConversation(t *testing.T) {
	ctx := context.Background()
	store, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(ctx, storage.Message{ConversationID: "conv", Role: "user", Content: "earlier question"}))
	require.NoError(t, store.Append(ctx, storage.Message{ConversationID: "conv", Role: "assistant", Content: "earlier answer"}))

	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){answer("new answer")}}
	loop := New(model, nil, store, Config{}, nil)

	_, err = loop.Run(ctx, NewSession("s"), Query{Text: "follow-up", UserID: "u1", ConversationID: "conv", MemorySnapshot: "likes Go"},
		router.Decision{Strategy: router.StrategyDirect, Tier: router.TierFast}, nil)
	require.NoError(t, err)

	msgs := model.requests[0].Messages
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[0].Content, "likes Go")
	assert.Equal(t, "earlier question", msgs[1].Content)
	assert.Equal(t, "earlier answer", msgs[2].Content)
	assert.Equal(t, "follow-up", msgs[3].Content)

	history, err := store.Recent(ctx, "conv", 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "follow-up", history[2].Content)
	assert.Equal(t, "u1", history[2].UserID)
	assert.Equal(t, "new answer", history[3].Content)
	assert.Equal(t, "assistant", history[3].Role)
}

func TestRun_PanicFailsSession(t *testing.T) {
	model := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		panic("model exploded")
	})
	loop := New(model, nil, nil, Config{}, nil)

	var rec stream.Recorder
	sess := NewSession("s")
	_, err := loop.Run(context.Background(), sess, Query{Text: "q"}, fullDecision(1), &rec)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, sess.Status())
	assert.Equal(t, stream.EventError, rec.Types()[len(rec.Types())-1])
}

func TestRun_SessionReuseRejected(t *testing.T) {
	model := &scripted{responses: []func(llm.Request) (*llm.Response, error){answer("x")}}
	loop := New(model, nil, nil, Config{}, nil)
	sess := NewSession("s")
	d := router.Decision{Strategy: router.StrategyDirect}

	_, err := loop.Run(context.Background(), sess, Query{Text: "q"}, d, nil)
	require.NoError(t, err)
	_, err = loop.Run(context.Background(), sess, Query{Text: "q"}, d, nil)
	assert.True(t, errdefs.IsValidation(err))
}

func TestRun_SecondRunOnLiveSessionRejected(t *testing.T) {
	release := make(chan struct{})
	model := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		<-release
		return &llm.Response{Content: "first"}, nil
	})
	loop := New(model, nil, nil, Config{}, nil)
	sess := NewSession("s-live")
	d := router.Decision{Strategy: router.StrategyDirect}

	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(context.Background(), sess, Query{Text: "q"}, d, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return sess.Status() == StatusAwaitingModel }, time.Second, time.Millisecond)

	_, err := loop.Run(context.Background(), sess, Query{Text: "q"}, d, nil)
	assert.True(t, errdefs.IsValidation(err))
	assert.Equal(t, StatusAwaitingModel, sess.Status())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StatusDone, sess.Status())
}
