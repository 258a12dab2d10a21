// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/jeranaias/rigrun-agentd/internal/llm"
	"github.com/jeranaias/rigrun-agentd/internal/logging"
	"github.com/jeranaias/rigrun-agentd/internal/router"
	"github.com/jeranaias/rigrun-agentd/internal/storage"
	"github.com/jeranaias/rigrun-agentd/internal/stream"
	"github.com/jeranaias/rigrun-agentd/internal/tools"
	"github.com/jeranaias/rigrun-agentd/internal/util"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	// DefaultToolConcurrency caps in-flight tool calls per session.
	DefaultToolConcurrency = 4

	// DefaultHistoryLimit is how many stored messages precede the query.
	DefaultHistoryLimit = 10
)

// Default system prompts per strategy.
const (
	DefaultDirectPrompt = "You are a helpful assistant. Answer the user's question directly and concisely."
	DefaultSinglePrompt = "You are a helpful assistant with access to tools. If one tool call would make the answer more accurate, make it; otherwise answer directly."
	DefaultFullPrompt   = "You are an expert analyst with access to tools. Break the task into steps, call tools as needed, reconcile their results, and finish with a complete, well-structured answer."
)

// Config tunes the loop.
type Config struct {
	// ToolConcurrency caps concurrent tool calls within one round.
	ToolConcurrency int

	// Prompts maps each strategy to its system prompt.
	Prompts map[router.Strategy]string

	// Models maps each tier to a model name known to the provider client.
	Models map[router.Tier]string

	// HistoryLimit bounds stored messages loaded before the query.
	HistoryLimit int

	MaxTokens   int
	Temperature float64
}

func (c Config) withDefaults() Config {
	if c.ToolConcurrency <= 0 {
		c.ToolConcurrency = DefaultToolConcurrency
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	prompts := map[router.Strategy]string{
		router.StrategyDirect:     DefaultDirectPrompt,
		router.StrategySingleTool: DefaultSinglePrompt,
		router.StrategyFull:       DefaultFullPrompt,
	}
	for k, v := range c.Prompts {
		if v != "" {
			prompts[k] = v
		}
	}
	c.Prompts = prompts
	return c
}

// =============================================================================
// QUERY AND OUTCOME
// =============================================================================

// Query is an accepted request. It is not modified after acceptance.
type Query struct {
	Text           string
	UserID         string
	ConversationID string
	Role           string
	MemorySnapshot string
}

// Outcome is the result of a finished session.
type Outcome struct {
	SessionID  string          `json:"sessionId"`
	Status     Status          `json:"status"`
	Strategy   router.Strategy `json:"strategy"`
	Answer     string          `json:"answer"`
	Incomplete bool            `json:"incomplete"`
	Rounds     int             `json:"rounds"`
	Duration   time.Duration   `json:"-"`
}

// Event payloads.
type (
	// RoundPayload accompanies thinking and integrating events.
	RoundPayload struct {
		Round int `json:"round"`
	}

	// ToolPayload accompanies tool_call_* events.
	ToolPayload struct {
		Round      int             `json:"round"`
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		Arguments  json.RawMessage `json:"arguments,omitempty"`
		Result     *tools.Result   `json:"result,omitempty"`
		DurationMs int64           `json:"durationMs,omitempty"`
	}
)

// =============================================================================
// LOOP
// =============================================================================

// Loop drives sessions through the model/tool state machine.
type Loop struct {
	model  llm.ModelClient
	tools  *tools.Registry
	store  storage.ConversationStore
	cfg    Config
	logger *zap.Logger
}

// New creates a loop. store may be nil.
func New(model llm.ModelClient, registry *tools.Registry, store storage.ConversationStore, cfg Config, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = tools.NewRegistry(logger)
	}
	return &Loop{
		model:  model,
		tools:  registry,
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// run carries the per-session working state.
type run struct {
	sess     *Session
	query    Query
	decision router.Decision
	pub      stream.Publisher
	log      *zap.Logger

	messages  []llm.Message
	specs     []llm.ToolSpec
	offered   map[string]bool
	lastText  string
	lastCalls []*tools.ToolCall
}

// Run executes the session to a terminal state. It returns an error only
// when the session FAILED or was ABORTED; a round cap yields an incomplete
// outcome. Every path publishes exactly one terminal event.
func (l *Loop) Run(ctx context.Context, sess *Session, q Query, d router.Decision, pub stream.Publisher) (out *Outcome, err error) {
	if pub == nil {
		pub = stream.Discard
	}
	start := time.Now()
	log := logging.FromContext(ctx, l.logger).With(
		zap.String("session_id", sess.ID()),
		zap.String("strategy", string(d.Strategy)))

	if err := sess.start(d.Strategy, d.MaxRounds); err != nil {
		return nil, errdefs.Validation("orchestrator.Run", "%v", err)
	}

	r := &run{sess: sess, query: q, decision: d, pub: pub, log: log}

	defer func() {
		if p := recover(); p != nil {
			log.Error("orchestration panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			out, err = l.fail(r, errdefs.FatalProvider("orchestrator.Run", fmt.Errorf("internal error: %v", p)))
		}
		if out != nil {
			out.Duration = time.Since(start)
		}
	}()

	log.Info("orchestration started",
		zap.Int("max_rounds", d.MaxRounds),
		zap.Int("max_tool_calls_per_round", d.MaxToolCallsPerRound))

	l.prepare(ctx, r)
	l.persist(ctx, r, storage.Message{Role: string(llm.RoleUser), Content: q.Text})

	for {
		if err := ctx.Err(); err != nil {
			return l.abort(r, err)
		}
		if err := sess.transition(StatusAwaitingModel); err != nil {
			return l.fail(r, errdefs.FatalProvider("orchestrator.Run", err))
		}

		round := sess.Rounds() + 1
		pub.Publish(stream.EventThinking, RoundPayload{Round: round})

		req := llm.Request{
			Model:       l.cfg.Models[d.Tier],
			Messages:    r.messages,
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
		}
		// Tools are withheld once the round budget is spent.
		if sess.Rounds() < d.MaxRounds {
			req.Tools = r.specs
		}

		resp, err := l.model.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return l.abort(r, ctx.Err())
			}
			return l.fail(r, err)
		}
		if text := strings.TrimSpace(resp.Content); text != "" {
			r.lastText = text
		}

		calls, requests := l.accept(r, resp.ToolCalls)
		if len(calls) == 0 {
			answer := strings.TrimSpace(resp.Content)
			if answer == "" {
				answer = r.partialAnswer()
			}
			// A full orchestration that spent its round budget answered
			// without being offered tools.
			exhausted := d.Strategy == router.StrategyFull && sess.Rounds() >= d.MaxRounds
			if exhausted {
				log.Info("round limit reached, answered without tools",
					zap.Error(errdefs.SessionLimit("orchestrator.Run", d.MaxRounds)))
			}
			return l.finish(ctx, r, answer, exhausted)
		}

		if sess.Rounds() >= d.MaxRounds {
			log.Info("round limit reached with tool requests pending",
				zap.Error(errdefs.SessionLimit("orchestrator.Run", d.MaxRounds)))
			return l.finish(ctx, r, r.partialAnswer(), true)
		}

		if err := ctx.Err(); err != nil {
			return l.abort(r, err)
		}
		if err := sess.transition(StatusExecutingTools); err != nil {
			return l.fail(r, errdefs.FatalProvider("orchestrator.Run", err))
		}

		r.messages = append(r.messages, llm.AssistantMessage(resp.Content, requests...))
		l.executeBatch(ctx, r, round, calls)

		for _, c := range calls {
			r.messages = append(r.messages, llm.ToolMessage(c.ID, c.Name, c.Result.Content()))
		}
		r.lastCalls = calls

		if err := sess.appendRound(Round{Index: round, ModelMessage: resp.Content, ToolCalls: calls}); err != nil {
			return l.fail(r, errdefs.FatalProvider("orchestrator.Run", err))
		}
		pub.Publish(stream.EventIntegrating, RoundPayload{Round: round})
	}
}

// prepare builds the system prompt, history, and offered tool set.
func (l *Loop) prepare(ctx context.Context, r *run) {
	var sys strings.Builder
	sys.WriteString(l.cfg.Prompts[r.decision.Strategy])
	if r.query.Role != "" {
		sys.WriteString("\n\nThe user's role: ")
		sys.WriteString(r.query.Role)
	}
	if snap := strings.TrimSpace(r.query.MemorySnapshot); snap != "" {
		sys.WriteString("\n\nRelevant context from memory:\n")
		sys.WriteString(snap)
	}
	r.messages = append(r.messages, llm.SystemMessage(sys.String()))

	if l.store != nil && r.query.ConversationID != "" {
		history, err := l.store.Recent(ctx, r.query.ConversationID, l.cfg.HistoryLimit)
		if err != nil {
			r.log.Warn("failed to load conversation history", zap.Error(err))
		}
		for _, m := range history {
			switch llm.Role(m.Role) {
			case llm.RoleUser:
				r.messages = append(r.messages, llm.UserMessage(m.Content))
			case llm.RoleAssistant:
				r.messages = append(r.messages, llm.AssistantMessage(m.Content))
			}
		}
	}
	r.messages = append(r.messages, llm.UserMessage(r.query.Text))

	r.offered = make(map[string]bool)
	if r.decision.UsesTools() {
		for _, def := range l.tools.Available(r.decision.Permits) {
			r.specs = append(r.specs, def.Spec())
			r.offered[def.Name] = true
		}
	}
}

// accept turns model tool requests into pending calls: empty ids are
// assigned, duplicate ids and calls beyond the per-round cap are dropped.
func (l *Loop) accept(r *run, reqs []llm.ToolRequest) ([]*tools.ToolCall, []llm.ToolRequest) {
	seen := make(map[string]bool, len(reqs))
	var calls []*tools.ToolCall
	var kept []llm.ToolRequest

	for _, req := range reqs {
		if req.ID == "" {
			req.ID = "call_" + uuid.NewString()
		}
		if seen[req.ID] {
			r.log.Warn("discarding duplicate tool call id", zap.String("call_id", req.ID), zap.String("tool", req.Name))
			continue
		}
		seen[req.ID] = true

		limit := r.decision.MaxToolCallsPerRound
		if limit != router.UnlimitedToolCalls && len(calls) >= limit {
			r.log.Warn("discarding tool call beyond per-round limit",
				zap.String("call_id", req.ID), zap.String("tool", req.Name), zap.Int("limit", limit))
			continue
		}

		if len(req.Arguments) == 0 {
			req.Arguments = json.RawMessage(`{}`)
		}
		calls = append(calls, tools.NewToolCall(req.ID, req.Name, req.Arguments))
		kept = append(kept, req)
	}
	return calls, kept
}

// executeBatch runs one round's calls concurrently under the per-session
// cap and resolves each exactly once.
func (l *Loop) executeBatch(ctx context.Context, r *run, round int, calls []*tools.ToolCall) {
	pending := make(map[string]*tools.ToolCall, len(calls))
	for _, c := range calls {
		pending[c.ID] = c
	}

	toolCtx := tools.WithConversation(ctx, r.query.ConversationID)
	results := make([]tools.Result, len(calls))

	var g errgroup.Group
	g.SetLimit(l.cfg.ToolConcurrency)
	for i, c := range calls {
		g.Go(func() error {
			r.pub.Publish(stream.EventToolCallStart, ToolPayload{Round: round, ID: c.ID, Name: c.Name, Arguments: c.Arguments})

			var res tools.Result
			if !r.offered[c.Name] && l.tools.Get(c.Name) != nil {
				// Registered but not offered for this request.
				res = tools.Failure(errdefs.NotFound("orchestrator.tool", "tool %q is not available for this request", c.Name))
			} else {
				res = l.tools.Execute(toolCtx, c.Name, c.Arguments)
			}
			results[i] = res

			payload := ToolPayload{Round: round, ID: c.ID, Name: c.Name, Result: &res, DurationMs: res.Duration.Milliseconds()}
			if res.OK() {
				r.pub.Publish(stream.EventToolCallComplete, payload)
			} else {
				r.pub.Publish(stream.EventToolCallError, payload)
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range calls {
		l.resolve(r, pending, c.ID, results[i])
	}
}

// resolve records a result against a pending call. Results for unknown or
// already-resolved ids are discarded.
func (l *Loop) resolve(r *run, pending map[string]*tools.ToolCall, id string, res tools.Result) {
	call, ok := pending[id]
	if !ok {
		r.log.Warn("discarding tool result for unknown call", zap.String("call_id", id))
		return
	}
	if err := call.Resolve(res); err != nil {
		r.log.Warn("discarding tool result", zap.String("call_id", id), zap.Error(err))
		return
	}
	delete(pending, id)
}

// partialAnswer is the last non-empty model text, else a digest of the
// latest tool results.
func (r *run) partialAnswer() string {
	if r.lastText != "" {
		return r.lastText
	}
	if len(r.lastCalls) == 0 {
		return "No answer was produced."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Partial results after %d round(s):", r.sess.Rounds())
	for _, c := range r.lastCalls {
		content := ""
		if c.Result != nil {
			content = c.Result.Content()
		}
		fmt.Fprintf(&b, "\n- %s: %s", c.Name, util.TruncateRunes(content, 500))
	}
	return b.String()
}

// =============================================================================
// TERMINAL STATES
// =============================================================================

func (l *Loop) finish(ctx context.Context, r *run, answer string, incomplete bool) (*Outcome, error) {
	if err := r.sess.complete(answer, incomplete); err != nil {
		return l.fail(r, errdefs.FatalProvider("orchestrator.Run", err))
	}
	l.persist(ctx, r, storage.Message{Role: string(llm.RoleAssistant), Content: answer})

	out := &Outcome{
		SessionID:  r.sess.ID(),
		Status:     StatusDone,
		Strategy:   r.decision.Strategy,
		Answer:     answer,
		Incomplete: incomplete,
		Rounds:     r.sess.Rounds(),
	}
	r.pub.Publish(stream.EventComplete, out)
	r.log.Info("orchestration complete", zap.Int("rounds", out.Rounds), zap.Bool("incomplete", incomplete))
	return out, nil
}

func (l *Loop) fail(r *run, err error) (*Outcome, error) {
	kind := errdefs.KindOf(err)
	if kind == errdefs.KindUnknown {
		kind = errdefs.KindFatalProvider
		err = errdefs.FatalProvider("orchestrator.Run", err)
	}
	r.sess.fail(StatusFailed, kind.String(), err.Error())
	r.pub.Publish(stream.EventError, stream.ErrorPayload{Type: kind.String(), Message: err.Error()})
	r.log.Error("orchestration failed", zap.String("error_type", kind.String()), zap.Error(err))
	return &Outcome{SessionID: r.sess.ID(), Status: StatusFailed, Strategy: r.decision.Strategy, Rounds: r.sess.Rounds()}, err
}

func (l *Loop) abort(r *run, err error) (*Outcome, error) {
	r.sess.fail(StatusAborted, "aborted", err.Error())
	r.pub.Publish(stream.EventError, stream.ErrorPayload{Type: "aborted", Message: err.Error()})
	r.log.Info("orchestration aborted", zap.Error(err))
	return nil, err
}

// persist appends to the conversation store. Failures are logged only.
func (l *Loop) persist(ctx context.Context, r *run, msg storage.Message) {
	if l.store == nil || r.query.ConversationID == "" {
		return
	}
	msg.ConversationID = r.query.ConversationID
	msg.UserID = r.query.UserID
	// Persist even if the request context was cancelled mid-answer.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.store.Append(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("failed to persist message", zap.String("role", msg.Role), zap.Error(err))
	}
}
