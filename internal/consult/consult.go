// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package consult

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/jeranaias/rigrun-agentd/internal/llm"
	"github.com/jeranaias/rigrun-agentd/internal/logging"
	"github.com/jeranaias/rigrun-agentd/internal/stream"
)

const (
	// DefaultMaxPersonas caps personas per consultation.
	DefaultMaxPersonas = 3

	// DefaultConcurrency caps in-flight persona calls.
	DefaultConcurrency = 3
)

const aggregatorPrompt = "You are the lead consultant on an expert panel. Reconcile the experts' " +
	"advice into one coherent recommendation organized by sub-topic. Point out where the experts " +
	"disagree, and mention any expert who was unavailable."

// Config tunes the orchestrator.
type Config struct {
	MaxPersonas int
	Concurrency int
	// Model is the model name used for persona and aggregation calls.
	Model     string
	MaxTokens int
}

// Request asks the panel a question.
type Request struct {
	Query      string   `json:"query"`
	Domain     string   `json:"domain,omitempty"`
	PersonaIDs []string `json:"personaIds,omitempty"`
}

// Opinion is one persona's contribution.
type Opinion struct {
	PersonaID string `json:"personaId"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// Advice is the consultation result.
type Advice struct {
	ConsultationID string    `json:"consultationId"`
	Query          string    `json:"query"`
	Opinions       []Opinion `json:"opinions"`
	Advice         string    `json:"advice"`
	// Aggregated is false when the advice is the plain concatenation of
	// opinions because the aggregation call failed.
	Aggregated bool          `json:"aggregated"`
	Duration   time.Duration `json:"-"`
}

// Payloads for progress events.
type (
	PersonaPayload struct {
		PersonaID string `json:"personaId"`
		Name      string `json:"name"`
		Available *bool  `json:"available,omitempty"`
	}

	PhasePayload struct {
		Phase    string   `json:"phase"`
		Personas []string `json:"personas,omitempty"`
	}
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator fans a query out to expert personas and aggregates their
// advice.
type Orchestrator struct {
	model   llm.ModelClient
	catalog *Catalog
	cfg     Config
	logger  *zap.Logger
}

// New creates an orchestrator.
func New(model llm.ModelClient, catalog *Catalog, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxPersonas <= 0 {
		cfg.MaxPersonas = DefaultMaxPersonas
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{model: model, catalog: catalog, cfg: cfg, logger: logger}
}

// Catalog returns the persona catalog.
func (o *Orchestrator) Catalog() *Catalog {
	return o.catalog
}

// Consult runs a consultation in a fresh session.
func (o *Orchestrator) Consult(ctx context.Context, req Request, pub stream.Publisher) (*Advice, error) {
	return o.Run(ctx, NewSession(uuid.NewString(), req.Query), req, pub)
}

// Run executes a consultation in sess. Persona failures are replaced by
// stubs and never fail the consultation; only selection errors,
// cancellation, and panics do.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, req Request, pub stream.Publisher) (advice *Advice, err error) {
	const op = "consult.Run"
	if pub == nil {
		pub = stream.Discard
	}
	start := time.Now()
	log := logging.FromContext(ctx, o.logger).With(zap.String("consultation_id", sess.ID()))

	defer func() {
		if p := recover(); p != nil {
			log.Error("consultation panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = errdefs.FatalProvider(op, fmt.Errorf("internal error: %v", p))
			advice = nil
			sess.fail(StatusFailed, err)
			pub.Publish(stream.EventError, stream.ErrorPayload{Type: errdefs.KindOf(err).String(), Message: err.Error()})
		}
	}()

	if strings.TrimSpace(req.Query) == "" {
		err := errdefs.Validation(op, "query is required")
		sess.fail(StatusFailed, err)
		pub.Publish(stream.EventError, stream.ErrorPayload{Type: errdefs.KindOf(err).String(), Message: err.Error()})
		return nil, err
	}

	personas, err := o.catalog.Select(req.Query, req.Domain, req.PersonaIDs, o.cfg.MaxPersonas)
	if err != nil {
		sess.fail(StatusFailed, err)
		pub.Publish(stream.EventError, stream.ErrorPayload{Type: errdefs.KindOf(err).String(), Message: err.Error()})
		return nil, err
	}

	ids := make([]string, len(personas))
	for i, p := range personas {
		ids[i] = p.ID
	}
	sess.begin(ids)
	log.Info("consultation started", zap.Strings("personas", ids))
	pub.Publish(stream.EventThinking, PhasePayload{Phase: "consulting", Personas: ids})

	opinions := o.gather(ctx, log, req.Query, personas, pub)
	if err := ctx.Err(); err != nil {
		return o.abort(sess, pub, log, err)
	}
	sess.setOpinions(opinions)

	pub.Publish(stream.EventIntegrating, PhasePayload{Phase: "aggregating"})
	text, aggregated := o.aggregate(ctx, log, req.Query, opinions)
	if err := ctx.Err(); err != nil {
		return o.abort(sess, pub, log, err)
	}

	advice = &Advice{
		ConsultationID: sess.ID(),
		Query:          req.Query,
		Opinions:       opinions,
		Advice:         text,
		Aggregated:     aggregated,
		Duration:       time.Since(start),
	}
	sess.complete(advice)
	pub.Publish(stream.EventComplete, advice)
	log.Info("consultation complete",
		zap.Int("personas", len(opinions)),
		zap.Bool("aggregated", aggregated),
		zap.Duration("duration", advice.Duration))
	return advice, nil
}

// gather asks every persona concurrently. Results keep selection order.
func (o *Orchestrator) gather(ctx context.Context, log *zap.Logger, query string, personas []*Persona, pub stream.Publisher) []Opinion {
	opinions := make([]Opinion, len(personas))

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, p := range personas {
		g.Go(func() error {
			pub.Publish(stream.EventThinking, PersonaPayload{PersonaID: p.ID, Name: p.Name})
			opinions[i] = o.ask(ctx, log, query, p)
			available := opinions[i].Available
			pub.Publish(stream.EventThinking, PersonaPayload{PersonaID: p.ID, Name: p.Name, Available: &available})
			return nil
		})
	}
	_ = g.Wait()
	return opinions
}

func (o *Orchestrator) ask(ctx context.Context, log *zap.Logger, query string, p *Persona) (op Opinion) {
	op = Opinion{PersonaID: p.ID, Name: p.Name}
	defer func() {
		if r := recover(); r != nil {
			log.Error("persona call panicked", zap.String("persona", p.ID), zap.Any("panic", r))
			op = unavailable(p, fmt.Errorf("panic: %v", r))
		}
	}()

	resp, err := o.model.Complete(ctx, llm.Request{
		Model:     o.cfg.Model,
		MaxTokens: o.cfg.MaxTokens,
		Messages: []llm.Message{
			llm.SystemMessage(p.SystemPrompt),
			llm.UserMessage(query),
		},
	})
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = fmt.Errorf("empty response")
	}
	if err != nil {
		log.Warn("persona unavailable", zap.String("persona", p.ID), zap.Error(err))
		return unavailable(p, err)
	}
	op.Content = strings.TrimSpace(resp.Content)
	op.Available = true
	return op
}

func unavailable(p *Persona, err error) Opinion {
	caps := "general analysis"
	if len(p.Capabilities) > 0 {
		caps = strings.Join(p.Capabilities, ", ")
	}
	return Opinion{
		PersonaID: p.ID,
		Name:      p.Name,
		Content:   fmt.Sprintf("Persona %s unavailable, consider these general capabilities: %s.", p.Name, caps),
		Error:     err.Error(),
	}
}

// aggregate reconciles opinions with one model call, falling back to the
// deterministic concatenation.
func (o *Orchestrator) aggregate(ctx context.Context, log *zap.Logger, query string, opinions []Opinion) (string, bool) {
	fallback := Concatenate(opinions)

	var available int
	for _, op := range opinions {
		if op.Available {
			available++
		}
	}
	if available == 0 {
		return fallback, false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nExpert advice:\n\n%s", query, fallback)

	resp, err := o.model.Complete(ctx, llm.Request{
		Model:     o.cfg.Model,
		MaxTokens: o.cfg.MaxTokens,
		Messages: []llm.Message{
			llm.SystemMessage(aggregatorPrompt),
			llm.UserMessage(b.String()),
		},
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		log.Warn("aggregation failed, returning concatenated advice", zap.Error(err))
		return fallback, false
	}
	return strings.TrimSpace(resp.Content), true
}

// Concatenate renders opinions in order, one section per persona.
func Concatenate(opinions []Opinion) string {
	if len(opinions) == 0 {
		return "No expert advice is available."
	}
	sections := make([]string, len(opinions))
	for i, op := range opinions {
		sections[i] = fmt.Sprintf("## %s\n%s", op.Name, op.Content)
	}
	return strings.Join(sections, "\n\n")
}

func (o *Orchestrator) abort(sess *Session, pub stream.Publisher, log *zap.Logger, err error) (*Advice, error) {
	sess.fail(StatusAborted, err)
	pub.Publish(stream.EventError, stream.ErrorPayload{Type: "aborted", Message: err.Error()})
	log.Info("consultation aborted", zap.Error(err))
	return nil, err
}

// =============================================================================
// SESSION
// =============================================================================

// Status is the state of a consultation.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
	StatusAborted Status = "ABORTED"
)

// Session tracks one consultation for status queries.
type Session struct {
	id        string
	query     string
	createdAt time.Time

	mu         sync.RWMutex
	status     Status
	personas   []string
	opinions   []Opinion
	advice     *Advice
	errMsg     string
	errType    string
	finishedAt time.Time
}

// NewSession creates a pending consultation session.
func NewSession(id, query string) *Session {
	return &Session{id: id, query: query, createdAt: time.Now(), status: StatusPending}
}

// ID returns the consultation id.
func (s *Session) ID() string { return s.id }

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Done reports whether the consultation finished.
func (s *Session) Done() bool {
	switch s.Status() {
	case StatusDone, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// FinishedAt returns when the consultation finished.
func (s *Session) FinishedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finishedAt
}

func (s *Session) begin(personas []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusRunning
	s.personas = personas
}

func (s *Session) setOpinions(ops []Opinion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opinions = append([]Opinion(nil), ops...)
}

func (s *Session) complete(a *Advice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusDone
	s.advice = a
	s.finishedAt = time.Now()
}

func (s *Session) fail(status Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDone || s.status == StatusFailed || s.status == StatusAborted {
		return
	}
	s.status = status
	s.errMsg = err.Error()
	if status == StatusAborted {
		s.errType = "aborted"
	} else {
		s.errType = errdefs.KindOf(err).String()
	}
	s.finishedAt = time.Now()
}

// Snapshot is a point-in-time view of a consultation.
type Snapshot struct {
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Status    Status    `json:"status"`
	Query     string    `json:"query"`
	Personas  []string  `json:"personas"`
	Opinions  []Opinion `json:"opinions,omitempty"`
	Advice    string    `json:"advice,omitempty"`
	ErrorType string    `json:"errorType,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot returns a copy of the consultation state.
func (s *Session) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		SessionID: s.id,
		Kind:      "consultation",
		Status:    s.status,
		Query:     s.query,
		Personas:  append([]string(nil), s.personas...),
		Opinions:  append([]Opinion(nil), s.opinions...),
		ErrorType: s.errType,
		Error:     s.errMsg,
		CreatedAt: s.createdAt,
	}
	if s.advice != nil {
		snap.Advice = s.advice.Advice
	}
	return snap
}
