// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-agentd/internal/consult"
	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/jeranaias/rigrun-agentd/internal/logging"
	"github.com/jeranaias/rigrun-agentd/internal/orchestrator"
	"github.com/jeranaias/rigrun-agentd/internal/router"
	"github.com/jeranaias/rigrun-agentd/internal/session"
	"github.com/jeranaias/rigrun-agentd/internal/stream"
	"github.com/jeranaias/rigrun-agentd/internal/telemetry"
	"github.com/jeranaias/rigrun-agentd/internal/tools"
)

// MaxMessageRunes bounds an accepted query.
const MaxMessageRunes = 8000

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Request is an incoming agent query.
type Request struct {
	Message        string           `json:"message"`
	UserID         string           `json:"userId"`
	ConversationID string           `json:"conversationId"`
	Role           string           `json:"role,omitempty"`
	MemorySnapshot string           `json:"memorySnapshot,omitempty"`
	Overrides      router.Overrides `json:"overrides"`
}

// Plan is the classification and routing outcome for a request.
type Plan struct {
	Complexity router.ComplexityScore `json:"complexity"`
	Decision   router.Decision        `json:"decision"`
	// Escalated is set when consultation phrasing promoted the request.
	Escalated bool `json:"escalated,omitempty"`
}

// =============================================================================
// SERVICE
// =============================================================================

// Service classifies, routes, and executes requests. It owns the session
// registry and stream hub so status and event endpoints can find running
// work.
type Service struct {
	router   *router.Router
	loop     *orchestrator.Loop
	consult  *consult.Orchestrator
	tools    *tools.Registry
	sessions *session.Manager
	hub      *stream.Hub
	usage    *telemetry.Meter
	logger   *zap.Logger

	wg sync.WaitGroup
}

// Deps are the service collaborators.
type Deps struct {
	Router   *router.Router
	Loop     *orchestrator.Loop
	Consult  *consult.Orchestrator
	Tools    *tools.Registry
	Sessions *session.Manager
	Hub      *stream.Hub
	Usage    *telemetry.Meter
	Logger   *zap.Logger
}

// New creates a service. Router, Loop, Consult, and Tools are required.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Sessions == nil {
		d.Sessions = session.NewManager(session.DefaultConfig(), d.Logger)
	}
	if d.Hub == nil {
		d.Hub = stream.NewHub(0, stream.DefaultBuffer, d.Logger)
	}
	if d.Usage == nil {
		d.Usage = telemetry.NewMeter()
	}
	return &Service{
		router:   d.Router,
		loop:     d.Loop,
		consult:  d.Consult,
		tools:    d.Tools,
		sessions: d.Sessions,
		hub:      d.Hub,
		usage:    d.Usage,
		logger:   d.Logger,
	}
}

// Sessions returns the session registry.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Hub returns the stream hub.
func (s *Service) Hub() *stream.Hub { return s.hub }

// Usage returns the model usage meter.
func (s *Service) Usage() *telemetry.Meter { return s.usage }

// Tools returns the tool registry.
func (s *Service) Tools() *tools.Registry { return s.tools }

// Personas lists the consultation catalog.
func (s *Service) Personas(domain string) []consult.Entry {
	return s.consult.Catalog().List(domain)
}

// Plan validates a request and decides how to execute it.
func (s *Service) Plan(req Request) (Plan, error) {
	return Classify(s.router, req)
}

// Classify validates req, scores it, and routes it with rt. Consultation
// phrasing escalates to EXPERT_CONSULTATION unless the caller forced a
// strategy or disabled tools.
func Classify(rt *router.Router, req Request) (Plan, error) {
	const op = "agent.Plan"
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return Plan{}, errdefs.Validation(op, "message is required")
	}
	if n := len([]rune(text)); n > MaxMessageRunes {
		return Plan{}, errdefs.Validation(op, "message is %d characters, limit is %d", n, MaxMessageRunes)
	}
	if err := req.Overrides.Validate(); err != nil {
		return Plan{}, errdefs.Validation(op, "%v", err)
	}

	score := router.Classify(text)
	o := req.Overrides

	escalated := false
	if o.ForceStrategy == "" && !o.Consult && (o.EnableTools == nil || *o.EnableTools) && router.WantsConsultation(text) {
		o.Consult = true
		escalated = true
	}
	d := rt.Route(score, o)
	if escalated {
		d.Reason += "; consultation phrasing detected"
	}
	return Plan{Complexity: score, Decision: d, Escalated: escalated}, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// Execution is a started request. Result blocks until it finishes.
type Execution struct {
	SessionID string
	Plan      Plan

	// Subscription is set when the caller asked to follow events.
	Subscription *stream.Subscription

	done   chan struct{}
	result any
	err    error
}

// Done is closed when execution finishes.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Result waits for and returns the outcome: *orchestrator.Outcome or
// *consult.Advice.
func (e *Execution) Result() (any, error) {
	<-e.done
	return e.result, e.err
}

// Start plans req and executes it.
func (s *Service) Start(ctx context.Context, req Request, subscribe bool) (*Execution, error) {
	plan, err := s.Plan(req)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, req, plan, subscribe)
}

// Execute registers a session for a planned request and runs it in the
// background under ctx. With subscribe set, the returned execution carries
// a subscription taken before any event is published.
func (s *Service) Execute(ctx context.Context, req Request, plan Plan, subscribe bool) (*Execution, error) {
	id := uuid.NewString()
	log := logging.FromContext(ctx, s.logger).With(zap.String("session_id", id))
	ctx = logging.WithLogger(ctx, log)

	pub, err := s.hub.Open(id)
	if err != nil {
		return nil, err
	}

	exec := &Execution{SessionID: id, Plan: plan, done: make(chan struct{})}
	if subscribe {
		sub, err := pub.Subscribe(ctx)
		if err != nil {
			s.hub.Close(id)
			return nil, err
		}
		exec.Subscription = sub
	}

	var run func() (any, error)
	if plan.Decision.Strategy == router.StrategyConsult {
		sess := consult.NewSession(id, req.Message)
		if err := s.sessions.Add(sess); err != nil {
			s.hub.Close(id)
			return nil, err
		}
		creq := consult.Request{Query: req.Message}
		run = func() (any, error) { return s.consult.Run(ctx, sess, creq, pub) }
	} else {
		sess := orchestrator.NewSession(id)
		if err := s.sessions.Add(sess); err != nil {
			s.hub.Close(id)
			return nil, err
		}
		q := orchestrator.Query{
			Text:           strings.TrimSpace(req.Message),
			UserID:         req.UserID,
			ConversationID: req.ConversationID,
			Role:           req.Role,
			MemorySnapshot: req.MemorySnapshot,
		}
		run = func() (any, error) { return s.loop.Run(ctx, sess, q, plan.Decision, pub) }
	}

	log.Info("request accepted",
		zap.String("strategy", string(plan.Decision.Strategy)),
		zap.String("tier", plan.Decision.Tier.String()),
		zap.String("complexity", string(plan.Complexity.Level)),
		zap.Float64("score", plan.Complexity.Score))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(exec.done)
		defer s.hub.Close(id)
		exec.result, exec.err = run()
		// Typed nil pointers must not leak into the interface.
		if exec.err != nil {
			exec.result = nil
		}
	}()
	return exec, nil
}

// Query runs a request to completion.
func (s *Service) Query(ctx context.Context, req Request) (*Execution, error) {
	exec, err := s.Start(ctx, req, false)
	if err != nil {
		return nil, err
	}
	_, err = exec.Result()
	return exec, err
}

// Consult runs a consultation directly and registers its session.
func (s *Service) Consult(ctx context.Context, req consult.Request) (*consult.Advice, error) {
	id := uuid.NewString()
	sess := consult.NewSession(id, req.Query)
	if err := s.sessions.Add(sess); err != nil {
		return nil, err
	}
	pub, err := s.hub.Open(id)
	if err != nil {
		return nil, err
	}
	defer s.hub.Close(id)
	return s.consult.Run(ctx, sess, req, pub)
}

// Subscribe attaches a consumer to a running session's events.
func (s *Service) Subscribe(ctx context.Context, id string) (*stream.Subscription, error) {
	pub, err := s.hub.Get(id)
	if err != nil {
		if _, lookupErr := s.sessions.Get(id); lookupErr == nil {
			return nil, errdefs.NotFound("agent.Subscribe", "session %q has finished", id)
		}
		return nil, err
	}
	return pub.Subscribe(ctx)
}

// Close waits for running executions and closes every stream session.
// Callers cancel the executions' contexts first.
func (s *Service) Close() {
	s.wg.Wait()
	s.hub.Shutdown()
}
