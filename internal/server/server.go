// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-agentd/internal/agent"
	"github.com/jeranaias/rigrun-agentd/internal/config"
	"github.com/jeranaias/rigrun-agentd/internal/consult"
	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/jeranaias/rigrun-agentd/internal/logging"
	"github.com/jeranaias/rigrun-agentd/internal/router"
	"github.com/jeranaias/rigrun-agentd/internal/stream"
	"github.com/jeranaias/rigrun-agentd/internal/tools"
)

const (
	// Version is the server version.
	Version = "0.3.0"

	// MaxRequestBodySize bounds request bodies.
	MaxRequestBodySize = 1 << 20
)

// ============================================================================
// WIRE TYPES
// ============================================================================

// QueryRequest is the body of POST /v1/agent/query.
type QueryRequest struct {
	Message        string       `json:"message"`
	UserID         string       `json:"userId"`
	ConversationID string       `json:"conversationId"`
	Context        QueryContext `json:"context"`
}

// QueryContext carries caller-supplied execution context.
type QueryContext struct {
	Role           string           `json:"role,omitempty"`
	Overrides      router.Overrides `json:"overrides"`
	MemorySnapshot string           `json:"memorySnapshot,omitempty"`
}

func (q QueryRequest) agentRequest() agent.Request {
	return agent.Request{
		Message:        q.Message,
		UserID:         q.UserID,
		ConversationID: q.ConversationID,
		Role:           q.Context.Role,
		MemorySnapshot: q.Context.MemorySnapshot,
		Overrides:      q.Context.Overrides,
	}
}

// QueryResponse is the non-streaming query result.
type QueryResponse struct {
	SessionID string     `json:"sessionId"`
	Plan      agent.Plan `json:"plan"`
	Result    any        `json:"result"`
}

// ClassifyRequest is the body of POST /v1/classify.
type ClassifyRequest struct {
	Message   string           `json:"message"`
	Overrides router.Overrides `json:"overrides"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Tools    int    `json:"tools"`
	Sessions int    `json:"sessions"`
	Streams  int    `json:"streams"`
}

// ErrorBody is the error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// ============================================================================
// SERVER
// ============================================================================

// Server exposes an agent service over HTTP.
type Server struct {
	svc     *agent.Service
	cfg     config.ServerConfig
	logger  *zap.Logger
	mux     *http.ServeMux
	limiter *RateLimiter
	started time.Time

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// New creates a server for svc.
func New(svc *agent.Service, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/agent/query", s.handleQuery)
	s.mux.HandleFunc("GET /v1/agent/sessions/{id}", s.handleSession)
	s.mux.HandleFunc("GET /v1/agent/sessions/{id}/events", s.handleSessionEvents)
	s.mux.HandleFunc("POST /v1/consult", s.handleConsult)
	s.mux.HandleFunc("GET /v1/personas", s.handlePersonas)
	s.mux.HandleFunc("GET /v1/tools", s.handleTools)
	s.mux.HandleFunc("POST /v1/classify", s.handleClassify)
	s.mux.HandleFunc("GET /v1/usage", s.handleUsage)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	chain := []Middleware{
		RequestIDMiddleware(s.logger),
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
		SecurityHeadersMiddleware(),
	}
	if s.limiter != nil {
		chain = append(chain, RateLimitMiddleware(s.limiter))
	}
	if s.cfg.APIKey != "" || len(s.cfg.AllowedIPs) > 0 {
		chain = append(chain, AuthMiddleware(&AuthConfig{
			BearerToken: s.cfg.APIKey,
			AllowedIPs:  s.cfg.AllowedIPs,
		}, s.logger))
	}
	return Chain(chain...)(s.mux)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout(),
		IdleTimeout:       120 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()), zap.String("version", Version))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones. A
// server shut down before Serve never starts.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("server shutting down")
	return srv.Shutdown(ctx)
}

// Close closes the listener and every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body QueryRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := body.agentRequest()
	plan, err := s.svc.Plan(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	streaming := plan.Decision.Stream || forceStream(r)
	flusher, ok := w.(http.Flusher)
	if streaming && !ok {
		s.writeError(w, r, errors.New("streaming not supported"))
		return
	}

	exec, err := s.svc.Execute(r.Context(), req, plan, streaming)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if streaming {
		w.Header().Set("X-Session-ID", exec.SessionID)
		s.streamEvents(w, r, flusher, exec.Subscription)
		return
	}

	res, err := exec.Result()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{SessionID: exec.SessionID, Plan: plan, Result: res})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Sessions().Snapshot(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New("streaming not supported"))
		return
	}
	sub, err := s.svc.Subscribe(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamEvents(w, r, flusher, sub)
}

func (s *Server) handleConsult(w http.ResponseWriter, r *http.Request) {
	var req consult.Request
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	advice, err := s.svc.Consult(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, advice)
}

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	personas := s.svc.Personas(r.URL.Query().Get("domain"))
	if personas == nil {
		personas = []consult.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"personas": personas})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	defs := s.svc.Tools().List()
	if defs == nil {
		defs = []*tools.ToolDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": defs})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	plan, err := s.svc.Plan(agent.Request{Message: req.Message, Overrides: req.Overrides})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Usage().Report())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  Version,
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
		Tools:    len(s.svc.Tools().Names()),
		Sessions: s.svc.Sessions().Len(),
		Streams:  s.svc.Hub().Len(),
	})
}

// ============================================================================
// STREAMING
// ============================================================================

// streamEvents writes sub's events as server-sent events until the
// subscription ends.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sub *stream.Subscription) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := logging.FromContext(r.Context(), s.logger)
	var last uint64
	for ev := range sub.Events() {
		last = ev.Sequence
		if err := writeEvent(w, ev); err != nil {
			log.Debug("stream write failed", zap.Error(err))
			continue
		}
		flusher.Flush()
	}
	if !sub.Dropped() {
		return
	}
	// The consumer lost events; end its stream with a terminal error.
	log.Warn("stream subscriber dropped", zap.Uint64("last_sequence", last))
	overflow := stream.Event{
		Type:      stream.EventError,
		Sequence:  last + 1,
		Timestamp: time.Now(),
		Payload: stream.ErrorPayload{
			Type:    "stream_overflow",
			Message: "consumer fell behind and events were dropped",
		},
	}
	if err := writeEvent(w, overflow); err == nil {
		flusher.Flush()
	}
}

// writeEvent writes one SSE frame.
func writeEvent(w io.Writer, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data)
	return err
}

func forceStream(r *http.Request) bool {
	v := r.URL.Query().Get("stream")
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// ============================================================================
// HELPERS
// ============================================================================

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errdefs.Validation("server.decode", "request body exceeds %d bytes", tooLarge.Limit)
		}
		return errdefs.Validation("server.decode", "invalid JSON body: %v", err)
	}
	return nil
}

// StatusFor maps an error onto an HTTP status and error type.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "aborted"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	kind := errdefs.KindOf(err)
	switch kind {
	case errdefs.KindValidation:
		return http.StatusBadRequest, kind.String()
	case errdefs.KindNotFound:
		return http.StatusNotFound, kind.String()
	case errdefs.KindTransientProvider, errdefs.KindFatalProvider:
		return http.StatusBadGateway, kind.String()
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, typ := StatusFor(err)
	log := logging.FromContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		log.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeErrorBody(w, status, typ, err.Error())
}

func writeErrorBody(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Message: message, Type: typ, Code: status}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
