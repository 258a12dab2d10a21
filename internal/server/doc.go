// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the agent service over HTTP.
//
// # Endpoints
//
//   - POST /v1/agent/query                - Run a query (JSON or event stream)
//   - GET  /v1/agent/sessions/{id}        - Session status snapshot
//   - GET  /v1/agent/sessions/{id}/events - Follow a running session
//   - POST /v1/consult                    - Expert consultation
//   - GET  /v1/personas                   - Persona catalog (?domain=)
//   - GET  /v1/tools                      - Tool contracts
//   - POST /v1/classify                   - Classification and routing only
//   - GET  /v1/usage                      - Model usage by model name
//   - GET  /health                        - Health check
//
// Direct and single-tool queries answer with one JSON document. Full
// orchestration and consultation answer with text/event-stream; ?stream=1
// streams any query.
//
// # Middleware
//
//   - Request ids with a request-scoped zap logger
//   - Panic recovery
//   - Request logging
//   - Security headers
//   - Per-client token-bucket rate limiting
//   - Bearer token authentication with constant-time comparison
//
// # Usage
//
//	srv := server.New(rt.Service, cfg.Server, logger)
//	go srv.ListenAndServe()
//	defer srv.Shutdown(ctx)
package server
