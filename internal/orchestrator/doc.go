// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator runs the bounded model/tool loop for one request.
//
// A Session moves through INIT, AWAITING_MODEL and EXECUTING_TOOLS until it
// reaches DONE, FAILED or ABORTED. Each round the model either answers or
// requests tool calls; requested calls run concurrently under a per-session
// cap and every result, success or failure, is fed back to the model in
// request order. Tool failures never fail the session. When the round limit
// is reached the session completes with the best partial answer and is
// flagged incomplete.
//
// # Key Types
//
//   - Loop: Drives sessions against a model client and tool registry
//   - Session: Per-request state, rounds, and final answer
//   - Query: The accepted request
//   - Outcome: Final answer, round count, and incomplete flag
//
// # Usage
//
//	loop := orchestrator.New(client, registry, store, orchestrator.Config{}, logger)
//	sess := orchestrator.NewSession(id)
//	out, err := loop.Run(ctx, sess, orchestrator.Query{Text: q}, decision, publisher)
package orchestrator
