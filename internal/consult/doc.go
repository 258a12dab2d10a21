// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package consult asks a panel of expert personas the same question and
// reconciles their advice.
//
// Personas are selected by explicit id, by domain, or by keyword match
// against the query, up to a configured maximum. Persona calls run
// concurrently under a bound. A persona that fails is replaced by a stub
// naming its general capabilities, so the consultation always produces
// advice. One aggregation call then merges the opinions; if it fails the
// opinions are concatenated in selection order.
//
// # Key Types
//
//   - Catalog: Built-in and configured personas
//   - Orchestrator: Fan-out, fallback, and aggregation
//   - Advice: Per-persona opinions plus the reconciled answer
//   - Session: Consultation state for status queries
//
// # Usage
//
//	catalog, _ := consult.DefaultCatalog()
//	orch := consult.New(client, catalog, consult.Config{Model: "large"}, logger)
//	advice, err := orch.Consult(ctx, consult.Request{Query: q}, stream.Discard)
package consult
