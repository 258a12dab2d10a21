// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router decides how much effort a request deserves.
//
// Classify scores a request's complexity with fixed intent patterns first
// and a keyword-weighted dynamic scorer second. Route turns that score plus
// caller overrides into a strategy: answer directly, call one tool with a
// fast model, run a multi-round tool negotiation with a large model, or
// consult a panel of expert personas.
//
// # Key Types
//
//   - ComplexityScore: Level (simple, medium, complex), score, reasoning
//   - Strategy: DIRECT_ANSWER, SINGLE_TOOL_FAST, FULL_ORCHESTRATION, EXPERT_CONSULTATION
//   - Tier: Model tier (fast, standard, large)
//   - Overrides: Explicit caller switches that take precedence over the classifier
//   - Decision: Strategy plus the limits the orchestration loop enforces
//
// # Usage
//
//	score := router.Classify(text)
//	decision := router.New(5).Route(score, overrides)
//	if decision.Strategy == router.StrategyFull {
//	    // stream progress events
//	}
//
// Both functions are pure: the same input always yields the same output.
package router
