// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import "fmt"

// DefaultMaxRounds is the full-orchestration round limit when none is configured.
const DefaultMaxRounds = 5

// Router maps complexity scores and overrides to decisions. It holds only
// immutable configuration and is safe for concurrent use.
type Router struct {
	maxRounds int
}

// New creates a router whose full-orchestration round limit is maxRounds.
func New(maxRounds int) *Router {
	if maxRounds < 1 {
		maxRounds = DefaultMaxRounds
	}
	return &Router{maxRounds: maxRounds}
}

// MaxRounds returns the configured full-orchestration round limit.
func (r *Router) MaxRounds() int {
	return r.maxRounds
}

// Route decides the strategy for a classified query.
//
// Precedence, first applicable rule wins for the strategy:
//  1. ForceStrategy
//  2. Consult
//  3. EnableTools == false
//  4. EnableWebSearch == true raises the floor to SINGLE_TOOL_FAST
//  5. EnableTools == true raises the floor to SINGLE_TOOL_FAST
//  6. Classifier level
//
// ForceTier replaces the strategy's default tier afterwards.
func (r *Router) Route(score ComplexityScore, o Overrides) Decision {
	strategy, reason := r.pickStrategy(score, o)
	d := r.shape(strategy, o)
	d.Reason = reason
	d.Complexity = score

	if o.ForceTier != TierUnset {
		d.Tier = o.ForceTier
		d.Reason += fmt.Sprintf("; tier forced to %s", o.ForceTier)
	}
	if o.EnableWebSearch != nil && !*o.EnableWebSearch && d.UsesTools() {
		d.DeniedCapabilities = append(d.DeniedCapabilities, CapabilityWeb)
	}
	return d
}

func (r *Router) pickStrategy(score ComplexityScore, o Overrides) (Strategy, string) {
	if o.ForceStrategy != "" {
		return o.ForceStrategy, "strategy forced by caller"
	}
	if o.Consult {
		return StrategyConsult, "expert consultation requested"
	}
	if o.EnableTools != nil && !*o.EnableTools {
		return StrategyDirect, "tools disabled by caller"
	}

	fromScore := strategyFor(score.Level)
	reason := fmt.Sprintf("%s query (score %.2f)", score.Level, score.Score)

	if o.EnableWebSearch != nil && *o.EnableWebSearch && fromScore.effort() < StrategySingleTool.effort() {
		return StrategySingleTool, reason + "; web search requested"
	}
	if o.EnableTools != nil && *o.EnableTools && fromScore.effort() < StrategySingleTool.effort() {
		return StrategySingleTool, reason + "; tools requested"
	}
	return fromScore, reason
}

func strategyFor(level Level) Strategy {
	switch level {
	case LevelSimple:
		return StrategyDirect
	case LevelComplex:
		return StrategyFull
	default:
		return StrategySingleTool
	}
}

// shape fills the per-strategy limits.
func (r *Router) shape(s Strategy, o Overrides) Decision {
	d := Decision{Strategy: s, Stream: s.Streams()}
	switch s {
	case StrategyDirect:
		d.Tier = TierFast
	case StrategySingleTool:
		d.Tier = TierStandard
		d.MaxRounds = 1
		d.MaxToolCallsPerRound = 1
	case StrategyFull:
		d.Tier = TierLarge
		d.MaxRounds = r.maxRounds
		if o.MaxRounds > 0 && o.MaxRounds < r.maxRounds {
			d.MaxRounds = o.MaxRounds
		}
		d.MaxToolCallsPerRound = UnlimitedToolCalls
	case StrategyConsult:
		d.Tier = TierLarge
	}
	return d
}
