// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"strings"
)

// ============================================================================
// COMPLEXITY
// ============================================================================

// Level is a coarse complexity bucket.
type Level string

const (
	LevelSimple  Level = "simple"
	LevelMedium  Level = "medium"
	LevelComplex Level = "complex"
)

// ComplexityScore is produced once per query.
type ComplexityScore struct {
	Level     Level   `json:"level"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// ============================================================================
// STRATEGY
// ============================================================================

// Strategy is the execution plan chosen for a request.
type Strategy string

const (
	StrategyDirect     Strategy = "DIRECT_ANSWER"
	StrategySingleTool Strategy = "SINGLE_TOOL_FAST"
	StrategyFull       Strategy = "FULL_ORCHESTRATION"
	StrategyConsult    Strategy = "EXPERT_CONSULTATION"
)

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(s))) {
	case StrategyDirect:
		return StrategyDirect, nil
	case StrategySingleTool:
		return StrategySingleTool, nil
	case StrategyFull:
		return StrategyFull, nil
	case StrategyConsult:
		return StrategyConsult, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// effort orders the tool-using strategies so overrides can raise a floor.
func (s Strategy) effort() int {
	switch s {
	case StrategyDirect:
		return 0
	case StrategySingleTool:
		return 1
	case StrategyFull:
		return 2
	case StrategyConsult:
		return 3
	}
	return 0
}

// Streams reports whether the strategy streams progress by default.
func (s Strategy) Streams() bool {
	return s == StrategyFull || s == StrategyConsult
}

// ============================================================================
// TIER
// ============================================================================

// Tier represents a model tier. The zero value means "derive from strategy".
type Tier int

const (
	TierUnset Tier = iota
	TierFast
	TierStandard
	TierLarge
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierStandard:
		return "standard"
	case TierLarge:
		return "large"
	case TierUnset:
		return ""
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return TierUnset, nil
	case "fast":
		return TierFast, nil
	case "standard":
		return TierStandard, nil
	case "large":
		return TierLarge, nil
	}
	return TierUnset, fmt.Errorf("unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ============================================================================
// OVERRIDES & DECISION
// ============================================================================

// Overrides are explicit caller switches. Nil pointers mean "not specified".
type Overrides struct {
	ForceStrategy   Strategy `json:"forceStrategy,omitempty"`
	ForceTier       Tier     `json:"forceTier,omitempty"`
	EnableTools     *bool    `json:"enableTools,omitempty"`
	EnableWebSearch *bool    `json:"enableWebSearch,omitempty"`
	Consult         bool     `json:"consult,omitempty"`
	// MaxRounds lowers the configured round limit for full orchestration.
	MaxRounds int `json:"maxRounds,omitempty"`
}

// UnlimitedToolCalls means no per-round cap on tool calls.
const UnlimitedToolCalls = -1

// CapabilityWeb is the capability tag carried by network-facing tools.
const CapabilityWeb = "web"

// Decision is the router's output.
type Decision struct {
	Strategy  Strategy `json:"strategy"`
	Tier      Tier     `json:"tier"`
	MaxRounds int      `json:"maxRounds"`
	// MaxToolCallsPerRound is 0, 1, or UnlimitedToolCalls.
	MaxToolCallsPerRound int `json:"maxToolCallsPerRound"`
	// DeniedCapabilities excludes tools requiring any of these tags.
	DeniedCapabilities []string        `json:"deniedCapabilities,omitempty"`
	Stream             bool            `json:"stream"`
	Reason             string          `json:"reason"`
	Complexity         ComplexityScore `json:"complexity"`
}

// UsesTools reports whether any tool round may run.
func (d Decision) UsesTools() bool {
	return d.MaxRounds > 0 && d.MaxToolCallsPerRound != 0
}

// Permits reports whether a tool requiring caps may be offered.
func (d Decision) Permits(caps []string) bool {
	if !d.UsesTools() {
		return false
	}
	for _, denied := range d.DeniedCapabilities {
		for _, c := range caps {
			if c == denied {
				return false
			}
		}
	}
	return true
}

// String returns a one-line summary for logs.
func (d Decision) String() string {
	return fmt.Sprintf("%s tier=%s rounds=%d reason=%q", d.Strategy, d.Tier, d.MaxRounds, d.Reason)
}

// Validate rejects unknown strategies and tiers.
func (o Overrides) Validate() error {
	if o.ForceStrategy != "" {
		if _, err := ParseStrategy(string(o.ForceStrategy)); err != nil {
			return err
		}
	}
	if o.ForceTier < TierUnset || o.ForceTier > TierLarge {
		return fmt.Errorf("unknown tier %d", int(o.ForceTier))
	}
	if o.MaxRounds < 0 {
		return fmt.Errorf("maxRounds must not be negative")
	}
	return nil
}
