// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/jeranaias/rigrun-agentd/internal/util"
	"golang.org/x/text/unicode/norm"
)

// Fixed-tier scores.
const (
	SimpleScore  = 0.2
	MediumScore  = 0.5
	ComplexScore = 0.8

	// ComplexThreshold is the dynamic score at which a query is complex.
	ComplexThreshold = 0.7
	// MediumFloor is the minimum score of a dynamically scored medium query.
	MediumFloor = 0.4

	simpleMaxRunes = 24
	mediumMaxRunes = 40
)

// ============================================================================
// FIXED INTENT PATTERNS
// ============================================================================

// Simple and medium patterns are anchored and length-limited so that long
// multi-step requests fall through to the later tiers.
var (
	simplePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^[^,，;；。]{0,12}(总数|总人数|有多少|多少[个名位门人所条]|几[个名位门人])[^,，;；。]{0,12}[?？]?$`),
		regexp.MustCompile(`^(how many|total number of|count of|number of)\b[^,;.]{0,60}\??$`),
		regexp.MustCompile(`^(hi|hello|hey|thanks|thank you|你好|您好|谢谢)[!！.。]?$`),
	}

	mediumPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^(请)?(帮我)?(查询|查一下|查看|分析|对比|比较|统计)[^,，;；。]{1,36}[?？。]?$`),
		regexp.MustCompile(`^(please )?(query|look up|lookup|analy[sz]e|compare|show( me)?|list)\b[^,;]{1,120}$`),
	}

	complexPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?s)首先.+然后`),
		regexp.MustCompile(`(?s)先.+再.+最后`),
		regexp.MustCompile(`(?s)(制定|规划|设计).{0,10}(方案|计划|策略)`),
		regexp.MustCompile(`(全面|深入|多步骤?)(分析|评估|调研)`),
		regexp.MustCompile(`\bcomprehensive\b`),
		regexp.MustCompile(`\bmulti-?step\b`),
		regexp.MustCompile(`\bstep[- ]by[- ]step\b`),
		regexp.MustCompile(`(?s)\bfirst\b.+\bthen\b`),
		regexp.MustCompile(`(?s)\b(create|design|plan|draft)\b.{0,40}\b(plan|strategy|roadmap)\b`),
	}
)

// ============================================================================
// DYNAMIC SCORING
// ============================================================================

// category is one independently capped keyword family.
type category struct {
	name   string
	zh     []string
	en     *regexp.Regexp
	weight float64
	cap    float64
	// presence scores weight once if any keyword appears.
	presence bool
}

var categories = []category{
	{
		name:   "connectors",
		zh:     []string{"然后", "接着", "之后", "并且", "同时", "最后"},
		en:     regexp.MustCompile(`\b(then|next|finally|after that)\b`),
		weight: 0.1,
		cap:    0.3,
	},
	{
		name:   "actions",
		zh:     []string{"查询", "分析", "统计", "计算", "搜索", "生成", "对比", "比较"},
		en:     regexp.MustCompile(`\b(query|analy[sz]e|search|calculate|generate|compare|fetch)\b`),
		weight: 0.05,
		cap:    0.2,
	},
	{
		name:   "qualifiers",
		zh:     []string{"综合", "全面", "深入", "详细", "系统性"},
		en:     regexp.MustCompile(`\b(comprehensive|thorough|in-depth|detailed|deep)\b`),
		weight: 0.1,
		cap:    0.2,
	},
	{
		name:   "planning",
		zh:     []string{"计划", "规划", "策略", "方案", "建议"},
		en:     regexp.MustCompile(`\b(plan|strategy|roadmap|proposal|recommend)\b`),
		weight: 0.1,
		cap:    0.2,
	},
	{
		name:     "quantifiers",
		zh:       []string{"所有", "全部", "多个", "各种", "各个"},
		en:       regexp.MustCompile(`\b(all|multiple|various|every)\b`),
		weight:   0.1,
		cap:      0.1,
		presence: true,
	},
}

func (c category) score(text string) float64 {
	hits := len(c.en.FindAllStringIndex(text, -1))
	for _, kw := range c.zh {
		hits += strings.Count(text, kw)
	}
	if hits == 0 {
		return 0
	}
	if c.presence {
		return c.weight
	}
	return math.Min(float64(hits)*c.weight, c.cap)
}

func lengthScore(runes int) float64 {
	switch {
	case runes > 100:
		return 0.3
	case runes > 50:
		return 0.2
	case runes > 20:
		return 0.1
	}
	return 0
}

// ============================================================================
// CLASSIFY
// ============================================================================

// Normalize applies NFKC folding, lower-casing, and whitespace trimming so
// full-width punctuation and letters match the ASCII patterns.
func Normalize(text string) string {
	return strings.TrimSpace(strings.ToLower(norm.NFKC.String(text)))
}

// Classify scores text. Tiers are checked in order, first match wins:
// simple patterns, medium patterns, complex patterns, then the dynamic
// scorer. Classify is pure and deterministic.
func Classify(text string) ComplexityScore {
	q := Normalize(text)
	runes := util.RuneLen(q)

	if q == "" {
		return ComplexityScore{Level: LevelSimple, Score: SimpleScore, Reasoning: "empty query"}
	}

	if withinLimit(q, runes, simpleMaxRunes) {
		if m := firstMatch(simplePatterns, q); m != "" {
			return ComplexityScore{
				Level:     LevelSimple,
				Score:     SimpleScore,
				Reasoning: fmt.Sprintf("simple-intent pattern matched: %q", m),
			}
		}
	}

	if withinLimit(q, runes, mediumMaxRunes) {
		if m := firstMatch(mediumPatterns, q); m != "" && !hasConnector(q) {
			return ComplexityScore{
				Level:     LevelMedium,
				Score:     MediumScore,
				Reasoning: fmt.Sprintf("medium-intent pattern matched: %q", m),
			}
		}
	}

	if m := firstMatch(complexPatterns, q); m != "" {
		return ComplexityScore{
			Level:     LevelComplex,
			Score:     ComplexScore,
			Reasoning: fmt.Sprintf("complex-intent pattern matched: %q", m),
		}
	}

	return dynamicScore(q, runes)
}

func dynamicScore(q string, runes int) ComplexityScore {
	parts := make([]string, 0, len(categories)+1)
	total := lengthScore(runes)
	parts = append(parts, fmt.Sprintf("length=%.2f", total))

	for _, c := range categories {
		s := c.score(q)
		total += s
		parts = append(parts, fmt.Sprintf("%s=%.2f", c.name, s))
	}

	// Round away float noise so 0.7 compares as 0.7.
	total = math.Round(math.Min(total, 1.0)*100) / 100

	level := LevelMedium
	if total >= ComplexThreshold {
		level = LevelComplex
	} else if total < MediumFloor {
		total = MediumFloor
	}

	return ComplexityScore{
		Level:     level,
		Score:     total,
		Reasoning: "dynamic: " + strings.Join(parts, " "),
	}
}

func firstMatch(patterns []*regexp.Regexp, q string) string {
	for _, p := range patterns {
		if m := p.FindString(q); m != "" {
			return util.TruncateRunes(m, 40)
		}
	}
	return ""
}

func hasConnector(q string) bool {
	return categories[0].score(q) > 0
}

// withinLimit gives ASCII text three times the rune budget.
func withinLimit(q string, runes, budget int) bool {
	return runes <= budget || (isASCII(q) && runes <= 3*budget)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// ============================================================================
// CONSULTATION PHRASING
// ============================================================================

var consultPattern = regexp.MustCompile(
	`专家|会诊|咨询.{0,4}意见|\bexpert (advice|opinion|panel|review)s?\b|\bconsult(ation)?\b|\bpanel of experts\b`)

// WantsConsultation reports whether text asks for expert consultation.
func WantsConsultation(text string) bool {
	return consultPattern.MatchString(Normalize(text))
}
