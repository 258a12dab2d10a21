// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package consult

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/jeranaias/rigrun-agentd/internal/router"
)

// ErrDuplicatePersona is returned when two personas share an id.
var ErrDuplicatePersona = errors.New("persona already registered")

// =============================================================================
// PERSONA
// =============================================================================

// Persona is a fixed expert role used during consultation.
type Persona struct {
	ID           string
	Name         string
	Domains      []string
	Keywords     []string
	SystemPrompt string
	Capabilities []string
}

// Entry is the public catalog view of a persona.
type Entry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Domain       string   `json:"domain"`
}

func (p *Persona) entry() Entry {
	e := Entry{ID: p.ID, Name: p.Name, Capabilities: p.Capabilities}
	if e.Capabilities == nil {
		e.Capabilities = []string{}
	}
	if len(p.Domains) > 0 {
		e.Domain = p.Domains[0]
	}
	return e
}

func (p *Persona) inDomain(domain string) bool {
	for _, d := range p.Domains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// matches counts keyword hits in a normalized query.
func (p *Persona) matches(q string) int {
	hits := 0
	for _, kw := range p.Keywords {
		if kw != "" && strings.Contains(q, router.Normalize(kw)) {
			hits++
		}
	}
	return hits
}

// BuiltinPersonas returns the default expert panel.
func BuiltinPersonas() []Persona {
	return []Persona{
		{
			ID:       "data-analyst",
			Name:     "Data Analyst",
			Domains:  []string{"data", "analytics"},
			Keywords: []string{"data", "statistics", "metric", "trend", "dataset", "数据", "统计", "指标", "趋势"},
			SystemPrompt: "You are a senior data analyst. Focus on what the data can and cannot show, " +
				"which metrics to track, and how to validate conclusions.",
			Capabilities: []string{"statistical analysis", "metric design", "data quality review"},
		},
		{
			ID:       "education-advisor",
			Name:     "Education Advisor",
			Domains:  []string{"education"},
			Keywords: []string{"student", "teacher", "course", "curriculum", "learning", "grade", "学生", "教学", "课程", "学习", "成绩"},
			SystemPrompt: "You are an experienced education advisor. Focus on learning outcomes, " +
				"pedagogy, and practical classroom constraints.",
			Capabilities: []string{"curriculum design", "learning assessment", "student support"},
		},
		{
			ID:       "software-architect",
			Name:     "Software Architect",
			Domains:  []string{"engineering", "technology"},
			Keywords: []string{"system", "architecture", "api", "database", "scalability", "code", "系统", "架构", "数据库", "代码"},
			SystemPrompt: "You are a pragmatic software architect. Focus on design trade-offs, " +
				"operational risk, and incremental delivery.",
			Capabilities: []string{"system design", "technology selection", "migration planning"},
		},
		{
			ID:       "security-reviewer",
			Name:     "Security Reviewer",
			Domains:  []string{"security", "engineering"},
			Keywords: []string{"security", "privacy", "compliance", "risk", "attack", "安全", "隐私", "合规", "风险"},
			SystemPrompt: "You are a security reviewer. Identify threats, privacy concerns, and " +
				"compliance gaps, and propose proportionate mitigations.",
			Capabilities: []string{"threat modeling", "privacy review", "compliance mapping"},
		},
		{
			ID:       "strategy-consultant",
			Name:     "Strategy Consultant",
			Domains:  []string{"strategy", "business"},
			Keywords: []string{"strategy", "plan", "roadmap", "market", "budget", "priority", "策略", "规划", "计划", "方案", "预算"},
			SystemPrompt: "You are a strategy consultant. Frame the decision, weigh options, and " +
				"recommend a prioritized plan with milestones.",
			Capabilities: []string{"option analysis", "prioritization", "roadmap planning"},
		},
	}
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is the ordered set of available personas. It is safe for
// concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	order    []string
	personas map[string]*Persona
}

// NewCatalog creates a catalog holding personas in the given order.
func NewCatalog(personas ...Persona) (*Catalog, error) {
	c := &Catalog{personas: make(map[string]*Persona)}
	for _, p := range personas {
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultCatalog returns the built-in personas followed by extra ones.
func DefaultCatalog(extra ...Persona) (*Catalog, error) {
	return NewCatalog(append(BuiltinPersonas(), extra...)...)
}

// Add registers a persona.
func (c *Catalog) Add(p Persona) error {
	const op = "consult.Catalog.Add"
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return errdefs.Validation(op, "persona id is required")
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return errdefs.Validation(op, "persona %q has no system prompt", p.ID)
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.personas[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePersona, p.ID)
	}
	c.personas[p.ID] = &p
	c.order = append(c.order, p.ID)
	return nil
}

// Get returns a persona by id.
func (c *Catalog) Get(id string) (*Persona, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.personas[id]
	if !ok {
		return nil, errdefs.NotFound("consult.Catalog.Get", "unknown persona %q", id)
	}
	return p, nil
}

// List returns catalog entries in registration order. A non-empty domain
// keeps only personas tagged with it.
func (c *Catalog) List(domain string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		p := c.personas[id]
		if domain != "" && !p.inDomain(domain) {
			continue
		}
		out = append(out, p.entry())
	}
	return out
}

// Len returns the number of personas.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Select picks at most limit personas for a request.
//
// Explicit ids win and every one must exist. Otherwise a domain narrows the
// catalog, and query keywords rank what is left. With no keyword hits the
// first personas in catalog order are used.
func (c *Catalog) Select(query, domain string, ids []string, limit int) ([]*Persona, error) {
	const op = "consult.Select"
	if limit <= 0 {
		limit = DefaultMaxPersonas
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(ids) > 0 {
		var picked []*Persona
		var unknown []string
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			p, ok := c.personas[id]
			if !ok {
				unknown = append(unknown, id)
				continue
			}
			picked = append(picked, p)
		}
		if len(unknown) > 0 {
			return nil, errdefs.NotFound(op, "unknown personas: %s", strings.Join(unknown, ", "))
		}
		if len(picked) > limit {
			picked = picked[:limit]
		}
		return picked, nil
	}

	var pool []*Persona
	for _, id := range c.order {
		p := c.personas[id]
		if domain == "" || p.inDomain(domain) {
			pool = append(pool, p)
		}
	}
	if len(pool) == 0 {
		return nil, errdefs.NotFound(op, "no personas for domain %q", domain)
	}

	q := router.Normalize(query)
	type ranked struct {
		p    *Persona
		hits int
	}
	var hits []ranked
	for _, p := range pool {
		if n := p.matches(q); n > 0 {
			hits = append(hits, ranked{p, n})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].hits > hits[j].hits })

	var picked []*Persona
	for _, h := range hits {
		picked = append(picked, h.p)
	}
	if len(picked) == 0 {
		picked = pool
	}
	if len(picked) > limit {
		picked = picked[:limit]
	}
	return picked, nil
}
