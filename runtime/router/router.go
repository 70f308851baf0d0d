// Package router assigns each task to exactly one agent. A hard-rule
// table is tried first; an LLM fallback is consulted only when no rule
// fires. Results are memoized per (title, description) within a run so
// routing is stable across repeated lookups (§8 property 10).
package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/flowmesh/conductor/internal/errkind"
)

// Rule is one hard routing rule: if any Keyword occurs as a token in
// the lowercased, tokenized title+description, Agent is assigned.
type Rule struct {
	Agent    string
	Keywords []string
}

// Registry is the set of agents Conductor can route to.
type Registry struct {
	// Agents lists every registered agent name.
	Agents []string
	// Default is used when no hard rule fires and the LLM fallback does
	// not return a confident, registered agent.
	Default string
}

func (r Registry) has(agent string) bool {
	for _, a := range r.Agents {
		if a == agent {
			return true
		}
	}
	return false
}

// LLMRouter is the narrow collaborator surface the fallback stage
// needs from the LLM client (see runtime/collaborator/llm).
type LLMRouter interface {
	RouteTask(ctx context.Context, registry []string, title, description string) (assignedTo string, confidence float64, err error)
}

// Router assigns tasks to agents.
type Router struct {
	rules    []Rule
	registry Registry
	llm      LLMRouter

	mu    sync.Mutex
	cache map[cacheKey]Decision
}

type cacheKey struct{ title, description string }

// Decision is the outcome of routing one task.
type Decision struct {
	AssignedTo    string
	RoutingReason string
}

var tokenPattern = regexp.MustCompile(`[^a-z0-9]+`)

// New validates the rule table fail-closed (every rule's agent must be
// registered) and returns a Router, or a *errkind.Error with Kind
// Validation if a rule references an unregistered agent.
func New(rules []Rule, registry Registry, llm LLMRouter) (*Router, error) {
	for _, rule := range rules {
		if !registry.has(rule.Agent) {
			return nil, errkind.New(errkind.Validation, "router.New",
				fmt.Errorf("routing rule references unregistered agent %q", rule.Agent))
		}
	}
	if registry.Default != "" && !registry.has(registry.Default) {
		return nil, errkind.New(errkind.Validation, "router.New",
			fmt.Errorf("default agent %q is not registered", registry.Default))
	}
	return &Router{
		rules:    rules,
		registry: registry,
		llm:      llm,
		cache:    make(map[cacheKey]Decision),
	}, nil
}

// Route assigns a single task, consulting the memoization cache first.
func (r *Router) Route(ctx context.Context, title, description string) (Decision, error) {
	key := cacheKey{title: title, description: description}

	r.mu.Lock()
	if d, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	decision, err := r.route(ctx, title, description)
	if err != nil {
		return Decision{}, err
	}

	r.mu.Lock()
	r.cache[key] = decision
	r.mu.Unlock()
	return decision, nil
}

func (r *Router) route(ctx context.Context, title, description string) (Decision, error) {
	tokens := tokenize(title + " " + description)
	for _, rule := range r.rules {
		for _, kw := range rule.Keywords {
			if tokens[strings.ToLower(kw)] {
				return Decision{AssignedTo: rule.Agent, RoutingReason: "hard_rule:" + rule.Agent}, nil
			}
		}
	}

	if r.llm != nil {
		assigned, confidence, err := r.llm.RouteTask(ctx, r.registry.Agents, title, description)
		if err == nil && confidence >= 0.5 && r.registry.has(assigned) {
			return Decision{AssignedTo: assigned, RoutingReason: "llm_fallback"}, nil
		}
	}

	return Decision{AssignedTo: r.registry.Default, RoutingReason: "default"}, nil
}

func tokenize(s string) map[string]bool {
	parts := tokenPattern.Split(strings.ToLower(s), -1)
	set := make(map[string]bool, len(parts))
	for _, p := range parts {
		if p != "" {
			set[p] = true
		}
	}
	return set
}
