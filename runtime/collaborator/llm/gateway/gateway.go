// Package gateway implements llm.Client by fanning out to one of
// several provider adapters, mirroring the teacher's
// features/model/{anthropic,openai,bedrock} + features/model/gateway
// structure: one generic request/response shape, provider-specific
// adapters, and a gateway that falls through to the next provider on
// any error before surfacing a classified error to the caller (§7).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/collaborator/llm"
)

// Gateway implements llm.Client, trying Providers in order and falling
// through to the next one when a call returns an error.
type Gateway struct {
	Providers []llm.Provider
	Model     string
}

var _ llm.Client = (*Gateway)(nil)

// New builds a Gateway. providers is tried in the given order; the
// first one to succeed wins. At least one provider is required.
func New(model string, providers ...llm.Provider) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, errkind.New(errkind.Validation, "gateway.New", fmt.Errorf("at least one provider is required"))
	}
	return &Gateway{Providers: providers, Model: model}, nil
}

func (g *Gateway) complete(ctx context.Context, messages []llm.Message) (string, error) {
	var lastErr error
	for _, p := range g.Providers {
		resp, err := p.Complete(ctx, llm.CompletionRequest{Model: g.Model, Messages: messages, Temperature: 0.2})
		if err == nil {
			return resp.Content, nil
		}
		lastErr = err
	}
	return "", errkind.New(errkind.Transient, "gateway.complete", fmt.Errorf("all providers failed: %w", lastErr))
}

const decomposeSystemPrompt = `You decompose a goal into a small DAG of 3 to 8 atomic tasks.
Respond with exactly one JSON object matching this shape:
{"tasks":[{"id":"tsk_<26 upper base32>","title":"...","description":"...","status":"pending","deps":[],"inputs":[],"outputs":[],"done_when":["..."],"task_type":"implement|test|integrate|docs|ops|research|coordination","assigned_to":null,"subtasks":[]}]}
Respond with JSON only, no prose.`

// Decompose implements llm.Client.
func (g *Gateway) Decompose(ctx context.Context, goal, repairFeedback string) ([]byte, error) {
	messages := []llm.Message{
		{Role: "system", Content: decomposeSystemPrompt},
		{Role: "user", Content: goal},
	}
	if repairFeedback != "" {
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: "Your previous plan was rejected by the validator with this error, fix it: " + repairFeedback,
		})
	}
	content, err := g.complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	return []byte(extractJSON(content)), nil
}

const routeSystemPrompt = `You route one task to exactly one agent from a fixed registry.
Respond with exactly one JSON object: {"assigned_to":"<agent>","confidence":0.0}
confidence is your confidence in [0,1] that this agent is the correct owner.`

// RouteTask implements llm.Client.
func (g *Gateway) RouteTask(ctx context.Context, registry []string, title, description string) (string, float64, error) {
	messages := []llm.Message{
		{Role: "system", Content: routeSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Registry: %s\nTitle: %s\nDescription: %s", strings.Join(registry, ", "), title, description)},
	}
	content, err := g.complete(ctx, messages)
	if err != nil {
		return "", 0, err
	}
	var decision struct {
		AssignedTo string  `json:"assigned_to"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &decision); err != nil {
		return "", 0, errkind.New(errkind.Validation, "gateway.RouteTask", err)
	}
	return decision.AssignedTo, decision.Confidence, nil
}

// AnswerResume implements llm.Client.
func (g *Gateway) AnswerResume(ctx context.Context, question string) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: "You answer a clarifying question from an autonomous coding agent on behalf of the human operator. Answer concisely."},
		{Role: "user", Content: question},
	}
	return g.complete(ctx, messages)
}

// extractJSON trims any prose surrounding the first top-level JSON
// object in content, tolerating models that wrap JSON in prose or code
// fences despite being asked not to.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return content
	}
	return content[start : end+1]
}
