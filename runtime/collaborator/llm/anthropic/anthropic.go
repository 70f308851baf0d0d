// Package anthropic implements llm.Provider on top of the Anthropic
// Claude Messages API, adapted from the teacher's
// features/model/anthropic client down to the single normalized
// request/response shape Conductor's gateway needs (no tool calls, no
// streaming, no thinking blocks — Conductor only ever asks the LLM for
// a decomposition, a routing decision, or a resume answer).
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowmesh/conductor/runtime/collaborator/llm"
)

// MessagesClient captures the subset of the Anthropic SDK used here,
// so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements llm.Provider on top of Anthropic Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int64
}

var _ llm.Provider = (*Client)(nil)

// New builds a Client from an already-constructed Anthropic client.
func New(msg MessagesClient, defaultModel string, maxTokens int64) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: defaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP
// client, reading the endpoint/transport defaults from the SDK.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, defaultModel, 4096)
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "anthropic" }

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(conversation) == 0 {
		return llm.CompletionResponse{}, errors.New("anthropic: at least one user message is required")
	}

	params := sdk.MessageNewParams{
		MaxTokens: c.maxTokens,
		Messages:  conversation,
		Model:     sdk.Model(model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if tb := block.AsAny(); tb != nil {
			if v, ok := tb.(sdk.TextBlock); ok {
				text += v.Text
			}
		}
	}
	return llm.CompletionResponse{Content: text}, nil
}
