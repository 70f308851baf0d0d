// Package openai implements llm.Provider on top of the OpenAI Chat
// Completions API, structured the same way as the teacher's
// features/model/openai adapter (a narrow ChatClient interface wrapping
// the SDK, a Complete method translating the generic request/response
// shape) but built on github.com/openai/openai-go, the client this
// module's go.mod actually carries.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flowmesh/conductor/runtime/collaborator/llm"
)

// ChatClient captures the subset of the OpenAI SDK used by the
// adapter, so tests can substitute a fake.
type ChatClient interface {
	New(ctx context.Context, body openaisdk.ChatCompletionNewParams, opts ...option.RequestOption) (*openaisdk.ChatCompletion, error)
}

// Client implements llm.Provider via OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
}

var _ llm.Provider = (*Client)(nil)

// New builds a Client from an already-constructed chat completions
// service.
func New(chat ChatClient, defaultModel string) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: chat, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a Client using the default openai-go HTTP
// client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	c := openaisdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, defaultModel)
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "openai" }

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return llm.CompletionResponse{}, errors.New("openai: at least one message is required")
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openaisdk.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openaisdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, openaisdk.UserMessage(m.Content))
		}
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openaisdk.Float(req.Temperature)
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, fmt.Errorf("openai chat completions: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, errors.New("openai: empty response")
	}
	return llm.CompletionResponse{Content: resp.Choices[0].Message.Content}, nil
}
