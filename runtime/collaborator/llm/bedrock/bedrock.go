// Package bedrock implements llm.Provider on top of the AWS Bedrock
// Converse API, adapted from the teacher's features/model/bedrock
// client down to the text-only subset Conductor needs: no tool
// configuration, no thinking, no streaming, just system + conversation
// turns in and a single text reply out.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/flowmesh/conductor/runtime/collaborator/llm"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
// the adapter needs, matching *bedrockruntime.Client so callers can
// pass either the real client or a fake in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements llm.Provider on top of Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int32
}

var _ llm.Provider = (*Client)(nil)

// New builds a Client from an already-constructed Bedrock runtime
// client.
func New(runtime RuntimeClient, defaultModel string, maxTokens int32) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{runtime: runtime, defaultModel: defaultModel, maxTokens: maxTokens}, nil
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "bedrock" }

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	var system []brtypes.SystemContentBlock
	var conversation []brtypes.Message
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case "assistant":
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	if len(conversation) == 0 {
		return llm.CompletionResponse{}, errors.New("bedrock: at least one user/assistant message is required")
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: conversation,
	}
	if len(system) > 0 {
		input.System = system
	}
	cfg := brtypes.InferenceConfiguration{MaxTokens: aws.Int32(c.maxTokens)}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(req.Temperature))
	}
	input.InferenceConfig = &cfg

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return llm.CompletionResponse{}, fmt.Errorf("bedrock converse: rate limited: %w", err)
		}
		return llm.CompletionResponse{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

func translateResponse(output *bedrockruntime.ConverseOutput) (llm.CompletionResponse, error) {
	if output == nil {
		return llm.CompletionResponse{}, errors.New("bedrock: response is nil")
	}
	var text string
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text += tb.Value
			}
		}
	}
	return llm.CompletionResponse{Content: text}, nil
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}
