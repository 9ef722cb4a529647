package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/chatstate/pkg/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider calls the Chat Completions API. A base URL makes it usable
// against any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	name         string
	client       openai.Client
	defaultModel string
}

// NewOpenAIProvider creates an OpenAI provider. baseURL may be empty.
func NewOpenAIProvider(name, apiKey, baseURL, defaultModel string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		name:         name,
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Complete makes one Chat.Completions.New call.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelOrDefault(req.Model, p.defaultModel)),
		Messages: toOpenAIMessages(req.System, req.Messages),
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			fn := openai.FunctionDefinitionParam{
				Name:       spec.Name,
				Parameters: openai.FunctionParameters(schemaMap(spec.InputSchema)),
			}
			if spec.Description != "" {
				fn.Description = openai.String(spec.Description)
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Type:     "function",
				Function: fn,
			})
		}
		params.Tools = tools
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w", ErrEmptyResponse)
	}

	choice := response.Choices[0]

	var content []llm.ContentBlock
	if choice.Message.Content != "" {
		content = append(content, llm.TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			return nil, fmt.Errorf("openai: failed to parse tool arguments for %s", tc.Function.Name)
		}
		content = append(content, llm.ToolUseBlock(tc.ID, tc.Function.Name, args))
	}

	stop := llm.NormalizeStopReason(choice.FinishReason)
	if len(choice.Message.ToolCalls) > 0 {
		stop = llm.StopToolUse
	}

	return &llm.CompletionResponse{
		ID:         response.ID,
		Model:      response.Model,
		Content:    content,
		StopReason: stop,
		Usage: llm.Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

// ListModels returns the models visible to the API key.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	models := make([]llm.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, llm.ModelInfo{
			ID:       m.ID,
			Provider: p.name,
		})
	}
	return models, nil
}

func toOpenAIMessages(system string, messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := []openai.ChatCompletionMessageParamUnion{}
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleAssistant:
			uses := msg.ToolUses()
			if len(uses) == 0 {
				out = append(out, openai.AssistantMessage(msg.Text()))
				continue
			}

			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(uses))
			for _, u := range uses {
				args := string(u.Input)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   u.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      u.Name,
						Arguments: args,
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Text(),
				ToolCalls: toolCalls,
			}
			out = append(out, assistantMsg.ToParam())

		default:
			// Tool results travel as separate tool-role messages.
			for _, b := range msg.Content {
				if b.Type != llm.BlockToolResult {
					continue
				}
				result := b.Content
				if b.IsError {
					result = "Error: " + result
				}
				out = append(out, openai.ToolMessage(result, b.ToolUseID))
			}
			if text := strings.TrimSpace(msg.Text()); text != "" {
				out = append(out, openai.UserMessage(msg.Text()))
			}
		}
	}
	return out
}
