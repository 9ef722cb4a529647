package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/chatstate/pkg/llm"
)

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	name         string
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates an Anthropic provider. baseURL may be empty.
func NewAnthropicProvider(name, apiKey, baseURL, defaultModel string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if name == "" {
		name = "anthropic"
	}
	return &AnthropicProvider{
		name:         name,
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return p.name
}

// Complete makes one Messages.New call.
func (p *AnthropicProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelOrDefault(req.Model, p.defaultModel)),
		Messages:  toAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	content := make([]llm.ContentBlock, 0, len(response.Content))
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content = append(content, llm.TextBlock(b.Text))
		case anthropic.ToolUseBlock:
			content = append(content, llm.ToolUseBlock(b.ID, b.Name, json.RawMessage(b.JSON.Input.Raw())))
		}
	}

	return &llm.CompletionResponse{
		ID:         response.ID,
		Model:      string(response.Model),
		Content:    content,
		StopReason: llm.NormalizeStopReason(string(response.StopReason)),
		Usage: llm.Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// ListModels pages through the models endpoint once.
func (p *AnthropicProvider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	models := make([]llm.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, llm.ModelInfo{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Provider:    p.name,
		})
	}
	return models, nil
}

func toAnthropicMessages(messages []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, b := range msg.Content {
			switch b.Type {
			case llm.BlockText:
				if b.Text == "" {
					continue
				}
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case llm.BlockToolUse:
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, inputMap(b.Input), b.Name))
			case llm.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if msg.Role == llm.RoleAssistant {
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
			continue
		}
		out = append(out, anthropic.NewUserMessage(blocks...))
	}
	return out
}

func toAnthropicTools(specs []llm.ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema := schemaMap(spec.InputSchema)
		toolParam := anthropic.ToolParam{
			Name: spec.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   requiredFields(schema),
			},
		}
		if spec.Description != "" {
			toolParam.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}
