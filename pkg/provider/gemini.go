package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/chatstate/pkg/llm"
	"google.golang.org/genai"
)

// GeminiProvider calls the Gemini API through the genai SDK.
type GeminiProvider struct {
	name         string
	client       *genai.Client
	defaultModel string
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(ctx context.Context, name, apiKey, defaultModel string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	if name == "" {
		name = "gemini"
	}
	return &GeminiProvider{
		name:         name,
		client:       client,
		defaultModel: defaultModel,
	}, nil
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string {
	return p.name
}

// Complete makes one GenerateContent call.
func (p *GeminiProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := modelOrDefault(req.Model, p.defaultModel)

	resp, err := p.client.Models.GenerateContent(ctx, model, toGeminiContents(req.Messages), buildGeminiConfig(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}

	candidate := resp.Candidates[0]

	var (
		content  []llm.ContentBlock
		toolUsed bool
	)
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			content = append(content, llm.TextBlock(part.Text))
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("gemini: failed to encode function args: %w", err)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			content = append(content, llm.ToolUseBlock(id, part.FunctionCall.Name, args))
			toolUsed = true
		}
	}

	stop := llm.NormalizeStopReason(string(candidate.FinishReason))
	if toolUsed {
		stop = llm.StopToolUse
	}

	out := &llm.CompletionResponse{
		ID:         resp.ResponseID,
		Model:      model,
		Content:    content,
		StopReason: stop,
	}
	if resp.UsageMetadata != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// ListModels returns the first page of available models.
func (p *GeminiProvider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	page, err := p.client.Models.List(ctx, &genai.ListModelsConfig{})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	models := make([]llm.ModelInfo, 0, len(page.Items))
	for _, m := range page.Items {
		if m == nil {
			continue
		}
		models = append(models, llm.ModelInfo{
			ID:          strings.TrimPrefix(m.Name, "models/"),
			DisplayName: m.DisplayName,
			Provider:    p.name,
			MaxTokens:   int(m.OutputTokenLimit),
		})
	}
	return models, nil
}

func buildGeminiConfig(req llm.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: req.System},
			},
		}
	}

	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}

	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, spec := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  toGeminiSchema(schemaMap(spec.InputSchema)),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return config
}

// toGeminiContents maps history onto user/model turns. Function responses
// are keyed by function name, so tool_use ids are resolved to names first.
func toGeminiContents(messages []llm.Message) []*genai.Content {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, u := range msg.ToolUses() {
			names[u.ID] = u.Name
		}
	}

	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		for _, b := range msg.Content {
			switch b.Type {
			case llm.BlockText:
				if b.Text != "" {
					parts = append(parts, &genai.Part{Text: b.Text})
				}
			case llm.BlockToolUse:
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   b.ID,
						Name: b.Name,
						Args: inputMap(b.Input),
					},
				})
			case llm.BlockToolResult:
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       b.ToolUseID,
						Name:     names[b.ToolUseID],
						Response: functionResponse(b.Content, b.IsError),
					},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func functionResponse(content string, isError bool) map[string]any {
	if isError {
		return map[string]any{"error": content}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"result": content}
}

func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}

	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}

	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}

	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}

	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}

	return schema
}
