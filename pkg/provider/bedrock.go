package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/harun/chatstate/pkg/llm"
)

const defaultBedrockRegion = "us-east-1"

// BedrockConfig configures a BedrockProvider. Without explicit keys the
// default AWS credential chain is used.
type BedrockConfig struct {
	Name            string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	DefaultModel    string
}

// BedrockProvider calls the Bedrock Converse API.
type BedrockProvider struct {
	name         string
	runtime      *bedrockruntime.Client
	control      *bedrock.Client
	defaultModel string
}

// NewBedrockProvider loads AWS configuration and creates the runtime and
// control-plane clients.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = defaultBedrockRegion
	}
	if cfg.Name == "" {
		cfg.Name = "bedrock"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		name:         cfg.Name,
		runtime:      bedrockruntime.NewFromConfig(awsCfg),
		control:      bedrock.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns the provider name.
func (p *BedrockProvider) Name() string {
	return p.name
}

// Complete makes one Converse call.
func (p *BedrockProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := modelOrDefault(req.Model, p.defaultModel)

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: toBedrockMessages(req.Messages),
	}

	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	if req.MaxTokens > 0 || req.Temperature != nil {
		inference := &types.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			inference.MaxTokens = aws.Int32(int32(min(req.MaxTokens, math.MaxInt32)))
		}
		if req.Temperature != nil {
			inference.Temperature = aws.Float32(float32(*req.Temperature))
		}
		input.InferenceConfig = inference
	}

	if len(req.Tools) > 0 {
		tools := make([]types.Tool, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tools = append(tools, &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(spec.Name),
					Description: aws.String(spec.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaMap(spec.InputSchema))},
				},
			})
		}
		input.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}

	out, err := p.runtime.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("bedrock: %w", ErrEmptyResponse)
	}

	content := make([]llm.ContentBlock, 0, len(msg.Value.Content))
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			content = append(content, llm.TextBlock(b.Value))
		case *types.ContentBlockMemberToolUse:
			args := map[string]interface{}{}
			if b.Value.Input != nil {
				if err := b.Value.Input.UnmarshalSmithyDocument(&args); err != nil {
					return nil, fmt.Errorf("bedrock: failed to decode tool input: %w", err)
				}
			}
			raw, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("bedrock: failed to encode tool input: %w", err)
			}
			content = append(content, llm.ToolUseBlock(aws.ToString(b.Value.ToolUseId), aws.ToString(b.Value.Name), raw))
		}
	}

	resp := &llm.CompletionResponse{
		Model:      model,
		Content:    content,
		StopReason: llm.NormalizeStopReason(string(out.StopReason)),
	}
	if out.Usage != nil {
		resp.Usage = llm.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	return resp, nil
}

// ListModels lists the foundation models available in the region.
func (p *BedrockProvider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	out, err := p.control.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	models := make([]llm.ModelInfo, 0, len(out.ModelSummaries))
	for _, m := range out.ModelSummaries {
		models = append(models, llm.ModelInfo{
			ID:          aws.ToString(m.ModelId),
			DisplayName: aws.ToString(m.ModelName),
			Provider:    p.name,
		})
	}
	return models, nil
}

func toBedrockMessages(messages []llm.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		var content []types.ContentBlock
		for _, b := range msg.Content {
			switch b.Type {
			case llm.BlockText:
				if b.Text != "" {
					content = append(content, &types.ContentBlockMemberText{Value: b.Text})
				}
			case llm.BlockToolUse:
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(b.ID),
						Name:      aws.String(b.Name),
						Input:     document.NewLazyDocument(inputMap(b.Input)),
					},
				})
			case llm.BlockToolResult:
				status := types.ToolResultStatusSuccess
				if b.IsError {
					status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(b.ToolUseID),
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberText{Value: b.Content},
						},
						Status: status,
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == llm.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out
}
