package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates ContentBlock variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one piece of message content. Text blocks use Text;
// tool_use blocks use ID, Name and Input; tool_result blocks use ToolUseID,
// Content and IsError.
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock returns a tool invocation block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns the answer to the tool invocation toolUseID.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is a role plus ordered content blocks.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewTextMessage returns a single-text-block message.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// Text concatenates the text blocks of m.
func (m Message) Text() string {
	return JoinText(m.Content)
}

// ToolUses returns the tool_use blocks of m in order.
func (m Message) ToolUses() []ContentBlock {
	return ToolUses(m.Content)
}

// HasToolResults reports whether m carries any tool_result block.
func (m Message) HasToolResults() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// JoinText concatenates the text blocks in content.
func JoinText(content []ContentBlock) string {
	var sb strings.Builder
	for _, b := range content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks in content, in order.
func ToolUses(content []ContentBlock) []ContentBlock {
	var uses []ContentBlock
	for _, b := range content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// StopReason says why a provider stopped generating. Values outside the
// named constants are kept verbatim and treated as "other".
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
)

// IsToolUse reports whether the provider is waiting on tool results.
func (s StopReason) IsToolUse() bool {
	return s == StopToolUse
}

// Known reports whether s is one of the named stop reasons.
func (s StopReason) Known() bool {
	switch s {
	case StopEndTurn, StopMaxTokens, StopStopSequence, StopToolUse:
		return true
	}
	return false
}

// NormalizeStopReason maps provider-specific finish reasons onto the
// canonical set. Unrecognized values pass through unchanged.
func NormalizeStopReason(raw string) StopReason {
	switch strings.ToLower(raw) {
	case "end_turn", "stop", "end", "finish_reason_stop":
		return StopEndTurn
	case "max_tokens", "length", "model_context_window_exceeded":
		return StopMaxTokens
	case "stop_sequence":
		return StopStopSequence
	case "tool_use", "tool_calls", "function_call":
		return StopToolUse
	default:
		return StopReason(raw)
	}
}

// Usage is the token accounting reported with a completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolSpec advertises a callable tool to a provider.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CompletionRequest is the provider-neutral completion call.
type CompletionRequest struct {
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	System      string     `json:"system,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	MaxTokens   int        `json:"max_tokens"`
	Tools       []ToolSpec `json:"tools,omitempty"`
}

// CompletionResponse is the provider-neutral completion result.
type CompletionResponse struct {
	ID         string         `json:"id,omitempty"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// ModelInfo describes a model a provider can serve.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Provider    string `json:"provider"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}
