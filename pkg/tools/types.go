package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/harun/chatstate/pkg/llm"
)

// Tool is one callable tool advertised by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Server      string          `json:"server"`
}

// Spec returns the provider-facing description of t.
func (t Tool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
}

// Result is the outcome of a tools/call.
type Result struct {
	Content string
	IsError bool
}

// Server is a running tool server.
type Server interface {
	Start(ctx context.Context) error
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*Result, error)
	Stop() error
}

type callResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// decodeCallResult flattens a tools/call result. Text content items are
// joined; results without a content list are returned as raw JSON.
func decodeCallResult(raw json.RawMessage) *Result {
	var cr callResult
	if err := json.Unmarshal(raw, &cr); err != nil || cr.Content == nil {
		return &Result{Content: string(raw)}
	}

	parts := make([]string, 0, len(cr.Content))
	for _, c := range cr.Content {
		if c.Type == "text" || c.Type == "" {
			parts = append(parts, c.Text)
		}
	}
	return &Result{Content: strings.Join(parts, "\n"), IsError: cr.IsError}
}
