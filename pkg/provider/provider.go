package provider

import (
	"context"

	"github.com/harun/chatstate/pkg/llm"
)

// Provider is a completion backend.
type Provider interface {
	// Name returns the name the provider is registered under.
	Name() string

	// Complete runs one synchronous completion call.
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// ListModels returns the models the backend can serve.
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}
