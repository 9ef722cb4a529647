// Package provider holds the named completion backends a conversation can
// call.
//
// Every adapter maps the provider-neutral llm.CompletionRequest onto its SDK
// and maps the answer back to content blocks, a canonical stop reason and
// token usage. The Registry dispatches by name and retries transient
// failures.
//
// Invariants:
//   - Complete on an unknown name fails with ErrProviderNotFound and is never retried.
//   - Only errors classified by IsRetryableError are retried.
//   - A response containing tool calls always reports llm.StopToolUse.
//
// Usage:
//
//	registry, err := provider.NewFromConfig(ctx, cfg.Providers, logger)
//	resp, err := registry.Complete(ctx, "anthropic", llm.CompletionRequest{...})
package provider
