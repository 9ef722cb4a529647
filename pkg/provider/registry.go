package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/chatstate/internal/observability"
	"github.com/harun/chatstate/internal/tracing"
	"github.com/harun/chatstate/pkg/llm"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRetry overrides the retry policy. maxRetries counts attempts, so 1
// disables retrying.
func WithRetry(maxRetries int, baseDelay time.Duration) RegistryOption {
	return func(r *Registry) {
		if maxRetries > 0 {
			r.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			r.baseDelay = baseDelay
		}
	}
}

// Registry holds the named completion providers.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]Provider
	maxRetries int
	baseDelay  time.Duration
	logger     zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		providers:  make(map[string]Provider),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultRetryDelay,
		logger:     logger.With().Str("component", "provider").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds p under its name, replacing any provider with the same name.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is required")
	}
	if p.Name() == "" {
		return fmt.Errorf("provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p

	r.logger.Debug().Str("provider", p.Name()).Msg("Provider registered")
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Complete sends req to the named provider, retrying transient failures
// with exponential backoff.
func (r *Registry) Complete(ctx context.Context, name string, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "chatstate.provider", "provider.complete",
		attribute.String("provider", name),
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
		attribute.Int("tools", len(req.Tools)),
	)
	defer span.End()

	p, err := r.Get(name)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("provider", name).Logger()
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			if resp == nil {
				err = ErrEmptyResponse
			} else {
				observability.RecordCompletion(name, string(resp.StopReason), time.Since(start))
				span.SetAttributes(
					attribute.String("stop_reason", string(resp.StopReason)),
					attribute.Int("input_tokens", resp.Usage.InputTokens),
					attribute.Int("output_tokens", resp.Usage.OutputTokens),
				)
				return resp, nil
			}
		}

		lastErr = err
		observability.RecordProviderError(name)

		if !IsRetryableError(err) {
			tracing.RecordError(span, err)
			return nil, err
		}

		if attempt == r.maxRetries-1 {
			break
		}

		delay := r.baseDelay * time.Duration(1<<attempt)
		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying completion after error")

		select {
		case <-ctx.Done():
			tracing.RecordError(span, ctx.Err())
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	err = fmt.Errorf("max retries (%d) exceeded: %w", r.maxRetries, lastErr)
	tracing.RecordError(span, err)
	return nil, err
}

// ListModels aggregates the models of every provider, tagging each with the
// provider name. A failing provider is skipped unless all of them fail.
func (r *Registry) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	ctx, span := tracing.StartSpan(ctx, "chatstate.provider", "provider.list_models")
	defer span.End()

	names := r.Names()
	if len(names) == 0 {
		return nil, ErrNoProviders
	}

	var (
		models []llm.ModelInfo
		errs   []error
	)
	for _, name := range names {
		p, err := r.Get(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		list, err := p.ListModels(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("provider", name).Msg("Failed to list models")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		for _, m := range list {
			m.Provider = name
			models = append(models, m)
		}
	}

	if len(errs) == len(names) {
		err := errors.Join(errs...)
		tracing.RecordError(span, err)
		return nil, err
	}
	return models, nil
}
