package conversation

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/harun/chatstate/internal/tracing"
	"github.com/harun/chatstate/pkg/chain"
	"github.com/harun/chatstate/pkg/llm"
	"go.opentelemetry.io/otel/attribute"
)

const titleLength = 30

// RequestCompletion opens a completion cycle for ticket and runs its first
// step. It fails synchronously only with ErrAlreadyPending or ErrClosed;
// every later outcome, error or not, is delivered through the ticket.
func (c *Conversation) RequestCompletion(ctx context.Context, ticket *Ticket) error {
	if c.closed {
		return ErrClosed
	}
	if err := c.controller.Begin(ticket); err != nil {
		return err
	}

	ctx = tracing.WithCycleID(ctx, ticket.ID())
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Debug().Msg("Completion cycle opened")

	if err := c.GenerateCompletion(ctx); err != nil {
		c.failCycle(ctx, err)
	}
	return nil
}

// GenerateCompletion sends the chain to the configured provider, appends
// the completion and schedules the continuation step. It does not resolve
// the pending cycle.
func (c *Conversation) GenerateCompletion(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "chatstate.conversation", "conversation.generate",
		attribute.String("conversation.id", c.id),
		attribute.String("provider", c.settings.ModelConfig.Provider),
		attribute.String("model", c.settings.ModelConfig.Model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	history, err := c.chain.Messages(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if len(history) == 0 {
		return ErrEmptyConversation
	}

	req := c.buildRequest(history)
	span.SetAttributes(attribute.Int("messages", len(req.Messages)))

	resp, err := c.providers.Complete(ctx, c.settings.ModelConfig.Provider, req)
	if err != nil {
		err = &UpstreamError{Source: "provider", Err: err}
		tracing.RecordError(span, err)
		return err
	}

	completion := chain.Completion{
		ID:         resp.ID,
		Provider:   c.settings.ModelConfig.Provider,
		Model:      resp.Model,
		Content:    resp.Content,
		StopReason: resp.StopReason,
		Usage:      resp.Usage,
	}
	if completion.Model == "" {
		completion.Model = req.Model
	}

	msg, err := c.chain.Append(ctx, chain.CompletionEntry(completion))
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	logger.Debug().
		Str("entry_id", msg.ID).
		Str("stop_reason", string(resp.StopReason)).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Msg("Completion appended")

	if err := c.schedule(ctx); err != nil {
		err = fmt.Errorf("failed to schedule continuation: %w", err)
		tracing.RecordError(span, err)
		return err
	}
	return nil
}

// buildRequest projects the chain onto provider messages and fits them
// into the context window.
func (c *Conversation) buildRequest(history []chain.ChatMessage) llm.CompletionRequest {
	messages := make([]llm.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, m.Entry.Project())
	}

	catalog := c.tools.List()
	specs := make([]llm.ToolSpec, 0, len(catalog))
	for _, t := range catalog {
		specs = append(specs, t.Spec())
	}

	s := c.settings
	reserved := s.MaxTokens + llm.EstimateTokens(s.SystemPrompt) + llm.EstimateToolTokens(specs)
	trimmed := llm.Truncate(messages, s.MaxContextTokens, reserved)
	if len(trimmed) < len(messages) {
		c.logger.Debug().
			Int("kept", len(trimmed)).
			Int("dropped", len(messages)-len(trimmed)).
			Msg("History truncated to fit the context window")
	}

	return llm.CompletionRequest{
		Model:       s.ModelConfig.Model,
		Messages:    trimmed,
		System:      s.SystemPrompt,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		Tools:       specs,
	}
}

// ContinueChain inspects the head and either ends the cycle or runs the
// requested tools and asks for the next completion. A tool_use completion
// that carries no invocations ends the cycle like any other reply. Failures
// end the cycle with an error reply.
func (c *Conversation) ContinueChain(ctx context.Context) {
	if c.closed {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "chatstate.conversation", "conversation.continue",
		attribute.String("conversation.id", c.id),
	)
	defer span.End()

	head := c.chain.Head()
	if head == "" {
		c.resolve(ctx)
		return
	}

	msg, ok := c.chain.Get(ctx, head)
	if !ok {
		err := &chain.StorageError{Op: "continue", Err: fmt.Errorf("%w: head %s", chain.ErrBrokenChain, head)}
		tracing.RecordError(span, err)
		c.failCycle(ctx, err)
		return
	}

	completion := msg.Entry.Completion
	if completion == nil || !completion.StopReason.IsToolUse() {
		span.SetAttributes(attribute.String("entry.kind", string(msg.Entry.Kind())))
		c.resolve(ctx)
		return
	}

	uses := completion.ToolUses()
	if len(uses) == 0 {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Warn().Str("head", head).Msg("Tool use stop without invocations, ending cycle")
		c.resolve(ctx)
		return
	}

	results, err := c.runTools(ctx, uses)
	if err != nil {
		tracing.RecordError(span, err)
		c.failCycle(ctx, err)
		return
	}

	if _, err := c.chain.Append(ctx, chain.MessageEntry(llm.Message{Role: llm.RoleUser, Content: results})); err != nil {
		tracing.RecordError(span, err)
		c.failCycle(ctx, err)
		return
	}

	if err := c.GenerateCompletion(ctx); err != nil {
		tracing.RecordError(span, err)
		c.failCycle(ctx, err)
	}
}

// runTools answers every invocation in order. A failed invocation yields an
// error result for that invocation only; the batch is abandoned only when
// ctx is done.
func (c *Conversation) runTools(ctx context.Context, uses []llm.ContentBlock) ([]llm.ContentBlock, error) {
	logger := tracing.LoggerFromContext(ctx, c.logger)
	results := make([]llm.ContentBlock, 0, len(uses))

	for _, use := range uses {
		if err := ctx.Err(); err != nil {
			return nil, &UpstreamError{Source: "tools", Err: err}
		}

		output, err := c.tools.Call(ctx, use.Name, use.Input)
		if err != nil {
			logger.Warn().Err(err).Str("tool", use.Name).Str("tool_use_id", use.ID).Msg("Tool invocation failed")
			results = append(results, llm.ToolResultBlock(use.ID, err.Error(), true))
			continue
		}
		results = append(results, llm.ToolResultBlock(use.ID, output, false))
	}
	return results, nil
}

// resolve ends the open cycle, replying with the current head.
func (c *Conversation) resolve(ctx context.Context) {
	if !c.controller.Pending() {
		return
	}
	c.ensureTitle(ctx)
	c.controller.Resolve(headResponse(c.chain.Head()))
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Debug().Str("head", c.chain.Head()).Msg("Completion cycle resolved")
}

// failCycle records an upstream failure in the chain and ends the open
// cycle with an error reply. Validation and storage failures append
// nothing.
func (c *Conversation) failCycle(ctx context.Context, err error) {
	logger := tracing.LoggerFromContext(ctx, c.logger)

	code := CodeCompletionError
	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.Source == "tools" {
		code = CodeToolError
	}

	if Classify(err) == KindUpstream {
		if _, appendErr := c.chain.Append(ctx, chain.ErrorEntryOf(code, err.Error())); appendErr != nil {
			logger.Error().Err(appendErr).Msg("Failed to record cycle error")
		}
	}

	logger.Warn().Err(err).Str("code", code).Msg("Completion cycle failed")
	c.controller.Resolve(errorResponse(err, code, c.chain.Head()))
}

// ensureTitle derives a title from the first user text when none is set.
func (c *Conversation) ensureTitle(ctx context.Context) {
	if c.settings.Title != "" {
		return
	}
	title := c.deriveTitle(ctx)
	if err := c.UpdateTitle(ctx, title); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist derived title")
	}
}

func (c *Conversation) deriveTitle(ctx context.Context) string {
	history, err := c.chain.Messages(ctx)
	if err == nil {
		for _, m := range history {
			if m.Entry.Message == nil || m.Entry.Message.Role != llm.RoleUser {
				continue
			}
			text := m.Entry.Message.Text()
			if text == "" {
				continue
			}
			if utf8.RuneCountInString(text) <= titleLength {
				return text
			}
			return string([]rune(text)[:titleLength]) + ".."
		}
	}

	short := c.id
	if len(short) > 8 {
		short = short[:8]
	}
	return "Conversation " + short
}
