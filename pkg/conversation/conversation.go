package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/chatstate/internal/observability"
	"github.com/harun/chatstate/internal/tracing"
	"github.com/harun/chatstate/pkg/chain"
	"github.com/harun/chatstate/pkg/fanout"
	"github.com/harun/chatstate/pkg/llm"
	"github.com/harun/chatstate/pkg/store"
	"github.com/harun/chatstate/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Completer is the provider registry as a conversation uses it.
type Completer interface {
	Complete(ctx context.Context, name string, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}

// ToolCaller is the tool registry as a conversation uses it.
type ToolCaller interface {
	Sync(ctx context.Context, configs []tools.ServerConfig) error
	List() []tools.Tool
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
	Status() []tools.ServerStatus
	Close() error
}

// Scheduler queues a continuation step to run after the current one.
type Scheduler func(ctx context.Context) error

// Config holds the collaborators of a Conversation.
type Config struct {
	ID        string
	Store     store.Store
	Providers Completer
	// Tools defaults to a fresh tools.Registry.
	Tools    ToolCaller
	Defaults Settings
	Logger   zerolog.Logger
}

// Conversation is the state of one conversation: its chain, settings,
// pending completion cycle and subscribers. It is not safe for concurrent
// use; an Actor serializes every call on it.
type Conversation struct {
	id          string
	chain       *chain.Chain
	store       store.Store
	providers   Completer
	tools       ToolCaller
	broadcaster *fanout.Broadcaster
	controller  Controller
	settings    Settings
	defaults    Settings
	schedule    Scheduler
	closed      bool
	logger      zerolog.Logger
}

// New creates a conversation. Call Init before use.
func New(cfg Config) (*Conversation, error) {
	if cfg.Providers == nil {
		return nil, fmt.Errorf("providers are required")
	}

	logger := cfg.Logger.With().
		Str("component", "orchestrator").
		Str("conversation_id", cfg.ID).
		Logger()

	ch, err := chain.New(cfg.ID, cfg.Store, cfg.Logger)
	if err != nil {
		return nil, err
	}

	toolCaller := cfg.Tools
	if toolCaller == nil {
		toolCaller = tools.NewRegistry(cfg.Logger)
	}

	broadcaster := fanout.NewBroadcaster(cfg.Logger)
	ch.SetNotifier(broadcaster)

	c := &Conversation{
		id:          cfg.ID,
		chain:       ch,
		store:       cfg.Store,
		providers:   cfg.Providers,
		tools:       toolCaller,
		broadcaster: broadcaster,
		defaults:    cfg.Defaults,
		logger:      logger,
	}
	c.schedule = func(ctx context.Context) error {
		c.ContinueChain(ctx)
		return nil
	}
	return c, nil
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	return c.id
}

// SetScheduler replaces how continuation steps are queued. Without one
// the continuation runs inline.
func (c *Conversation) SetScheduler(s Scheduler) {
	c.schedule = s
}

// Init restores the head and settings from the store. A conversation seen
// for the first time persists its default settings. Tool servers are
// started; failures are logged and left in the tool status.
func (c *Conversation) Init(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "chatstate.conversation", "conversation.init",
		attribute.String("conversation.id", c.id),
	)
	defer span.End()

	if err := c.chain.Load(ctx); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	settings, ok, err := loadSettings(ctx, c.store, c.id)
	if err != nil {
		tracing.RecordError(span, err)
		return &chain.StorageError{Op: "load_settings", Err: err}
	}
	if !ok {
		settings = c.defaults
		if err := saveSettings(ctx, c.store, c.id, settings); err != nil {
			tracing.RecordError(span, err)
			return &chain.StorageError{Op: "save_settings", Err: err}
		}
		c.logger.Info().Msg("Conversation created with default settings")
	}
	c.settings = settings

	c.syncTools(ctx)

	c.logger.Debug().
		Str("head", c.chain.Head()).
		Str("provider", settings.ModelConfig.Provider).
		Str("model", settings.ModelConfig.Model).
		Msg("Conversation initialized")
	return nil
}

func (c *Conversation) syncTools(ctx context.Context) {
	if err := c.tools.Sync(ctx, c.settings.ToolServers); err != nil {
		c.logger.Warn().Err(err).Msg("Some tool servers are unavailable")
	}
}

// AddMessage appends a client message to the chain.
func (c *Conversation) AddMessage(ctx context.Context, msg llm.Message) (chain.ChatMessage, error) {
	if c.closed {
		return chain.ChatMessage{}, ErrClosed
	}
	if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
		return chain.ChatMessage{}, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	if len(msg.Content) == 0 {
		return chain.ChatMessage{}, fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	return c.chain.Append(ctx, chain.MessageEntry(msg))
}

// Head returns the current head id, or "" when the chain is empty.
func (c *Conversation) Head() string {
	return c.chain.Head()
}

// SetHead overrides the head. An empty id clears it.
func (c *Conversation) SetHead(ctx context.Context, id string) error {
	if c.closed {
		return ErrClosed
	}

	previous := c.chain.Head()
	err := c.chain.SetHead(ctx, id)

	status := "success"
	if err != nil {
		status = "error"
	}
	observability.RecordConversationAudit(ctx, c.id, "set_head", status, map[string]interface{}{
		"previous": previous,
		"head":     id,
	})
	return err
}

// GetMessage returns the stored node for id.
func (c *Conversation) GetMessage(ctx context.Context, id string) (chain.ChatMessage, error) {
	msg, ok := c.chain.Get(ctx, id)
	if !ok {
		return chain.ChatMessage{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return msg, nil
}

// History returns the chain oldest first.
func (c *Conversation) History(ctx context.Context) ([]chain.ChatMessage, error) {
	return c.chain.Messages(ctx)
}

// Settings returns a copy of the current settings.
func (c *Conversation) Settings() Settings {
	s := c.settings
	s.ToolServers = append([]tools.ServerConfig(nil), c.settings.ToolServers...)
	return s
}

// UpdateSettings replaces the settings wholesale, starts newly configured
// tool servers, stops removed ones and persists the result.
func (c *Conversation) UpdateSettings(ctx context.Context, settings Settings) error {
	if c.closed {
		return ErrClosed
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := saveSettings(ctx, c.store, c.id, settings); err != nil {
		return &chain.StorageError{Op: "save_settings", Err: err}
	}
	c.settings = settings
	c.syncTools(ctx)

	observability.RecordConversationAudit(ctx, c.id, "update_settings", "success", map[string]interface{}{
		"provider":     settings.ModelConfig.Provider,
		"model":        settings.ModelConfig.Model,
		"tool_servers": len(settings.ToolServers),
	})
	return nil
}

// UpdateTitle sets the conversation title.
func (c *Conversation) UpdateTitle(ctx context.Context, title string) error {
	next := c.Settings()
	next.Title = strings.TrimSpace(title)
	return c.persist(ctx, next)
}

// UpdateSystemPrompt sets the system prompt; "" removes it.
func (c *Conversation) UpdateSystemPrompt(ctx context.Context, prompt string) error {
	next := c.Settings()
	next.SystemPrompt = prompt
	return c.persist(ctx, next)
}

// persist saves settings that differ from the current ones only in fields
// that need no tool server changes.
func (c *Conversation) persist(ctx context.Context, settings Settings) error {
	if c.closed {
		return ErrClosed
	}
	if err := saveSettings(ctx, c.store, c.id, settings); err != nil {
		return &chain.StorageError{Op: "save_settings", Err: err}
	}
	c.settings = settings
	return nil
}

// ListModels returns the models of every configured provider.
func (c *Conversation) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	models, err := c.providers.ListModels(ctx)
	if err != nil {
		return nil, &UpstreamError{Source: "provider", Err: err}
	}
	return models, nil
}

// ListTools returns the catalog of the started tool servers. It fails with
// tools.ErrToolsUnavailable when no server is configured.
func (c *Conversation) ListTools() ([]tools.Tool, error) {
	if len(c.settings.ToolServers) == 0 {
		return nil, fmt.Errorf("%w: no tool servers configured", tools.ErrToolsUnavailable)
	}
	list := c.tools.List()
	if list == nil {
		list = []tools.Tool{}
	}
	return list, nil
}

// ToolStatus reports the configured tool servers.
func (c *Conversation) ToolStatus() []tools.ServerStatus {
	return c.tools.Status()
}

// Subscribe adds a channel to the fan-out set. Subscribing twice is a no-op.
func (c *Conversation) Subscribe(id string, sink fanout.Sink) {
	c.broadcaster.Subscribe(id, sink)
}

// Unsubscribe removes a channel from the fan-out set.
func (c *Conversation) Unsubscribe(id string) {
	c.broadcaster.Unsubscribe(id)
}

// Subscribers returns the subscribed channel ids in subscription order.
func (c *Conversation) Subscribers() []string {
	return c.broadcaster.Subscribers()
}

// Pending reports whether a completion cycle is open.
func (c *Conversation) Pending() bool {
	return c.controller.Pending()
}

// Close resolves an open cycle with an error and stops the tool servers.
func (c *Conversation) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.controller.Resolve(errorResponse(ErrClosed, CodeCompletionError, c.chain.Head())) {
		c.logger.Warn().Msg("Pending completion resolved by close")
	}
	return c.tools.Close()
}
