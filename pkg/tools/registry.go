package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/chatstate/internal/observability"
	"github.com/harun/chatstate/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// ServerFactory builds a Server from its config.
type ServerFactory func(cfg ServerConfig, logger zerolog.Logger) (Server, error)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithServerFactory replaces the default transport selection.
func WithServerFactory(f ServerFactory) RegistryOption {
	return func(r *Registry) {
		r.factory = f
	}
}

type serverEntry struct {
	config  ServerConfig
	server  Server
	tools   []Tool
	schemas map[string]*gojsonschema.Schema
	started bool
	err     error
}

// ServerStatus reports the state of one configured server.
type ServerStatus struct {
	Name    string   `json:"name"`
	Kind    Kind     `json:"kind"`
	Started bool     `json:"started"`
	Tools   []string `json:"tools"`
	Error   string   `json:"error,omitempty"`
}

// Registry owns the tool servers of one conversation.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	servers map[string]*serverEntry
	factory ServerFactory
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		servers: make(map[string]*serverEntry),
		factory: NewServer,
		logger:  logger.With().Str("component", "tools").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync makes the running servers match configs. A started server whose
// config is unchanged is left alone and one whose config changed is
// restarted. Servers no longer listed are stopped and new ones are started
// and their tool lists cached. Start failures are
// recorded in Status and returned joined under ErrToolsUnavailable; the
// remaining servers stay usable.
func (r *Registry) Sync(ctx context.Context, configs []ServerConfig) error {
	ctx, span := tracing.StartSpan(ctx, "chatstate.tools", "tools.sync",
		attribute.Int("servers", len(configs)),
	)
	defer span.End()

	if err := ValidateAll(configs); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	wanted := make(map[string]bool, len(configs))
	for _, c := range configs {
		wanted[c.Name] = true
	}

	r.mu.Lock()
	var removed []*serverEntry
	for name, entry := range r.servers {
		if !wanted[name] {
			removed = append(removed, entry)
			delete(r.servers, name)
		}
	}
	r.mu.Unlock()

	for _, entry := range removed {
		r.stopEntry(entry)
	}

	var errs []error
	order := make([]string, 0, len(configs))
	for _, c := range configs {
		order = append(order, c.Name)

		r.mu.RLock()
		existing, ok := r.servers[c.Name]
		r.mu.RUnlock()
		if ok && existing.started {
			if existing.config.Equal(c) {
				continue
			}
			r.logger.Info().Str("server", c.Name).Msg("Tool server config changed, restarting")
			r.stopEntry(existing)
		}

		entry := r.startEntry(ctx, c)
		if entry.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, entry.err))
		}

		r.mu.Lock()
		r.servers[c.Name] = entry
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.order = order
	r.mu.Unlock()

	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", ErrToolsUnavailable, errors.Join(errs...))
		tracing.RecordError(span, err)
		return err
	}
	return nil
}

func (r *Registry) startEntry(ctx context.Context, cfg ServerConfig) *serverEntry {
	entry := &serverEntry{config: cfg}
	logger := r.logger.With().Str("server", cfg.Name).Str("kind", string(cfg.Kind())).Logger()

	server, err := r.factory(cfg, r.logger)
	if err != nil {
		entry.err = err
		logger.Error().Err(err).Msg("Failed to create tool server")
		return entry
	}

	if err := server.Start(ctx); err != nil {
		entry.err = err
		logger.Error().Err(err).Msg("Failed to start tool server")
		return entry
	}

	tools, err := server.ListTools(ctx)
	if err != nil {
		_ = server.Stop()
		entry.err = fmt.Errorf("failed to list tools: %w", err)
		logger.Error().Err(err).Msg("Failed to list tools")
		return entry
	}

	entry.server = server
	entry.tools = tools
	entry.schemas = compileSchemas(tools, logger)
	entry.started = true
	observability.AddToolServers(1)

	logger.Info().Int("tools", len(tools)).Msg("Tool server ready")
	return entry
}

func (r *Registry) stopEntry(entry *serverEntry) {
	r.mu.Lock()
	wasStarted := entry.started
	entry.started = false
	r.mu.Unlock()

	if entry.server == nil {
		return
	}
	if err := entry.server.Stop(); err != nil {
		r.logger.Warn().Err(err).Str("server", entry.config.Name).Msg("Failed to stop tool server")
	}
	if wasStarted {
		observability.AddToolServers(-1)
	}
}

func compileSchemas(tools []Tool, logger zerolog.Logger) map[string]*gojsonschema.Schema {
	schemas := make(map[string]*gojsonschema.Schema, len(tools))
	for _, t := range tools {
		if len(t.InputSchema) == 0 {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.InputSchema))
		if err != nil {
			logger.Warn().Err(err).Str("tool", t.Name).Msg("Ignoring invalid tool input schema")
			continue
		}
		schemas[t.Name] = schema
	}
	return schemas
}

// List returns the tool catalog of every started server, in server order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tools []Tool
	for _, name := range r.order {
		entry, ok := r.servers[name]
		if !ok || !entry.started {
			continue
		}
		tools = append(tools, entry.tools...)
	}
	return tools
}

// find returns the first server, in server order, advertising tool.
func (r *Registry) find(tool string) (*serverEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		entry, ok := r.servers[name]
		if !ok {
			continue
		}
		for _, t := range entry.tools {
			if t.Name != tool {
				continue
			}
			if !entry.started {
				return nil, fmt.Errorf("%w: %s", ErrServerNotStarted, name)
			}
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, tool)
}

// Call invokes tool with args on the server that advertises it. A result
// flagged as an error by the server is returned as a *ToolError.
func (r *Registry) Call(ctx context.Context, tool string, args json.RawMessage) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "chatstate.tools", "tools.call",
		attribute.String("tool", tool),
	)
	defer span.End()

	entry, err := r.find(tool)
	if err != nil {
		tracing.RecordError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("server", entry.config.Name))

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	if schema, ok := entry.schemas[tool]; ok {
		if err := validateArgs(schema, args); err != nil {
			err = &ToolError{Tool: tool, Server: entry.config.Name, Err: err}
			tracing.RecordError(span, err)
			observability.RecordToolCall(tool, 0, false)
			return "", err
		}
	}

	logger := tracing.LoggerFromContext(ctx, r.logger)
	start := time.Now()

	result, err := entry.server.CallTool(ctx, tool, args)
	duration := time.Since(start)
	if errors.Is(err, ErrServerClosed) || errors.Is(err, ErrServerNotStarted) {
		r.markStopped(entry, err)
		err = fmt.Errorf("%w: %s: %w", ErrServerNotStarted, entry.config.Name, err)
	}
	if err == nil && result.IsError {
		err = errors.New(result.Content)
	}
	if err != nil {
		err = &ToolError{Tool: tool, Server: entry.config.Name, Err: err}
		observability.RecordToolCall(tool, duration, false)
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Str("tool", tool).Dur("duration", duration).Msg("Tool call failed")
		return "", err
	}

	observability.RecordToolCall(tool, duration, true)
	logger.Debug().Str("tool", tool).Dur("duration", duration).Msg("Tool call completed")
	return result.Content, nil
}

// markStopped records that a server went away so the next Sync restarts it.
// Its cached tools are kept so calls report ErrServerNotStarted.
func (r *Registry) markStopped(entry *serverEntry, cause error) {
	r.mu.Lock()
	entry.err = cause
	r.mu.Unlock()

	r.logger.Warn().Err(cause).Str("server", entry.config.Name).Msg("Tool server went away")
	r.stopEntry(entry)
}

func validateArgs(schema *gojsonschema.Schema, args json.RawMessage) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Status reports every configured server in server order.
func (r *Registry) Status() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(r.order))
	for _, name := range r.order {
		entry, ok := r.servers[name]
		if !ok {
			continue
		}
		st := ServerStatus{
			Name:    name,
			Kind:    entry.config.Kind(),
			Started: entry.started,
			Tools:   make([]string, 0, len(entry.tools)),
		}
		for _, t := range entry.tools {
			st.Tools = append(st.Tools, t.Name)
		}
		if entry.err != nil {
			st.Error = entry.err.Error()
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// Close stops every server.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := make([]*serverEntry, 0, len(r.servers))
	for _, entry := range r.servers {
		entries = append(entries, entry)
	}
	r.servers = make(map[string]*serverEntry)
	r.order = nil
	r.mu.Unlock()

	for _, entry := range entries {
		r.stopEntry(entry)
	}
	return nil
}
