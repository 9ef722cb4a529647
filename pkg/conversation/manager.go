package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/harun/chatstate/pkg/mailbox"
	"github.com/harun/chatstate/pkg/store"
	"github.com/rs/zerolog"
)

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ManagerConfig holds what every hosted conversation shares.
type ManagerConfig struct {
	Store     store.Store
	Providers Completer
	Defaults  Settings
	// NewTools builds the tool registry of one conversation. Nil selects
	// tools.NewRegistry.
	NewTools     func(logger zerolog.Logger) ToolCaller
	MaxQueueSize int
	Logger       zerolog.Logger
}

// Manager hosts one Actor per conversation id, created on first use.
type Manager struct {
	mu       sync.Mutex
	actors   map[string]*Actor
	defaults Settings
	closed   bool

	cfg     ManagerConfig
	mailbox *mailbox.Mailbox
	logger  zerolog.Logger
}

// NewManager creates a manager with no conversations loaded.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("providers are required")
	}
	return &Manager{
		actors:   make(map[string]*Actor),
		defaults: cfg.Defaults,
		cfg:      cfg,
		mailbox:  mailbox.New(cfg.MaxQueueSize, cfg.Logger),
		logger:   cfg.Logger.With().Str("component", "manager").Logger(),
	}, nil
}

// ValidConversationID reports whether id can name a conversation.
func ValidConversationID(id string) bool {
	return conversationIDPattern.MatchString(id)
}

// SetDefaults changes the settings given to conversations created from now
// on. Existing conversations keep theirs.
func (m *Manager) SetDefaults(s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = s
}

// Get returns the initialized actor for id, loading it on first use.
func (m *Manager) Get(ctx context.Context, id string) (*Actor, error) {
	if !ValidConversationID(id) {
		return nil, fmt.Errorf("%w: invalid conversation id %q", ErrInvalidRequest, id)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	actor, ok := m.actors[id]
	if !ok || actor.Evicted() {
		var err error
		actor, err = m.newActor(id)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.actors[id] = actor
	}
	m.mu.Unlock()

	if err := actor.Init(ctx); err != nil {
		m.mu.Lock()
		if m.actors[id] == actor {
			delete(m.actors, id)
		}
		m.mu.Unlock()
		_ = actor.Close(context.Background())
		m.logger.Error().Err(err).Str("conversation_id", id).Msg("Failed to load conversation")
		return nil, err
	}
	return actor, nil
}

// newActor must be called with m.mu held.
func (m *Manager) newActor(id string) (*Actor, error) {
	cfg := Config{
		ID:        id,
		Store:     m.cfg.Store,
		Providers: m.cfg.Providers,
		Defaults:  m.defaults,
		Logger:    m.cfg.Logger,
	}
	if m.cfg.NewTools != nil {
		cfg.Tools = m.cfg.NewTools(m.cfg.Logger)
	}

	conv, err := New(cfg)
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("conversation_id", id).Msg("Conversation loaded")
	return NewActor(conv, m.mailbox, m.cfg.Logger), nil
}

// Request loads conversation id and runs req on it. A request that loses a
// race with an idle sweep is retried once on a freshly loaded actor.
func (m *Manager) Request(ctx context.Context, id string, req Request) (Response, error) {
	for attempt := 0; ; attempt++ {
		actor, err := m.Get(ctx, id)
		if err != nil {
			return Response{}, err
		}
		resp, err := actor.Request(ctx, req)
		if errors.Is(err, errEvicted) && attempt == 0 {
			continue
		}
		return resp, err
	}
}

// EvictIdle unloads conversations that have not received a request for at
// least maxIdle. Conversations with a pending cycle or an open channel stay
// loaded. Everything a conversation holds is persisted, so an evicted
// conversation is loaded again on its next request. It returns the evicted
// ids, sorted.
func (m *Manager) EvictIdle(ctx context.Context, maxIdle time.Duration) ([]string, error) {
	now := time.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil
	}
	var candidates []*Actor
	for _, a := range m.actors {
		if a.IdleFor(now) >= maxIdle {
			candidates = append(candidates, a)
		}
	}
	m.mu.Unlock()

	var (
		evicted []string
		errs    []error
	)
	for _, a := range candidates {
		ok, err := a.evictIfIdle(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
		}
		if !ok {
			continue
		}
		m.mu.Lock()
		if m.actors[a.ID()] == a {
			delete(m.actors, a.ID())
		}
		m.mu.Unlock()
		evicted = append(evicted, a.ID())
	}
	sort.Strings(evicted)

	if len(evicted) > 0 {
		m.logger.Info().Strs("conversations", evicted).Dur("max_idle", maxIdle).Msg("Idle conversations evicted")
	}
	return evicted, errors.Join(errs...)
}

// Conversations returns the ids of the loaded conversations, sorted.
func (m *Manager) Conversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.actors))
	for id := range m.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every conversation and drains the mailbox.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[string]*Actor)
	m.mu.Unlock()

	var errs []error
	for _, a := range actors {
		if err := a.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
		}
	}
	if err := m.mailbox.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to drain mailbox: %w", err))
	}

	m.logger.Info().Int("conversations", len(actors)).Msg("Conversations closed")
	return errors.Join(errs...)
}
