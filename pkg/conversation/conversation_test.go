package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/harun/chatstate/pkg/chain"
	"github.com/harun/chatstate/pkg/fanout"
	"github.com/harun/chatstate/pkg/llm"
	"github.com/harun/chatstate/pkg/store"
	"github.com/harun/chatstate/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCompleter is a mock implementation of Completer
type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, name string, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	args := m.Called(ctx, name, req)
	resp, _ := args.Get(0).(*llm.CompletionResponse)
	return resp, args.Error(1)
}

func (m *MockCompleter) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	args := m.Called(ctx)
	models, _ := args.Get(0).([]llm.ModelInfo)
	return models, args.Error(1)
}

// fakeTools answers calls from a table of handlers.
type fakeTools struct {
	mu       sync.Mutex
	catalog  []tools.Tool
	handlers map[string]func(args json.RawMessage) (string, error)
	calls    []string
	synced   [][]tools.ServerConfig
	closed   bool
}

func newFakeTools() *fakeTools {
	return &fakeTools{handlers: make(map[string]func(json.RawMessage) (string, error))}
}

func (f *fakeTools) add(name string, h func(args json.RawMessage) (string, error)) {
	f.catalog = append(f.catalog, tools.Tool{
		Name:        name,
		Description: "test tool " + name,
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Server:      "fake",
	})
	f.handlers[name] = h
}

func (f *fakeTools) Sync(_ context.Context, configs []tools.ServerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, configs)
	return nil
}

func (f *fakeTools) List() []tools.Tool {
	return f.catalog
}

func (f *fakeTools) Call(_ context.Context, name string, args json.RawMessage) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	h, ok := f.handlers[name]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", tools.ErrToolNotFound, name)
	}
	return h(args)
}

func (f *fakeTools) Status() []tools.ServerStatus {
	return nil
}

func (f *fakeTools) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testSettings() Settings {
	return Settings{
		ModelConfig: ModelConfig{Provider: "test", Model: "test-model"},
		MaxTokens:   1024,
	}
}

func newTestConversation(t *testing.T, st store.Store, providers Completer, toolCaller ToolCaller) *Conversation {
	t.Helper()
	c, err := New(Config{
		ID:        "conv-test-1",
		Store:     st,
		Providers: providers,
		Tools:     toolCaller,
		Defaults:  testSettings(),
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))
	return c
}

func userText(text string) llm.Message {
	return llm.NewTextMessage(llm.RoleUser, text)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{ID: "c1", Store: store.NewMemoryStore(), Logger: zerolog.Nop()})
	assert.Error(t, err)

	_, err = New(Config{ID: "c1", Providers: &MockCompleter{}, Logger: zerolog.Nop()})
	assert.Error(t, err)

	_, err = New(Config{Store: store.NewMemoryStore(), Providers: &MockCompleter{}, Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestInit_PersistsDefaultsAndReloads(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ft := newFakeTools()

	c := newTestConversation(t, st, &MockCompleter{}, ft)
	assert.Equal(t, testSettings().ModelConfig, c.Settings().ModelConfig)
	assert.Len(t, ft.synced, 1)

	stored, ok, err := loadSettings(ctx, st, c.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "test-model", stored.ModelConfig.Model)

	msg, err := c.AddMessage(ctx, userText("hello"))
	require.NoError(t, err)
	require.NoError(t, c.UpdateTitle(ctx, "Greetings"))

	reloaded := newTestConversation(t, st, &MockCompleter{}, newFakeTools())
	assert.Equal(t, msg.ID, reloaded.Head())
	assert.Equal(t, "Greetings", reloaded.Settings().Title)

	history, err := reloaded.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Entry.Message.Text())
}

func TestAddMessage_Validation(t *testing.T) {
	ctx := context.Background()
	c := newTestConversation(t, store.NewMemoryStore(), &MockCompleter{}, newFakeTools())

	_, err := c.AddMessage(ctx, llm.Message{Role: "system", Content: []llm.ContentBlock{llm.TextBlock("x")}})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = c.AddMessage(ctx, llm.Message{Role: llm.RoleUser})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	assert.Equal(t, "", c.Head())
}

func TestSetHeadAndGetMessage(t *testing.T) {
	ctx := context.Background()
	c := newTestConversation(t, store.NewMemoryStore(), &MockCompleter{}, newFakeTools())

	first, err := c.AddMessage(ctx, userText("one"))
	require.NoError(t, err)
	second, err := c.AddMessage(ctx, userText("two"))
	require.NoError(t, err)
	assert.Equal(t, second.ID, c.Head())

	err = c.SetHead(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, chain.ErrHeadNotFound)
	assert.Equal(t, second.ID, c.Head())

	require.NoError(t, c.SetHead(ctx, first.ID))
	assert.Equal(t, first.ID, c.Head())

	got, err := c.GetMessage(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "two", got.Entry.Message.Text())

	_, err = c.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	require.NoError(t, c.SetHead(ctx, ""))
	assert.Equal(t, "", c.Head())
	history, err := c.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ft := newFakeTools()
	c := newTestConversation(t, st, &MockCompleter{}, ft)

	invalid := testSettings()
	invalid.MaxTokens = 0
	assert.ErrorIs(t, c.UpdateSettings(ctx, invalid), ErrInvalidSettings)

	next := testSettings()
	next.ModelConfig.Model = "bigger-model"
	next.ToolServers = []tools.ServerConfig{
		{Name: "fs", StdPipe: &tools.StdPipeConfig{Command: "mcp-fs"}},
	}
	require.NoError(t, c.UpdateSettings(ctx, next))

	assert.Equal(t, "bigger-model", c.Settings().ModelConfig.Model)
	require.Len(t, ft.synced, 2)
	assert.Equal(t, "fs", ft.synced[1][0].Name)

	stored, ok, err := loadSettings(ctx, st, c.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bigger-model", stored.ModelConfig.Model)
	require.Len(t, stored.ToolServers, 1)
	assert.Equal(t, tools.KindStdPipe, stored.ToolServers[0].Kind())
}

func TestUpdateTitleAndSystemPrompt(t *testing.T) {
	ctx := context.Background()
	c := newTestConversation(t, store.NewMemoryStore(), &MockCompleter{}, newFakeTools())

	require.NoError(t, c.UpdateTitle(ctx, "  Trip planning  "))
	require.NoError(t, c.UpdateSystemPrompt(ctx, "Be brief."))
	assert.Equal(t, "Trip planning", c.Settings().Title)
	assert.Equal(t, "Be brief.", c.Settings().SystemPrompt)

	require.NoError(t, c.UpdateSystemPrompt(ctx, ""))
	assert.Equal(t, "", c.Settings().SystemPrompt)
}

func TestListTools(t *testing.T) {
	ft := newFakeTools()
	ft.add("search", func(json.RawMessage) (string, error) { return "", nil })
	c := newTestConversation(t, store.NewMemoryStore(), &MockCompleter{}, ft)

	_, err := c.ListTools()
	assert.ErrorIs(t, err, tools.ErrToolsUnavailable)

	c.settings.ToolServers = []tools.ServerConfig{{Name: "fs", StdPipe: &tools.StdPipeConfig{Command: "mcp-fs"}}}
	list, err := c.ListTools()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "search", list[0].Name)
}

func TestListModels(t *testing.T) {
	ctx := context.Background()
	providers := &MockCompleter{}
	c := newTestConversation(t, store.NewMemoryStore(), providers, newFakeTools())

	providers.On("ListModels", mock.Anything).Return([]llm.ModelInfo{{ID: "m1", Provider: "test"}}, nil).Once()
	models, err := c.ListModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m1", models[0].ID)

	providers.On("ListModels", mock.Anything).Return(nil, errors.New("unreachable")).Once()
	_, err = c.ListModels(ctx)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "provider", upstream.Source)

	providers.AssertExpectations(t)
}

func TestSubscribers_ReceiveHeadThenMessage(t *testing.T) {
	ctx := context.Background()
	c := newTestConversation(t, store.NewMemoryStore(), &MockCompleter{}, newFakeTools())

	received := map[string][]fanout.Event{}
	sinkFor := func(id string) fanout.Sink {
		return fanout.SinkFunc(func(_ context.Context, data []byte) error {
			var ev fanout.Event
			require.NoError(t, json.Unmarshal(data, &ev))
			received[id] = append(received[id], ev)
			return nil
		})
	}
	c.Subscribe("a", sinkFor("a"))
	c.Subscribe("b", sinkFor("b"))
	c.Subscribe("a", sinkFor("a"))
	assert.Equal(t, []string{"a", "b"}, c.Subscribers())

	msg, err := c.AddMessage(ctx, userText("hi"))
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		events := received[id]
		require.Len(t, events, 2, id)
		assert.Equal(t, fanout.EventHead, events[0].Type)
		assert.Equal(t, msg.ID, events[0].Head)
		assert.Equal(t, fanout.EventChatMessage, events[1].Type)
		require.NotNil(t, events[1].Message)
		assert.Equal(t, msg.ID, events[1].Message.ID)
	}

	c.Unsubscribe("a")
	_, err = c.AddMessage(ctx, userText("again"))
	require.NoError(t, err)
	assert.Len(t, received["a"], 2)
	assert.Len(t, received["b"], 4)
}

func TestClose_ResolvesPendingCycle(t *testing.T) {
	ctx := context.Background()
	providers := &MockCompleter{}
	ft := newFakeTools()
	c := newTestConversation(t, store.NewMemoryStore(), providers, ft)
	c.SetScheduler(func(context.Context) error { return nil })

	_, err := c.AddMessage(ctx, userText("hi"))
	require.NoError(t, err)
	providers.On("Complete", mock.Anything, "test", mock.Anything).
		Return(&llm.CompletionResponse{Content: []llm.ContentBlock{llm.TextBlock("hey")}, StopReason: llm.StopEndTurn}, nil)

	ticket, replies := NewChanTicket()
	require.NoError(t, c.RequestCompletion(ctx, ticket))
	require.True(t, c.Pending())

	require.NoError(t, c.Close())
	resp := <-replies
	assert.Equal(t, ResponseError, resp.Type)
	assert.False(t, c.Pending())
	assert.True(t, ft.closed)

	_, err = c.AddMessage(ctx, userText("late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Close())
}
