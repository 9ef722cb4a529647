package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ActorClient reaches an external tool server over a websocket and speaks
// the same JSON-RPC methods as an MCPServer.
type ActorClient struct {
	name   string
	config ActorConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	rpc     *rpcClient
}

// NewActorClient creates an unconnected client.
func NewActorClient(name string, cfg ActorConfig, logger zerolog.Logger) *ActorClient {
	return &ActorClient{
		name:   name,
		config: cfg,
		dialer: websocket.DefaultDialer,
		logger: logger.With().Str("server", name).Logger(),
	}
}

// Start dials the server and performs the initialize handshake. Starting a
// connected client is a no-op.
func (a *ActorClient) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}

	header := http.Header{}
	for k, v := range a.config.Headers {
		header.Set(k, v)
	}

	conn, _, err := a.dialer.DialContext(ctx, a.config.URL, header)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to dial %s: %w", a.config.URL, err)
	}

	a.conn = conn
	a.rpc = newRPCClient(func(data []byte) error {
		a.writeMu.Lock()
		defer a.writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}, a.logger)
	rpc := a.rpc
	a.mu.Unlock()

	go a.readLoop(conn, rpc)

	a.logger.Info().Str("url", a.config.URL).Msg("Tool actor connected")

	if err := handshake(ctx, rpc); err != nil {
		_ = a.Stop()
		return err
	}
	return nil
}

func (a *ActorClient) readLoop(conn *websocket.Conn, rpc *rpcClient) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Warn().Err(err).Msg("Tool actor connection lost")
			}
			rpc.fail(fmt.Errorf("%w: %v", ErrServerClosed, err))
			return
		}
		rpc.dispatch(data)
	}
}

func (a *ActorClient) client() (*rpcClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rpc == nil {
		return nil, ErrServerNotStarted
	}
	return a.rpc, nil
}

// ListTools fetches the tool catalog.
func (a *ActorClient) ListTools(ctx context.Context) ([]Tool, error) {
	rpc, err := a.client()
	if err != nil {
		return nil, err
	}
	return listTools(ctx, rpc, a.name)
}

// CallTool invokes one tool.
func (a *ActorClient) CallTool(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	rpc, err := a.client()
	if err != nil {
		return nil, err
	}
	return callTool(ctx, rpc, name, args)
}

// Stop closes the connection.
func (a *ActorClient) Stop() error {
	a.mu.Lock()
	conn := a.conn
	rpc := a.rpc
	a.conn = nil
	a.rpc = nil
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	if rpc != nil {
		rpc.fail(ErrServerClosed)
	}

	a.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	a.writeMu.Unlock()

	a.logger.Info().Msg("Tool actor disconnected")
	return conn.Close()
}

// NewServer builds the Server for cfg.
func NewServer(cfg ServerConfig, logger zerolog.Logger) (Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Actor != nil {
		return NewActorClient(cfg.Name, *cfg.Actor, logger), nil
	}
	return NewMCPServer(cfg.Name, *cfg.StdPipe, logger), nil
}
