package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	protocolVersion       = "2024-11-05"
	defaultRequestTimeout = 60 * time.Second
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

// rpcClient matches JSON-RPC responses to pending requests. The transport
// supplies write and feeds inbound frames to dispatch.
type rpcClient struct {
	mu      sync.Mutex
	id      int64
	pending map[int64]chan *rpcResponse
	closed  error
	write   func([]byte) error
	timeout time.Duration
	logger  zerolog.Logger
}

func newRPCClient(write func([]byte) error, logger zerolog.Logger) *rpcClient {
	return &rpcClient{
		pending: make(map[int64]chan *rpcResponse),
		write:   write,
		timeout: defaultRequestTimeout,
		logger:  logger,
	}
}

func (c *rpcClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	c.id++
	id := c.id
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		c.forget(id)
		return nil, err
	}

	if err := c.write(data); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closedErr()
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%s request timeout", method)
	}
}

func (c *rpcClient) notify(method string, params interface{}) error {
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return c.write(data)
}

// dispatch routes one inbound frame. Frames without a numeric id are
// server notifications and are ignored.
func (c *rpcClient) dispatch(data []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to unmarshal rpc response")
		return
	}

	id, ok := resp.ID.(float64)
	if !ok {
		return
	}

	c.mu.Lock()
	ch, exists := c.pending[int64(id)]
	if exists {
		delete(c.pending, int64(id))
	}
	c.mu.Unlock()

	if exists {
		ch <- &resp
	}
}

// fail closes the client and releases every waiter.
func (c *rpcClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return
	}
	c.closed = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *rpcClient) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return c.closed
	}
	return ErrServerClosed
}

func (c *rpcClient) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// handshake performs initialize followed by notifications/initialized.
func handshake(ctx context.Context, c *rpcClient) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "chatstate",
			"version": "0.1.0",
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	return c.notify("notifications/initialized", nil)
}

func listTools(ctx context.Context, c *rpcClient, server string) ([]Tool, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listResult); err != nil {
		return nil, fmt.Errorf("failed to decode tools/list: %w", err)
	}

	tools := make([]Tool, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		if t.Name == "" {
			continue
		}
		t.Server = server
		tools = append(tools, t)
	}
	return tools, nil
}

func callTool(ctx context.Context, c *rpcClient, name string, args json.RawMessage) (*Result, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	return decodeCallResult(raw), nil
}
