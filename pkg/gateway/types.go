package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/chatstate/pkg/conversation"
	"github.com/harun/chatstate/pkg/llm"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	JSONRPC        string          `json:"jsonrpc"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// RequestHandler handles one RPC method call
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// RPC error codes
const (
	ParseError        = -32700
	InvalidRequest    = -32600
	MethodNotFound    = -32601
	InvalidParams     = -32602
	InternalError     = -32603
	Unauthorized      = -32001
	NotFound          = -32004
	RateLimitExceeded = -32005
	TooManyConcurrent = -32006
	ConcurrencyError  = -32010
	UpstreamError     = -32011
	StorageError      = -32012
)

// ChatParams are the params of every chat.* method
type ChatParams struct {
	ConversationID string                 `json:"conversation_id"`
	Message        *llm.Message           `json:"message,omitempty"`
	Head           *string                `json:"head,omitempty"`
	MessageID      string                 `json:"message_id,omitempty"`
	Settings       *conversation.Settings `json:"settings,omitempty"`
	Title          *string                `json:"title,omitempty"`
	SystemPrompt   *string                `json:"system_prompt,omitempty"`
}

// ChannelRequest is a request frame sent on a subscription channel
type ChannelRequest struct {
	ID      string               `json:"id"`
	Request conversation.Request `json:"request"`
}

// ChannelReply answers a ChannelRequest on the same channel
type ChannelReply struct {
	Type     string                `json:"type"`
	ID       string                `json:"id"`
	Response conversation.Response `json:"response"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversationId,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivity   time.Time `json:"lastActivity"`
	IPAddress      string    `json:"ipAddress"`
	Idle           bool      `json:"idle"`
}

// Client kinds
const (
	ClientRPC     = "rpc"
	ClientChannel = "channel"
)

// Client represents a connected WebSocket client
type Client struct {
	ID             string
	Kind           string
	ConversationID string
	Conn           *websocket.Conn
	ConnectedAt    time.Time
	LastActivity   time.Time
	IPAddress      string

	writeMu sync.Mutex
}

// WriteJSON serializes writes from concurrent responders
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteJSON(v)
}

// Send implements fanout.Sink
func (c *Client) Send(_ context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}
