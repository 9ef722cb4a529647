package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/chatstate/internal/observability"
	"github.com/harun/chatstate/pkg/conversation"
)

const (
	jsonRPCVersion = "2.0"
	replayTTL      = 5 * time.Minute
	replayCapacity = 1024
)

// RPCRouter dispatches JSON-RPC requests to registered method handlers and
// replays the response of a request whose idempotency key was seen before.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replays *replayCache
}

// NewRPCRouter creates a router with no methods
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replays: newReplayCache(replayTTL, replayCapacity),
	}
}

// RegisterMethod binds name to handler, replacing any previous binding
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if name == "" {
		return fmt.Errorf("method name cannot be empty")
	}

	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

// UnregisterMethod removes name. Unknown names are ignored.
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

// HasMethod reports whether name is registered
func (r *RPCRouter) HasMethod(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// GetMethods returns the registered method names, sorted
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *RPCRouter) lookup(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.methods[name]
	return handler, ok
}

// ParseRequest decodes one request frame. The returned error is always an
// *RPCError.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	case req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion:
		return nil, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("Invalid request: unsupported jsonrpc version %q", req.JSONRPC)}
	}
	req.JSONRPC = jsonRPCVersion
	return &req, nil
}

// RouteRequest runs req and always returns a response carrying req's id.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := replayKey(req.Method, req.IdempotencyKey)
	if resp, ok := r.replays.get(key); ok {
		resp.ID = req.ID
		return &resp
	}

	handler, ok := r.lookup(req.Method)
	if !ok {
		observability.RecordRPCRequest("unknown", false)
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	result, err := handler(ctx, req.Params)
	observability.RecordRPCRequest(req.Method, err == nil)

	resp := &RPCResponse{ID: req.ID, JSONRPC: jsonRPCVersion, Result: result}
	if err != nil {
		resp = errorResponse(req.ID, rpcErrorFrom(err))
	}
	r.replays.put(key, *resp)
	return resp
}

func errorResponse(id string, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: jsonRPCVersion, Error: rpcErr}
}

// rpcErrorFrom maps a handler error onto a JSON-RPC error. Conversation
// errors keep their kind and wire code in Data.
func rpcErrorFrom(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	info := conversation.Describe(err, "internal_error")
	code := InternalError
	switch info.Kind {
	case conversation.KindValidation, conversation.KindProtocol:
		code = InvalidParams
	case conversation.KindConcurrency:
		code = ConcurrencyError
	case conversation.KindNotFound:
		code = NotFound
	case conversation.KindUpstream:
		code = UpstreamError
	case conversation.KindStorage:
		code = StorageError
	}
	return &RPCError{Code: code, Message: info.Message, Data: info}
}

func replayKey(method, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return method + "\x00" + idempotencyKey
}

// replayCache holds responses by idempotency key until they expire. When
// full, the entry closest to expiry is dropped.
type replayCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]replayEntry
	now      func() time.Time
}

type replayEntry struct {
	response  RPCResponse
	expiresAt time.Time
}

func newReplayCache(ttl time.Duration, capacity int) *replayCache {
	return &replayCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]replayEntry),
		now:      time.Now,
	}
}

func (c *replayCache) get(key string) (RPCResponse, bool) {
	if key == "" {
		return RPCResponse{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return entry.response.clone(), true
}

func (c *replayCache) put(key string, resp RPCResponse) {
	if key == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	c.entries[key] = replayEntry{response: resp.clone(), expiresAt: now.Add(c.ttl)}
}

// evictOldest must be called with c.mu held.
func (c *replayCache) evictOldest() {
	var (
		oldest string
		first  = true
		at     time.Time
	)
	for k, e := range c.entries {
		if first || e.expiresAt.Before(at) {
			oldest, at, first = k, e.expiresAt, false
		}
	}
	if !first {
		delete(c.entries, oldest)
	}
}

func (r RPCResponse) clone() RPCResponse {
	if r.Error != nil {
		errCopy := *r.Error
		r.Error = &errCopy
	}
	return r
}
