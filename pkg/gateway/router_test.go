package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/harun/chatstate/pkg/conversation"
	"github.com/harun/chatstate/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(result string) RequestHandler {
	return func(context.Context, json.RawMessage) (interface{}, error) {
		return result, nil
	}
}

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		err := router.RegisterMethod("test.method", echoHandler("result"))
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should replace existing method", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.replace", echoHandler("result1")))
		require.NoError(t, router.RegisterMethod("test.replace", echoHandler("result2")))

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.replace"})
		assert.Equal(t, "result2", resp.Result)
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should unregister method", func(t *testing.T) {
		router.UnregisterMethod("test.method")
		assert.False(t, router.HasMethod("test.method"))
		router.UnregisterMethod("non.existent")
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		data := []byte(`{"id":"1","method":"chat.get_head","params":{"conversation_id":"c1"}}`)

		req, err := router.ParseRequest(data)
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "chat.get_head", req.Method)
		assert.JSONEq(t, `{"conversation_id":"c1"}`, string(req.Params))
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	tests := []struct {
		name string
		data string
		code int
	}{
		{"malformed JSON", `{"id":`, ParseError},
		{"missing id", `{"method":"x"}`, InvalidRequest},
		{"missing method", `{"id":"1"}`, InvalidRequest},
		{"wrong version", `{"id":"1","method":"x","jsonrpc":"1.0"}`, InvalidRequest},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			require.Error(t, err)
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should reject nil request", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	t.Run("should report unknown methods", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "7", Method: "nope"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
		assert.Equal(t, "7", resp.ID)
	})

	t.Run("should pass params and context", func(t *testing.T) {
		type ctxKey struct{}
		require.NoError(t, router.RegisterMethod("test.params", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var p map[string]string
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return p["name"] + ctx.Value(ctxKey{}).(string), nil
		}))

		ctx := context.WithValue(context.Background(), ctxKey{}, "!")
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.params", Params: json.RawMessage(`{"name":"hi"}`)})
		assert.Nil(t, resp.Error)
		assert.Equal(t, "hi!", resp.Result)
	})

	t.Run("should replay idempotent responses", func(t *testing.T) {
		calls := 0
		require.NoError(t, router.RegisterMethod("test.count", func(context.Context, json.RawMessage) (interface{}, error) {
			calls++
			return calls, nil
		}))

		first := router.RouteRequest(context.Background(), &RPCRequest{ID: "a", Method: "test.count", IdempotencyKey: "k"})
		second := router.RouteRequest(context.Background(), &RPCRequest{ID: "b", Method: "test.count", IdempotencyKey: "k"})
		third := router.RouteRequest(context.Background(), &RPCRequest{ID: "c", Method: "test.count"})

		assert.Equal(t, 1, first.Result)
		assert.Equal(t, 1, second.Result)
		assert.Equal(t, "b", second.ID)
		assert.Equal(t, 2, third.Result)
	})

	t.Run("should list methods sorted", func(t *testing.T) {
		assert.Equal(t, []string{"test.count", "test.params"}, router.GetMethods())
	})
}

func TestReplayCache(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := newReplayCache(time.Minute, 2)
	cache.now = func() time.Time { return now }

	_, ok := cache.get("")
	assert.False(t, ok)

	cache.put("a", RPCResponse{ID: "1", Result: "a", Error: &RPCError{Code: NotFound}})
	got, ok := cache.get("a")
	require.True(t, ok)
	got.Error.Code = InternalError
	again, _ := cache.get("a")
	assert.Equal(t, NotFound, again.Error.Code)

	now = now.Add(time.Second)
	cache.put("b", RPCResponse{Result: "b"})
	cache.put("c", RPCResponse{Result: "c"})
	_, ok = cache.get("a")
	assert.False(t, ok, "oldest entry evicted at capacity")
	_, ok = cache.get("c")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = cache.get("b")
	assert.False(t, ok, "expired")
}

func TestRPCErrorFrom(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"rpc error passes through", &RPCError{Code: Unauthorized, Message: "no"}, Unauthorized},
		{"already pending", conversation.ErrAlreadyPending, ConcurrencyError},
		{"empty conversation", conversation.ErrEmptyConversation, InvalidParams},
		{"invalid request", conversation.ErrInvalidRequest, InvalidParams},
		{"message not found", conversation.ErrMessageNotFound, NotFound},
		{"upstream", &conversation.UpstreamError{Source: "provider", Err: fmt.Errorf("boom")}, UpstreamError},
		{"storage", fmt.Errorf("load: %w", store.ErrClosed), StorageError},
		{"conversation closed", conversation.ErrClosed, InternalError},
		{"unrecognized", fmt.Errorf("mystery"), InternalError},
		{"error info", &conversation.ErrorInfo{Kind: conversation.KindConcurrency, Code: conversation.CodeAlreadyPending}, ConcurrencyError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, rpcErrorFrom(tt.err).Code)
		})
	}
}
