package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMCPServerHelper is re-executed as a child process by the tests below
// and plays a minimal stdio tool server.
func TestMCPServerHelper(t *testing.T) {
	if os.Getenv("MCP_SERVER_HELPER") != "1" {
		t.Skip("helper process")
	}

	scanner := bufio.NewScanner(os.Stdin)
	encoder := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		var req rpcRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if req.ID == nil {
			continue
		}

		switch req.Method {
		case "initialize":
			writeRPCResponse(encoder, req.ID, map[string]interface{}{"protocolVersion": protocolVersion}, nil)
		case "tools/list":
			writeRPCResponse(encoder, req.ID, map[string]interface{}{"tools": helperTools()}, nil)
		case "tools/call":
			params, _ := req.Params.(map[string]interface{})
			name, _ := params["name"].(string)
			args, _ := params["arguments"].(map[string]interface{})
			switch name {
			case "echo":
				text, _ := args["text"].(string)
				writeRPCResponse(encoder, req.ID, textResult(text, false), nil)
			case "fail":
				writeRPCResponse(encoder, req.ID, textResult("it broke", true), nil)
			case "crash":
				os.Exit(1)
			default:
				writeRPCResponse(encoder, req.ID, nil, &RPCError{Code: -32601, Message: "tool not found"})
			}
		default:
			writeRPCResponse(encoder, req.ID, nil, &RPCError{Code: -32601, Message: "method not found"})
		}
	}
	os.Exit(0)
}

func helperTools() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"name":        "echo",
			"description": "echoes text",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"text": map[string]interface{}{"type": "string"},
				},
				"required": []string{"text"},
			},
		},
		{"name": "fail", "description": "always fails"},
		{"name": "crash", "description": "exits the server"},
	}
}

func textResult(text string, isError bool) map[string]interface{} {
	return map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": text}},
		"isError": isError,
	}
}

func writeRPCResponse(encoder *json.Encoder, id interface{}, result interface{}, err *RPCError) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Error: err}
	if err == nil {
		payload, _ := json.Marshal(result)
		resp.Result = payload
	}
	_ = encoder.Encode(resp)
}

func helperConfig(name string) ServerConfig {
	return ServerConfig{
		Name: name,
		StdPipe: &StdPipeConfig{
			Command: os.Args[0],
			Args:    []string{"-test.run", "^TestMCPServerHelper$"},
			Env:     map[string]string{"MCP_SERVER_HELPER": "1"},
		},
	}
}

func TestMCPServer_ListAndCall(t *testing.T) {
	ctx := context.Background()
	cfg := helperConfig("helper")
	server := NewMCPServer(cfg.Name, *cfg.StdPipe, zerolog.Nop())
	require.NoError(t, server.Start(ctx))
	defer func() {
		_ = server.Stop()
	}()

	// Second start is a no-op.
	require.NoError(t, server.Start(ctx))

	tools, err := server.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, "helper", tools[0].Server)

	result, err := server.CallTool(ctx, "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Content)
	assert.False(t, result.IsError)

	result, err = server.CallTool(ctx, "fail", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	_, err = server.CallTool(ctx, "unknown", nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestMCPServer_CallBeforeStart(t *testing.T) {
	server := NewMCPServer("idle", StdPipeConfig{Command: "true"}, zerolog.Nop())

	_, err := server.CallTool(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrServerNotStarted)
	assert.NoError(t, server.Stop())
}

func TestMCPServer_ExitFailsPendingCalls(t *testing.T) {
	ctx := context.Background()
	cfg := helperConfig("crashy")
	server := NewMCPServer(cfg.Name, *cfg.StdPipe, zerolog.Nop())
	require.NoError(t, server.Start(ctx))
	defer func() {
		_ = server.Stop()
	}()

	_, err := server.CallTool(ctx, "crash", nil)
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestMCPServer_StartFailsForMissingCommand(t *testing.T) {
	server := NewMCPServer("missing", StdPipeConfig{Command: "/nonexistent/tool-server"}, zerolog.Nop())
	assert.Error(t, server.Start(context.Background()))
}

func TestDecodeCallResult(t *testing.T) {
	r := decodeCallResult(json.RawMessage(`{"content":[{"type":"text","text":"a"},{"type":"image","data":"x"},{"type":"text","text":"b"}]}`))
	assert.Equal(t, "a\nb", r.Content)
	assert.False(t, r.IsError)

	r = decodeCallResult(json.RawMessage(`{"result":5}`))
	assert.Equal(t, `{"result":5}`, r.Content)
}
