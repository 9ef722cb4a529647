// Package tools manages the tool servers configured for a conversation.
//
// A tool server is either a child process speaking JSON-RPC 2.0 over stdio
// (MCPServer) or a remote endpoint reached over a websocket (ActorClient).
// Both perform the initialize handshake, list their tools once and answer
// tools/call.
//
// Invariants:
//   - Sync never restarts a server that is already running under the same name.
//   - Tool lookup is a linear search in server order; the first match wins.
//   - Arguments are validated against the tool's input schema before dispatch.
//
// Usage:
//
//	registry := tools.NewRegistry(logger)
//	if err := registry.Sync(ctx, settings.ToolServers); err != nil { ... }
//	out, err := registry.Call(ctx, "search", json.RawMessage(`{"q":"go"}`))
package tools
