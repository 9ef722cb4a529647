package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound is returned when no started server advertises a tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrServerNotStarted is returned when a tool's server has no live handle.
	ErrServerNotStarted = errors.New("tool server not started")

	// ErrToolsUnavailable is returned when one or more servers failed to start.
	ErrToolsUnavailable = errors.New("tool servers unavailable")

	// ErrServerClosed is returned for calls on a stopped server.
	ErrServerClosed = errors.New("tool server closed")
)

// ToolError is a failure reported by, or while reaching, a tool server.
type ToolError struct {
	Tool   string
	Server string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s on server %s failed: %v", e.Tool, e.Server, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// RPCError is a JSON-RPC error object returned by a server.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error (%d): %s", e.Code, e.Message)
}
