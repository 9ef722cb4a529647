// Package llm defines the provider-neutral message vocabulary shared by the
// conversation chain, the provider adapters and the tool registry.
//
// Invariants:
// - Tool results answer tool invocations by ToolUseID.
// - Stop reasons are normalized to end_turn, max_tokens, stop_sequence or
//   tool_use; anything else is kept verbatim.
//
// Usage:
//
//	msg := llm.NewTextMessage(llm.RoleUser, "hello")
//	msgs := llm.Truncate(history, 200000, 4096)
package llm
