// Package chain implements the append-only, content-addressed history of a
// conversation.
//
// Invariants:
// - An entry's id is the content hash of its parent link and payload.
// - Each append makes the new entry the head; the previous head becomes
//   its parent. There is no branching.
// - The head is persisted under the conversation id label after the entry
//   itself is stored, so a persisted head always names a stored entry.
// - The cache is read-through; a miss consults the store.
//
// Usage:
//
//	c, err := chain.New(conversationID, s, logger)
//	err = c.Load(ctx)
//	msg, err := c.Append(ctx, chain.MessageEntry(llm.NewTextMessage(llm.RoleUser, "hi")))
//	history, err := c.Messages(ctx)
package chain
