// Package store provides content-addressed blob storage with mutable labels.
//
// Invariants:
// - A content id is the hex SHA-256 of the stored bytes.
// - Blobs are immutable; only labels move.
// - A store id namespaces all blobs and labels inside one backend.
//
// Usage:
//
//	s, err := store.Open(ctx, store.Config{Driver: "sqlite", Path: "chat.db", ID: "main"}, logger)
//	id, err := s.Put(ctx, data)
//	_, err = s.PutAtLabel(ctx, conversationID, headRecord)
package store
