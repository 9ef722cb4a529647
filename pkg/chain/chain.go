package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/chatstate/internal/observability"
	"github.com/harun/chatstate/internal/tracing"
	"github.com/harun/chatstate/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Notifier is told about every successful append.
type Notifier interface {
	Notify(ctx context.Context, msg ChatMessage)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg ChatMessage)

func (f NotifierFunc) Notify(ctx context.Context, msg ChatMessage) {
	f(ctx, msg)
}

type headRecord struct {
	Head *string `json:"head"`
}

// Chain is the append-only history of one conversation plus its head.
// It is not safe for concurrent use; the owning conversation serializes
// access.
type Chain struct {
	conversationID string
	store          store.Store
	head           string
	cache          map[string]ChatMessage
	notifier       Notifier
	logger         zerolog.Logger
}

// New creates an empty chain for conversationID. Call Load to restore a
// persisted head.
func New(conversationID string, s store.Store, logger zerolog.Logger) (*Chain, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &Chain{
		conversationID: conversationID,
		store:          s,
		cache:          make(map[string]ChatMessage),
		logger:         logger.With().Str("component", "chain").Str("conversation_id", conversationID).Logger(),
	}, nil
}

// SetNotifier installs the append hook.
func (c *Chain) SetNotifier(n Notifier) {
	c.notifier = n
}

// Head returns the id of the newest entry, or "" for an empty chain.
func (c *Chain) Head() string {
	return c.head
}

// Load restores the head persisted under the conversation label.
func (c *Chain) Load(ctx context.Context) error {
	data, ok, err := store.LoadLabel(ctx, c.store, c.conversationID)
	if err != nil {
		return &StorageError{Op: "load", Err: err}
	}
	if !ok {
		c.head = ""
		return nil
	}

	var rec headRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return &StorageError{Op: "load", Err: fmt.Errorf("failed to decode head record: %w", err)}
	}
	if rec.Head == nil {
		c.head = ""
		return nil
	}
	if _, ok := c.Get(ctx, *rec.Head); !ok {
		return &StorageError{Op: "load", Err: fmt.Errorf("%w: head %s is missing", ErrBrokenChain, *rec.Head)}
	}
	c.head = *rec.Head
	c.logger.Debug().Str("head", c.head).Msg("Chain head loaded")
	return nil
}

func (c *Chain) persistHead(ctx context.Context, head string) error {
	rec := headRecord{}
	if head != "" {
		rec.Head = &head
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = c.store.PutAtLabel(ctx, c.conversationID, data)
	return err
}

// Append stores entry as the child of the current head, moves the head to
// it and notifies subscribers. When any store write fails the head is left
// unchanged.
func (c *Chain) Append(ctx context.Context, entry Entry) (ChatMessage, error) {
	if err := entry.Validate(); err != nil {
		return ChatMessage{}, err
	}

	ctx, span := tracing.StartSpan(ctx, "chatstate.chain", "chain.append",
		attribute.String("conversation.id", c.conversationID),
		attribute.String("entry.kind", string(entry.Kind())),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	n := node{Entry: entry}
	if c.head != "" {
		parent := c.head
		n.ParentID = &parent
	}

	data, err := json.Marshal(n)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("failed to encode entry: %w", err)
	}

	id, err := c.store.Put(ctx, data)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to store entry, append abandoned")
		tracing.RecordError(span, err)
		return ChatMessage{}, &StorageError{Op: "append", Err: err}
	}

	if err := c.persistHead(ctx, id); err != nil {
		logger.Error().Err(err).Str("entry_id", id).Msg("Failed to persist head, append abandoned")
		tracing.RecordError(span, err)
		return ChatMessage{}, &StorageError{Op: "append", Err: err}
	}

	msg := ChatMessage{ID: id, ParentID: n.ParentID, Entry: entry}
	c.cache[id] = msg
	c.head = id
	span.SetAttributes(attribute.String("entry.id", id))

	observability.RecordChainAppend(string(entry.Kind()))
	logger.Debug().Str("entry_id", id).Str("kind", string(entry.Kind())).Msg("Entry appended")

	if c.notifier != nil {
		c.notifier.Notify(ctx, msg)
	}
	return msg, nil
}

// Get returns the stored node for id. Read and decode failures are logged
// and reported as absent.
func (c *Chain) Get(ctx context.Context, id string) (ChatMessage, bool) {
	if msg, ok := c.cache[id]; ok {
		return msg, true
	}
	if !store.ValidID(id) {
		return ChatMessage{}, false
	}

	data, err := c.store.Get(ctx, id)
	if err != nil {
		c.logger.Debug().Err(err).Str("entry_id", id).Msg("Entry lookup failed")
		return ChatMessage{}, false
	}

	var n node
	if err := json.Unmarshal(data, &n); err != nil {
		c.logger.Warn().Err(err).Str("entry_id", id).Msg("Stored entry is not decodable")
		return ChatMessage{}, false
	}
	if err := n.Entry.Validate(); err != nil {
		c.logger.Warn().Err(err).Str("entry_id", id).Msg("Stored entry is invalid")
		return ChatMessage{}, false
	}

	msg := ChatMessage{ID: id, ParentID: n.ParentID, Entry: n.Entry}
	c.cache[id] = msg
	return msg, true
}

// SetHead moves the head to id, or clears it when id is "". The target
// must resolve to a stored entry.
func (c *Chain) SetHead(ctx context.Context, id string) error {
	if id != "" {
		if _, ok := c.Get(ctx, id); !ok {
			return fmt.Errorf("%w: %s", ErrHeadNotFound, id)
		}
	}
	if err := c.persistHead(ctx, id); err != nil {
		return &StorageError{Op: "set_head", Err: err}
	}
	c.head = id
	c.logger.Info().Str("head", id).Msg("Head overridden")
	return nil
}

// Messages walks from the head to the root and returns the nodes oldest
// first. An empty chain yields an empty slice.
func (c *Chain) Messages(ctx context.Context) ([]ChatMessage, error) {
	var out []ChatMessage
	seen := make(map[string]bool)

	for id := c.head; id != ""; {
		if seen[id] {
			return nil, &StorageError{Op: "walk", Err: fmt.Errorf("%w: cycle at %s", ErrBrokenChain, id)}
		}
		seen[id] = true

		msg, ok := c.Get(ctx, id)
		if !ok {
			return nil, &StorageError{Op: "walk", Err: fmt.Errorf("%w: entry %s is missing", ErrBrokenChain, id)}
		}
		out = append(out, msg)

		if msg.ParentID == nil {
			break
		}
		id = *msg.ParentID
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []ChatMessage{}
	}
	return out, nil
}
