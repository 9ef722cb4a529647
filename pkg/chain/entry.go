package chain

import (
	"fmt"

	"github.com/harun/chatstate/pkg/llm"
)

// Kind names the populated variant of an Entry.
type Kind string

const (
	KindMessage    Kind = "message"
	KindCompletion Kind = "completion"
	KindError      Kind = "error"
)

// Completion is a provider's answer as recorded in the chain.
type Completion struct {
	ID         string             `json:"id,omitempty"`
	Provider   string             `json:"provider,omitempty"`
	Model      string             `json:"model,omitempty"`
	Content    []llm.ContentBlock `json:"content"`
	StopReason llm.StopReason     `json:"stop_reason"`
	Usage      llm.Usage          `json:"usage"`
}

// ToolUses returns the tool invocations requested by the completion.
func (c *Completion) ToolUses() []llm.ContentBlock {
	return llm.ToolUses(c.Content)
}

// ErrorEntry records a failure that ended a completion cycle.
type ErrorEntry struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Entry is an immutable chain node payload. Exactly one field is set.
type Entry struct {
	Message    *llm.Message `json:"message,omitempty"`
	Completion *Completion  `json:"completion,omitempty"`
	Error      *ErrorEntry  `json:"error,omitempty"`
}

// MessageEntry wraps m.
func MessageEntry(m llm.Message) Entry {
	return Entry{Message: &m}
}

// CompletionEntry wraps c.
func CompletionEntry(c Completion) Entry {
	return Entry{Completion: &c}
}

// ErrorEntryOf records an error with an optional code.
func ErrorEntryOf(code, message string) Entry {
	return Entry{Error: &ErrorEntry{Code: code, Message: message}}
}

// Kind returns the populated variant, or "" for an invalid entry.
func (e Entry) Kind() Kind {
	switch {
	case e.Message != nil && e.Completion == nil && e.Error == nil:
		return KindMessage
	case e.Completion != nil && e.Message == nil && e.Error == nil:
		return KindCompletion
	case e.Error != nil && e.Message == nil && e.Completion == nil:
		return KindError
	default:
		return ""
	}
}

// Validate checks that exactly one variant is populated.
func (e Entry) Validate() error {
	if e.Kind() == "" {
		return fmt.Errorf("%w: exactly one of message, completion or error must be set", ErrInvalidEntry)
	}
	if e.Message != nil && e.Message.Role != llm.RoleUser && e.Message.Role != llm.RoleAssistant {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidEntry, e.Message.Role)
	}
	return nil
}

// Project maps the entry to the plain role/content message a provider sees.
// Completions become assistant turns; errors become assistant text so the
// model can see that the previous turn failed.
func (e Entry) Project() llm.Message {
	switch e.Kind() {
	case KindMessage:
		return *e.Message
	case KindCompletion:
		return llm.Message{Role: llm.RoleAssistant, Content: e.Completion.Content}
	case KindError:
		text := "[error] " + e.Error.Message
		if e.Error.Code != "" {
			text = "[error] " + e.Error.Code + ": " + e.Error.Message
		}
		return llm.NewTextMessage(llm.RoleAssistant, text)
	default:
		return llm.Message{}
	}
}

// ChatMessage is a stored chain node. ID is the content id of the node and
// is empty until the node has been stored.
type ChatMessage struct {
	ID       string  `json:"id,omitempty"`
	ParentID *string `json:"parent_id"`
	Entry    Entry   `json:"entry"`
}

// node is the hashed form of a ChatMessage; the id is derived from it and
// cannot be part of it.
type node struct {
	ParentID *string `json:"parent_id"`
	Entry    Entry   `json:"entry"`
}
