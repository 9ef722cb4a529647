package conversation

import (
	"errors"
	"fmt"

	"github.com/harun/chatstate/pkg/chain"
	"github.com/harun/chatstate/pkg/mailbox"
	"github.com/harun/chatstate/pkg/provider"
	"github.com/harun/chatstate/pkg/store"
	"github.com/harun/chatstate/pkg/tools"
)

var (
	// ErrEmptyConversation is returned when a completion is requested for a chain with no entries
	ErrEmptyConversation = errors.New("conversation is empty")

	// ErrAlreadyPending is returned when a completion cycle is already open
	ErrAlreadyPending = errors.New("a completion is already pending")

	// ErrMessageNotFound is returned for unknown message ids
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidMessage is returned for messages that cannot be appended
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidSettings is returned when settings fail validation
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrInvalidRequest is returned for malformed inbound requests
	ErrInvalidRequest = errors.New("invalid request")

	// ErrClosed is returned after the conversation has been closed
	ErrClosed = errors.New("conversation closed")
)

// Kind is the error taxonomy exposed to clients.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindConcurrency Kind = "concurrency"
	KindNotFound    Kind = "not_found"
	KindUpstream    Kind = "upstream"
	KindStorage     Kind = "storage"
	KindProtocol    Kind = "protocol"

	// KindInternal covers faults of the service itself, such as a stopped
	// mailbox, and anything not recognized below.
	KindInternal Kind = "internal"
)

// Wire error codes.
const (
	CodeCompletionError   = "completion_error"
	CodeToolError         = "tool_error"
	CodeNotFound          = "not_found"
	CodeMessageError      = "message_error"
	CodeModelsError       = "models_error"
	CodeToolsError        = "tools_error"
	CodeAlreadyPending    = "already_pending"
	CodeEmptyConversation = "empty_conversation"
	CodeInvalidRequest    = "invalid_request"
	CodeStorageError      = "storage_error"
	CodeInternalError     = "internal_error"
)

// UpstreamError is a failure of a provider or tool server.
type UpstreamError struct {
	Source string // "provider" or "tools"
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ErrorInfo is the structured error returned to clients.
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return e.Code + ": " + e.Message
}

// Classify maps err onto the taxonomy.
func Classify(err error) Kind {
	var (
		storageErr  *chain.StorageError
		upstreamErr *UpstreamError
		toolErr     *tools.ToolError
		info        *ErrorInfo
	)

	switch {
	case errors.As(err, &info):
		return info.Kind
	case errors.Is(err, ErrAlreadyPending), errors.Is(err, mailbox.ErrQueueFull):
		return KindConcurrency
	case errors.Is(err, ErrClosed), errors.Is(err, mailbox.ErrClosed):
		return KindInternal
	case errors.Is(err, ErrEmptyConversation),
		errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrInvalidSettings),
		errors.Is(err, chain.ErrHeadNotFound),
		errors.Is(err, chain.ErrInvalidEntry):
		return KindValidation
	case errors.Is(err, ErrMessageNotFound), errors.Is(err, tools.ErrToolNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidRequest):
		return KindProtocol
	case errors.As(err, &storageErr),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrClosed),
		errors.Is(err, store.ErrInvalidID):
		return KindStorage
	case errors.As(err, &upstreamErr),
		errors.As(err, &toolErr),
		errors.Is(err, provider.ErrProviderNotFound),
		errors.Is(err, tools.ErrToolsUnavailable),
		errors.Is(err, tools.ErrServerNotStarted):
		return KindUpstream
	default:
		return KindInternal
	}
}

// Describe builds the client-facing error for err. fallback is the code
// used when err has no more specific one.
func Describe(err error, fallback string) ErrorInfo {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return *info
	}

	kind := Classify(err)
	code := fallback
	switch {
	case errors.Is(err, ErrAlreadyPending):
		code = CodeAlreadyPending
	case errors.Is(err, ErrEmptyConversation):
		code = CodeEmptyConversation
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidSettings):
		code = CodeInvalidRequest
	case errors.Is(err, ErrInvalidMessage):
		code = CodeMessageError
	case kind == KindNotFound, errors.Is(err, chain.ErrHeadNotFound):
		code = CodeNotFound
	case kind == KindStorage:
		code = CodeStorageError
	case kind == KindInternal:
		code = CodeInternalError
	}
	return ErrorInfo{Kind: kind, Code: code, Message: err.Error()}
}
