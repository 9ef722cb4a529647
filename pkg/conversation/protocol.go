package conversation

import (
	"fmt"

	"github.com/harun/chatstate/pkg/chain"
	"github.com/harun/chatstate/pkg/llm"
	"github.com/harun/chatstate/pkg/tools"
)

// RequestType tags a Request.
type RequestType string

const (
	RequestAddMessage         RequestType = "add_message"
	RequestGenerateCompletion RequestType = "generate_completion"
	RequestGetHead            RequestType = "get_head"
	RequestSetHead            RequestType = "set_head"
	RequestGetMessage         RequestType = "get_message"
	RequestGetSettings        RequestType = "get_settings"
	RequestUpdateSettings     RequestType = "update_settings"
	RequestUpdateTitle        RequestType = "update_title"
	RequestUpdateSystemPrompt RequestType = "update_system_prompt"
	RequestGetHistory         RequestType = "get_history"
	RequestListModels         RequestType = "list_models"
	RequestListTools          RequestType = "list_tools"
)

// Request is a client operation on one conversation.
type Request struct {
	Type RequestType `json:"type"`

	// add_message
	Message *llm.Message `json:"message,omitempty"`
	// set_head; nil clears the head
	Head *string `json:"head,omitempty"`
	// get_message
	MessageID string `json:"message_id,omitempty"`
	// update_settings
	Settings *Settings `json:"settings,omitempty"`
	// update_title
	Title *string `json:"title,omitempty"`
	// update_system_prompt; nil clears the prompt
	SystemPrompt *string `json:"system_prompt,omitempty"`
}

// Validate checks that the fields required by the request type are present.
func (r Request) Validate() error {
	switch r.Type {
	case RequestAddMessage:
		if r.Message == nil {
			return fmt.Errorf("%w: add_message requires message", ErrInvalidRequest)
		}
	case RequestGetMessage:
		if r.MessageID == "" {
			return fmt.Errorf("%w: get_message requires message_id", ErrInvalidRequest)
		}
	case RequestUpdateSettings:
		if r.Settings == nil {
			return fmt.Errorf("%w: update_settings requires settings", ErrInvalidRequest)
		}
	case RequestUpdateTitle:
		if r.Title == nil {
			return fmt.Errorf("%w: update_title requires title", ErrInvalidRequest)
		}
	case RequestGenerateCompletion, RequestGetHead, RequestSetHead, RequestGetSettings,
		RequestUpdateSystemPrompt, RequestGetHistory, RequestListModels, RequestListTools:
	default:
		return fmt.Errorf("%w: unknown request type %q", ErrInvalidRequest, r.Type)
	}
	return nil
}

// ResponseType tags a Response.
type ResponseType string

const (
	ResponseSuccess     ResponseType = "success"
	ResponseHead        ResponseType = "head"
	ResponseChatMessage ResponseType = "chat_message"
	ResponseSettings    ResponseType = "settings"
	ResponseHistory     ResponseType = "history"
	ResponseModelsList  ResponseType = "models_list"
	ResponseToolsList   ResponseType = "tools_list"
	ResponseError       ResponseType = "error"
)

// Response answers a Request.
type Response struct {
	Type     ResponseType        `json:"type"`
	Head     *string             `json:"head,omitempty"`
	Message  *chain.ChatMessage  `json:"message,omitempty"`
	Settings *Settings           `json:"settings,omitempty"`
	History  []chain.ChatMessage `json:"history,omitempty"`
	Models   []llm.ModelInfo     `json:"models,omitempty"`
	Tools    []tools.Tool        `json:"tools,omitempty"`
	Error    *ErrorInfo          `json:"error,omitempty"`
}

// Err returns the response error, if any.
func (r Response) Err() error {
	if r.Type == ResponseError && r.Error != nil {
		return r.Error
	}
	return nil
}

func headPtr(head string) *string {
	if head == "" {
		return nil
	}
	return &head
}

func successResponse() Response {
	return Response{Type: ResponseSuccess}
}

func headResponse(head string) Response {
	return Response{Type: ResponseHead, Head: headPtr(head)}
}

func errorResponse(err error, fallback string, head string) Response {
	info := Describe(err, fallback)
	return Response{Type: ResponseError, Error: &info, Head: headPtr(head)}
}
