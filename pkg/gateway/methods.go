package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/chatstate/internal/tracing"
	"github.com/harun/chatstate/pkg/conversation"
)

// ConversationHost resolves conversations by id. *conversation.Manager
// implements it.
type ConversationHost interface {
	Get(ctx context.Context, id string) (*conversation.Actor, error)
	Request(ctx context.Context, id string, req conversation.Request) (conversation.Response, error)
}

// chatMethods maps RPC method names onto conversation request types
var chatMethods = map[string]conversation.RequestType{
	"chat.add_message":          conversation.RequestAddMessage,
	"chat.generate":             conversation.RequestGenerateCompletion,
	"chat.get_head":             conversation.RequestGetHead,
	"chat.set_head":             conversation.RequestSetHead,
	"chat.get_message":          conversation.RequestGetMessage,
	"chat.get_settings":         conversation.RequestGetSettings,
	"chat.update_settings":      conversation.RequestUpdateSettings,
	"chat.update_title":         conversation.RequestUpdateTitle,
	"chat.update_system_prompt": conversation.RequestUpdateSystemPrompt,
	"chat.history":              conversation.RequestGetHistory,
	"chat.models":               conversation.RequestListModels,
	"chat.tools":                conversation.RequestListTools,
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	for method, reqType := range chatMethods {
		_ = s.RegisterMethod(method, s.chatHandler(reqType))
	}
}

// chatHandler forwards one chat.* method to the conversation named in params
func (s *Server) chatHandler(reqType conversation.RequestType) RequestHandler {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		params, err := parseChatParams(raw)
		if err != nil {
			return nil, err
		}

		ctx = tracing.WithConversationID(ctx, params.ConversationID)
		logger := tracing.LoggerFromContext(ctx, s.logger)
		event := logger.Debug().Str("type", string(reqType))
		if c, ok := callerFromContext(ctx); ok {
			event = event.Str("transport", c.Transport).Str("clientId", c.ClientID).Str("remote", c.Remote)
		}
		event.Msg("Forwarding chat request")

		resp, err := s.conversations.Request(ctx, params.ConversationID, params.request(reqType))
		if err != nil {
			return nil, err
		}
		if err := resp.Err(); err != nil {
			return nil, rpcErrorFrom(err)
		}
		return resp, nil
	}
}

func parseChatParams(raw json.RawMessage) (ChatParams, error) {
	var params ChatParams
	if len(raw) == 0 {
		return params, &RPCError{Code: InvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, &RPCError{Code: InvalidParams, Message: "invalid params", Data: err.Error()}
	}
	if !conversation.ValidConversationID(params.ConversationID) {
		return params, &RPCError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("invalid conversation_id %q", params.ConversationID),
		}
	}
	return params, nil
}

func (p ChatParams) request(reqType conversation.RequestType) conversation.Request {
	return conversation.Request{
		Type:         reqType,
		Message:      p.Message,
		Head:         p.Head,
		MessageID:    p.MessageID,
		Settings:     p.Settings,
		Title:        p.Title,
		SystemPrompt: p.SystemPrompt,
	}
}
