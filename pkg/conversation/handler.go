package conversation

import (
	"context"

	"github.com/harun/chatstate/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Handle runs req against the conversation and answers through ticket.
// Every request except generate_completion is answered before Handle
// returns; a completion cycle keeps the ticket until it resolves.
func (c *Conversation) Handle(ctx context.Context, req Request, ticket *Ticket) {
	ctx, span := tracing.StartSpan(ctx, "chatstate.conversation", "conversation.handle",
		attribute.String("conversation.id", c.id),
		attribute.String("request.type", string(req.Type)),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		tracing.RecordError(span, err)
		ticket.Reply(errorResponse(err, CodeInvalidRequest, c.Head()))
		return
	}

	if req.Type == RequestGenerateCompletion {
		if err := c.RequestCompletion(ctx, ticket); err != nil {
			tracing.RecordError(span, err)
			ticket.Reply(errorResponse(err, CodeCompletionError, c.Head()))
		}
		return
	}

	resp := c.dispatch(ctx, req)
	if err := resp.Err(); err != nil {
		tracing.RecordError(span, err)
	}
	ticket.Reply(resp)
}

func (c *Conversation) dispatch(ctx context.Context, req Request) Response {
	switch req.Type {
	case RequestAddMessage:
		msg, err := c.AddMessage(ctx, *req.Message)
		if err != nil {
			return errorResponse(err, CodeMessageError, c.Head())
		}
		return Response{Type: ResponseChatMessage, Message: &msg, Head: headPtr(msg.ID)}

	case RequestGetHead:
		return headResponse(c.Head())

	case RequestSetHead:
		head := ""
		if req.Head != nil {
			head = *req.Head
		}
		if err := c.SetHead(ctx, head); err != nil {
			return errorResponse(err, CodeNotFound, c.Head())
		}
		return headResponse(c.Head())

	case RequestGetMessage:
		msg, err := c.GetMessage(ctx, req.MessageID)
		if err != nil {
			return errorResponse(err, CodeNotFound, "")
		}
		return Response{Type: ResponseChatMessage, Message: &msg}

	case RequestGetSettings:
		s := c.Settings()
		return Response{Type: ResponseSettings, Settings: &s}

	case RequestUpdateSettings:
		if err := c.UpdateSettings(ctx, *req.Settings); err != nil {
			return errorResponse(err, CodeInvalidRequest, "")
		}
		return successResponse()

	case RequestUpdateTitle:
		if err := c.UpdateTitle(ctx, *req.Title); err != nil {
			return errorResponse(err, CodeStorageError, "")
		}
		return successResponse()

	case RequestUpdateSystemPrompt:
		prompt := ""
		if req.SystemPrompt != nil {
			prompt = *req.SystemPrompt
		}
		if err := c.UpdateSystemPrompt(ctx, prompt); err != nil {
			return errorResponse(err, CodeStorageError, "")
		}
		return successResponse()

	case RequestGetHistory:
		history, err := c.History(ctx)
		if err != nil {
			return errorResponse(err, CodeStorageError, c.Head())
		}
		return Response{Type: ResponseHistory, History: history, Head: headPtr(c.Head())}

	case RequestListModels:
		models, err := c.ListModels(ctx)
		if err != nil {
			return errorResponse(err, CodeModelsError, "")
		}
		return Response{Type: ResponseModelsList, Models: models}

	case RequestListTools:
		list, err := c.ListTools()
		if err != nil {
			return errorResponse(err, CodeToolsError, "")
		}
		return Response{Type: ResponseToolsList, Tools: list}
	}

	return errorResponse(ErrInvalidRequest, CodeInvalidRequest, "")
}
