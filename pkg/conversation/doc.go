// Package conversation holds the state of a conversation and drives its
// completion cycles.
//
// A completion cycle starts with a generate_completion request. The request
// is not answered by its handler: its Ticket is parked in the Controller and
// the orchestrator calls the provider, appends the completion and schedules
// a continuation step. Each continuation inspects the head. A tool_use stop
// runs the requested tools, appends their results and asks for the next
// completion; anything else resolves the ticket with the head.
//
// Invariants:
//   - At most one cycle is open per conversation.
//   - Every opened cycle is resolved exactly once, with the head or with an
//     error payload.
//   - Tool results are appended in invocation order, one message per tool_use
//     completion.
//   - A Conversation is only touched from its Actor's mailbox lane.
//
// Usage:
//
//	mgr, _ := conversation.NewManager(conversation.ManagerConfig{
//		Store:     st,
//		Providers: providers,
//		Defaults:  conversation.DefaultSettings(cfg.Defaults),
//		Logger:    logger,
//	})
//	defer mgr.Close(ctx)
//
//	resp, err := mgr.Request(ctx, "c1", conversation.Request{Type: conversation.RequestGenerateCompletion})
package conversation
