// Package mailbox provides lane-based task execution with FIFO ordering per
// lane and one task in flight per lane.
//
// A conversation owns one lane. Every inbound request, continuation and
// channel event for it becomes a task on that lane, so each is processed to
// completion before the next starts.
//
// Invariants:
//   - Tasks in the same lane execute one at a time in FIFO order.
//   - Tasks in different lanes may execute concurrently.
//   - A panicking task fails with an error; the lane keeps running.
//
// Usage:
//
//	mb := mailbox.New(0, logger)
//	defer mb.Close(ctx)
//	result, err := mb.Enqueue(ctx, "conversation:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package mailbox
