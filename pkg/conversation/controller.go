package conversation

import (
	"sync"

	"github.com/google/uuid"
	"github.com/harun/chatstate/internal/observability"
)

// Ticket is the deferred reply owed to the request that opened a
// completion cycle. Reply delivers at most once.
type Ticket struct {
	id    string
	once  sync.Once
	reply func(Response)
}

// NewTicket creates a ticket that hands its response to reply.
func NewTicket(reply func(Response)) *Ticket {
	return &Ticket{id: uuid.NewString(), reply: reply}
}

// NewChanTicket creates a ticket and the channel its response arrives on.
func NewChanTicket() (*Ticket, <-chan Response) {
	ch := make(chan Response, 1)
	return NewTicket(func(r Response) { ch <- r }), ch
}

// ID identifies the ticket in logs and traces.
func (t *Ticket) ID() string {
	return t.id
}

// Reply sends resp unless the ticket was already answered. It reports
// whether this call delivered.
func (t *Ticket) Reply(resp Response) bool {
	delivered := false
	t.once.Do(func() {
		delivered = true
		if t.reply != nil {
			t.reply(resp)
		}
	})
	return delivered
}

// Controller holds the single pending completion cycle of a conversation.
// It is owned by the conversation and not safe for concurrent use.
type Controller struct {
	pending *Ticket
}

// Begin opens a cycle for ticket.
func (c *Controller) Begin(ticket *Ticket) error {
	if c.pending != nil {
		return ErrAlreadyPending
	}
	c.pending = ticket
	observability.CycleOpened()
	return nil
}

// Pending reports whether a cycle is open.
func (c *Controller) Pending() bool {
	return c.pending != nil
}

// Resolve replies to the pending ticket with resp and closes the cycle.
// Without a pending cycle it does nothing and returns false.
func (c *Controller) Resolve(resp Response) bool {
	if c.pending == nil {
		return false
	}
	ticket := c.pending
	c.pending = nil

	outcome := "success"
	if resp.Type == ResponseError {
		outcome = "error"
	}
	observability.CycleResolved(outcome)

	ticket.Reply(resp)
	return true
}
