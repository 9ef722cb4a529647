package conversation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/chatstate/internal/tracing"
	"github.com/harun/chatstate/pkg/fanout"
	"github.com/harun/chatstate/pkg/mailbox"
	"github.com/rs/zerolog"
)

// Actor hosts a Conversation on one mailbox lane. Requests, continuation
// steps and channel events are tasks on that lane, so the conversation is
// only ever touched by one task at a time.
type Actor struct {
	conv    *Conversation
	mailbox *mailbox.Mailbox
	lane    string

	initOnce sync.Once
	initErr  error

	lastActive atomic.Int64
	evicted    atomic.Bool

	logger zerolog.Logger
}

// errEvicted is returned to callers holding an actor that was unloaded
// while idle. Loading the conversation again succeeds.
var errEvicted = fmt.Errorf("%w: evicted while idle", ErrClosed)

// NewActor binds conv to the lane named after its id. Continuations of conv
// are posted to the same lane.
func NewActor(conv *Conversation, mb *mailbox.Mailbox, logger zerolog.Logger) *Actor {
	a := &Actor{
		conv:    conv,
		mailbox: mb,
		lane:    "conversation:" + conv.ID(),
		logger:  logger.With().Str("component", "actor").Str("conversation_id", conv.ID()).Logger(),
	}
	conv.SetScheduler(a.scheduleContinuation)
	a.touch()
	return a
}

func (a *Actor) touch() {
	a.lastActive.Store(time.Now().UnixNano())
}

// IdleFor returns how long ago the actor last received a request.
func (a *Actor) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, a.lastActive.Load()))
}

// Evicted reports whether the actor was unloaded by an idle sweep.
func (a *Actor) Evicted() bool {
	return a.evicted.Load()
}

// ID returns the conversation id.
func (a *Actor) ID() string {
	return a.conv.ID()
}

// scheduleContinuation posts the next loop step behind everything already
// queued. The step must outlive the request that started the cycle.
func (a *Actor) scheduleContinuation(ctx context.Context) error {
	return a.mailbox.PostFollowUp(tracing.Detach(ctx), a.lane, func(ctx context.Context) (interface{}, error) {
		a.conv.ContinueChain(ctx)
		return nil, nil
	})
}

// Init initializes the conversation once. Later calls return the first
// result.
func (a *Actor) Init(ctx context.Context) error {
	a.initOnce.Do(func() {
		_, a.initErr = a.mailbox.Enqueue(a.taskContext(ctx), a.lane, func(ctx context.Context) (interface{}, error) {
			return nil, a.conv.Init(ctx)
		})
	})
	return a.initErr
}

func (a *Actor) taskContext(ctx context.Context) context.Context {
	return tracing.Detach(tracing.WithConversationID(ctx, a.conv.ID()))
}

// Request runs req on the lane and waits for its reply. For
// generate_completion the reply arrives when the cycle resolves, possibly
// many lane tasks later. If ctx ends first the work still completes; only
// the wait is abandoned.
func (a *Actor) Request(ctx context.Context, req Request) (Response, error) {
	return a.submit(ctx, req, nil)
}

// OpenChannel subscribes channelID to head and message events.
func (a *Actor) OpenChannel(ctx context.Context, channelID string, sink fanout.Sink) error {
	a.touch()
	_, err := a.mailbox.Enqueue(a.taskContext(ctx), a.lane, func(ctx context.Context) (interface{}, error) {
		if a.evicted.Load() {
			return nil, errEvicted
		}
		a.conv.Subscribe(channelID, sink)
		return nil, nil
	})
	return err
}

// ChannelMessage handles a request that arrived on a channel. Activity on a
// channel subscribes it if it is not already.
func (a *Actor) ChannelMessage(ctx context.Context, channelID string, sink fanout.Sink, req Request) (Response, error) {
	return a.submit(ctx, req, func() {
		a.conv.Subscribe(channelID, sink)
	})
}

func (a *Actor) submit(ctx context.Context, req Request, before func()) (Response, error) {
	ticket, replies := NewChanTicket()
	a.touch()

	// rejected is written before the reply is sent and read after it is
	// received.
	rejected := false
	err := a.mailbox.Post(a.taskContext(ctx), a.lane, func(ctx context.Context) (interface{}, error) {
		if a.evicted.Load() {
			rejected = true
			ticket.Reply(Response{})
			return nil, nil
		}
		if before != nil {
			before()
		}
		a.conv.Handle(ctx, req, ticket)
		return nil, nil
	})
	if err != nil {
		return Response{}, err
	}

	select {
	case resp := <-replies:
		if rejected {
			return Response{}, errEvicted
		}
		return resp, nil
	case <-ctx.Done():
		a.logger.Debug().Str("ticket", ticket.ID()).Str("type", string(req.Type)).Msg("Caller stopped waiting for reply")
		return Response{}, ctx.Err()
	}
}

// CloseChannel unsubscribes channelID.
func (a *Actor) CloseChannel(ctx context.Context, channelID string) error {
	_, err := a.mailbox.Enqueue(a.taskContext(ctx), a.lane, func(ctx context.Context) (interface{}, error) {
		a.conv.Unsubscribe(channelID)
		return nil, nil
	})
	return err
}

// evictIfIdle closes the conversation unless a cycle is pending or a
// channel is subscribed. Requests that reach the lane afterwards are
// rejected with errEvicted.
func (a *Actor) evictIfIdle(ctx context.Context) (bool, error) {
	v, err := a.mailbox.Enqueue(a.taskContext(ctx), a.lane, func(ctx context.Context) (interface{}, error) {
		if a.evicted.Load() {
			return false, nil
		}
		if a.conv.Pending() || len(a.conv.Subscribers()) > 0 {
			return false, nil
		}
		a.evicted.Store(true)
		return true, a.conv.Close()
	})
	evicted, _ := v.(bool)
	return evicted, err
}

// Close closes the conversation on its lane.
func (a *Actor) Close(ctx context.Context) error {
	_, err := a.mailbox.Enqueue(a.taskContext(ctx), a.lane, func(ctx context.Context) (interface{}, error) {
		return nil, a.conv.Close()
	})
	return err
}
