package conversation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicket_RepliesOnce(t *testing.T) {
	ticket, replies := NewChanTicket()
	assert.NotEmpty(t, ticket.ID())

	var wg sync.WaitGroup
	delivered := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			delivered <- ticket.Reply(successResponse())
		}()
	}
	wg.Wait()
	close(delivered)

	count := 0
	for d := range delivered {
		if d {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, replies, 1)
}

func TestController_BeginResolve(t *testing.T) {
	var c Controller
	assert.False(t, c.Pending())
	assert.False(t, c.Resolve(headResponse("x")), "resolve without a cycle is a no-op")

	first, firstReplies := countingTicket()
	require.NoError(t, c.Begin(first))
	assert.True(t, c.Pending())

	second, secondReplies := countingTicket()
	assert.ErrorIs(t, c.Begin(second), ErrAlreadyPending)

	assert.True(t, c.Resolve(headResponse("abc")))
	assert.False(t, c.Pending())
	assert.False(t, c.Resolve(headResponse("def")))

	require.Len(t, *firstReplies, 1)
	assert.Equal(t, "abc", *(*firstReplies)[0].Head)
	assert.Empty(t, *secondReplies)

	require.NoError(t, c.Begin(second))
	assert.True(t, c.Resolve(errorResponse(ErrEmptyConversation, CodeCompletionError, "")))
	require.Len(t, *secondReplies, 1)
	assert.Equal(t, CodeEmptyConversation, (*secondReplies)[0].Error.Code)
}
