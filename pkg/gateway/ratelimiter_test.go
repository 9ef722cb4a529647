package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Acquire(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewRateLimiter(10, 5)

		for i := 0; i < 5; i++ {
			allowed, reason := limiter.Acquire("a")
			assert.True(t, allowed)
			assert.Empty(t, reason)
		}
		requests, concurrent := limiter.Stats("a")
		assert.Equal(t, 5, requests)
		assert.Equal(t, 5, concurrent)
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewRateLimiter(100, 3)

		for i := 0; i < 3; i++ {
			allowed, _ := limiter.Acquire("a")
			assert.True(t, allowed)
		}

		allowed, reason := limiter.Acquire("a")
		assert.False(t, allowed)
		assert.Equal(t, reasonTooConcurrent, reason)

		limiter.Release("a")
		allowed, _ = limiter.Acquire("a")
		assert.True(t, allowed)
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewRateLimiter(5, 10)

		for i := 0; i < 5; i++ {
			allowed, _ := limiter.Acquire("a")
			assert.True(t, allowed)
			limiter.Release("a")
		}

		allowed, reason := limiter.Acquire("a")
		assert.False(t, allowed)
		assert.Equal(t, reasonRateLimited, reason)

		allowed, _ = limiter.Acquire("b")
		assert.True(t, allowed, "keys are limited independently")
	})

	t.Run("should slide the window", func(t *testing.T) {
		limiter := NewRateLimiter(2, 10)
		now := time.Unix(1_700_000_000, 0)
		limiter.now = func() time.Time { return now }

		for i := 0; i < 2; i++ {
			allowed, _ := limiter.Acquire("a")
			assert.True(t, allowed)
			limiter.Release("a")
		}
		allowed, _ := limiter.Acquire("a")
		assert.False(t, allowed)

		now = now.Add(61 * time.Second)
		allowed, _ = limiter.Acquire("a")
		assert.True(t, allowed)
	})

	t.Run("should apply defaults", func(t *testing.T) {
		limiter := NewRateLimiter(0, -1)
		assert.Equal(t, 60, limiter.requestsPerMinute)
		assert.Equal(t, 10, limiter.maxConcurrent)
	})
}

func TestRateLimiter_ReleaseAndForget(t *testing.T) {
	limiter := NewRateLimiter(10, 10)

	limiter.Release("unknown")

	allowed, _ := limiter.Acquire("a")
	assert.True(t, allowed)
	limiter.Forget("a")

	requests, concurrent := limiter.Stats("a")
	assert.Zero(t, requests)
	assert.Zero(t, concurrent)
}
