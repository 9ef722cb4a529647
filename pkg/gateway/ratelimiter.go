package gateway

import (
	"sync"
	"time"
)

// Rate limit rejection reasons
const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// RateLimiter applies a sliding one-minute window and a concurrency cap per
// client key. Keys are websocket client ids or remote addresses for HTTP.
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	clients           map[string]*clientWindow
	now               func() time.Time
}

type clientWindow struct {
	requests []time.Time
	inFlight int
}

// NewRateLimiter creates a limiter. Non-positive limits select 60 requests
// per minute and 10 concurrent requests.
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		clients:           make(map[string]*clientWindow),
		now:               time.Now,
	}
}

// Acquire admits a request for key and counts it as in flight. On success
// the caller must call Release.
func (r *RateLimiter) Acquire(key string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.clients[key]
	if !ok {
		w = &clientWindow{}
		r.clients[key] = w
	}

	if w.inFlight >= r.maxConcurrent {
		return false, reasonTooConcurrent
	}

	now := r.now()
	w.requests = pruneBefore(w.requests, now.Add(-time.Minute))
	if len(w.requests) >= r.requestsPerMinute {
		return false, reasonRateLimited
	}

	w.requests = append(w.requests, now)
	w.inFlight++
	return true, ""
}

// Release ends a request admitted by Acquire
func (r *RateLimiter) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.clients[key]
	if !ok {
		return
	}
	if w.inFlight > 0 {
		w.inFlight--
	}
	if w.inFlight == 0 && len(pruneBefore(w.requests, r.now().Add(-time.Minute))) == 0 {
		delete(r.clients, key)
	}
}

// Forget drops the state of key, for example when its client disconnects
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, key)
}

// Stats returns the requests in the current window and the in-flight count
// for key
func (r *RateLimiter) Stats(key string) (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.clients[key]
	if !ok {
		return 0, 0
	}
	w.requests = pruneBefore(w.requests, r.now().Add(-time.Minute))
	return len(w.requests), w.inFlight
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
