package gateway

import "context"

// caller identifies where a request came from, for logging.
type caller struct {
	Transport string // "ws" or "http"
	ClientID  string
	Remote    string
}

type callerKey struct{}

func withCaller(ctx context.Context, c caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFromContext(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(callerKey{}).(caller)
	return c, ok
}
