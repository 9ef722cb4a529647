package provider

import (
	"errors"
	"strings"
)

var (
	// ErrProviderNotFound is returned when no provider is registered under a name.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrNoProviders is returned by aggregate calls on an empty registry.
	ErrNoProviders = errors.New("no providers registered")

	// ErrEmptyResponse is returned when a provider answers without content.
	ErrEmptyResponse = errors.New("provider returned an empty response")
)

// IsRetryableError reports whether err looks transient: rate limits,
// timeouts, dropped connections and 5xx responses.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProviderNotFound) {
		return false
	}

	msg := strings.ToLower(err.Error())
	retryable := []string{
		"econnreset",
		"etimedout",
		"connection reset",
		"connection refused",
		"timeout",
		"deadline exceeded",
		"rate limit",
		"rate_limit",
		"too many requests",
		"overloaded",
		"429",
		"500",
		"502",
		"503",
		"504",
	}
	for _, s := range retryable {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
