package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// SecretHeader carries the shared secret on HTTP requests
const SecretHeader = "X-Chatstate-Secret"

// SecretQueryParam carries the shared secret on websocket upgrades, where
// browsers cannot set headers
const SecretQueryParam = "secret"

// AuthHandler checks the optional shared secret
type AuthHandler struct {
	digest  [sha256.Size]byte
	enabled bool
}

// NewAuthHandler creates an authentication handler. An empty secret
// disables the check.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		digest:  sha256.Sum256([]byte(sharedSecret)),
		enabled: sharedSecret != "",
	}
}

// Enabled reports whether a secret is required
func (a *AuthHandler) Enabled() bool {
	return a.enabled
}

// Verify compares provided with the shared secret in constant time
func (a *AuthHandler) Verify(provided string) bool {
	if !a.enabled {
		return true
	}
	// Both sides are digests, so the comparison is fixed length.
	got := sha256.Sum256([]byte(provided))
	return subtle.ConstantTimeCompare(a.digest[:], got[:]) == 1
}

// Authorize checks the header, then the query parameter, of r
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.enabled {
		return true
	}
	if secret := r.Header.Get(SecretHeader); secret != "" {
		return a.Verify(secret)
	}
	return a.Verify(r.URL.Query().Get(SecretQueryParam))
}
