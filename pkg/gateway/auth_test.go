package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthHandler_Verify(t *testing.T) {
	t.Run("should accept matching secret", func(t *testing.T) {
		auth := NewAuthHandler("s3cret")
		assert.True(t, auth.Enabled())
		assert.True(t, auth.Verify("s3cret"))
	})

	t.Run("should reject wrong or missing secret", func(t *testing.T) {
		auth := NewAuthHandler("s3cret")
		assert.False(t, auth.Verify("s3cre"))
		assert.False(t, auth.Verify("s3cret "))
		assert.False(t, auth.Verify(""))
	})

	t.Run("should accept everything when disabled", func(t *testing.T) {
		auth := NewAuthHandler("")
		assert.False(t, auth.Enabled())
		assert.True(t, auth.Verify(""))
		assert.True(t, auth.Verify("anything"))
	})
}

func TestAuthHandler_Authorize(t *testing.T) {
	auth := NewAuthHandler("s3cret")

	t.Run("should read the header", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/rpc", nil)
		r.Header.Set(SecretHeader, "s3cret")
		assert.True(t, auth.Authorize(r))
	})

	t.Run("should read the query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?secret=s3cret", nil)
		assert.True(t, auth.Authorize(r))
	})

	t.Run("should prefer the header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?secret=s3cret", nil)
		r.Header.Set(SecretHeader, "wrong")
		assert.False(t, auth.Authorize(r))
	})

	t.Run("should reject missing credentials", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		assert.False(t, auth.Authorize(r))
	})
}
