package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harun/chatstate/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("running gateway", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/healthz", r.URL.Path)
			_ = json.NewEncoder(w).Encode(gateway.Health{Status: "ok", UptimeSeconds: 150, Clients: 3, Watched: 1})
		}))
		defer ts.Close()

		out, err := execute(t, "status", "--addr", strings.TrimPrefix(ts.URL, "http://"))
		require.NoError(t, err)
		assert.Contains(t, out, "Status: ok")
		assert.Contains(t, out, "Uptime: 2m30s")
		assert.Contains(t, out, "Clients: 3")
		assert.Contains(t, out, "Watched conversations: 1")
	})

	t.Run("unreachable gateway", func(t *testing.T) {
		out, err := execute(t, "status", "--addr", "127.0.0.1:1")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
