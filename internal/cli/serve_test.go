package cli

import (
	"context"
	"testing"
	"time"

	"github.com/harun/chatstate/internal/config"
	"github.com/harun/chatstate/pkg/conversation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildApp(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = "s3cret"

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, a.evictor)
	require.NoError(t, a.gateway.Start())

	health, err := fetchHealth(ctx, "http://"+a.gateway.Addr()+"/healthz")
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	resp, err := a.manager.Request(ctx, "cli-test", conversation.Request{Type: conversation.RequestGetSettings})
	require.NoError(t, err)
	require.NotNil(t, resp.Settings)
	assert.Equal(t, cfg.Defaults.Model, resp.Settings.ModelConfig.Model)

	next := config.DefaultConfig()
	next.Defaults.Model = "claude-haiku"
	a.reload(next)

	resp, err = a.manager.Request(ctx, "cli-test-2", conversation.Request{Type: conversation.RequestGetSettings})
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku", resp.Settings.ModelConfig.Model)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.shutdown(shutdownCtx))

	_, err = fetchHealth(ctx, "http://"+a.gateway.Addr()+"/healthz")
	assert.Error(t, err)
}

func TestBuildApp_RejectsUnknownStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Driver = "cassandra"

	_, err := buildApp(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestProviderNames(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers = []config.ProviderConfig{{Name: "a"}, {Name: "b"}}
	assert.Equal(t, []string{"a", "b"}, providerNames(cfg))
}
