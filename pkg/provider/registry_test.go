package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/chatstate/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name     string
	errs     []error
	calls    int
	resp     *llm.CompletionResponse
	models   []llm.ModelInfo
	modelErr error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.resp, nil
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return f.models, f.modelErr
}

func newTestRegistry(providers ...Provider) *Registry {
	r := NewRegistry(zerolog.Nop(), WithRetry(3, time.Millisecond))
	for _, p := range providers {
		_ = r.Register(p)
	}
	return r
}

func TestRegistry_CompleteUnknownProvider(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Complete(context.Background(), "missing", llm.CompletionRequest{})
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestRegistry_CompleteSuccess(t *testing.T) {
	fp := &fakeProvider{
		name: "fake",
		resp: &llm.CompletionResponse{
			Content:    []llm.ContentBlock{llm.TextBlock("hello")},
			StopReason: llm.StopEndTurn,
		},
	}
	r := newTestRegistry(fp)

	resp, err := r.Complete(context.Background(), "fake", llm.CompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, llm.StopEndTurn, resp.StopReason)
	assert.Equal(t, 1, fp.calls)
}

func TestRegistry_RetriesTransientErrors(t *testing.T) {
	fp := &fakeProvider{
		name: "fake",
		errs: []error{errors.New("429 rate limit"), errors.New("503 service unavailable")},
		resp: &llm.CompletionResponse{StopReason: llm.StopEndTurn},
	}
	r := newTestRegistry(fp)

	_, err := r.Complete(context.Background(), "fake", llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, fp.calls)
}

func TestRegistry_DoesNotRetryPermanentErrors(t *testing.T) {
	fp := &fakeProvider{
		name: "fake",
		errs: []error{errors.New("invalid api key")},
	}
	r := newTestRegistry(fp)

	_, err := r.Complete(context.Background(), "fake", llm.CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, fp.calls)
}

func TestRegistry_GivesUpAfterMaxRetries(t *testing.T) {
	fp := &fakeProvider{
		name: "fake",
		errs: []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout"), errors.New("timeout")},
	}
	r := newTestRegistry(fp)

	_, err := r.Complete(context.Background(), "fake", llm.CompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (3) exceeded")
	assert.Equal(t, 3, fp.calls)
}

func TestRegistry_NilResponseIsAnError(t *testing.T) {
	r := newTestRegistry(&fakeProvider{name: "fake"})

	_, err := r.Complete(context.Background(), "fake", llm.CompletionRequest{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestRegistry_ListModels(t *testing.T) {
	good := &fakeProvider{name: "a", models: []llm.ModelInfo{{ID: "m1"}, {ID: "m2"}}}
	bad := &fakeProvider{name: "b", modelErr: errors.New("boom")}
	r := newTestRegistry(good, bad)

	models, err := r.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "a", models[0].Provider)

	onlyBad := newTestRegistry(bad)
	_, err = onlyBad.ListModels(context.Background())
	assert.Error(t, err)

	_, err = newTestRegistry().ListModels(context.Background())
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := newTestRegistry()
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&fakeProvider{}))
	require.NoError(t, r.Register(&fakeProvider{name: "x"}))
	assert.Equal(t, []string{"x"}, r.Names())
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("read: ECONNRESET"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("HTTP 429 Too Many Requests"), true},
		{errors.New("502 bad gateway"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("invalid request"), false},
		{ErrProviderNotFound, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryableError(tt.err), "%v", tt.err)
	}
}
