package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	fileStore, err := NewFileStore(t.TempDir(), "test-store", zerolog.Nop())
	require.NoError(t, err)

	sqliteStore, err := OpenSQLStore(ctx, Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "chatstate.db"),
		ID:     "test-store",
	}, zerolog.Nop())
	require.NoError(t, err)

	backends := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"sqlite": sqliteStore,
	}

	// The cgo driver is optional in test environments.
	if cgoStore, err := OpenSQLStore(ctx, Config{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "chatstate-cgo.db"),
		ID:     "test-store",
	}, zerolog.Nop()); err == nil {
		backends["sqlite3"] = cgoStore
	}

	t.Cleanup(func() {
		for _, s := range backends {
			s.Close()
		}
	})
	return backends
}

func TestStoreContract(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("put then get round trips", func(t *testing.T) {
				data := []byte(`{"entry":{"message":{"role":"user"}}}`)
				id, err := s.Put(ctx, data)
				require.NoError(t, err)
				assert.Equal(t, ContentID(data), id)
				assert.True(t, ValidID(id))

				got, err := s.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, data, got)
			})

			t.Run("put is idempotent", func(t *testing.T) {
				id1, err := s.Put(ctx, []byte("same"))
				require.NoError(t, err)
				id2, err := s.Put(ctx, []byte("same"))
				require.NoError(t, err)
				assert.Equal(t, id1, id2)
			})

			t.Run("missing id", func(t *testing.T) {
				_, err := s.Get(ctx, ContentID([]byte("never stored")))
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("labels", func(t *testing.T) {
				_, ok, err := s.GetByLabel(ctx, "conv-1")
				require.NoError(t, err)
				assert.False(t, ok)

				id1, err := s.PutAtLabel(ctx, "conv-1", []byte(`{"head":"a"}`))
				require.NoError(t, err)
				got, ok, err := s.GetByLabel(ctx, "conv-1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, id1, got)

				id2, err := s.PutAtLabel(ctx, "conv-1", []byte(`{"head":"b"}`))
				require.NoError(t, err)
				got, _, err = s.GetByLabel(ctx, "conv-1")
				require.NoError(t, err)
				assert.Equal(t, id2, got)

				data, ok, err := LoadLabel(ctx, s, "conv-1")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.JSONEq(t, `{"head":"b"}`, string(data))
			})

			t.Run("labels with separators", func(t *testing.T) {
				_, err := s.PutAtLabel(ctx, "settings_team/conv 2", []byte("x"))
				require.NoError(t, err)
				_, ok, err := s.GetByLabel(ctx, "settings_team/conv 2")
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("empty label rejected", func(t *testing.T) {
				_, err := s.PutAtLabel(ctx, "", []byte("x"))
				assert.ErrorIs(t, err, ErrInvalidLabel)
			})
		})
	}
}

func TestStoreNamespacing(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := OpenSQLStore(ctx, Config{Driver: "sqlite", Path: path, ID: "a"}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLStore(ctx, Config{Driver: "sqlite", Path: path, ID: "b"}, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	id, err := a.PutAtLabel(ctx, "conv", []byte("only in a"))
	require.NoError(t, err)

	_, err = b.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok, err := b.GetByLabel(ctx, "conv")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: "memory"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Config{Driver: "file", Path: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(ctx, Config{Driver: "etcd"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, err := s.Put(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Get(ctx, ContentID([]byte("x")))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	_, err := NewFileStore(t.TempDir(), "../escape", zerolog.Nop())
	assert.Error(t, err)

	s, err := NewFileStore(t.TempDir(), "ok", zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}
