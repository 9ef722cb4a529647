package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is a content-addressed blob store with mutable labels.
type Store interface {
	// Put stores data and returns its content id. Storing the same bytes
	// twice yields the same id.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes for id or ErrNotFound.
	Get(ctx context.Context, id string) ([]byte, error)
	// PutAtLabel stores data and points label at it, returning the id.
	PutAtLabel(ctx context.Context, label string, data []byte) (string, error)
	// GetByLabel returns the content id label points at, or false when
	// the label has never been set.
	GetByLabel(ctx context.Context, label string) (string, bool, error)
	Close() error
}

// ContentID returns the lowercase hex SHA-256 digest of data.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidID reports whether id has the shape of a content id.
func ValidID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// LoadLabel resolves label and fetches the bytes it points at.
func LoadLabel(ctx context.Context, s Store, label string) ([]byte, bool, error) {
	id, ok, err := s.GetByLabel(ctx, label)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load label %q: %w", label, err)
	}
	return data, true, nil
}

// Config selects a backend.
type Config struct {
	Driver string // memory, file, sqlite, sqlite3, postgres
	DSN    string
	Path   string
	ID     string // namespace inside the backend; generated when empty
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "store").Str("driver", cfg.Driver).Logger()

	if cfg.ID == "" && cfg.Driver != "memory" {
		cfg.ID = uuid.NewString()
		logger.Info().Str("store_id", cfg.ID).Msg("No store id provided, creating a new store")
	}

	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path, cfg.ID, logger)
	case "sqlite", "sqlite3", "postgres":
		return OpenSQLStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}
