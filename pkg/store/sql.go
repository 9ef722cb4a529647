package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harun/chatstate/internal/tracing"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"
)

// dialect captures the differences between the supported SQL engines.
type dialect struct {
	name       string
	blobType   string
	positional bool // $1 placeholders instead of ?
}

var dialects = map[string]dialect{
	"sqlite":   {name: "sqlite", blobType: "BLOB"},
	"sqlite3":  {name: "sqlite3", blobType: "BLOB"},
	"postgres": {name: "postgres", blobType: "BYTEA", positional: true},
}

// rebind rewrites ? placeholders for dialects that need positional ones.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SQLStore keeps blobs and labels in two tables, namespaced by store id.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	storeID string
	logger  zerolog.Logger
	ownsDB  bool
}

// OpenSQLStore opens the database named by cfg and prepares the schema.
func OpenSQLStore(ctx context.Context, cfg Config, logger zerolog.Logger) (*SQLStore, error) {
	if _, ok := dialects[cfg.Driver]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}

	dsn := cfg.DSN
	if dsn == "" {
		switch cfg.Driver {
		case "sqlite3":
			dsn = cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000"
		case "sqlite":
			dsn = "file:" + cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	if strings.HasPrefix(cfg.Driver, "sqlite") {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	s, err := NewSQLStore(ctx, db, cfg.Driver, cfg.ID, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLStore wraps an existing database handle and creates the schema.
// The caller keeps ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB, driver, storeID string, logger zerolog.Logger) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	if storeID == "" {
		return nil, fmt.Errorf("store id is required")
	}

	s := &SQLStore{db: db, dialect: d, storeID: storeID, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS blobs (
			store_id TEXT NOT NULL,
			id TEXT NOT NULL,
			data %s NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (store_id, id)
		)`, s.dialect.blobType),
		`CREATE TABLE IF NOT EXISTS labels (
			store_id TEXT NOT NULL,
			label TEXT NOT NULL,
			content_id TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (store_id, label)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) insertBlob(ctx context.Context, ex execer, data []byte) (string, error) {
	id := ContentID(data)
	_, err := ex.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO blobs (store_id, id, data, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (store_id, id) DO NOTHING`),
		s.storeID, id, data, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert blob: %w", err)
	}
	return id, nil
}

func (s *SQLStore) Put(ctx context.Context, data []byte) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "chatstate.store", "store.put",
		attribute.String("store.driver", s.dialect.name),
		attribute.Int("store.bytes", len(data)),
	)
	defer span.End()

	id, err := s.insertBlob(ctx, s.db, data)
	tracing.RecordError(span, err)
	return id, err
}

func (s *SQLStore) Get(ctx context.Context, id string) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "chatstate.store", "store.get",
		attribute.String("store.driver", s.dialect.name),
		attribute.String("store.id", id),
	)
	defer span.End()

	var data []byte
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT data FROM blobs WHERE store_id = ? AND id = ?`), s.storeID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	return data, nil
}

func (s *SQLStore) PutAtLabel(ctx context.Context, label string, data []byte) (string, error) {
	if label == "" {
		return "", ErrInvalidLabel
	}
	ctx, span := tracing.StartSpan(ctx, "chatstate.store", "store.put_at_label",
		attribute.String("store.driver", s.dialect.name),
		attribute.String("store.label", label),
	)
	defer span.End()

	id, err := s.putAtLabel(ctx, label, data)
	tracing.RecordError(span, err)
	return id, err
}

func (s *SQLStore) putAtLabel(ctx context.Context, label string, data []byte) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	id, err := s.insertBlob(ctx, tx, data)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO labels (store_id, label, content_id, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (store_id, label) DO UPDATE SET content_id = excluded.content_id, updated_at = excluded.updated_at`),
		s.storeID, label, id, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to update label %q: %w", label, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit label %q: %w", label, err)
	}
	return id, nil
}

func (s *SQLStore) GetByLabel(ctx context.Context, label string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT content_id FROM labels WHERE store_id = ? AND label = ?`), s.storeID, label).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read label %q: %w", label, err)
	}
	return id, true, nil
}

// Close closes the database when the store opened it.
func (s *SQLStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
