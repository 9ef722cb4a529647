package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// FileStore keeps blobs and labels as files under root/<storeID>.
// Blobs live in blobs/<id[:2]>/<id>; each label is a file holding the id it
// points at. All writes go through a temp file and rename.
type FileStore struct {
	dir    string
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewFileStore creates the directory layout for storeID under root.
func NewFileStore(root, storeID string, logger zerolog.Logger) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("file store root is required")
	}
	if storeID == "" || strings.ContainsAny(storeID, `/\`) || storeID == "." || storeID == ".." {
		return nil, fmt.Errorf("invalid store id %q", storeID)
	}

	dir := filepath.Join(root, storeID)
	for _, sub := range []string{"blobs", "labels"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) blobPath(id string) string {
	return filepath.Join(s.dir, "blobs", id[:2], id)
}

func (s *FileStore) labelPath(label string) string {
	return filepath.Join(s.dir, "labels", url.PathEscape(label))
}

func (s *FileStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	return s.put(data)
}

func (s *FileStore) put(data []byte) (string, error) {
	id := ContentID(data)
	path := s.blobPath(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to write blob %s: %w", id, err)
	}
	return id, nil
}

func (s *FileStore) Get(_ context.Context, id string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.blobPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	return data, nil
}

func (s *FileStore) PutAtLabel(_ context.Context, label string, data []byte) (string, error) {
	if label == "" {
		return "", ErrInvalidLabel
	}
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	id, err := s.put(data)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(s.labelPath(label), []byte(id)); err != nil {
		return "", fmt.Errorf("failed to write label %q: %w", label, err)
	}
	s.logger.Debug().Str("label", label).Str("id", id).Msg("Label updated")
	return id, nil
}

func (s *FileStore) GetByLabel(_ context.Context, label string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(s.labelPath(label))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read label %q: %w", label, err)
	}
	id := strings.TrimSpace(string(data))
	if !ValidID(id) {
		return "", false, fmt.Errorf("label %q is corrupt: %w", label, ErrInvalidID)
	}
	return id, true, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
