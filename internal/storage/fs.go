package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pharmachain/pharmachain/internal/models"
)

// FSStore implements the Backend interface using the local filesystem.
type FSStore struct {
	root string
}

// NewFSStore creates a new filesystem-based storage backend.
func NewFSStore(root string) (*FSStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid root path: %w", err)
	}

	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root dir: %w", err)
	}

	return &FSStore{root: absRoot}, nil
}

func (s *FSStore) Provider() string {
	return "filesystem"
}

// path maps key below root and refuses keys that would escape it.
func (s *FSStore) path(key string) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(key))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: %w: key %q escapes root", models.ErrInvalidInput, key)
	}
	return full, nil
}

func (s *FSStore) PutSnapshot(_ context.Context, batchID string, takenAt time.Time, raw []byte) (BlobMetadata, error) {
	blob, meta, err := PrepareBlob(raw, batchID, takenAt)
	if err != nil {
		return BlobMetadata{}, err
	}
	meta.Provider = s.Provider()

	fullPath, err := s.path(meta.Key)
	if err != nil {
		return BlobMetadata{}, err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BlobMetadata{}, fmt.Errorf("storage: mkdir: %w", err)
	}

	// Atomic write: write to temp file then rename (same partition)
	tmpFile, err := os.CreateTemp(dir, "snapshot-*.tmp")
	if err != nil {
		return BlobMetadata{}, fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmpFile.Name()
	defer os.Remove(tmpName)

	if err := tmpFile.Chmod(0o644); err != nil {
		tmpFile.Close()
		return BlobMetadata{}, fmt.Errorf("storage: chmod: %w", err)
	}
	if _, err := tmpFile.Write(blob); err != nil {
		tmpFile.Close()
		return BlobMetadata{}, fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return BlobMetadata{}, fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		return BlobMetadata{}, fmt.Errorf("storage: rename: %w", err)
	}

	return meta, nil
}

func (s *FSStore) GetObject(_ context.Context, key string) ([]byte, error) {
	fullPath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: %w: %s", models.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	return data, nil
}

func (s *FSStore) DeleteObject(_ context.Context, key string) error {
	fullPath, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete file: %w", err)
	}
	return nil
}
