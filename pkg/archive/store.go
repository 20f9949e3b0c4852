// Package archive mirrors signed receipts into durable, content-addressed
// storage. Objects are keyed by the SHA-256 of their bytes and are never
// deleted or overwritten.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/execlayer/kernel/pkg/canonicalize"
	"github.com/execlayer/kernel/pkg/contracts"
)

// ErrNotFound is returned by Get for unknown hashes.
var ErrNotFound = errors.New("archive: object not found")

// Store is a write-once content-addressed store.
type Store interface {
	// Put persists data and returns its "sha256:<hex>" content hash.
	// Putting existing content is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

const objectSuffix = ".json"

// PutReceipt archives the canonical JSON of a finished receipt.
func PutReceipt(ctx context.Context, s Store, r *contracts.Receipt) (string, error) {
	data, err := canonicalize.JCS(r)
	if err != nil {
		return "", fmt.Errorf("archive: canonicalize receipt %s: %w", r.ReceiptID, err)
	}
	return s.Put(ctx, data)
}

// FileStore keeps objects as files under a base directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates baseDir if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(rawHash string) string {
	return filepath.Join(s.baseDir, rawHash+objectSuffix)
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	rawHash := canonicalize.HashBytes(data)
	path := s.path(rawHash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return canonicalize.Prefixed(rawHash), nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("archive: write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit object: %w", err)
	}
	return canonicalize.Prefixed(rawHash), nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	rawHash, err := canonicalize.StripPrefix(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(rawHash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read object: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	rawHash, err := canonicalize.StripPrefix(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(rawHash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("archive: stat object: %w", err)
}
