//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/execlayer/kernel/pkg/canonicalize"
)

// GCSStore keeps objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore uses Application Default Credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(rawHash string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + rawHash + objectSuffix)
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	rawHash := canonicalize.HashBytes(data)

	// DoesNotExist makes the write fail instead of replacing an object.
	w := s.object(rawHash).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		exists, existsErr := s.Exists(ctx, canonicalize.Prefixed(rawHash))
		if existsErr == nil && exists {
			return canonicalize.Prefixed(rawHash), nil
		}
		return "", fmt.Errorf("archive: gcs close failed: %w", err)
	}
	return canonicalize.Prefixed(rawHash), nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	rawHash, err := canonicalize.StripPrefix(hash)
	if err != nil {
		return nil, err
	}
	r, err := s.object(rawHash).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	rawHash, err := canonicalize.StripPrefix(hash)
	if err != nil {
		return false, err
	}
	_, err = s.object(rawHash).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("archive: gcs attrs error: %w", err)
	}
	return true, nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
