// Package storage keeps ledger snapshots in an object store. Works with any
// S3-compatible provider (AWS, Garage, MinIO, R2, ...) or the local
// filesystem. The multi backend writes to the first provider that accepts
// the object and reads from the first that has it.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pharmachain/pharmachain/internal/config"
	"github.com/pharmachain/pharmachain/internal/models"
)

// Store wraps an S3 client for a specific bucket / provider.
type Store struct {
	client       *s3.Client
	bucket       string
	storageClass string
}

// New creates a Store from config. Works with any S3-compatible endpoint.
func New(ctx context.Context, cfg config.S3Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: %w: s3.bucket is required", models.ErrInvalidInput)
	}
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: cfg.ForcePathStyle,
		// Most S3-compatible providers reject the aws-chunked trailer
		// checksums the SDK sends by default.
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	store := &Store{client: s3.New(opts), bucket: cfg.Bucket, storageClass: cfg.StorageClass}
	if err := store.ensureBucketExists(ctx); err != nil {
		return nil, fmt.Errorf("storage: ensure bucket exists: %w", err)
	}
	return store, nil
}

// ensureBucketExists creates the bucket when the provider reports it missing.
func (s *Store) ensureBucketExists(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	var noBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noBucket) {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Provider returns the human-readable provider label.
func (s *Store) Provider() string { return "s3" }

// PutSnapshot compresses raw NDJSON bytes and uploads to S3. The key embeds
// the content hash so repeating an upload is idempotent.
func (s *Store) PutSnapshot(ctx context.Context, batchID string, takenAt time.Time, raw []byte) (BlobMetadata, error) {
	compressed, meta, err := PrepareBlob(raw, batchID, takenAt)
	if err != nil {
		return BlobMetadata{}, err
	}
	meta.Provider = s.Provider()

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(meta.Key),
		Body:          bytes.NewReader(compressed),
		ContentLength: aws.Int64(meta.Size),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"sha256": meta.SHA256, "batch-id": batchID},
	}
	if s.storageClass != "" {
		in.StorageClass = types.StorageClass(s.storageClass)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return BlobMetadata{}, fmt.Errorf("storage: put object: %w", err)
	}
	return meta, nil
}

// GetObject downloads a stored snapshot without decompressing it.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("storage: %w: %s", models.ErrNotFound, key)
		}
		return nil, fmt.Errorf("storage: get object: %w", err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("storage: read object: %w", err)
	}
	return buf.Bytes(), nil
}

// DeleteObject removes an object.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	return nil
}

// ── Multi-provider failover ───────────────────────────────────────────────────

// MultiStore tries providers in order and returns on first success.
type MultiStore struct {
	providers []Backend
}

// NewMultiStore creates a MultiStore from a list of backends (primary first).
func NewMultiStore(providers ...Backend) *MultiStore {
	return &MultiStore{providers: providers}
}

func (m *MultiStore) Provider() string { return "multi" }

// PutSnapshot uploads to the first available provider. The returned metadata
// names the provider that accepted the object.
func (m *MultiStore) PutSnapshot(ctx context.Context, batchID string, takenAt time.Time, raw []byte) (BlobMetadata, error) {
	var lastErr error
	for _, p := range m.providers {
		meta, err := p.PutSnapshot(ctx, batchID, takenAt, raw)
		if err == nil {
			return meta, nil
		}
		lastErr = err
	}
	return BlobMetadata{}, fmt.Errorf("storage: all providers failed, last error: %w", lastErr)
}

// GetObject fetches from the first provider that has the object.
func (m *MultiStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for _, p := range m.providers {
		data, err := p.GetObject(ctx, key)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("storage: all providers failed: %w", lastErr)
}

// DeleteObject deletes from all providers.
func (m *MultiStore) DeleteObject(ctx context.Context, key string) error {
	var errs []error
	for _, p := range m.providers {
		if err := p.DeleteObject(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds the backend selected by storage.backend. "multi" writes to S3
// and falls back to the filesystem.
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Storage.Backend {
	case "fs":
		return NewFSStore(cfg.Storage.FSRoot)
	case "s3":
		return New(ctx, cfg.S3)
	case "multi":
		primary, err := New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		fallback, err := NewFSStore(cfg.Storage.FSRoot)
		if err != nil {
			return nil, err
		}
		return NewMultiStore(primary, fallback), nil
	}
	return nil, fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
}
