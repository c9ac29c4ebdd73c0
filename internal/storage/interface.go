package storage

import (
	"context"
	"time"
)

// Backend stores gzip-compressed ledger snapshots.
type Backend interface {
	// PutSnapshot compresses raw NDJSON, stores it under a content-addressed
	// key and returns its metadata.
	PutSnapshot(ctx context.Context, batchID string, takenAt time.Time, raw []byte) (BlobMetadata, error)

	// GetObject returns the stored (still compressed) bytes of key. A missing
	// key yields an error wrapping models.ErrNotFound.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// DeleteObject removes an object. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// Provider returns the name of the storage provider (e.g., "s3", "filesystem").
	Provider() string
}
