package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/pharmachain/pharmachain/internal/models"
	"github.com/pharmachain/pharmachain/pkg/hashchain"
)

const contentType = "application/x-ndjson+gzip"

type BlobMetadata struct {
	Key      string `json:"key"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Lines    int64  `json:"lines"`
	Provider string `json:"provider"`
}

// PrepareBlob compresses, hashes, and generates a key for a ledger snapshot.
// The hash covers the compressed bytes so a stored object can be checked
// before it is decompressed.
func PrepareBlob(raw []byte, batchID string, takenAt time.Time) ([]byte, BlobMetadata, error) {
	if batchID == "" {
		return nil, BlobMetadata{}, fmt.Errorf("storage: %w: empty batch id", models.ErrInvalidInput)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, BlobMetadata{}, fmt.Errorf("storage: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, BlobMetadata{}, fmt.Errorf("storage: gzip close: %w", err)
	}

	compressed := buf.Bytes()
	sum := hashchain.Sum(compressed)

	// Key: ledger/<batch>/<YYYY>/<MM>/<DD>/<taken>_<sha[:8]>.ndjson.gz
	key := fmt.Sprintf("ledger/%s/%s/%s_%s.ndjson.gz",
		url.PathEscape(batchID),
		takenAt.UTC().Format("2006/01/02"),
		takenAt.UTC().Format("20060102T150405Z"),
		sum[:8],
	)

	return compressed, BlobMetadata{
		Key:    key,
		SHA256: sum,
		Size:   int64(len(compressed)),
		Lines:  int64(countLines(raw)),
	}, nil
}

// DecompressBlob reads gzip compressed data from a reader.
func DecompressBlob(r io.Reader) ([]byte, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("storage: gzip reader: %w", err)
	}
	defer gr.Close()

	return io.ReadAll(gr)
}

// ReadSnapshot fetches key from b and returns the decompressed NDJSON. When
// sha256hex is set the object must match the SHA-256 recorded at export time.
func ReadSnapshot(ctx context.Context, b Backend, key, sha256hex string) ([]byte, error) {
	compressed, err := b.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	if sha256hex != "" {
		if err := hashchain.VerifyObject(compressed, sha256hex); err != nil {
			return nil, fmt.Errorf("storage: %s: %w", key, err)
		}
	}
	return DecompressBlob(bytes.NewReader(compressed))
}

// EncodeBlocks renders blocks as NDJSON, one block per line.
func EncodeBlocks(blocks []*models.LedgerBlock) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, b := range blocks {
		if err := enc.Encode(b); err != nil {
			return nil, fmt.Errorf("storage: encode block %s/%d: %w", b.BatchID, b.Seq, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeBlocks parses the NDJSON written by EncodeBlocks.
func DecodeBlocks(raw []byte) ([]*models.LedgerBlock, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var out []*models.LedgerBlock
	for {
		var b models.LedgerBlock
		err := dec.Decode(&b)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("storage: decode block %d: %w", len(out), err)
		}
		out = append(out, &b)
	}
}

func countLines(b []byte) int {
	return bytes.Count(b, []byte{'\n'})
}
