package ledger

import (
	"context"

	"github.com/pharmachain/pharmachain/internal/models"
)

// BlockStore persists ledger blocks. Implementations return models.ErrNotFound
// from LastBlock when the batch has no blocks, and models.ErrConflict from
// InsertBlock when (batch_id, seq) is already taken.
type BlockStore interface {
	LastBlock(ctx context.Context, batchID string) (*models.LedgerBlock, error)
	InsertBlock(ctx context.Context, b *models.LedgerBlock) error
	ListBlocks(ctx context.Context, batchID string) ([]*models.LedgerBlock, error)
	ListChainBatchIDs(ctx context.Context) ([]string, error)
}

// ReadingStore is the read side of the readings table used by verification.
type ReadingStore interface {
	GetReading(ctx context.Context, id int64) (*models.Reading, error)
	ListReadingsByBatch(ctx context.Context, batchID string) ([]*models.Reading, error)
}
