package worker

import (
	"context"
	"time"

	"github.com/pharmachain/pharmachain/internal/ledger"
	"github.com/pharmachain/pharmachain/internal/models"
)

// Interfaces for dependency injection to allow testing.

// AlertStore is the alerts table as read by the notifier.
type AlertStore interface {
	GetByID(ctx context.Context, id int64) (*models.Alert, error)
}

// ReadingStore is the readings table as used by read-back verification.
type ReadingStore interface {
	GetReading(ctx context.Context, id int64) (*models.Reading, error)
	MarkVerified(ctx context.Context, id int64, at time.Time) error
}

// AuditWriter appends audit trail entries.
type AuditWriter interface {
	Create(ctx context.Context, e *models.AuditLog) error
}

// ChainVerifier is implemented by *ledger.Service.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, batchID string) (*ledger.ChainReport, error)
}

// ChainLister lists the batches that have a ledger.
type ChainLister interface {
	ListChainBatchIDs(ctx context.Context) ([]string, error)
}
