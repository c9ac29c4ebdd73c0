package worker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/models"
	"github.com/pharmachain/pharmachain/internal/notifications"
	"github.com/pharmachain/pharmachain/internal/queue"
	"github.com/pharmachain/pharmachain/internal/storage"
)

// LedgerExportProcessor writes a batch chain to the object store as gzip
// NDJSON and records where it went in the audit trail.
type LedgerExportProcessor struct {
	chains   ChainVerifier
	store    storage.Backend
	audits   AuditWriter
	notifier notifications.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewLedgerExportProcessor(chains ChainVerifier, store storage.Backend, audits AuditWriter, notifier notifications.Notifier, log *zap.Logger) *LedgerExportProcessor {
	return &LedgerExportProcessor{
		chains:   chains,
		store:    store,
		audits:   audits,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

func (p *LedgerExportProcessor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := queue.ParseLedgerExportPayload(t)
	if err != nil {
		return fmt.Errorf("parse payload: %w: %w", err, asynq.SkipRetry)
	}

	rep, err := p.chains.VerifyChain(ctx, payload.BatchID)
	if err != nil {
		return fmt.Errorf("load chain %s: %w", payload.BatchID, err)
	}
	if rep.TotalBlocks == 0 {
		p.log.Warn("nothing to export, batch has no ledger", zap.String("batch_id", payload.BatchID))
		return nil
	}

	blocks := make([]*models.LedgerBlock, len(rep.Blocks))
	for i := range rep.Blocks {
		blocks[i] = rep.Blocks[i].LedgerBlock
	}
	raw, err := storage.EncodeBlocks(blocks)
	if err != nil {
		return fmt.Errorf("encode chain %s: %w", payload.BatchID, err)
	}

	meta, err := p.store.PutSnapshot(ctx, payload.BatchID, p.now(), raw)
	if err != nil {
		return fmt.Errorf("upload snapshot of %s: %w", payload.BatchID, err)
	}

	// Read back before recording the key so a corrupt upload is retried.
	back, err := storage.ReadSnapshot(ctx, p.store, meta.Key, meta.SHA256)
	if err != nil {
		return fmt.Errorf("read back snapshot %s: %w", meta.Key, err)
	}
	if !bytes.Equal(back, raw) {
		return fmt.Errorf("read back snapshot %s: content differs from upload", meta.Key)
	}

	role := models.Role(payload.Role)
	if !role.Valid() {
		role = models.RoleSystem
	}
	entry := &models.AuditLog{
		UserEmail: payload.RequestedBy,
		Role:      role,
		Action:    "Exported Ledger Snapshot",
		BatchID:   payload.BatchID,
		Details: details(map[string]any{
			"key":              meta.Key,
			"sha256":           meta.SHA256,
			"provider":         meta.Provider,
			"size":             meta.Size,
			"total_blocks":     rep.TotalBlocks,
			"blockchain_valid": rep.Valid,
		}),
	}
	if entry.UserEmail == "" {
		entry.UserEmail = systemEmail
	}
	if err := p.audits.Create(ctx, entry); err != nil {
		return fmt.Errorf("record snapshot %s: %w", meta.Key, err)
	}

	p.log.Info("ledger snapshot exported",
		zap.String("batch_id", payload.BatchID),
		zap.String("key", meta.Key),
		zap.String("provider", meta.Provider),
		zap.Int64("size", meta.Size),
	)
	if !rep.Valid {
		msg := fmt.Sprintf("Exported ledger snapshot %s of a broken chain", meta.Key)
		if err := p.notifier.SendAlert(ctx, payload.BatchID, notifications.SeverityHigh, msg); err != nil {
			p.log.Warn("snapshot notification failed", zap.String("batch_id", payload.BatchID), zap.Error(err))
		}
	}
	return nil
}
