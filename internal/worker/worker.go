// Package worker holds the asynq task processors and the audit scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/ledger"
	"github.com/pharmachain/pharmachain/internal/models"
	"github.com/pharmachain/pharmachain/internal/notifications"
	"github.com/pharmachain/pharmachain/internal/queue"
)

const systemEmail = "system@pharmachain"

// recordAudit writes a System audit entry. Failures are logged only.
func recordAudit(ctx context.Context, audits AuditWriter, log *zap.Logger, e *models.AuditLog) {
	if e.Role == "" {
		e.Role = models.RoleSystem
	}
	if e.UserEmail == "" {
		e.UserEmail = systemEmail
	}
	if err := audits.Create(ctx, e); err != nil {
		log.Error("audit entry dropped",
			zap.String("action", e.Action),
			zap.String("batch_id", e.BatchID),
			zap.Error(err),
		)
	}
}

func details(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// ── Alert notifications ──────────────────────────────────────────────────────

type AlertNotifyProcessor struct {
	alerts   AlertStore
	notifier notifications.Notifier
	log      *zap.Logger
}

func NewAlertNotifyProcessor(alerts AlertStore, notifier notifications.Notifier, log *zap.Logger) *AlertNotifyProcessor {
	return &AlertNotifyProcessor{alerts: alerts, notifier: notifier, log: log}
}

func (p *AlertNotifyProcessor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := queue.ParseAlertNotifyPayload(t)
	if err != nil {
		return fmt.Errorf("parse payload: %w: %w", err, asynq.SkipRetry)
	}

	alert, err := p.alerts.GetByID(ctx, payload.AlertID)
	if errors.Is(err, models.ErrNotFound) {
		p.log.Warn("alert vanished before notification", zap.Int64("alert_id", payload.AlertID))
		return fmt.Errorf("alert %d: %w", payload.AlertID, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("get alert: %w", err)
	}

	if err := p.notifier.SendAlert(ctx, alert.BatchID, alert.Severity, alert.Message); err != nil {
		return fmt.Errorf("send alert %d: %w", alert.ID, err)
	}
	return nil
}

// ── Read-back verification ───────────────────────────────────────────────────

// ReadingVerifyProcessor re-reads an ingested reading and confirms that its
// stored fields still reproduce its stored hash.
type ReadingVerifyProcessor struct {
	readings ReadingStore
	audits   AuditWriter
	notifier notifications.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewReadingVerifyProcessor(readings ReadingStore, audits AuditWriter, notifier notifications.Notifier, log *zap.Logger) *ReadingVerifyProcessor {
	return &ReadingVerifyProcessor{readings: readings, audits: audits, notifier: notifier, log: log, now: time.Now}
}

func (p *ReadingVerifyProcessor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := queue.ParseReadingVerifyPayload(t)
	if err != nil {
		return fmt.Errorf("parse payload: %w: %w", err, asynq.SkipRetry)
	}

	r, err := p.readings.GetReading(ctx, payload.ReadingID)
	if errors.Is(err, models.ErrNotFound) {
		p.log.Error("ingested reading missing on read-back", zap.Int64("reading_id", payload.ReadingID))
		return fmt.Errorf("reading %d: %w", payload.ReadingID, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("get reading: %w", err)
	}

	rep := ledger.CheckReading(r)
	if rep.Valid {
		if err := p.readings.MarkVerified(ctx, r.ID, p.now()); err != nil {
			return fmt.Errorf("mark verified: %w", err)
		}
		return nil
	}

	p.log.Error("reading integrity violation detected",
		zap.Int64("reading_id", r.ID),
		zap.String("batch_id", r.BatchID),
		zap.String("stored_hash", rep.StoredHash),
		zap.String("calculated_hash", rep.CalculatedHash),
	)
	recordAudit(ctx, p.audits, p.log, &models.AuditLog{
		Action:  "Reading Verification Failed",
		BatchID: r.BatchID,
		Details: details(map[string]any{
			"record_id":       r.ID,
			"stored_hash":     rep.StoredHash,
			"calculated_hash": rep.CalculatedHash,
		}),
	})
	msg := fmt.Sprintf("Reading %d no longer matches its stored hash", r.ID)
	if err := p.notifier.SendAlert(ctx, r.BatchID, notifications.SeverityCritical, msg); err != nil {
		return fmt.Errorf("notify mismatch of reading %d: %w", r.ID, err)
	}
	return nil
}

// ── Chain audits ─────────────────────────────────────────────────────────────

// LedgerAuditProcessor re-verifies one batch chain and raises a critical
// notification when it is broken.
type LedgerAuditProcessor struct {
	chains   ChainVerifier
	audits   AuditWriter
	notifier notifications.Notifier
	log      *zap.Logger
}

func NewLedgerAuditProcessor(chains ChainVerifier, audits AuditWriter, notifier notifications.Notifier, log *zap.Logger) *LedgerAuditProcessor {
	return &LedgerAuditProcessor{chains: chains, audits: audits, notifier: notifier, log: log}
}

func (p *LedgerAuditProcessor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := queue.ParseLedgerAuditPayload(t)
	if err != nil {
		return fmt.Errorf("parse payload: %w: %w", err, asynq.SkipRetry)
	}

	rep, err := p.chains.VerifyChain(ctx, payload.BatchID)
	if err != nil {
		return fmt.Errorf("verify chain %s: %w", payload.BatchID, err)
	}
	if rep.Valid {
		p.log.Debug("ledger chain intact",
			zap.String("batch_id", rep.BatchID),
			zap.Int("total_blocks", rep.TotalBlocks),
		)
		return nil
	}

	brokenAt := -1
	if rep.BrokenAt != nil {
		brokenAt = *rep.BrokenAt
	}
	p.log.Error("ledger chain broken",
		zap.String("batch_id", rep.BatchID),
		zap.Int("broken_at", brokenAt),
		zap.Ints("tampered_block_indices", rep.TamperedIndices),
	)
	recordAudit(ctx, p.audits, p.log, &models.AuditLog{
		Action:  "Ledger Audit Failed",
		BatchID: rep.BatchID,
		Details: details(rep.Summary()),
	})
	msg := fmt.Sprintf("Ledger chain broken at block %d (%d of %d blocks tampered)",
		brokenAt, len(rep.TamperedIndices), rep.TotalBlocks)
	if err := p.notifier.SendAlert(ctx, rep.BatchID, notifications.SeverityCritical, msg); err != nil {
		return fmt.Errorf("notify broken chain %s: %w", rep.BatchID, err)
	}
	return nil
}

// AuditScheduler periodically enqueues a ledger audit for every chain.
type AuditScheduler struct {
	chains   ChainLister
	queue    queue.Enqueuer
	log      *zap.Logger
	interval time.Duration
	now      func() time.Time
}

func NewAuditScheduler(chains ChainLister, q queue.Enqueuer, log *zap.Logger, interval time.Duration) *AuditScheduler {
	return &AuditScheduler{chains: chains, queue: q, log: log, interval: interval, now: time.Now}
}

func (s *AuditScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.schedule(ctx)
		}
	}
}

// schedule enqueues one audit per chain for the current window and returns
// how many were newly queued.
func (s *AuditScheduler) schedule(ctx context.Context) int {
	ids, err := s.chains.ListChainBatchIDs(ctx)
	if err != nil {
		s.log.Error("scheduler: list chains", zap.Error(err))
		return 0
	}

	window := s.now().UTC().Truncate(s.interval)
	queued := 0
	for _, id := range ids {
		task, err := queue.NewLedgerAuditTask(queue.LedgerAuditPayload{BatchID: id}, window)
		if err != nil {
			s.log.Error("scheduler: create audit task", zap.String("batch_id", id), zap.Error(err))
			continue
		}
		if _, err := s.queue.EnqueueContext(ctx, task); err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
				// Already queued for this window.
				continue
			}
			s.log.Error("scheduler: enqueue audit task", zap.String("batch_id", id), zap.Error(err))
			continue
		}
		queued++
	}
	return queued
}
