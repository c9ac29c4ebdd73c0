package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
)

const (
	TypeAlertNotify   = "alert:notify"
	TypeReadingVerify = "reading:verify"
	TypeLedgerAudit   = "ledger:audit"
	TypeLedgerExport  = "ledger:export"

	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Enqueuer is the subset of *asynq.Client used by producers.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AlertNotifyPayload is the task payload for TypeAlertNotify.
type AlertNotifyPayload struct {
	AlertID int64 `json:"alert_id"`
}

// ReadingVerifyPayload is the task payload for TypeReadingVerify.
type ReadingVerifyPayload struct {
	ReadingID int64 `json:"reading_id"`
}

// LedgerAuditPayload is the task payload for TypeLedgerAudit.
type LedgerAuditPayload struct {
	BatchID string `json:"batch_id"`
}

// LedgerExportPayload is the task payload for TypeLedgerExport.
type LedgerExportPayload struct {
	BatchID     string `json:"batch_id"`
	RequestedBy string `json:"requested_by"`
	Role        string `json:"role"`
}

func NewAlertNotifyTask(p AlertNotifyPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal AlertNotify: %w", err)
	}
	return asynq.NewTask(TypeAlertNotify, b, asynq.Queue(QueueCritical), asynq.MaxRetry(5)), nil
}

// NewReadingVerifyTask schedules the read-back check shortly after ingest so it
// observes the committed row rather than racing the insert.
func NewReadingVerifyTask(p ReadingVerifyPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal ReadingVerify: %w", err)
	}
	return asynq.NewTask(TypeReadingVerify, b, asynq.Queue(QueueDefault), asynq.ProcessIn(5*time.Second)), nil
}

// NewLedgerAuditTask builds an audit task deduplicated per batch and window so
// overlapping scheduler ticks cannot pile up audits of the same chain.
func NewLedgerAuditTask(p LedgerAuditPayload, window time.Time) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal LedgerAudit: %w", err)
	}
	taskID := fmt.Sprintf("ledger-audit:%s:%d", p.BatchID, window.Unix())
	return asynq.NewTask(TypeLedgerAudit, b, asynq.Queue(QueueLow), asynq.TaskID(taskID)), nil
}

func NewLedgerExportTask(p LedgerExportPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal LedgerExport: %w", err)
	}
	return asynq.NewTask(TypeLedgerExport, b, asynq.Queue(QueueLow), asynq.MaxRetry(3)), nil
}

func ParseAlertNotifyPayload(t *asynq.Task) (AlertNotifyPayload, error) {
	var p AlertNotifyPayload
	err := json.Unmarshal(t.Payload(), &p)
	return p, err
}

func ParseReadingVerifyPayload(t *asynq.Task) (ReadingVerifyPayload, error) {
	var p ReadingVerifyPayload
	err := json.Unmarshal(t.Payload(), &p)
	return p, err
}

func ParseLedgerAuditPayload(t *asynq.Task) (LedgerAuditPayload, error) {
	var p LedgerAuditPayload
	err := json.Unmarshal(t.Payload(), &p)
	return p, err
}

func ParseLedgerExportPayload(t *asynq.Task) (LedgerExportPayload, error) {
	var p LedgerExportPayload
	err := json.Unmarshal(t.Payload(), &p)
	return p, err
}
