package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/api/middleware"
	"github.com/pharmachain/pharmachain/internal/ledger"
	"github.com/pharmachain/pharmachain/internal/models"
	"github.com/pharmachain/pharmachain/internal/queue"
)

// ReadingStore is the readings table.
type ReadingStore interface {
	Create(ctx context.Context, r *models.Reading) error
	ListRecent(ctx context.Context, limit int) ([]*models.Reading, error)
	ListReadingsByBatch(ctx context.Context, batchID string) ([]*models.Reading, error)
	Summaries(ctx context.Context) ([]*models.BatchSummary, error)
}

// AlertStore is the alerts table.
type AlertStore interface {
	Create(ctx context.Context, a *models.Alert) error
	ListRecent(ctx context.Context, limit int) ([]*models.Alert, error)
	ListAfter(ctx context.Context, afterID int64, limit int) ([]*models.Alert, error)
}

// BatchStore is the batches table.
type BatchStore interface {
	Create(ctx context.Context, b *models.Batch) error
	GetByID(ctx context.Context, batchID string) (*models.Batch, error)
	List(ctx context.Context) ([]*models.Batch, error)
	Review(ctx context.Context, batchID string, status models.BatchStatus, reviewer, remarks string) (*models.Batch, error)
}

// AuditStore is the audit trail.
type AuditStore interface {
	Create(ctx context.Context, e *models.AuditLog) error
	ListRecent(ctx context.Context, limit int) ([]*models.AuditLog, error)
}

// SensorKeyStore manages sensor credentials.
type SensorKeyStore interface {
	Create(ctx context.Context, k *models.SensorKey) error
	List(ctx context.Context) ([]*models.SensorKey, error)
	Revoke(ctx context.Context, id uuid.UUID) error
}

// KeyForgetter drops cached sensor credentials, see middleware.SensorKeyCache.
type KeyForgetter interface {
	Forget(id uuid.UUID)
}

// Ledger is implemented by *ledger.Service.
type Ledger interface {
	AppendBlock(ctx context.Context, req ledger.AppendRequest) (*models.LedgerBlock, error)
	AppendBestEffort(ctx context.Context, req ledger.AppendRequest) *models.LedgerBlock
	VerifyChain(ctx context.Context, batchID string) (*ledger.ChainReport, error)
	VerifyAll(ctx context.Context) (*ledger.AllReport, error)
	VerifyReading(ctx context.Context, id int64) (*ledger.ReadingReport, error)
	VerifyBatchIntegrity(ctx context.Context, batchID string) (*ledger.BatchReport, error)
}

// Deps wires the handlers to their collaborators.
type Deps struct {
	Readings   ReadingStore
	Alerts     AlertStore
	Batches    BatchStore
	AuditLogs  AuditStore
	SensorKeys SensorKeyStore
	// KeyCache may be nil.
	KeyCache KeyForgetter
	Ledger   Ledger
	// Queue may be nil, in which case background tasks are not scheduled.
	Queue      queue.Enqueuer
	Thresholds models.Thresholds
	// StreamPoll is how often the alert stream polls for new alerts.
	StreamPoll time.Duration
	// AllowOrigins restricts websocket origins. "*" allows any.
	AllowOrigins []string
	Log          *zap.Logger
	Now          func() time.Time
}

type Handlers struct {
	Deps
}

func New(d Deps) *Handlers {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.StreamPoll <= 0 {
		d.StreamPoll = 2 * time.Second
	}
	return &Handlers{Deps: d}
}

// principal returns the authenticated caller. Routes are always mounted
// behind middleware.Authenticate.
func principal(c echo.Context) *middleware.Principal {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return &middleware.Principal{}
	}
	return p
}

// limitParam parses ?limit=, falling back to def and capping at maxLimit.
func limitParam(c echo.Context, def, maxLimit int) int {
	if l := c.QueryParam("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			return min(v, maxLimit)
		}
	}
	return def
}

// audit writes an audit entry for the caller. It is a secondary write:
// failures are logged and never reach the client.
func (h *Handlers) audit(c echo.Context, action, batchID string, details any) {
	p := principal(c)
	e := &models.AuditLog{
		UserEmail: p.Email,
		Role:      p.Role,
		Action:    action,
		BatchID:   batchID,
		Details:   marshalDetails(details),
	}
	if err := h.AuditLogs.Create(c.Request().Context(), e); err != nil {
		h.Log.Error("audit entry dropped",
			zap.String("action", action),
			zap.String("batch_id", batchID),
			zap.String("request_id", middleware.RequestIDFrom(c)),
			zap.Error(err),
		)
	}
}

// enqueue schedules a background task. Failures are logged only: the
// request's primary write already succeeded.
func (h *Handlers) enqueue(c echo.Context, kind string, build func() (*asynq.Task, error)) {
	if h.Queue == nil {
		return
	}
	task, err := build()
	if err == nil {
		_, err = h.Queue.EnqueueContext(c.Request().Context(), task)
	}
	if err != nil {
		h.Log.Error("enqueue task failed",
			zap.String("task", kind),
			zap.String("request_id", middleware.RequestIDFrom(c)),
			zap.Error(err),
		)
	}
}
