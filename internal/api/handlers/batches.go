package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/ledger"
	"github.com/pharmachain/pharmachain/internal/models"
)

// ── Batch lifecycle ───────────────────────────────────────────────────────────

type CreateBatchRequest struct {
	BatchID         string `json:"batch_id"         validate:"required,max=128"`
	ProductName     string `json:"product_name"     validate:"required,max=256"`
	Quantity        int    `json:"quantity"         validate:"required,gt=0"`
	InitialLocation string `json:"initial_location" validate:"max=256"`
}

type ReviewBatchRequest struct {
	Remarks string `json:"remarks" validate:"max=2000"`
}

// CreateBatch registers a batch as pending. The ledger block, status record
// and audit entry that follow are secondary writes.
func (h *Handlers) CreateBatch(c echo.Context) error {
	var req CreateBatchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p := principal(c)
	b := &models.Batch{
		BatchID:           req.BatchID,
		ProductName:       req.ProductName,
		Quantity:          req.Quantity,
		ManufacturerEmail: p.Email,
		InitialLocation:   req.InitialLocation,
		Status:            models.BatchStatusPending,
	}
	if err := h.Batches.Create(c.Request().Context(), b); err != nil {
		return h.fail(c, err, "batch")
	}

	details := map[string]any{
		"product_name":     b.ProductName,
		"quantity":         b.Quantity,
		"initial_location": b.InitialLocation,
	}
	h.recordBatchEvent(c, b, "Batch Created", details)
	h.audit(c, "Created Batch", b.BatchID, details)
	return c.JSON(http.StatusCreated, b)
}

func (h *Handlers) ListBatches(c echo.Context) error {
	batches, err := h.Batches.List(c.Request().Context())
	if err != nil {
		return h.fail(c, err, "batches")
	}
	return c.JSON(http.StatusOK, batches)
}

func (h *Handlers) GetBatch(c echo.Context) error {
	b, err := h.Batches.GetByID(c.Request().Context(), c.Param("batch_id"))
	if err != nil {
		return h.fail(c, err, "batch")
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handlers) ApproveBatch(c echo.Context) error {
	return h.review(c, models.BatchStatusApproved, "FDA Approved Batch", "Approved Batch")
}

func (h *Handlers) RejectBatch(c echo.Context) error {
	return h.review(c, models.BatchStatusRejected, "FDA Rejected Batch", "Rejected Batch")
}

// review moves a pending batch to status. Only pending batches can be
// reviewed; anything else is a 409.
func (h *Handlers) review(c echo.Context, status models.BatchStatus, event, action string) error {
	var req ReviewBatchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if status == models.BatchStatusRejected && req.Remarks == "" {
		return apiErr(c, http.StatusBadRequest, "remarks are required to reject a batch")
	}
	p := principal(c)
	b, err := h.Batches.Review(c.Request().Context(), c.Param("batch_id"), status, p.Email, req.Remarks)
	if err != nil {
		return h.fail(c, err, "batch")
	}

	details := map[string]any{"status": string(status), "remarks": req.Remarks}
	h.recordBatchEvent(c, b, event, details)
	h.audit(c, action, b.BatchID, details)
	return c.JSON(http.StatusOK, b)
}

// recordBatchEvent appends the ledger block and the status-update record
// that accompany a batch lifecycle change. Both are best effort.
func (h *Handlers) recordBatchEvent(c echo.Context, b *models.Batch, event string, data map[string]any) {
	ctx := c.Request().Context()
	p := principal(c)
	h.Ledger.AppendBestEffort(ctx, ledger.AppendRequest{
		BatchID:    b.BatchID,
		Event:      event,
		ActorRole:  p.Role,
		ActorEmail: p.Email,
		Data:       marshalDetails(data),
	})

	r := &models.Reading{
		BatchID:   b.BatchID,
		Location:  b.InitialLocation,
		SensorID:  models.StatusUpdateSensorID,
		Timestamp: models.FormatTimestamp(h.Now()),
	}
	hash, err := r.ComputeHash()
	if err == nil {
		r.BlockchainHash = hash
		err = h.Readings.Create(ctx, r)
	}
	if err != nil {
		h.Log.Error("status update record dropped",
			zap.String("batch_id", b.BatchID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
