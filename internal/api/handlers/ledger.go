package handlers

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/pharmachain/pharmachain/internal/ledger"
	"github.com/pharmachain/pharmachain/internal/models"
	"github.com/pharmachain/pharmachain/internal/queue"
)

// ── Ledger ────────────────────────────────────────────────────────────────────

type AddBlockRequest struct {
	BatchID string `json:"batch_id" validate:"required,max=128"`
	Event   string `json:"event"    validate:"required,max=256"`
	// ActorRole and ActorEmail default to the caller and must match it when
	// given.
	ActorRole  models.Role     `json:"actor_role"`
	ActorEmail string          `json:"actor_email"`
	Data       json.RawMessage `json:"data"`
}

// AddBlock appends one event to a batch's chain.
func (h *Handlers) AddBlock(c echo.Context) error {
	var req AddBlockRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p := principal(c)
	if req.ActorRole != "" && req.ActorRole != p.Role {
		return apiErr(c, http.StatusForbidden, "actor_role must match the authenticated user")
	}
	if req.ActorEmail != "" && req.ActorEmail != p.Email {
		return apiErr(c, http.StatusForbidden, "actor_email must match the authenticated user")
	}
	if string(req.Data) == "null" {
		req.Data = nil
	}
	if !isObject(req.Data) {
		return apiErr(c, http.StatusBadRequest, "data must be a JSON object")
	}

	blk, err := h.Ledger.AppendBlock(c.Request().Context(), ledger.AppendRequest{
		BatchID:    req.BatchID,
		Event:      req.Event,
		ActorRole:  p.Role,
		ActorEmail: p.Email,
		Data:       req.Data,
	})
	if err != nil {
		return h.fail(c, err, "batch")
	}
	return c.JSON(http.StatusCreated, blk)
}

// GetChain returns a batch's blocks with per-block verdicts. An unknown batch
// is an empty, valid chain.
func (h *Handlers) GetChain(c echo.Context) error {
	rep, err := h.Ledger.VerifyChain(c.Request().Context(), c.Param("batch_id"))
	if err != nil {
		return h.fail(c, err, "chain")
	}
	return c.JSON(http.StatusOK, rep)
}

// VerifyAllChains verifies every batch that has a ledger.
func (h *Handlers) VerifyAllChains(c echo.Context) error {
	rep, err := h.Ledger.VerifyAll(c.Request().Context())
	if err != nil {
		return h.fail(c, err, "chains")
	}
	h.audit(c, "Verified All Chains", "", map[string]any{
		"all_valid":        rep.Valid,
		"total_batches":    rep.TotalBatches,
		"tampered_batches": rep.TamperedBatches,
	})
	return c.JSON(http.StatusOK, rep)
}

// ExportChain schedules a snapshot of a batch's chain to object storage.
func (h *Handlers) ExportChain(c echo.Context) error {
	if h.Queue == nil {
		return apiErr(c, http.StatusServiceUnavailable, "task queue not configured")
	}
	p := principal(c)
	task, err := queue.NewLedgerExportTask(queue.LedgerExportPayload{
		BatchID:     c.Param("batch_id"),
		RequestedBy: p.Email,
		Role:        string(p.Role),
	})
	if err != nil {
		return h.fail(c, err, "export")
	}
	info, err := h.Queue.EnqueueContext(c.Request().Context(), task)
	if err != nil {
		h.Log.Sugar().Errorw("enqueue export", "batch_id", c.Param("batch_id"), "error", err)
		return apiErr(c, http.StatusServiceUnavailable, "failed to enqueue export")
	}
	resp := map[string]string{"batch_id": c.Param("batch_id"), "status": "queued"}
	if info != nil {
		resp["task_id"] = info.ID
		resp["status"] = info.State.String()
	}
	return c.JSON(http.StatusAccepted, resp)
}
