package handlers

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/pharmachain/pharmachain/internal/models"
)

type CreateAuditLogRequest struct {
	Action  string          `json:"action"   validate:"required,max=256"`
	BatchID string          `json:"batch_id" validate:"max=128"`
	Details json.RawMessage `json:"details"`
}

// CreateAuditLog records a user action reported by a client. Unlike the
// entries written alongside business events this is the primary write.
func (h *Handlers) CreateAuditLog(c echo.Context) error {
	var req CreateAuditLogRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if string(req.Details) == "null" {
		req.Details = nil
	}
	if !isObject(req.Details) {
		return apiErr(c, http.StatusBadRequest, "details must be a JSON object")
	}
	p := principal(c)
	e := &models.AuditLog{
		UserEmail: p.Email,
		Role:      p.Role,
		Action:    req.Action,
		BatchID:   req.BatchID,
		Details:   req.Details,
	}
	if err := h.AuditLogs.Create(c.Request().Context(), e); err != nil {
		return h.fail(c, err, "audit log")
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handlers) ListAuditLogs(c echo.Context) error {
	logs, err := h.AuditLogs.ListRecent(c.Request().Context(), limitParam(c, 100, 1000))
	if err != nil {
		return h.fail(c, err, "audit logs")
	}
	return c.JSON(http.StatusOK, logs)
}
