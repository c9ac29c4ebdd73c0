package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pharmachain/pharmachain/internal/auth"
	"github.com/pharmachain/pharmachain/internal/models"
)

// ── Sensor key handlers ───────────────────────────────────────────────────────

type CreateSensorKeyRequest struct {
	SensorID string `json:"sensor_id" validate:"required,max=128,ne=STATUS_UPDATE"`
	Label    string `json:"label"     validate:"max=256"`
}

func (h *Handlers) CreateSensorKey(c echo.Context) error {
	var req CreateSensorKeyRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	plaintext, hash, prefix, err := auth.GenerateSensorKey()
	if err != nil {
		return h.fail(c, err, "sensor key")
	}
	key := &models.SensorKey{
		ID:        uuid.New(),
		SensorID:  req.SensorID,
		Prefix:    prefix,
		KeyHash:   hash,
		Label:     req.Label,
		CreatedBy: principal(c).Email,
	}
	if err := h.SensorKeys.Create(c.Request().Context(), key); err != nil {
		return h.fail(c, err, "sensor key")
	}
	h.audit(c, "Issued Sensor Key", "", map[string]any{"key_id": key.ID, "sensor_id": key.SensorID})

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":         key.ID,
		"sensor_id":  key.SensorID,
		"label":      key.Label,
		"prefix":     key.Prefix,
		"created_at": key.CreatedAt,
		"api_key":    plaintext, // shown only once
	})
}

func (h *Handlers) ListSensorKeys(c echo.Context) error {
	keys, err := h.SensorKeys.List(c.Request().Context())
	if err != nil {
		return h.fail(c, err, "sensor keys")
	}
	return c.JSON(http.StatusOK, keys)
}

func (h *Handlers) RevokeSensorKey(c echo.Context) error {
	keyID, err := uuid.Parse(c.Param("key_id"))
	if err != nil {
		return apiErr(c, http.StatusBadRequest, "invalid key_id")
	}
	if err := h.SensorKeys.Revoke(c.Request().Context(), keyID); err != nil {
		return h.fail(c, err, "sensor key")
	}
	if h.KeyCache != nil {
		h.KeyCache.Forget(keyID)
	}
	h.audit(c, "Revoked Sensor Key", "", map[string]any{"key_id": keyID})
	return c.NoContent(http.StatusNoContent)
}
