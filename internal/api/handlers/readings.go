package handlers

import (
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"

	"github.com/pharmachain/pharmachain/internal/models"
	"github.com/pharmachain/pharmachain/internal/queue"
)

// ── Reading ingest and feeds ──────────────────────────────────────────────────

type IngestReadingRequest struct {
	BatchID     string   `json:"batch_id"    validate:"required,max=128"`
	Temperature *float64 `json:"temperature" validate:"required"`
	Humidity    *float64 `json:"humidity"    validate:"required"`
	Location    string   `json:"location"    validate:"max=256"`
	SensorID    string   `json:"sensor_id"   validate:"max=128"`
	// Timestamp defaults to the time of ingest.
	Timestamp string `json:"timestamp"`
}

type ingestResponse struct {
	*models.Reading
	AlertGenerated bool          `json:"alert_generated"`
	Alert          *models.Alert `json:"alert,omitempty"`
}

// IngestReading stores a sensor reading with its content hash and raises a
// temperature alert when it falls outside the safe band.
func (h *Handlers) IngestReading(c echo.Context) error {
	var req IngestReadingRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	p := principal(c)
	if p.IsSensor() {
		if req.SensorID == "" {
			req.SensorID = p.SensorID
		}
		if req.SensorID != p.SensorID {
			return apiErr(c, http.StatusForbidden, "sensor key is not valid for sensor "+req.SensorID)
		}
	}
	if req.SensorID == "" {
		return apiErr(c, http.StatusBadRequest, "sensor_id is required")
	}
	if req.SensorID == models.StatusUpdateSensorID {
		return apiErr(c, http.StatusBadRequest, "sensor_id "+models.StatusUpdateSensorID+" is reserved")
	}
	if req.Timestamp == "" {
		req.Timestamp = models.FormatTimestamp(h.Now())
	} else if !validTimestamp(req.Timestamp) {
		return apiErr(c, http.StatusBadRequest, "timestamp must be ISO-8601")
	}

	r := &models.Reading{
		BatchID:     req.BatchID,
		Temperature: *req.Temperature,
		Humidity:    *req.Humidity,
		Location:    req.Location,
		SensorID:    req.SensorID,
		Timestamp:   req.Timestamp,
	}
	hash, err := r.ComputeHash()
	if err != nil {
		return apiErr(c, http.StatusBadRequest, err.Error())
	}
	r.BlockchainHash = hash

	alert, severity := h.Thresholds.Classify(r.Temperature)
	r.IsAlert = alert

	ctx := c.Request().Context()
	if err := h.Readings.Create(ctx, r); err != nil {
		return h.fail(c, err, "reading")
	}

	resp := ingestResponse{Reading: r, AlertGenerated: alert}
	if alert {
		a := h.Thresholds.NewTemperatureAlert(r, severity)
		if err := h.Alerts.Create(ctx, a); err != nil {
			return h.fail(c, err, "alert")
		}
		resp.Alert = a
		h.enqueue(c, queue.TypeAlertNotify, func() (*asynq.Task, error) {
			return queue.NewAlertNotifyTask(queue.AlertNotifyPayload{AlertID: a.ID})
		})
	}
	h.enqueue(c, queue.TypeReadingVerify, func() (*asynq.Task, error) {
		return queue.NewReadingVerifyTask(queue.ReadingVerifyPayload{ReadingID: r.ID})
	})

	return c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) ListReadings(c echo.Context) error {
	readings, err := h.Readings.ListRecent(c.Request().Context(), limitParam(c, 100, 1000))
	if err != nil {
		return h.fail(c, err, "readings")
	}
	return c.JSON(http.StatusOK, readings)
}

func (h *Handlers) ListBatchReadings(c echo.Context) error {
	readings, err := h.Readings.ListReadingsByBatch(c.Request().Context(), c.Param("batch_id"))
	if err != nil {
		return h.fail(c, err, "readings")
	}
	return c.JSON(http.StatusOK, readings)
}

// ReadingsSummary returns the latest reading and record count per batch.
func (h *Handlers) ReadingsSummary(c echo.Context) error {
	sums, err := h.Readings.Summaries(c.Request().Context())
	if err != nil {
		return h.fail(c, err, "summary")
	}
	return c.JSON(http.StatusOK, sums)
}

// ── Verification ──────────────────────────────────────────────────────────────

type VerifyRecordRequest struct {
	RecordID int64 `json:"record_id" validate:"required,gt=0"`
}

// VerifyRecord recomputes the hash of one stored reading. Tampering is a
// normal 200 result with is_valid=false.
func (h *Handlers) VerifyRecord(c echo.Context) error {
	var req VerifyRecordRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	rep, err := h.Ledger.VerifyReading(c.Request().Context(), req.RecordID)
	if err != nil {
		return h.fail(c, err, "record")
	}
	h.audit(c, "Verified Record", rep.Reading.BatchID, map[string]any{
		"record_id": rep.RecordID,
		"is_valid":  rep.Valid,
	})
	return c.JSON(http.StatusOK, rep)
}

// VerifyBatch checks every sensor reading of a batch. A batch with no
// readings is reported valid with state "empty".
func (h *Handlers) VerifyBatch(c echo.Context) error {
	batchID := c.Param("batch_id")
	rep, err := h.Ledger.VerifyBatchIntegrity(c.Request().Context(), batchID)
	if err != nil {
		return h.fail(c, err, "batch")
	}
	h.audit(c, "Verified Batch", batchID, map[string]any{
		"is_valid":             rep.Valid,
		"total_records":        rep.TotalRecords,
		"integrity_percentage": rep.IntegrityPercentage,
	})
	return c.JSON(http.StatusOK, rep)
}

// naiveTimestamp is ISO-8601 without a zone, as sensors that report UTC
// wall time send it.
const naiveTimestamp = "2006-01-02T15:04:05.999999999"

// validTimestamp accepts RFC 3339 and zone-less ISO-8601. The string itself is
// stored and hashed unchanged.
func validTimestamp(s string) bool {
	if _, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return true
	}
	_, err := time.Parse(naiveTimestamp, s)
	return err == nil
}
