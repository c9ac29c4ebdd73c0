package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/api/middleware"
	"github.com/pharmachain/pharmachain/internal/models"
)

// ── Error helpers ─────────────────────────────────────────────────────────────

type errResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	ReqID   string `json:"request_id,omitempty"`
}

func apiErr(c echo.Context, code int, msg string) error {
	return c.JSON(code, errResponse{Code: code, Message: msg, ReqID: middleware.RequestIDFrom(c)})
}

// fail maps a store or service error onto the API error taxonomy. what names
// the missing thing for 404s.
func (h *Handlers) fail(c echo.Context, err error, what string) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return apiErr(c, http.StatusNotFound, what+" not found")
	case errors.Is(err, models.ErrInvalidInput):
		return apiErr(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrConflict):
		return apiErr(c, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		h.Log.Error("store unavailable",
			zap.String("path", c.Path()),
			zap.String("request_id", middleware.RequestIDFrom(c)),
			zap.Error(err),
		)
		return apiErr(c, http.StatusServiceUnavailable, "store unavailable, retry later")
	}
	h.Log.Error("request failed",
		zap.String("path", c.Path()),
		zap.String("request_id", middleware.RequestIDFrom(c)),
		zap.Error(err),
	)
	return apiErr(c, http.StatusInternalServerError, "internal error")
}

// ErrorHandler renders errors that escape handlers (middleware rejections,
// unknown routes, panics turned into errors) in the same body as apiErr.
func ErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(code)
			}
		} else {
			log.Error("unhandled error",
				zap.String("path", c.Path()),
				zap.String("request_id", middleware.RequestIDFrom(c)),
				zap.Error(err),
			)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = apiErr(c, code, msg)
		}
		if err != nil {
			log.Warn("write error response", zap.Error(err))
		}
	}
}
