package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const ContextKeyRequestID = "request_id"

const maxRequestIDLen = 64

// RequestID propagates a caller supplied X-Request-ID or mints a new one, and
// echoes it on the response. Oversized or non-printable ids are replaced.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(echo.HeaderXRequestID)
			if !validRequestID(id) {
				id = uuid.New().String()
			}
			c.Set(ContextKeyRequestID, id)
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			return next(c)
		}
	}
}

// RequestIDFrom returns the id stored by RequestID, or "".
func RequestIDFrom(c echo.Context) string {
	id, _ := c.Get(ContextKeyRequestID).(string)
	return id
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
