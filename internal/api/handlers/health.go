package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

type depStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Deps    map[string]depStatus `json:"deps"`
}

// Health reports "ok" when every check passes and "degraded" with a 503
// otherwise.
func Health(version string, checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		deps := make(map[string]depStatus, len(checks))
		overall := "ok"
		for name, check := range checks {
			if err := check(ctx); err != nil {
				deps[name] = depStatus{Status: "error", Error: err.Error()}
				overall = "degraded"
				continue
			}
			deps[name] = depStatus{Status: "ok"}
		}

		status := http.StatusOK
		if overall != "ok" {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, healthResponse{Status: overall, Version: version, Deps: deps})
	}
}
