package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/api/handlers"
	"github.com/pharmachain/pharmachain/internal/api/middleware"
	"github.com/pharmachain/pharmachain/internal/config"
	"github.com/pharmachain/pharmachain/internal/models"
)

// Options configures the HTTP server.
type Options struct {
	Handlers   *handlers.Handlers
	Auth       middleware.AuthConfig
	HTTP       config.HTTPConfig
	Production bool
	Version    string
	Checks     map[string]handlers.Check
	Log        *zap.Logger
}

// New builds the echo instance with the global middleware stack and every
// route registered.
func New(o Options) *echo.Echo {
	log := o.Log
	if log == nil {
		log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = handlers.JSONSerializer{}
	e.Validator = handlers.NewValidator()
	e.HTTPErrorHandler = handlers.ErrorHandler(log)

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders(o.Production))
	e.Use(middleware.AccessLog(log))
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: o.HTTP.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderXRequestID},
		MaxAge:       3600,
	}))
	e.Use(echomw.GzipWithConfig(echomw.GzipConfig{
		Level:   5,
		Skipper: func(c echo.Context) bool { return c.IsWebSocket() },
	}))
	if o.HTTP.RateLimitRPS > 0 {
		e.Use(middleware.RateLimit(o.HTTP.RateLimitRPS, o.HTTP.RateLimitBurst, func(c echo.Context) bool {
			return c.Path() == "/health"
		}))
	}

	e.GET("/health", handlers.Health(o.Version, o.Checks))
	Register(e, o.Handlers, o.Auth)
	return e
}

// Register mounts the /api/v1 routes. Every route requires a credential;
// sensor keys are accepted on reading ingest only.
func Register(e *echo.Echo, h *handlers.Handlers, authCfg middleware.AuthConfig) {
	api := e.Group("/api/v1")
	api.Use(middleware.Authenticate(authCfg))

	user := middleware.RequireUser()
	manufacturer := middleware.RequireUser(models.RoleManufacturer)
	fda := middleware.RequireUser(models.RoleFDA)

	// Readings
	api.POST("/iot/data", h.IngestReading)
	api.GET("/iot/data", h.ListReadings, user)
	api.GET("/iot/data/:batch_id", h.ListBatchReadings, user)
	api.GET("/readings/summary", h.ReadingsSummary, user)

	// Verification
	api.POST("/verify", h.VerifyRecord, user)
	api.POST("/verify/batch/:batch_id", h.VerifyBatch, user)

	// Ledger
	api.POST("/ledger/add", h.AddBlock, user)
	api.GET("/ledger/verify-all", h.VerifyAllChains, user)
	api.GET("/ledger/:batch_id", h.GetChain, user)
	api.POST("/ledger/:batch_id/export", h.ExportChain, middleware.RequireUser(models.RoleFDA, models.RoleManufacturer))

	// Batches
	api.POST("/batches", h.CreateBatch, manufacturer)
	api.GET("/batches", h.ListBatches, user)
	api.GET("/batches/:batch_id", h.GetBatch, user)
	api.POST("/batches/:batch_id/approve", h.ApproveBatch, fda)
	api.POST("/batches/:batch_id/reject", h.RejectBatch, fda)

	// Alerts
	api.GET("/alerts", h.ListAlerts, user)
	api.GET("/alerts/stream", h.StreamAlerts, user)

	// Audit trail
	api.POST("/audit/log", h.CreateAuditLog, user)
	api.GET("/audit/logs", h.ListAuditLogs, fda)

	// Sensor credentials
	keys := middleware.RequireUser(models.RoleManufacturer, models.RoleDistributor)
	api.POST("/sensor-keys", h.CreateSensorKey, keys)
	api.GET("/sensor-keys", h.ListSensorKeys, keys)
	api.DELETE("/sensor-keys/:key_id", h.RevokeSensorKey, keys)
}
