package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/api/handlers"
	apimw "github.com/pharmachain/pharmachain/internal/api/middleware"
	"github.com/pharmachain/pharmachain/internal/api/routes"
	"github.com/pharmachain/pharmachain/internal/config"
	"github.com/pharmachain/pharmachain/internal/db"
	"github.com/pharmachain/pharmachain/internal/ledger"
	"github.com/pharmachain/pharmachain/internal/models"
	"github.com/pharmachain/pharmachain/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	log := logger.Must(cfg.App.Env, logger.Component("api", cfg.App.Version)...)
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	if cfg.JWT.Secret == "" {
		log.Fatal("jwt.secret is required (PHARMACHAIN_JWT_SECRET)")
	}

	// 1. Init DB
	database, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(database.Pool, log); err != nil {
			log.Fatal("failed to migrate db", zap.Error(err))
		}
	}

	// 2. Ledger service
	svc := ledger.NewService(database.Ledger, database.Readings, ledger.Options{
		StrictGenesis: cfg.Ledger.StrictGenesis,
		AppendRetries: cfg.Ledger.AppendRetries,
		StoreTimeout:  cfg.Ledger.StoreTimeout,
	}, log.Named("ledger"))

	// 3. Queue client (alert notifications, read-back checks, exports)
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()

	// 4. HTTP server
	var keyCache *apimw.SensorKeyCache
	if cfg.HTTP.SensorKeyCacheTTL > 0 {
		keyCache = apimw.NewSensorKeyCache(cfg.HTTP.SensorKeyCacheSize, cfg.HTTP.SensorKeyCacheTTL)
	}
	h := handlers.New(handlers.Deps{
		Readings:   database.Readings,
		Alerts:     database.Alerts,
		Batches:    database.Batches,
		AuditLogs:  database.AuditLogs,
		SensorKeys: database.SensorKeys,
		Ledger:     svc,
		KeyCache:   keyCache,
		Queue:      queueClient,
		Thresholds: models.Thresholds{
			MinTemp:     cfg.Alerts.MinTemp,
			MaxTemp:     cfg.Alerts.MaxTemp,
			CriticalMin: cfg.Alerts.CriticalMin,
			CriticalMax: cfg.Alerts.CriticalMax,
		},
		StreamPoll:   cfg.HTTP.StreamPoll,
		AllowOrigins: cfg.HTTP.AllowOrigins,
		Log:          log.Named("handlers"),
	})

	e := routes.New(routes.Options{
		Handlers: h,
		Auth: apimw.AuthConfig{
			JWTSecret: cfg.JWT.Secret,
			JWTIssuer: cfg.JWT.Issuer,
			Keys:      database.SensorKeys,
			Cache:     keyCache,
			Log:       log.Named("auth"),
		},
		HTTP:       cfg.HTTP,
		Production: cfg.IsProduction(),
		Version:    cfg.App.Version,
		Checks: map[string]handlers.Check{
			"postgres": database.Ping,
			"redis": func(ctx context.Context) error {
				conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", cfg.Redis.Addr)
				if err != nil {
					return err
				}
				return conn.Close()
			},
		},
		Log: log.Named("http"),
	})

	// 5. Start Server
	go func() {
		addr := ":" + strconv.Itoa(cfg.App.Port)
		log.Info("api listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", zap.Error(err))
			cancel()
		}
	}()

	// 6. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := e.Shutdown(ctxShutdown); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
}
