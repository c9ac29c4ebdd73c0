package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/config"
	"github.com/pharmachain/pharmachain/internal/db"
	"github.com/pharmachain/pharmachain/internal/ledger"
	"github.com/pharmachain/pharmachain/internal/notifications"
	"github.com/pharmachain/pharmachain/internal/queue"
	"github.com/pharmachain/pharmachain/internal/storage"
	"github.com/pharmachain/pharmachain/internal/worker"
	"github.com/pharmachain/pharmachain/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	log := logger.Must(cfg.App.Env, logger.Component("worker", cfg.App.Version)...)
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	// 1. Init DB
	database, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	svc := ledger.NewService(database.Ledger, database.Readings, ledger.Options{
		StrictGenesis: cfg.Ledger.StrictGenesis,
		AppendRetries: cfg.Ledger.AppendRetries,
		StoreTimeout:  cfg.Ledger.StoreTimeout,
	}, log.Named("ledger"))

	// 2. Init Storage
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Fatal("failed to init storage", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
	}

	notifier := notifications.New(cfg.Notifications, log.Named("notify"))

	// 3. Init Queue
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()

	// 4. Init Processors
	alertProcessor := worker.NewAlertNotifyProcessor(database.Alerts, notifier, log.Named("alerts"))
	verifyProcessor := worker.NewReadingVerifyProcessor(database.Readings, database.AuditLogs, notifier, log.Named("readback"))
	auditProcessor := worker.NewLedgerAuditProcessor(svc, database.AuditLogs, notifier, log.Named("audit"))
	exportProcessor := worker.NewLedgerExportProcessor(svc, store, database.AuditLogs, notifier, log.Named("export"))

	// 5. Start Scheduler
	if cfg.Worker.AuditInterval > 0 {
		scheduler := worker.NewAuditScheduler(database.Ledger, queueClient, log.Named("scheduler"), cfg.Worker.AuditInterval)
		go scheduler.Run(ctx)
	}

	// 6. Start Worker Server
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues: map[string]int{
				queue.QueueCritical: 6,
				queue.QueueDefault:  3,
				queue.QueueLow:      1,
			},
			Logger: log.Named("asynq").Sugar(),
		},
	)

	mux := asynq.NewServeMux()
	mux.Handle(queue.TypeAlertNotify, alertProcessor)
	mux.Handle(queue.TypeReadingVerify, verifyProcessor)
	mux.Handle(queue.TypeLedgerAudit, auditProcessor)
	mux.Handle(queue.TypeLedgerExport, exportProcessor)

	if err := srv.Start(mux); err != nil {
		log.Fatal("could not start worker server", zap.Error(err))
	}
	log.Info("worker started",
		zap.String("storage", store.Provider()),
		zap.Duration("audit_interval", cfg.Worker.AuditInterval),
	)

	// 7. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker")
	cancel()
	srv.Shutdown()
}
