package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmachain/pharmachain/internal/config"
)

type DB struct {
	Pool       *pgxpool.Pool
	Readings   *ReadingRepository
	Alerts     *AlertRepository
	Batches    *BatchRepository
	Ledger     *LedgerBlockRepository
	AuditLogs  *AuditLogRepository
	SensorKeys *SensorKeyRepository
}

// Connect returns a DB backed by a pgxpool.Pool configured from cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return New(pool), nil
}

// New wires every repository to pool.
func New(pool *pgxpool.Pool) *DB {
	return &DB{
		Pool:       pool,
		Readings:   NewReadingRepository(pool),
		Alerts:     NewAlertRepository(pool),
		Batches:    NewBatchRepository(pool),
		Ledger:     NewLedgerBlockRepository(pool),
		AuditLogs:  NewAuditLogRepository(pool),
		SensorKeys: NewSensorKeyRepository(pool),
	}
}

// Ping reports whether the database answers within ctx.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func (db *DB) Close() {
	db.Pool.Close()
}
