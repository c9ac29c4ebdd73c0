package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmachain/pharmachain/internal/models"
)

// wrap classifies a pgx error into the models sentinels so callers never need
// to import pgx to tell "missing" from "taken" from "down".
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w: %s", op, models.ErrConflict, pgErr.ConstraintName)
		case "23503", "23514", "22P02":
			return fmt.Errorf("%s: %w: %s", op, models.ErrInvalidInput, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

// ── ReadingRepository ─────────────────────────────────────────────────────────

type ReadingRepository struct{ db *pgxpool.Pool }

func NewReadingRepository(db *pgxpool.Pool) *ReadingRepository {
	return &ReadingRepository{db: db}
}

const readingCols = `id,batch_id,temperature,humidity,location,sensor_id,timestamp,
	blockchain_hash,is_alert,verified_at,created_at`

func scanReading(row pgx.Row) (*models.Reading, error) {
	r := &models.Reading{}
	err := row.Scan(&r.ID, &r.BatchID, &r.Temperature, &r.Humidity, &r.Location, &r.SensorID,
		&r.Timestamp, &r.BlockchainHash, &r.IsAlert, &r.VerifiedAt, &r.CreatedAt)
	return r, err
}

func (r *ReadingRepository) Create(ctx context.Context, rd *models.Reading) error {
	const q = `INSERT INTO readings
		(batch_id,temperature,humidity,location,sensor_id,timestamp,blockchain_hash,is_alert,created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,now())
		RETURNING id,created_at`
	err := r.db.QueryRow(ctx, q,
		rd.BatchID, rd.Temperature, rd.Humidity, rd.Location, rd.SensorID, rd.Timestamp,
		rd.BlockchainHash, rd.IsAlert,
	).Scan(&rd.ID, &rd.CreatedAt)
	return wrap("reading create", err)
}

func (r *ReadingRepository) GetReading(ctx context.Context, id int64) (*models.Reading, error) {
	rd, err := scanReading(r.db.QueryRow(ctx, `SELECT `+readingCols+` FROM readings WHERE id=$1`, id))
	if err != nil {
		return nil, wrap("reading get", err)
	}
	return rd, nil
}

// ListReadingsByBatch returns every reading of a batch in insertion order.
func (r *ReadingRepository) ListReadingsByBatch(ctx context.Context, batchID string) ([]*models.Reading, error) {
	return r.scanReadings(ctx, "reading list by batch",
		`SELECT `+readingCols+` FROM readings WHERE batch_id=$1 ORDER BY id ASC`, batchID)
}

// ListRecent returns the newest readings across all batches.
func (r *ReadingRepository) ListRecent(ctx context.Context, limit int) ([]*models.Reading, error) {
	return r.scanReadings(ctx, "reading list recent",
		`SELECT `+readingCols+` FROM readings ORDER BY id DESC LIMIT $1`, limit)
}

func (r *ReadingRepository) MarkVerified(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE readings SET verified_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return wrap("reading mark verified", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reading mark verified: %w", models.ErrNotFound)
	}
	return nil
}

// Summaries returns the latest sensor reading of every batch together with
// the number of sensor readings it has. Status updates are not counted.
func (r *ReadingRepository) Summaries(ctx context.Context) ([]*models.BatchSummary, error) {
	const q = `SELECT DISTINCT ON (batch_id)
			batch_id, temperature, humidity, location, timestamp,
			count(*) OVER (PARTITION BY batch_id)
		FROM readings
		WHERE sensor_id <> $1
		ORDER BY batch_id, id DESC`
	rows, err := r.db.Query(ctx, q, models.StatusUpdateSensorID)
	if err != nil {
		return nil, wrap("reading summaries", err)
	}
	defer rows.Close()
	out := []*models.BatchSummary{}
	for rows.Next() {
		s := &models.BatchSummary{}
		if err := rows.Scan(&s.BatchID, &s.LatestTemperature, &s.LatestHumidity, &s.Location,
			&s.LastUpdate, &s.RecordCount); err != nil {
			return nil, wrap("reading summaries", err)
		}
		out = append(out, s)
	}
	return out, wrap("reading summaries", rows.Err())
}

func (r *ReadingRepository) scanReadings(ctx context.Context, op, q string, args ...interface{}) ([]*models.Reading, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	out := []*models.Reading{}
	for rows.Next() {
		rd, err := scanReading(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, rd)
	}
	return out, wrap(op, rows.Err())
}

// ── AlertRepository ───────────────────────────────────────────────────────────

type AlertRepository struct{ db *pgxpool.Pool }

func NewAlertRepository(db *pgxpool.Pool) *AlertRepository {
	return &AlertRepository{db: db}
}

const alertCols = `id,COALESCE(reading_id,0),batch_id,alert_type,severity,message,timestamp,
	temperature,location,created_at`

func (r *AlertRepository) Create(ctx context.Context, a *models.Alert) error {
	const q = `INSERT INTO alerts
		(reading_id,batch_id,alert_type,severity,message,timestamp,temperature,location,created_at)
		VALUES(NULLIF($1::bigint,0),$2,$3,$4,$5,$6,$7,$8,now())
		RETURNING id,created_at`
	err := r.db.QueryRow(ctx, q,
		a.ReadingID, a.BatchID, a.AlertType, a.Severity, a.Message, a.Timestamp, a.Temperature, a.Location,
	).Scan(&a.ID, &a.CreatedAt)
	return wrap("alert create", err)
}

func (r *AlertRepository) GetByID(ctx context.Context, id int64) (*models.Alert, error) {
	alerts, err := r.scan(ctx, "alert get", `SELECT `+alertCols+` FROM alerts WHERE id=$1`, id)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, fmt.Errorf("alert get: %w", models.ErrNotFound)
	}
	return alerts[0], nil
}

// ListRecent returns the newest alerts first.
func (r *AlertRepository) ListRecent(ctx context.Context, limit int) ([]*models.Alert, error) {
	return r.scan(ctx, "alert list", `SELECT `+alertCols+` FROM alerts ORDER BY id DESC LIMIT $1`, limit)
}

// ListAfter returns alerts with an id greater than afterID, oldest first.
func (r *AlertRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]*models.Alert, error) {
	return r.scan(ctx, "alert list after",
		`SELECT `+alertCols+` FROM alerts WHERE id>$1 ORDER BY id ASC LIMIT $2`, afterID, limit)
}

func (r *AlertRepository) scan(ctx context.Context, op, q string, args ...interface{}) ([]*models.Alert, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	out := []*models.Alert{}
	for rows.Next() {
		a := &models.Alert{}
		if err := rows.Scan(&a.ID, &a.ReadingID, &a.BatchID, &a.AlertType, &a.Severity, &a.Message,
			&a.Timestamp, &a.Temperature, &a.Location, &a.CreatedAt); err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, a)
	}
	return out, wrap(op, rows.Err())
}

// ── BatchRepository ───────────────────────────────────────────────────────────

type BatchRepository struct{ db *pgxpool.Pool }

func NewBatchRepository(db *pgxpool.Pool) *BatchRepository {
	return &BatchRepository{db: db}
}

const batchCols = `batch_id,product_name,quantity,manufacturer_email,initial_location,status,
	reviewed_by,review_remarks,created_at,updated_at`

func scanBatch(row pgx.Row) (*models.Batch, error) {
	b := &models.Batch{}
	err := row.Scan(&b.BatchID, &b.ProductName, &b.Quantity, &b.ManufacturerEmail, &b.InitialLocation,
		&b.Status, &b.ReviewedBy, &b.ReviewRemarks, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// Create inserts a pending batch. A duplicate batch_id yields models.ErrConflict.
func (r *BatchRepository) Create(ctx context.Context, b *models.Batch) error {
	const q = `INSERT INTO batches
		(batch_id,product_name,quantity,manufacturer_email,initial_location,status,created_at,updated_at)
		VALUES($1,$2,$3,$4,$5,$6,now(),now())
		RETURNING created_at,updated_at`
	if b.Status == "" {
		b.Status = models.BatchStatusPending
	}
	err := r.db.QueryRow(ctx, q,
		b.BatchID, b.ProductName, b.Quantity, b.ManufacturerEmail, b.InitialLocation, b.Status,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	return wrap("batch create", err)
}

func (r *BatchRepository) GetByID(ctx context.Context, batchID string) (*models.Batch, error) {
	b, err := scanBatch(r.db.QueryRow(ctx, `SELECT `+batchCols+` FROM batches WHERE batch_id=$1`, batchID))
	if err != nil {
		return nil, wrap("batch get", err)
	}
	return b, nil
}

func (r *BatchRepository) List(ctx context.Context) ([]*models.Batch, error) {
	rows, err := r.db.Query(ctx, `SELECT `+batchCols+` FROM batches ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrap("batch list", err)
	}
	defer rows.Close()
	out := []*models.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, wrap("batch list", err)
		}
		out = append(out, b)
	}
	return out, wrap("batch list", rows.Err())
}

// Review moves a pending batch to status. A batch that exists but is no
// longer pending yields models.ErrConflict.
func (r *BatchRepository) Review(ctx context.Context, batchID string, status models.BatchStatus, reviewer, remarks string) (*models.Batch, error) {
	const q = `UPDATE batches SET status=$2, reviewed_by=$3, review_remarks=$4, updated_at=now()
		WHERE batch_id=$1 AND status='pending'
		RETURNING ` + batchCols
	b, err := scanBatch(r.db.QueryRow(ctx, q, batchID, status, reviewer, remarks))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrap("batch review", err)
	}
	if _, gerr := r.GetByID(ctx, batchID); gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("batch review: %w: batch %s is not pending", models.ErrConflict, batchID)
}

// ── LedgerBlockRepository ─────────────────────────────────────────────────────

type LedgerBlockRepository struct{ db *pgxpool.Pool }

func NewLedgerBlockRepository(db *pgxpool.Pool) *LedgerBlockRepository {
	return &LedgerBlockRepository{db: db}
}

const blockCols = `id,seq,batch_id,event,actor_role,actor_email,timestamp,prev_hash,curr_hash,data,created_at`

func scanBlock(row pgx.Row) (*models.LedgerBlock, error) {
	b := &models.LedgerBlock{}
	var data []byte
	err := row.Scan(&b.ID, &b.Seq, &b.BatchID, &b.Event, &b.ActorRole, &b.ActorEmail, &b.Timestamp,
		&b.PrevHash, &b.CurrHash, &data, &b.CreatedAt)
	b.Data = data
	return b, err
}

func (r *LedgerBlockRepository) LastBlock(ctx context.Context, batchID string) (*models.LedgerBlock, error) {
	b, err := scanBlock(r.db.QueryRow(ctx,
		`SELECT `+blockCols+` FROM ledger_blocks WHERE batch_id=$1 ORDER BY seq DESC LIMIT 1`, batchID))
	if err != nil {
		return nil, wrap("ledger last block", err)
	}
	return b, nil
}

// InsertBlock stores b. The data column is json, so the payload text is kept
// byte for byte. Losing the (batch_id, seq) race yields models.ErrConflict.
func (r *LedgerBlockRepository) InsertBlock(ctx context.Context, b *models.LedgerBlock) error {
	const q = `INSERT INTO ledger_blocks
		(seq,batch_id,event,actor_role,actor_email,timestamp,prev_hash,curr_hash,data,created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9::json,now())
		RETURNING id,created_at`
	err := r.db.QueryRow(ctx, q,
		b.Seq, b.BatchID, b.Event, b.ActorRole, b.ActorEmail, b.Timestamp, b.PrevHash, b.CurrHash,
		string(b.Data),
	).Scan(&b.ID, &b.CreatedAt)
	return wrap("ledger insert block", err)
}

func (r *LedgerBlockRepository) ListBlocks(ctx context.Context, batchID string) ([]*models.LedgerBlock, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+blockCols+` FROM ledger_blocks WHERE batch_id=$1 ORDER BY seq ASC`, batchID)
	if err != nil {
		return nil, wrap("ledger list blocks", err)
	}
	defer rows.Close()
	out := []*models.LedgerBlock{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, wrap("ledger list blocks", err)
		}
		out = append(out, b)
	}
	return out, wrap("ledger list blocks", rows.Err())
}

func (r *LedgerBlockRepository) ListChainBatchIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT batch_id FROM ledger_blocks ORDER BY batch_id`)
	if err != nil {
		return nil, wrap("ledger list chains", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrap("ledger list chains", err)
	}
	return ids, nil
}

// ── AuditLogRepository ────────────────────────────────────────────────────────

type AuditLogRepository struct{ db *pgxpool.Pool }

func NewAuditLogRepository(db *pgxpool.Pool) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

func (r *AuditLogRepository) Create(ctx context.Context, e *models.AuditLog) error {
	const q = `INSERT INTO audit_logs(user_email,role,action,batch_id,details,timestamp)
		VALUES($1,$2,$3,$4,$5::jsonb,now()) RETURNING id,timestamp`
	var details *string
	if len(e.Details) > 0 {
		s := string(e.Details)
		details = &s
	}
	err := r.db.QueryRow(ctx, q, e.UserEmail, e.Role, e.Action, e.BatchID, details).Scan(&e.ID, &e.Timestamp)
	return wrap("audit create", err)
}

func (r *AuditLogRepository) ListRecent(ctx context.Context, limit int) ([]*models.AuditLog, error) {
	const q = `SELECT id,user_email,role,action,batch_id,details,timestamp
		FROM audit_logs ORDER BY timestamp DESC, id DESC LIMIT $1`
	rows, err := r.db.Query(ctx, q, limit)
	if err != nil {
		return nil, wrap("audit list", err)
	}
	defer rows.Close()
	out := []*models.AuditLog{}
	for rows.Next() {
		e := &models.AuditLog{}
		var details []byte
		if err := rows.Scan(&e.ID, &e.UserEmail, &e.Role, &e.Action, &e.BatchID, &details, &e.Timestamp); err != nil {
			return nil, wrap("audit list", err)
		}
		e.Details = details
		out = append(out, e)
	}
	return out, wrap("audit list", rows.Err())
}

// ── SensorKeyRepository ───────────────────────────────────────────────────────

type SensorKeyRepository struct{ db *pgxpool.Pool }

func NewSensorKeyRepository(db *pgxpool.Pool) *SensorKeyRepository {
	return &SensorKeyRepository{db: db}
}

const sensorKeyCols = `id,sensor_id,prefix,key_hash,label,created_by,created_at,last_used_at,revoked_at`

func (r *SensorKeyRepository) Create(ctx context.Context, k *models.SensorKey) error {
	const q = `INSERT INTO sensor_keys(id,sensor_id,prefix,key_hash,label,created_by,created_at)
		VALUES($1,$2,$3,$4,$5,$6,now()) RETURNING created_at`
	err := r.db.QueryRow(ctx, q, k.ID, k.SensorID, k.Prefix, k.KeyHash, k.Label, k.CreatedBy).Scan(&k.CreatedAt)
	return wrap("sensor key create", err)
}

// GetByPrefix returns the active keys sharing a lookup prefix.
func (r *SensorKeyRepository) GetByPrefix(ctx context.Context, prefix string) ([]*models.SensorKey, error) {
	return r.scan(ctx, "sensor key by prefix",
		`SELECT `+sensorKeyCols+` FROM sensor_keys WHERE prefix=$1 AND revoked_at IS NULL`, prefix)
}

func (r *SensorKeyRepository) List(ctx context.Context) ([]*models.SensorKey, error) {
	return r.scan(ctx, "sensor key list", `SELECT `+sensorKeyCols+` FROM sensor_keys ORDER BY created_at DESC`)
}

func (r *SensorKeyRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE sensor_keys SET last_used_at=now() WHERE id=$1`, id)
	return wrap("sensor key touch", err)
}

func (r *SensorKeyRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE sensor_keys SET revoked_at=now() WHERE id=$1 AND revoked_at IS NULL`, id)
	if err != nil {
		return wrap("sensor key revoke", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sensor key revoke: %w", models.ErrNotFound)
	}
	return nil
}

func (r *SensorKeyRepository) scan(ctx context.Context, op, q string, args ...interface{}) ([]*models.SensorKey, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	out := []*models.SensorKey{}
	for rows.Next() {
		k := &models.SensorKey{}
		if err := rows.Scan(&k.ID, &k.SensorID, &k.Prefix, &k.KeyHash, &k.Label, &k.CreatedBy,
			&k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, k)
	}
	return out, wrap(op, rows.Err())
}
