package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pharmachain/pharmachain/pkg/hashchain"
)

// TimestampLayout is the fixed-width UTC ISO-8601 form used for block and
// default reading timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// StatusUpdateSensorID marks readings that record a batch status change
// rather than a sensor observation.
const StatusUpdateSensorID = "STATUS_UPDATE"

// FormatTimestamp renders t in TimestampLayout (always UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

type Role string

const (
	RoleManufacturer Role = "Manufacturer"
	RoleFDA          Role = "FDA"
	RoleDistributor  Role = "Distributor"
	RolePharmacy     Role = "Pharmacy"
	RoleSystem       Role = "System"
)

// Valid reports whether r is one of the defined actor roles.
func (r Role) Valid() bool {
	switch r {
	case RoleManufacturer, RoleFDA, RoleDistributor, RolePharmacy, RoleSystem:
		return true
	}
	return false
}

type BatchStatus string

const (
	BatchStatusPending  BatchStatus = "pending"
	BatchStatusApproved BatchStatus = "approved"
	BatchStatusRejected BatchStatus = "rejected"
)

// Reading is one sensor observation plus its content hash.
type Reading struct {
	ID             int64      `db:"id"              json:"id"`
	BatchID        string     `db:"batch_id"        json:"batch_id"`
	Temperature    float64    `db:"temperature"     json:"temperature"`
	Humidity       float64    `db:"humidity"        json:"humidity"`
	Location       string     `db:"location"        json:"location"`
	SensorID       string     `db:"sensor_id"       json:"sensor_id"`
	Timestamp      string     `db:"timestamp"       json:"timestamp"`
	BlockchainHash string     `db:"blockchain_hash" json:"blockchain_hash"`
	IsAlert        bool       `db:"is_alert"        json:"is_alert"`
	VerifiedAt     *time.Time `db:"verified_at"     json:"verified_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
}

// HashFields returns exactly the fields covered by the reading hash.
func (r *Reading) HashFields() map[string]any {
	return map[string]any{
		"batch_id":    r.BatchID,
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
		"location":    r.Location,
		"sensor_id":   r.SensorID,
		"timestamp":   r.Timestamp,
	}
}

// ComputeHash recomputes the content hash from the current field values.
func (r *Reading) ComputeHash() (string, error) {
	h, err := hashchain.HashFields(r.HashFields())
	if err != nil {
		return "", fmt.Errorf("reading hash: %w", err)
	}
	return h, nil
}

// IsStatusUpdate reports whether r is a status-update pseudo-record.
func (r *Reading) IsStatusUpdate() bool {
	return r.SensorID == StatusUpdateSensorID
}

// LedgerBlock is one entry of a batch's hash chain.
type LedgerBlock struct {
	ID         int64           `db:"id"          json:"id"`
	Seq        int64           `db:"seq"         json:"seq"`
	BatchID    string          `db:"batch_id"    json:"batch_id"`
	Event      string          `db:"event"       json:"event"`
	ActorRole  Role            `db:"actor_role"  json:"actor_role"`
	ActorEmail string          `db:"actor_email" json:"actor_email"`
	Timestamp  string          `db:"timestamp"   json:"timestamp"`
	PrevHash   string          `db:"prev_hash"   json:"prev_hash"`
	CurrHash   string          `db:"curr_hash"   json:"curr_hash"`
	Data       json.RawMessage `db:"data"        json:"data"`
	CreatedAt  time.Time       `db:"created_at"  json:"created_at"`
}

// HashFields returns the fields covered by the block hash. Data is decoded so
// that key order and whitespace in the stored payload do not matter.
func (b *LedgerBlock) HashFields() (map[string]any, error) {
	data, err := hashchain.DecodeObject(b.Data)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"batch_id":    b.BatchID,
		"event":       b.Event,
		"actor_role":  string(b.ActorRole),
		"actor_email": b.ActorEmail,
		"timestamp":   b.Timestamp,
		"prev_hash":   b.PrevHash,
		"data":        data,
	}, nil
}

// ComputeHash recomputes the block hash from the stored fields.
func (b *LedgerBlock) ComputeHash() (string, error) {
	fields, err := b.HashFields()
	if err != nil {
		return "", fmt.Errorf("block hash: %w", err)
	}
	h, err := hashchain.HashFields(fields)
	if err != nil {
		return "", fmt.Errorf("block hash: %w", err)
	}
	return h, nil
}

// Batch is a tracked unit of product.
type Batch struct {
	BatchID           string      `db:"batch_id"           json:"batch_id"`
	ProductName       string      `db:"product_name"       json:"product_name"`
	Quantity          int         `db:"quantity"           json:"quantity"`
	ManufacturerEmail string      `db:"manufacturer_email" json:"manufacturer_email"`
	InitialLocation   string      `db:"initial_location"   json:"initial_location"`
	Status            BatchStatus `db:"status"             json:"status"`
	ReviewedBy        string      `db:"reviewed_by"        json:"reviewed_by,omitempty"`
	ReviewRemarks     string      `db:"review_remarks"     json:"review_remarks,omitempty"`
	CreatedAt         time.Time   `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at"         json:"updated_at"`
}

// BatchSummary is the latest reading of a batch plus its record count.
type BatchSummary struct {
	BatchID           string  `json:"batch_id"`
	LatestTemperature float64 `json:"latest_temperature"`
	LatestHumidity    float64 `json:"latest_humidity"`
	Location          string  `json:"location"`
	LastUpdate        string  `json:"last_update"`
	RecordCount       int64   `json:"record_count"`
}

// Alert is raised when a reading falls outside the safe temperature band.
type Alert struct {
	ID          int64     `db:"id"          json:"id"`
	ReadingID   int64     `db:"reading_id"  json:"reading_id"`
	BatchID     string    `db:"batch_id"    json:"batch_id"`
	AlertType   string    `db:"alert_type"  json:"alert_type"`
	Severity    string    `db:"severity"    json:"severity"`
	Message     string    `db:"message"     json:"message"`
	Timestamp   string    `db:"timestamp"   json:"timestamp"`
	Temperature float64   `db:"temperature" json:"temperature"`
	Location    string    `db:"location"    json:"location"`
	CreatedAt   time.Time `db:"created_at"  json:"created_at"`
}

// AuditLog is one entry of the user action trail.
type AuditLog struct {
	ID        int64           `db:"id"         json:"id"`
	UserEmail string          `db:"user_email" json:"user_email"`
	Role      Role            `db:"role"       json:"role"`
	Action    string          `db:"action"     json:"action"`
	BatchID   string          `db:"batch_id"   json:"batch_id,omitempty"`
	Details   json.RawMessage `db:"details"    json:"details,omitempty"`
	Timestamp time.Time       `db:"timestamp"  json:"timestamp"`
}

// SensorKey is a hashed bearer token for an IoT sensor.
type SensorKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	SensorID   string     `db:"sensor_id"    json:"sensor_id"`
	Prefix     string     `db:"prefix"       json:"prefix"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	Label      string     `db:"label"        json:"label"`
	CreatedBy  string     `db:"created_by"   json:"created_by"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `db:"revoked_at"   json:"revoked_at,omitempty"`
}
