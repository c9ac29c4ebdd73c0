package ledger

import "github.com/pharmachain/pharmachain/internal/models"

// State distinguishes "nothing to verify" from a clean or a failed check.
type State string

const (
	StateEmpty    State = "empty"
	StateValid    State = "valid"
	StateTampered State = "tampered"
)

func stateOf(total int, valid bool) State {
	switch {
	case total == 0:
		return StateEmpty
	case valid:
		return StateValid
	default:
		return StateTampered
	}
}

// BlockStatus is one block of a chain together with its verdict.
type BlockStatus struct {
	*models.LedgerBlock
	Index          int    `json:"index"`
	CalculatedHash string `json:"calculated_hash"`
	LinkOK         bool   `json:"link_ok"`
	HashOK         bool   `json:"hash_ok"`
	Tampered       bool   `json:"tampered"`
}

// ChainReport is the result of verifying one batch's chain.
type ChainReport struct {
	BatchID         string        `json:"batch_id"`
	State           State         `json:"state"`
	Valid           bool          `json:"blockchain_valid"`
	TotalBlocks     int           `json:"total_blocks"`
	TamperedIndices []int         `json:"tampered_block_indices"`
	BrokenAt        *int          `json:"broken_at,omitempty"`
	Blocks          []BlockStatus `json:"blocks"`
}

// Summary drops the per-block detail.
func (r *ChainReport) Summary() ChainSummary {
	return ChainSummary{
		BatchID:         r.BatchID,
		State:           r.State,
		Valid:           r.Valid,
		TotalBlocks:     r.TotalBlocks,
		TamperedIndices: r.TamperedIndices,
	}
}

type ChainSummary struct {
	BatchID         string `json:"batch_id"`
	State           State  `json:"state"`
	Valid           bool   `json:"is_valid"`
	TotalBlocks     int    `json:"total_blocks"`
	TamperedIndices []int  `json:"tampered_block_indices"`
}

// AllReport aggregates VerifyAll over every batch that has a chain.
type AllReport struct {
	State           State          `json:"state"`
	Valid           bool           `json:"all_valid"`
	TotalBatches    int            `json:"total_batches"`
	TamperedBatches []string       `json:"tampered_batches"`
	Chains          []ChainSummary `json:"chains"`
}

// ReadingReport is the result of verifying a single reading.
type ReadingReport struct {
	RecordID       int64           `json:"record_id"`
	State          State           `json:"state"`
	Valid          bool            `json:"is_valid"`
	StoredHash     string          `json:"stored_hash"`
	CalculatedHash string          `json:"calculated_hash"`
	Message        string          `json:"message"`
	Reading        *models.Reading `json:"record"`
}

// BatchReport aggregates VerifyReading over the sensor readings of a batch.
type BatchReport struct {
	BatchID             string  `json:"batch_id"`
	State               State   `json:"state"`
	Valid               bool    `json:"is_valid"`
	TotalRecords        int     `json:"total_records"`
	ValidRecords        int     `json:"valid_records"`
	InvalidRecords      int     `json:"invalid_records"`
	IntegrityPercentage float64 `json:"integrity_percentage"`
	InvalidRecordIDs    []int64 `json:"invalid_record_ids"`
}
