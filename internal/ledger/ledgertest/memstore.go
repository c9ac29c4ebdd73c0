// Package ledgertest provides an in-memory store for exercising the ledger
// service without Postgres.
package ledgertest

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/pharmachain/pharmachain/internal/models"
)

// Store implements ledger.BlockStore and ledger.ReadingStore. It enforces the
// same (batch_id, seq) uniqueness as the database schema.
type Store struct {
	mu       sync.Mutex
	blocks   map[string][]*models.LedgerBlock
	readings map[int64]*models.Reading
	nextID   int64

	// Err, when set, is returned from every call.
	Err error
	// BeforeInsert runs inside InsertBlock before the uniqueness check. Tests
	// use it to simulate a concurrent writer.
	BeforeInsert func(s *Store, b *models.LedgerBlock)
}

func New() *Store {
	return &Store{
		blocks:   make(map[string][]*models.LedgerBlock),
		readings: make(map[int64]*models.Reading),
	}
}

func (s *Store) LastBlock(_ context.Context, batchID string) (*models.LedgerBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	chain := s.blocks[batchID]
	if len(chain) == 0 {
		return nil, models.ErrNotFound
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

func (s *Store) InsertBlock(_ context.Context, b *models.LedgerBlock) error {
	if s.BeforeInsert != nil {
		hook := s.BeforeInsert
		s.BeforeInsert = nil
		hook(s, b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, existing := range s.blocks[b.BatchID] {
		if existing.Seq == b.Seq {
			return models.ErrConflict
		}
	}
	s.nextID++
	b.ID = s.nextID
	cp := *b
	s.blocks[b.BatchID] = append(s.blocks[b.BatchID], &cp)
	sort.Slice(s.blocks[b.BatchID], func(i, j int) bool {
		return s.blocks[b.BatchID][i].Seq < s.blocks[b.BatchID][j].Seq
	})
	return nil
}

func (s *Store) ListBlocks(_ context.Context, batchID string) ([]*models.LedgerBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*models.LedgerBlock, 0, len(s.blocks[batchID]))
	for _, b := range s.blocks[batchID] {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListChainBatchIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	ids := make([]string, 0, len(s.blocks))
	for id, chain := range s.blocks {
		if len(chain) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Tamper applies fn to the stored block at index i of batchID, bypassing the
// service.
func (s *Store) Tamper(batchID string, i int, fn func(b *models.LedgerBlock)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.blocks[batchID][i])
}

// Delete removes the stored block at index i of batchID.
func (s *Store) Delete(batchID string, i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.blocks[batchID]
	s.blocks[batchID] = append(chain[:i:i], chain[i+1:]...)
}

// AddReading stores r and assigns it an id.
func (s *Store) AddReading(r *models.Reading) *models.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ID = s.nextID
	cp := *r
	s.readings[r.ID] = &cp
	return r
}

// TamperReading applies fn to the stored copy of reading id.
func (s *Store) TamperReading(id int64, fn func(r *models.Reading)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.readings[id])
}

func (s *Store) GetReading(_ context.Context, id int64) (*models.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	r, ok := s.readings[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListReadingsByBatch(_ context.Context, batchID string) ([]*models.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*models.Reading
	for _, r := range s.readings {
		if r.BatchID == batchID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Create stores a reading like the readings repository does.
func (s *Store) Create(_ context.Context, r *models.Reading) error {
	s.mu.Lock()
	err := s.Err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.AddReading(r)
	return nil
}

// ListRecent returns up to limit readings, newest first.
func (s *Store) ListRecent(_ context.Context, limit int) ([]*models.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*models.Reading, 0, len(s.readings))
	for _, r := range s.readings {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Summaries returns the latest sensor reading and sensor reading count per
// batch, ordered by batch id.
func (s *Store) Summaries(ctx context.Context) ([]*models.BatchSummary, error) {
	all, err := s.ListRecent(ctx, math.MaxInt)
	if err != nil {
		return nil, err
	}
	byBatch := map[string]*models.BatchSummary{}
	for _, r := range all {
		if r.IsStatusUpdate() {
			continue
		}
		sum, ok := byBatch[r.BatchID]
		if !ok {
			sum = &models.BatchSummary{
				BatchID:           r.BatchID,
				LatestTemperature: r.Temperature,
				LatestHumidity:    r.Humidity,
				Location:          r.Location,
				LastUpdate:        r.Timestamp,
			}
			byBatch[r.BatchID] = sum
		}
		sum.RecordCount++
	}
	out := make([]*models.BatchSummary, 0, len(byBatch))
	for _, sum := range byBatch {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out, nil
}
