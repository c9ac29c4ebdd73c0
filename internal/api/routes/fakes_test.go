package routes_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/pharmachain/pharmachain/internal/models"
)

type alertStore struct {
	mu     sync.Mutex
	rows   []*models.Alert
	nextID int64
}

func (s *alertStore) Create(_ context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	a.CreatedAt = time.Now()
	cp := *a
	s.rows = append(s.rows, &cp)
	return nil
}

// reserveID takes the next id without making a row visible, like a sequence
// value held by a transaction that has not committed yet.
func (s *alertStore) reserveID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// commit makes a row with a previously reserved id visible.
func (s *alertStore) commit(a *models.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.CreatedAt = time.Now()
	cp := *a
	s.rows = append(s.rows, &cp)
	sort.Slice(s.rows, func(i, j int) bool { return s.rows[i].ID < s.rows[j].ID })
}

func (s *alertStore) ListRecent(_ context.Context, limit int) ([]*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Alert, 0, len(s.rows))
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.rows[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *alertStore) ListAfter(_ context.Context, afterID int64, limit int) ([]*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Alert
	for _, a := range s.rows {
		if a.ID > afterID && len(out) < limit {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

type batchStore struct {
	mu   sync.Mutex
	rows map[string]*models.Batch
}

func newBatchStore() *batchStore { return &batchStore{rows: map[string]*models.Batch{}} }

func (s *batchStore) Create(_ context.Context, b *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[b.BatchID]; ok {
		return fmt.Errorf("batch %s already exists: %w", b.BatchID, models.ErrConflict)
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	s.rows[b.BatchID] = &cp
	return nil
}

func (s *batchStore) GetByID(_ context.Context, batchID string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.rows[batchID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *batchStore) List(_ context.Context) ([]*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Batch, 0, len(s.rows))
	for _, b := range s.rows {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out, nil
}

func (s *batchStore) Review(_ context.Context, batchID string, status models.BatchStatus, reviewer, remarks string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.rows[batchID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if b.Status != models.BatchStatusPending {
		return nil, fmt.Errorf("batch %s is %s: %w", batchID, b.Status, models.ErrConflict)
	}
	b.Status = status
	b.ReviewedBy = reviewer
	b.ReviewRemarks = remarks
	b.UpdatedAt = time.Now()
	cp := *b
	return &cp, nil
}

type auditStore struct {
	mu     sync.Mutex
	rows   []*models.AuditLog
	nextID int64
	err    error
}

func (s *auditStore) Create(_ context.Context, e *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.nextID++
	e.ID = s.nextID
	e.Timestamp = time.Now()
	cp := *e
	s.rows = append(s.rows, &cp)
	return nil
}

func (s *auditStore) ListRecent(_ context.Context, limit int) ([]*models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AuditLog, 0, len(s.rows))
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.rows[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *auditStore) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rows))
	for _, e := range s.rows {
		out = append(out, e.Action)
	}
	return out
}

type keyStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.SensorKey
}

func newKeyStore() *keyStore { return &keyStore{rows: map[uuid.UUID]*models.SensorKey{}} }

func (s *keyStore) Create(_ context.Context, k *models.SensorKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.CreatedAt = time.Now()
	cp := *k
	s.rows[k.ID] = &cp
	return nil
}

func (s *keyStore) List(_ context.Context) ([]*models.SensorKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.SensorKey, 0, len(s.rows))
	for _, k := range s.rows {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (s *keyStore) Revoke(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.rows[id]
	if !ok || k.RevokedAt != nil {
		return models.ErrNotFound
	}
	now := time.Now()
	k.RevokedAt = &now
	return nil
}

func (s *keyStore) GetByPrefix(_ context.Context, prefix string) ([]*models.SensorKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SensorKey
	for _, k := range s.rows {
		if k.Prefix == prefix && k.RevokedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *keyStore) UpdateLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.rows[id]; ok {
		now := time.Now()
		k.LastUsedAt = &now
	}
	return nil
}

type taskQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (q *taskQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{
		ID:    fmt.Sprintf("task-%d", len(q.tasks)),
		Queue: "default",
		Type:  task.Type(),
		State: asynq.TaskStatePending,
	}, nil
}

func (q *taskQueue) types() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	types := make([]string, 0, len(q.tasks))
	for _, t := range q.tasks {
		types = append(types, t.Type())
	}
	return strings.Join(types, ",")
}
