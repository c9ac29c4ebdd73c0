// Package ledger builds and verifies the per-batch hash chains and checks the
// content hashes of stored sensor readings.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/models"
	"github.com/pharmachain/pharmachain/pkg/hashchain"
)

const (
	DefaultAppendRetries = 3
	DefaultStoreTimeout  = 10 * time.Second
)

// Options tunes a Service. Zero values fall back to the defaults above.
type Options struct {
	// StrictGenesis requires the first block of every chain to point at
	// hashchain.GenesisHash.
	StrictGenesis bool
	// AppendRetries is how many times an append is retried after losing the
	// (batch_id, seq) race in the store.
	AppendRetries int
	// StoreTimeout bounds every individual store call.
	StoreTimeout time.Duration
	// Now is the clock used for block timestamps.
	Now func() time.Time
}

// AppendRequest describes one ledger event.
type AppendRequest struct {
	BatchID    string
	Event      string
	ActorRole  models.Role
	ActorEmail string
	// Data must be a JSON object or empty. It is stored exactly as given.
	Data json.RawMessage
}

func (r *AppendRequest) validate() error {
	switch {
	case r.BatchID == "":
		return fmt.Errorf("%w: batch_id is required", models.ErrInvalidInput)
	case r.Event == "":
		return fmt.Errorf("%w: event is required", models.ErrInvalidInput)
	case !r.ActorRole.Valid():
		return fmt.Errorf("%w: unknown actor_role %q", models.ErrInvalidInput, r.ActorRole)
	}
	if len(r.Data) == 0 {
		return nil
	}
	if !json.Valid(r.Data) {
		return fmt.Errorf("%w: data is not valid JSON", models.ErrInvalidInput)
	}
	if _, err := hashchain.DecodeObject(r.Data); err != nil {
		return fmt.Errorf("%w: data must be a JSON object", models.ErrInvalidInput)
	}
	return nil
}

type Service struct {
	blocks   BlockStore
	readings ReadingStore
	opts     Options
	locks    *keyedMutex
	log      *zap.Logger
}

func NewService(blocks BlockStore, readings ReadingStore, opts Options, log *zap.Logger) *Service {
	if opts.AppendRetries <= 0 {
		opts.AppendRetries = DefaultAppendRetries
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		blocks:   blocks,
		readings: readings,
		opts:     opts,
		locks:    newKeyedMutex(),
		log:      log,
	}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

// AppendBlock extends the chain of req.BatchID by one block. Appends to the
// same batch are serialized in process, and the store rejects a second block
// with the same sequence number, in which case the tail is reloaded and the
// append retried.
func (s *Service) AppendBlock(ctx context.Context, req AppendRequest) (*models.LedgerBlock, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.BatchID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= s.opts.AppendRetries; attempt++ {
		blk, err := s.tryAppend(ctx, &req)
		if err == nil {
			s.log.Debug("ledger block appended",
				zap.String("batch_id", blk.BatchID),
				zap.Int64("seq", blk.Seq),
				zap.String("event", blk.Event),
				zap.String("curr_hash", blk.CurrHash),
			)
			return blk, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		lastErr = err
		s.log.Warn("ledger append lost race, retrying",
			zap.String("batch_id", req.BatchID),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, fmt.Errorf("ledger: append %s: retries exhausted: %w", req.BatchID, lastErr)
}

func (s *Service) tryAppend(ctx context.Context, req *AppendRequest) (*models.LedgerBlock, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	data := req.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	blk := &models.LedgerBlock{
		BatchID:    req.BatchID,
		Event:      req.Event,
		ActorRole:  req.ActorRole,
		ActorEmail: req.ActorEmail,
		PrevHash:   hashchain.GenesisHash,
		Data:       data,
	}

	now := s.opts.Now().UTC().Truncate(time.Microsecond)
	prev, err := s.blocks.LastBlock(sctx, req.BatchID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("ledger: load tail of %s: %w", req.BatchID, err)
	default:
		blk.Seq = prev.Seq + 1
		blk.PrevHash = prev.CurrHash
		// Timestamps double as a display ordering key, keep them strictly
		// increasing within a chain even if the clock steps back.
		if last, perr := time.Parse(models.TimestampLayout, prev.Timestamp); perr == nil && !now.After(last) {
			now = last.Add(time.Microsecond)
		}
	}
	blk.Timestamp = models.FormatTimestamp(now)

	h, err := blk.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("ledger: %w: %w", models.ErrInvalidInput, err)
	}
	blk.CurrHash = h

	if err := s.blocks.InsertBlock(sctx, blk); err != nil {
		return nil, fmt.Errorf("ledger: insert block %s/%d: %w", blk.BatchID, blk.Seq, err)
	}
	return blk, nil
}

// AppendBestEffort appends a block that accompanies a primary business write.
// Failures are logged and swallowed so the primary write stands on its own.
func (s *Service) AppendBestEffort(ctx context.Context, req AppendRequest) *models.LedgerBlock {
	blk, err := s.AppendBlock(ctx, req)
	if err != nil {
		s.log.Error("ledger append dropped",
			zap.String("batch_id", req.BatchID),
			zap.String("event", req.Event),
			zap.Error(err),
		)
		return nil
	}
	return blk
}

// Chain returns the blocks of a batch in append order.
func (s *Service) Chain(ctx context.Context, batchID string) ([]*models.LedgerBlock, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	blocks, err := s.blocks.ListBlocks(sctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list blocks of %s: %w", batchID, err)
	}
	return blocks, nil
}

// VerifyChain checks continuity and content of a batch's chain. A batch with
// no blocks is reported valid with state empty.
func (s *Service) VerifyChain(ctx context.Context, batchID string) (*ChainReport, error) {
	blocks, err := s.Chain(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return s.CheckChain(batchID, blocks), nil
}

// CheckChain verifies blocks already loaded by the caller.
func (s *Service) CheckChain(batchID string, blocks []*models.LedgerBlock) *ChainReport {
	links := make([]hashchain.Link, len(blocks))
	computed := make([]string, len(blocks))
	for i, b := range blocks {
		h, err := b.ComputeHash()
		if err != nil {
			s.log.Warn("ledger block not hashable",
				zap.String("batch_id", batchID),
				zap.Int64("seq", b.Seq),
				zap.Error(err),
			)
		}
		computed[i] = h
		links[i] = hashchain.Link{PrevHash: b.PrevHash, StoredHash: b.CurrHash, ComputedHash: h}
	}

	res := hashchain.Verify(links, s.opts.StrictGenesis)
	report := &ChainReport{
		BatchID:         batchID,
		State:           stateOf(len(blocks), res.Valid),
		Valid:           res.Valid,
		TotalBlocks:     len(blocks),
		TamperedIndices: res.Tampered,
		Blocks:          make([]BlockStatus, len(blocks)),
	}
	if res.BrokenAt >= 0 {
		at := res.BrokenAt
		report.BrokenAt = &at
	}
	for i, b := range blocks {
		st := res.Links[i]
		report.Blocks[i] = BlockStatus{
			LedgerBlock:    b,
			Index:          i,
			CalculatedHash: computed[i],
			LinkOK:         st.LinkOK,
			HashOK:         st.HashOK,
			Tampered:       st.Tampered,
		}
	}
	return report
}

// VerifyAll verifies every batch that has at least one block, one at a time.
func (s *Service) VerifyAll(ctx context.Context) (*AllReport, error) {
	sctx, cancel := s.storeCtx(ctx)
	ids, err := s.blocks.ListChainBatchIDs(sctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("ledger: list chains: %w", err)
	}

	out := &AllReport{
		Valid:           true,
		TotalBatches:    len(ids),
		TamperedBatches: []string{},
		Chains:          make([]ChainSummary, 0, len(ids)),
	}
	for _, id := range ids {
		rep, err := s.VerifyChain(ctx, id)
		if err != nil {
			return nil, err
		}
		if !rep.Valid {
			out.Valid = false
			out.TamperedBatches = append(out.TamperedBatches, id)
		}
		out.Chains = append(out.Chains, rep.Summary())
	}
	out.State = stateOf(len(ids), out.Valid)
	return out, nil
}

// VerifyReading recomputes the content hash of one stored reading. It returns
// models.ErrNotFound when id does not resolve.
func (s *Service) VerifyReading(ctx context.Context, id int64) (*ReadingReport, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	r, err := s.readings.GetReading(sctx, id)
	if err != nil {
		return nil, fmt.Errorf("ledger: get reading %d: %w", id, err)
	}
	return CheckReading(r), nil
}

// CheckReading compares a reading's stored hash with one recomputed from its
// current field values.
func CheckReading(r *models.Reading) *ReadingReport {
	calculated, err := r.ComputeHash()
	valid := err == nil && calculated == r.BlockchainHash
	rep := &ReadingReport{
		RecordID:       r.ID,
		State:          StateTampered,
		Valid:          valid,
		StoredHash:     r.BlockchainHash,
		CalculatedHash: calculated,
		Message:        "Data has been tampered with!",
		Reading:        r,
	}
	if valid {
		rep.State = StateValid
		rep.Message = "Data integrity verified"
	}
	return rep
}

// VerifyBatchIntegrity runs CheckReading over the sensor readings of a batch.
// Status-update pseudo-records carry no sensor payload and are skipped. A
// batch with no sensor readings is vacuously valid at 100%.
func (s *Service) VerifyBatchIntegrity(ctx context.Context, batchID string) (*BatchReport, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	readings, err := s.readings.ListReadingsByBatch(sctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list readings of %s: %w", batchID, err)
	}

	rep := &BatchReport{BatchID: batchID, InvalidRecordIDs: []int64{}}
	for _, r := range readings {
		if r.IsStatusUpdate() {
			continue
		}
		rep.TotalRecords++
		if CheckReading(r).Valid {
			rep.ValidRecords++
		} else {
			rep.InvalidRecords++
			rep.InvalidRecordIDs = append(rep.InvalidRecordIDs, r.ID)
		}
	}

	rep.Valid = rep.InvalidRecords == 0
	rep.State = stateOf(rep.TotalRecords, rep.Valid)
	rep.IntegrityPercentage = 100
	if rep.TotalRecords > 0 {
		rep.IntegrityPercentage = float64(rep.ValidRecords) / float64(rep.TotalRecords) * 100
	}
	return rep, nil
}
