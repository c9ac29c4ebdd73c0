package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/auth"
	"github.com/pharmachain/pharmachain/internal/config"
	"github.com/pharmachain/pharmachain/internal/ledger"
	"github.com/pharmachain/pharmachain/internal/ledger/ledgertest"
	"github.com/pharmachain/pharmachain/internal/models"
	"github.com/pharmachain/pharmachain/internal/storage"
)

type fixture struct {
	store *ledgertest.Store
	svc   *ledger.Service
	fs    *storage.FSStore
	out   *bytes.Buffer
	app   *app
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledgertest.New()
	svc := ledger.NewService(store, store, ledger.Options{StrictGenesis: true}, zap.NewNop())
	fs, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{store: store, svc: svc, fs: fs, out: &bytes.Buffer{}}
	f.app = &app{
		out: f.out,
		cfg: &config.Config{JWT: config.JWTConfig{Secret: "cli-test-secret", Issuer: "pc", Expiration: time.Hour}},
		openVerifier: func(context.Context) (verifier, func(), error) {
			return svc, nil, nil
		},
		openStore: func(context.Context) (storage.Backend, error) { return fs, nil },
	}
	return f
}

func (f *fixture) run(args ...string) error {
	f.out.Reset()
	cmd := newRootCommand(f.app)
	cmd.SetArgs(args)
	cmd.SetOut(f.out)
	cmd.SetErr(f.out)
	return cmd.ExecuteContext(context.Background())
}

func (f *fixture) append(t *testing.T, batchID string, events ...string) {
	t.Helper()
	for _, ev := range events {
		_, err := f.svc.AppendBlock(context.Background(), ledger.AppendRequest{
			BatchID:    batchID,
			Event:      ev,
			ActorRole:  models.RoleDistributor,
			ActorEmail: "dist@example.com",
		})
		require.NoError(t, err)
	}
}

func TestChainCommand(t *testing.T) {
	f := newFixture(t)
	f.append(t, "LOT-1", "Created", "Shipped", "Delivered")

	require.NoError(t, f.run("chain", "LOT-1"))
	assert.Contains(t, f.out.String(), "batch LOT-1: valid, 3 blocks")
	assert.NotContains(t, f.out.String(), "TAMPERED")

	f.store.Tamper("LOT-1", 1, func(b *models.LedgerBlock) { b.ActorEmail = "mallory@example.com" })
	err := f.run("chain", "LOT-1")
	require.ErrorIs(t, err, errTampered)
	assert.Contains(t, f.out.String(), "TAMPERED (hash)")
	assert.Contains(t, f.out.String(), "TAMPERED (after break)")
	assert.Contains(t, f.out.String(), "chain broken at block 1")

	err = f.run("chain", "LOT-1", "--json")
	require.ErrorIs(t, err, errTampered)
	var rep ledger.ChainReport
	require.NoError(t, json.Unmarshal(f.out.Bytes(), &rep))
	assert.Equal(t, []int{1, 2}, rep.TamperedIndices)

	assert.Error(t, f.run("chain"))
}

func TestReadingsCommand(t *testing.T) {
	f := newFixture(t)
	for _, temp := range []float64{4, 5} {
		r := &models.Reading{BatchID: "LOT-2", Temperature: temp, Humidity: 40, SensorID: "S1", Timestamp: "2025-01-01T00:00:00Z"}
		h, err := r.ComputeHash()
		require.NoError(t, err)
		r.BlockchainHash = h
		f.store.AddReading(r)
	}

	require.NoError(t, f.run("readings", "LOT-2"))
	assert.Contains(t, f.out.String(), "2/2 readings intact")

	readings, err := f.store.ListReadingsByBatch(context.Background(), "LOT-2")
	require.NoError(t, err)
	f.store.TamperReading(readings[0].ID, func(r *models.Reading) { r.Humidity = 90 })

	err = f.run("readings", "LOT-2")
	require.ErrorIs(t, err, errTampered)
	assert.Contains(t, f.out.String(), "1/2 readings intact (50.00%)")
}

func TestAllCommand(t *testing.T) {
	f := newFixture(t)
	f.append(t, "A", "one", "two")
	f.append(t, "B", "one")

	require.NoError(t, f.run("all"))
	assert.Contains(t, f.out.String(), "2 batches, 0 tampered")

	f.store.Delete("A", 0)
	err := f.run("all")
	require.ErrorIs(t, err, errTampered)
	assert.Contains(t, err.Error(), "A")
	assert.Contains(t, f.out.String(), "2 batches, 1 tampered")
}

func TestSnapshotCommand(t *testing.T) {
	f := newFixture(t)
	f.append(t, "LOT-9", "Created", "Shipped")

	rep, err := f.svc.VerifyChain(context.Background(), "LOT-9")
	require.NoError(t, err)
	blocks := make([]*models.LedgerBlock, len(rep.Blocks))
	for i := range rep.Blocks {
		blocks[i] = rep.Blocks[i].LedgerBlock
	}
	raw, err := storage.EncodeBlocks(blocks)
	require.NoError(t, err)
	meta, err := f.fs.PutSnapshot(context.Background(), "LOT-9", time.Now(), raw)
	require.NoError(t, err)

	require.NoError(t, f.run("snapshot", meta.Key, "--sha256", meta.SHA256))
	assert.Contains(t, f.out.String(), "batch LOT-9: valid, 2 blocks")

	err = f.run("snapshot", meta.Key, "--sha256", strings.Repeat("0", 64))
	require.Error(t, err)
	assert.NotErrorIs(t, err, errTampered)

	// A snapshot of an edited chain fails even without the object checksum.
	blocks[0].Event = "Forged"
	raw, err = storage.EncodeBlocks(blocks)
	require.NoError(t, err)
	forged, err := f.fs.PutSnapshot(context.Background(), "LOT-9", time.Now().Add(time.Second), raw)
	require.NoError(t, err)
	require.ErrorIs(t, f.run("snapshot", forged.Key), errTampered)
}

func TestTokenCommand(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.run("token", "--email", "fda@example.com", "--role", "FDA"))
	claims, err := auth.VerifyJWT("cli-test-secret", "pc", strings.TrimSpace(f.out.String()))
	require.NoError(t, err)
	assert.Equal(t, "fda@example.com", claims.Email)
	assert.Equal(t, models.RoleFDA, claims.Role)

	assert.Error(t, f.run("token", "--email", "x@example.com", "--role", "Janitor"))
	assert.Error(t, f.run("token"))
}
