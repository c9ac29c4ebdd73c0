package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/auth"
	"github.com/pharmachain/pharmachain/internal/config"
	"github.com/pharmachain/pharmachain/internal/db"
	"github.com/pharmachain/pharmachain/internal/ledger"
	"github.com/pharmachain/pharmachain/internal/models"
	"github.com/pharmachain/pharmachain/internal/storage"
	"github.com/pharmachain/pharmachain/pkg/logger"
)

// errTampered is returned when a check ran to completion and found
// tampering, so scripts can tell it apart from connection errors.
var errTampered = errors.New("integrity check failed")

type verifier interface {
	VerifyChain(ctx context.Context, batchID string) (*ledger.ChainReport, error)
	VerifyAll(ctx context.Context) (*ledger.AllReport, error)
	VerifyBatchIntegrity(ctx context.Context, batchID string) (*ledger.BatchReport, error)
	CheckChain(batchID string, blocks []*models.LedgerBlock) *ledger.ChainReport
}

type app struct {
	out    io.Writer
	asJSON bool
	dsn    string

	cfg *config.Config

	// openVerifier and openStore are swapped out in tests.
	openVerifier func(ctx context.Context) (verifier, func(), error)
	openStore    func(ctx context.Context) (storage.Backend, error)
}

func defaultApp() *app {
	a := &app{out: os.Stdout}
	a.openVerifier = func(ctx context.Context) (verifier, func(), error) {
		cfg, err := a.config()
		if err != nil {
			return nil, nil, err
		}
		if cfg.Database.DSN == "" {
			return nil, nil, errors.New("no database: pass --dsn or set PHARMACHAIN_DATABASE_DSN")
		}
		database, err := db.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		svc := ledger.NewService(database.Ledger, database.Readings, ledger.Options{
			StrictGenesis: cfg.Ledger.StrictGenesis,
			StoreTimeout:  cfg.Ledger.StoreTimeout,
		}, a.logger(cfg))
		return svc, database.Close, nil
	}
	a.openStore = func(ctx context.Context) (storage.Backend, error) {
		cfg, err := a.config()
		if err != nil {
			return nil, err
		}
		return storage.Open(ctx, cfg)
	}
	return a
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if a.dsn != "" {
		cfg.Database.DSN = a.dsn
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *app) logger(cfg *config.Config) *zap.Logger {
	log, err := logger.New(cfg.App.Env, logger.Component("pharmachain-verify", cfg.App.Version)...)
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func (a *app) withVerifier(cmd *cobra.Command, fn func(ctx context.Context, v verifier) error) error {
	ctx := cmd.Context()
	v, closeFn, err := a.openVerifier(ctx)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}
	return fn(ctx, v)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand(a *app) *cobra.Command {
	if a == nil {
		a = defaultApp()
	}
	root := &cobra.Command{
		Use:   "pharmachain-verify",
		Short: "Verify ledger chains and reading hashes",
		Long: `Verify ledger chains, reading hashes and exported snapshots.

Connects straight to the database configured through PHARMACHAIN_* variables
(or pharmachain.yaml) and recomputes every hash locally. Exit status is 2
when tampering was found and 1 on any other error.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.dsn, "dsn", "", "Postgres connection string (overrides database.dsn)")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print reports as JSON")

	root.AddCommand(
		newChainCommand(a),
		newReadingsCommand(a),
		newAllCommand(a),
		newSnapshotCommand(a),
		newTokenCommand(a),
	)
	return root
}

func newChainCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chain <batch_id>...",
		Short: "Verify the ledger chain of one or more batches",
		Example: `  pharmachain-verify chain LOT-2025-001
  pharmachain-verify chain LOT-A LOT-B --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVerifier(cmd, func(ctx context.Context, v verifier) error {
				broken := 0
				for _, batchID := range args {
					rep, err := v.VerifyChain(ctx, batchID)
					if err != nil {
						return err
					}
					if !rep.Valid {
						broken++
					}
					if err := a.renderChain(rep); err != nil {
						return err
					}
				}
				if broken > 0 {
					return fmt.Errorf("%d of %d chains broken: %w", broken, len(args), errTampered)
				}
				return nil
			})
		},
	}
}

func newReadingsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "readings <batch_id>",
		Short: "Recompute the hash of every sensor reading of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVerifier(cmd, func(ctx context.Context, v verifier) error {
				rep, err := v.VerifyBatchIntegrity(ctx, args[0])
				if err != nil {
					return err
				}
				if a.asJSON {
					if err := a.printJSON(rep); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(a.out, "batch %s: %s, %d/%d readings intact (%.2f%%)\n",
						rep.BatchID, rep.State, rep.ValidRecords, rep.TotalRecords, rep.IntegrityPercentage)
					for _, id := range rep.InvalidRecordIDs {
						fmt.Fprintf(a.out, "  reading %d does not match its stored hash\n", id)
					}
				}
				if !rep.Valid {
					return fmt.Errorf("batch %s: %d readings tampered: %w", rep.BatchID, rep.InvalidRecords, errTampered)
				}
				return nil
			})
		},
	}
}

func newAllCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Verify every batch that has a ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withVerifier(cmd, func(ctx context.Context, v verifier) error {
				rep, err := v.VerifyAll(ctx)
				if err != nil {
					return err
				}
				if a.asJSON {
					if err := a.printJSON(rep); err != nil {
						return err
					}
				} else {
					tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "BATCH\tSTATE\tBLOCKS\tTAMPERED")
					for _, c := range rep.Chains {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.BatchID, c.State, c.TotalBlocks, joinInts(c.TamperedIndices))
					}
					if err := tw.Flush(); err != nil {
						return err
					}
					fmt.Fprintf(a.out, "\n%d batches, %d tampered\n", rep.TotalBatches, len(rep.TamperedBatches))
				}
				if !rep.Valid {
					return fmt.Errorf("tampered batches %s: %w", strings.Join(rep.TamperedBatches, ", "), errTampered)
				}
				return nil
			})
		},
	}
}

func newSnapshotCommand(a *app) *cobra.Command {
	var sha string
	cmd := &cobra.Command{
		Use:   "snapshot <key>",
		Short: "Verify an exported ledger snapshot in the object store",
		Long: `Download an exported snapshot, check its SHA-256 when --sha256 is given,
and re-verify the chain it contains without touching the database.`,
		Example: `  pharmachain-verify snapshot ledger/LOT-1/2025/03/04/20250304T050607Z_0a1b2c3d.ndjson.gz \
      --sha256 0a1b2c3d...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			raw, err := storage.ReadSnapshot(ctx, store, args[0], sha)
			if err != nil {
				return err
			}
			blocks, err := storage.DecodeBlocks(raw)
			if err != nil {
				return err
			}
			if len(blocks) == 0 {
				return fmt.Errorf("snapshot %s holds no blocks", args[0])
			}
			// Snapshots are verified offline: no store behind the checker.
			checker := ledger.NewService(nil, nil, ledger.Options{StrictGenesis: true}, zap.NewNop())
			rep := checker.CheckChain(blocks[0].BatchID, blocks)
			if err := a.renderChain(rep); err != nil {
				return err
			}
			if !rep.Valid {
				return fmt.Errorf("snapshot %s: %w", args[0], errTampered)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sha, "sha256", "", "expected SHA-256 of the stored object")
	return cmd
}

func newTokenCommand(a *app) *cobra.Command {
	var (
		email string
		role  string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a user token signed with jwt.secret, for testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return errors.New("jwt.secret is not configured")
			}
			r := models.Role(role)
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			if ttl <= 0 {
				ttl = cfg.JWT.Expiration
			}
			tok, err := auth.IssueJWT(cfg.JWT.Secret, cfg.JWT.Issuer, email, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&role, "role", string(models.RoleFDA), "Manufacturer, FDA, Distributor or Pharmacy")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to jwt.expiration)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) renderChain(rep *ledger.ChainReport) error {
	if a.asJSON {
		return a.printJSON(rep)
	}
	fmt.Fprintf(a.out, "batch %s: %s, %d blocks\n", rep.BatchID, rep.State, rep.TotalBlocks)
	if rep.TotalBlocks == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDX\tSEQ\tEVENT\tACTOR\tTIMESTAMP\tSTATUS")
	for _, b := range rep.Blocks {
		status := "ok"
		switch {
		case !b.LinkOK:
			status = "TAMPERED (link)"
		case !b.HashOK:
			status = "TAMPERED (hash)"
		case b.Tampered:
			status = "TAMPERED (after break)"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", b.Index, b.Seq, b.Event, b.ActorRole, b.Timestamp, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if rep.BrokenAt != nil {
		fmt.Fprintf(a.out, "chain broken at block %d\n", *rep.BrokenAt)
	}
	return nil
}

func joinInts(xs []int) string {
	if len(xs) == 0 {
		return "-"
	}
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ",")
}
