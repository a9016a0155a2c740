package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/evigate/internal/checkpoint"
	"github.com/ppiankov/evigate/internal/model"
	"github.com/ppiankov/evigate/internal/panicctl"
	"github.com/ppiankov/evigate/internal/runstate"
	"github.com/ppiankov/evigate/internal/spool"
	"github.com/ppiankov/evigate/internal/store"
	"github.com/spf13/cobra"
)

var (
	evidencePath string
	refetchPath  string
	runTimeout   time.Duration
	dryRun       bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Advance a run through evidence evaluation and gating",
	Long: `Run acquires the lease for a run, evaluates the supplied evidence, and
either completes the run or pauses it behind a human-approval gate.

Evidence is a JSON array of observations produced by external collectors:

  [{"claim_type": "price", "confidence": 0.92, "trust_tier": 4,
    "fetched_at": "2026-08-30T10:00:00Z", "source": "https://maker.example"}]

When a critical claim is weak the run gates: one auto-refetch is attempted
if the weakness allows it, otherwise the run pauses in waiting_approval and
the gate message with the approval nonce is printed. The worker may exit;
'evigate approve' resumes the run later.

Example:
  evigate run order-1042 --evidence evidence.json
  evigate run order-1042 --evidence evidence.json --refetch refreshed.json`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&evidencePath, "evidence", "", "path to collected evidence JSON (required)")
	runCmd.Flags().StringVar(&refetchPath, "refetch", "", "path to refreshed evidence JSON used for the one-shot auto-refetch")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 2*time.Minute, "overall run timeout")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate against an in-memory store, leaving no persistent state")
	_ = runCmd.MarkFlagRequired("evidence")
}

func runRun(cmd *cobra.Command, args []string) (err error) {
	runID := args[0]
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	evidence, err := readEvidence(evidencePath)
	if err != nil {
		return err
	}

	var st store.Store
	if dryRun {
		st = store.NewMemory()
	} else {
		if st, err = openStore(cfg); err != nil {
			return err
		}
	}
	defer func() { _ = st.Close() }()

	release, err := acquireLease(ctx, st, runID, cfg.Lease.Duration)
	if err != nil {
		return err
	}
	defer release()

	checkpointDir, spoolDir := cfg.Paths.CheckpointDir, cfg.Paths.SpoolDir
	if dryRun {
		tmp, terr := os.MkdirTemp("", "evigate-dry-*")
		if terr != nil {
			return terr
		}
		defer func() { _ = os.RemoveAll(tmp) }()
		checkpointDir = filepath.Join(tmp, "checkpoints")
		spoolDir = filepath.Join(tmp, "spool")
	}

	cps := checkpoint.NewStore(checkpointDir)
	sp := spool.New(spoolDir)
	m := runstate.NewMachine(runID, cfg, st, cps, sp, logger)

	// A panic mid-run triggers the ordered emergency teardown: the spooled
	// panic_stop record lands before anything else is touched.
	pc := panicctl.New(cfg.Panic, sp, st, logger)
	defer func() {
		if r := recover(); r != nil {
			_ = pc.SafeStop(context.Background(), runID, fmt.Sprintf("panic: %v", r),
				cancel, []io.Closer{st}, nil)
			err = fmt.Errorf("run %s panicked: %v", runID, r)
		}
	}()

	if err := m.Adopt(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	switch m.State().Status {
	case model.StatusPending:
		if err := m.Start(ctx); err != nil {
			return err
		}
	case model.StatusApproved:
		// An approved run resumes execution before anything else runs.
		if err := m.Resume(ctx); err != nil {
			return err
		}
	}

	cp := cps.Load(runID)
	if !cp.Completed("evaluate") {
		var refetch runstate.RefetchFunc
		if refetchPath != "" {
			refetch = func(ctx context.Context) ([]model.EvidenceItem, error) {
				return readEvidence(refetchPath)
			}
		}
		notify := func(id, nonce, reason string) error {
			fmt.Fprintf(os.Stderr, "Run %s gated: %s (nonce %s)\n", id, reason, nonce)
			return nil
		}

		result, err := m.EvaluateAndGate(ctx, evidence, refetch, notify)
		if err != nil {
			return err
		}
		if result == nil {
			fmt.Printf("Run %s is %s; nothing to do\n", runID, m.State().Status)
			return nil
		}
		if m.State().Status == model.StatusWaitingApproval {
			fmt.Println(runstate.RenderGateMessage(runID, m.State().ApprovalNonce, result))
			return nil
		}
		if err := cps.Save(runID, "evaluate", map[string]interface{}{
			"should_gate": result.ShouldGate,
			"alerts":      len(result.Alerts),
		}, nil); err != nil {
			logger.Warn("checkpoint save failed", "error", err)
		}
	} else if verbose {
		fmt.Fprintf(os.Stderr, "Stage evaluate already completed, skipping\n")
	}

	if err := m.Complete(ctx); err != nil {
		return err
	}
	fmt.Printf("Run %s completed\n", runID)
	return nil
}

// readEvidence parses a collector output file into evidence items.
func readEvidence(path string) ([]model.EvidenceItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evidence: %w", err)
	}
	var items []model.EvidenceItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse evidence %s: %w", path, err)
	}
	return items, nil
}

// openStore selects the configured store backend. With persistence disabled
// the Noop store assumes success and the spool carries the record.
func openStore(cfg *model.Config) (store.Store, error) {
	if !cfg.Store.Enabled {
		return store.NewNoop(), nil
	}
	return store.NewSQLite(cfg.Store.DSN, cfg.Store.CacheTTL)
}

// acquireLease takes the run's lease when the backend supports leasing.
// The Noop store does not; single-process use needs no lease.
func acquireLease(ctx context.Context, st store.Store, runID string, d time.Duration) (func(), error) {
	leaser, ok := st.(store.Leaser)
	if !ok {
		return func() {}, nil
	}
	if err := leaser.CreateRun(ctx, runID); err != nil {
		return nil, err
	}
	owner, _ := os.Hostname()
	owner = fmt.Sprintf("%s-%d", owner, os.Getpid())
	token, acquired, err := leaser.AcquireLease(ctx, runID, owner, d)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("run %s is leased by another worker; retry after expiry or use 'evigate unlock'", runID)
	}
	return func() {
		if err := leaser.ReleaseLease(context.Background(), runID, token); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: lease release failed: %v\n", err)
		}
	}, nil
}
