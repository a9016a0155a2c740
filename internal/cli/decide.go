package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/evigate/internal/checkpoint"
	"github.com/ppiankov/evigate/internal/runstate"
	"github.com/ppiankov/evigate/internal/spool"
	"github.com/spf13/cobra"
)

var (
	decideRunID string
	decideNonce string
	abortReason string
	operator    string
)

// approveCmd represents the approve command
var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve a gated run",
	Long: `Approve resumes a run paused in waiting_approval.

The nonce printed in the gate message must match; it is single-use. Under
concurrent duplicate decisions exactly one wins, the rest are refused
without side effects.

Example:
  evigate approve --run order-1042 --nonce 4f2c...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(func(ctx context.Context, m *runstate.Machine) (bool, error) {
			return m.Approve(ctx, decideNonce)
		}, "approved")
	},
}

// ignoreCmd represents the ignore-weakness command
var ignoreCmd = &cobra.Command{
	Use:   "ignore-weakness",
	Short: "Proceed despite weak evidence",
	Long: `Ignore-weakness overrides a gate and lets the run proceed.

The override is recorded in the run's context snapshot. Gate-only claims
(voltage, compatibility, core specs) are omitted from output entirely
rather than rendered with hedged language.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(func(ctx context.Context, m *runstate.Machine) (bool, error) {
			return m.IgnoreWeakness(ctx, decideNonce)
		}, "weakness ignored")
	},
}

// abortCmd represents the abort command
var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort a gated run",
	Long:  `Abort terminates a run paused in waiting_approval. The decision is audited with the operator identity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(func(ctx context.Context, m *runstate.Machine) (bool, error) {
			return m.AbortByUser(ctx, decideNonce, operator, abortReason)
		}, "aborted")
	},
}

func init() {
	rootCmd.AddCommand(approveCmd, ignoreCmd, abortCmd)

	for _, c := range []*cobra.Command{approveCmd, ignoreCmd, abortCmd} {
		c.Flags().StringVar(&decideRunID, "run", "", "run identifier (required)")
		c.Flags().StringVar(&decideNonce, "nonce", "", "approval nonce from the gate message (required)")
		_ = c.MarkFlagRequired("run")
		_ = c.MarkFlagRequired("nonce")
	}
	abortCmd.Flags().StringVar(&operator, "operator", "", "operator identity recorded in the audit trail")
	abortCmd.Flags().StringVar(&abortReason, "reason", "", "why the run is aborted")
}

// decide loads the gated run from the store and applies one CAS-protected
// human decision. The approval timeout is enforced fail-closed before the
// decision is attempted.
func decide(apply func(context.Context, *runstate.Machine) (bool, error), verb string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	cps := checkpoint.NewStore(cfg.Paths.CheckpointDir)
	sp := spool.New(cfg.Paths.SpoolDir)
	m := runstate.NewMachine(decideRunID, cfg, st, cps, sp, logger)
	if err := m.Adopt(ctx); err != nil {
		return err
	}

	expired, err := m.ApprovalExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	if expired {
		ok, err := m.AbortByUser(ctx, decideNonce, operator, "approval window expired")
		if err != nil {
			return err
		}
		if ok {
			fmt.Printf("Run %s: approval window expired, run aborted (fail-closed)\n", decideRunID)
		}
		return fmt.Errorf("approval window for run %s has expired", decideRunID)
	}

	ok, err := apply(ctx, m)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("decision refused: run %s is not waiting, the nonce is stale, or another decision won", decideRunID)
	}
	fmt.Printf("Run %s %s\n", decideRunID, verb)
	return nil
}
