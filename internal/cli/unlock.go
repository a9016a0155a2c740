package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/evigate/internal/store"
	"github.com/spf13/cobra"
)

var (
	unlockRunID    string
	unlockOperator string
	unlockReason   string
)

// unlockCmd represents the unlock command
var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Force-release a run's lease",
	Long: `Unlock clears a run's lease without waiting for expiry.

This is the escape hatch for a worker that died holding a lease. Operator
identity and reason are mandatory and written to the audit trail before
the lease is cleared.

Example:
  evigate unlock --run order-1042 --operator oncall@example.com --reason "worker host lost"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		leaser, ok := st.(store.Leaser)
		if !ok {
			return fmt.Errorf("the configured store has no leases to unlock")
		}
		if err := leaser.ForceUnlock(ctx, unlockRunID, unlockOperator, unlockReason); err != nil {
			return err
		}
		fmt.Printf("Lease for run %s cleared by %s\n", unlockRunID, unlockOperator)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(unlockCmd)

	unlockCmd.Flags().StringVar(&unlockRunID, "run", "", "run identifier (required)")
	unlockCmd.Flags().StringVar(&unlockOperator, "operator", "", "operator identity (required)")
	unlockCmd.Flags().StringVar(&unlockReason, "reason", "", "why the lease is being cleared (required)")
	_ = unlockCmd.MarkFlagRequired("run")
	_ = unlockCmd.MarkFlagRequired("operator")
	_ = unlockCmd.MarkFlagRequired("reason")
}
