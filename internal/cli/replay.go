package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/evigate/internal/spool"
	"github.com/ppiankov/evigate/internal/worker"
	"github.com/spf13/cobra"
)

var (
	replayTimeout time.Duration
	replayDir     string
	replayRate    float64
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Deliver spooled events to the store",
	Long: `Replay sweeps the spool directories and delivers pending event records
to the persistent store.

Records are delivered in creation order within each directory; a record is
deleted only after confirmed delivery, so replay is safe to repeat on any
schedule. Failed records stay put for the next sweep.

Example:
  evigate replay
  evigate replay --timeout 5m`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().DurationVar(&replayTimeout, "timeout", 2*time.Minute, "overall sweep timeout")
	replayCmd.Flags().StringVar(&replayDir, "dir", "", "spool directory to sweep (default: configured spool dir)")
	replayCmd.Flags().Float64Var(&replayRate, "rate", 0, "delivery rate limit in records per second (0 = configured rate)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
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

	root := cfg.Paths.SpoolDir
	if replayDir != "" {
		root = replayDir
	}
	dirs, err := worker.DiscoverSpools(root)
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		fmt.Println("Spool is empty; nothing to replay")
		return nil
	}

	send := func(rec spool.Record) error {
		return st.InsertEvent(ctx, rec.RunID, rec.EventType, rec.Payload)
	}

	replayCfg := cfg.Replay
	if replayRate > 0 {
		replayCfg.RequestsPerSecond = replayRate
	}
	sweeper := worker.NewSweeper(replayCfg)
	results := sweeper.Sweep(ctx, dirs, send)

	var sent, failed, remaining int
	for _, r := range results {
		sent += r.Stats.Sent
		failed += r.Stats.Failed
		remaining += r.Stats.Remaining
		if r.Err != nil {
			fmt.Printf("  %s: %v\n", r.Dir, r.Err)
		}
	}
	fmt.Printf("Replay: %d sent, %d failed, %d remaining\n", sent, failed, remaining)

	if failed > 0 {
		return fmt.Errorf("%d records were not delivered; they remain spooled", failed)
	}
	return nil
}
