package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ppiankov/evigate/internal/model"
	"github.com/ppiankov/evigate/internal/spool"
)

// SweepJob replays one spool directory against a delivery function.
type SweepJob struct {
	Dir     string
	Send    spool.SendFunc
	Limiter *Limiter
}

// Execute replays the directory's pending records in creation order.
func (j *SweepJob) Execute(ctx context.Context) Result {
	sp := spool.New(j.Dir)
	if j.Limiter != nil {
		sp.SetLimiter(j.Limiter.For(j.Dir))
	}
	stats, err := sp.Replay(ctx, j.Send)
	return &SweepResult{Dir: j.Dir, Stats: stats, Err: err}
}

// SweepResult reports one directory's replay outcome.
type SweepResult struct {
	Dir   string
	Stats spool.ReplayStats
	Err   error
}

// GetError returns the error from the sweep result
func (r *SweepResult) GetError() error {
	return r.Err
}

// Sweeper drains multiple spool directories concurrently. Records within a
// directory keep their creation order; directories are independent of each
// other, so fanning them out across workers is safe.
type Sweeper struct {
	workers int
	limiter *Limiter
}

// NewSweeper creates a sweeper from replay configuration.
func NewSweeper(cfg model.ReplayConfig) *Sweeper {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	var limiter *Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = NewLimiter(cfg.RequestsPerSecond, cfg.Burst)
	}
	return &Sweeper{workers: workers, limiter: limiter}
}

// Sweep replays every directory and returns per-directory outcomes sorted
// by directory path.
func (s *Sweeper) Sweep(ctx context.Context, dirs []string, send spool.SendFunc) []*SweepResult {
	pool := NewPool(s.workers)
	pool.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, dir := range dirs {
			pool.Submit(&SweepJob{Dir: dir, Send: send, Limiter: s.limiter})
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pool.Shutdown()
		return nil
	}

	raw := pool.Wait()
	results := make([]*SweepResult, 0, len(raw))
	for _, r := range raw {
		if sr, ok := r.(*SweepResult); ok {
			results = append(results, sr)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Dir < results[j].Dir })
	return results
}

// DiscoverSpools lists the spool directories under a root: the root itself
// when it holds records directly, plus any immediate subdirectories.
func DiscoverSpools(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("discover spools: %w", err)
	}

	var dirs []string
	rootHasRecords := false
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name()))
			continue
		}
		if filepath.Ext(e.Name()) == ".json" {
			rootHasRecords = true
		}
	}
	if rootHasRecords {
		dirs = append(dirs, root)
	}
	sort.Strings(dirs)
	return dirs, nil
}
