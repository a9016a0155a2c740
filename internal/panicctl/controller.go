// Package panicctl implements ordered emergency shutdown for a run worker.
//
// A panic stop is a last-resort teardown: the spooled panic_stop record is
// written before anything else so the event survives even if the rest of the
// teardown crashes, then resources are closed innermost-first and allow-listed
// child processes are terminated. Every step after the spool write is
// best-effort and logged, never raised.
package panicctl

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/ppiankov/evigate/internal/model"
	"github.com/ppiankov/evigate/internal/spool"
	"github.com/ppiankov/evigate/internal/store"
)

// Controller coordinates one emergency shutdown per arming cycle. The
// in-progress flag makes re-entrant calls no-ops, so a panic raised inside
// a Close handler cannot recurse into a second teardown.
type Controller struct {
	cfg    model.PanicConfig
	spool  *spool.Spool
	store  store.Store
	logger *slog.Logger
	active atomic.Bool

	// Process inspection is injected so teardown logic is testable without
	// spawning children. Defaults come from proc_unix.go / proc_windows.go.
	readCommand func(pid int) (string, error)
	terminate   func(pid int) error
	forceKill   func(pid int) error
	alive       func(pid int) bool
}

// New returns an armed controller. The store may be a Noop implementation;
// the spool must not be nil since it is the shutdown's system of record.
func New(cfg model.PanicConfig, sp *spool.Spool, st store.Store, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:         cfg,
		spool:       sp,
		store:       st,
		logger:      logger,
		readCommand: readCommand,
		terminate:   terminateProcess,
		forceKill:   killProcess,
		alive:       processAlive,
	}
}

// SafeStop tears the worker down in a fixed order: spool the panic_stop
// record, signal the cooperative stop flag, close resources innermost-first,
// terminate allow-listed child processes, and finally best-effort mark the
// run's worker health in the store. A second call before ResetPanicFlag is
// a no-op. The returned error reflects only the spool write; everything
// downstream degrades to log lines.
func (c *Controller) SafeStop(ctx context.Context, runID, reason string, stop func(), resources []io.Closer, pids []int) error {
	if !c.active.CompareAndSwap(false, true) {
		c.logger.Warn("panic stop already in progress", "run_id", runID)
		return nil
	}

	c.logger.Error("panic stop", "run_id", runID, "reason", reason)

	// The spooled record must land before any teardown side effect: if the
	// process dies mid-shutdown, replay still reports the panic.
	err := c.spool.Add(runID, "panic_stop", map[string]interface{}{
		"reason":  reason,
		"at":      time.Now().UTC().Format(time.RFC3339),
		"pids":    pids,
		"closers": len(resources),
	})
	if err != nil {
		c.logger.Error("panic_stop spool write failed", "run_id", runID, "error", err)
	}

	if stop != nil {
		stop()
	}

	for i, r := range resources {
		if r == nil {
			continue
		}
		if cerr := r.Close(); cerr != nil {
			c.logger.Warn("resource close failed", "index", i, "error", cerr)
		}
	}

	c.terminateChildren(pids)

	if _, serr := c.store.Update(ctx, runID, store.Fields{"worker_health": "panic"}, nil); serr != nil {
		// The spooled event remains the record; replay catches the store up.
		c.logger.Warn("worker health mark failed", "run_id", runID, "error", serr)
	}

	return err
}

// ResetPanicFlag re-arms the controller so a supervised restart can panic
// again later.
func (c *Controller) ResetPanicFlag() {
	c.active.Store(false)
}

// Active reports whether a panic stop has run since the last reset.
func (c *Controller) Active() bool {
	return c.active.Load()
}

// terminateChildren sends a graceful terminate to each allow-listed pid,
// waits up to the configured grace period, then force-kills survivors.
// PIDs whose command does not match the allow-list are left alone; there
// is deliberately no process-group path here.
func (c *Controller) terminateChildren(pids []int) {
	var signaled []int
	for _, pid := range pids {
		cmd, err := c.readCommand(pid)
		if err != nil {
			c.logger.Warn("cannot inspect process, skipping", "pid", pid, "error", err)
			continue
		}
		if !c.allowListed(cmd) {
			c.logger.Warn("process not on allow-list, skipping", "pid", pid, "command", cmd)
			continue
		}
		if err := c.terminate(pid); err != nil {
			c.logger.Warn("terminate failed", "pid", pid, "error", err)
			continue
		}
		c.logger.Info("terminated child", "pid", pid, "command", cmd)
		signaled = append(signaled, pid)
	}
	if len(signaled) == 0 {
		return
	}

	deadline := time.Now().Add(c.cfg.TerminateWait)
	for time.Now().Before(deadline) {
		if !c.anyAlive(signaled) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, pid := range signaled {
		if !c.alive(pid) {
			continue
		}
		if err := c.forceKill(pid); err != nil {
			c.logger.Warn("force kill failed", "pid", pid, "error", err)
			continue
		}
		c.logger.Warn("force killed survivor", "pid", pid)
	}
}

func (c *Controller) anyAlive(pids []int) bool {
	for _, pid := range pids {
		if c.alive(pid) {
			return true
		}
	}
	return false
}

func (c *Controller) allowListed(command string) bool {
	cmd := strings.ToLower(command)
	for _, pattern := range c.cfg.ProcessAllowList {
		if pattern == "" {
			continue
		}
		if strings.Contains(cmd, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
