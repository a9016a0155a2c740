package panicctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/evigate/internal/model"
	"github.com/ppiankov/evigate/internal/spool"
	"github.com/ppiankov/evigate/internal/store"
)

type countingCloser struct {
	closes int
	err    error
}

func (c *countingCloser) Close() error {
	c.closes++
	return c.err
}

// fakeProcs simulates the pid table so teardown logic runs without real
// children.
type fakeProcs struct {
	commands   map[int]string
	terminated []int
	killed     []int
	stubborn   map[int]bool // survives SIGTERM until force-killed
}

func (f *fakeProcs) install(c *Controller) {
	c.readCommand = func(pid int) (string, error) {
		cmd, ok := f.commands[pid]
		if !ok {
			return "", fmt.Errorf("pid %d not found", pid)
		}
		return cmd, nil
	}
	c.terminate = func(pid int) error {
		f.terminated = append(f.terminated, pid)
		return nil
	}
	c.forceKill = func(pid int) error {
		f.killed = append(f.killed, pid)
		delete(f.stubborn, pid)
		return nil
	}
	c.alive = func(pid int) bool { return f.stubborn[pid] }
}

func testController(t *testing.T, st store.Store) (*Controller, *spool.Spool, *fakeProcs) {
	t.Helper()
	cfg := model.DefaultConfig().Panic
	cfg.TerminateWait = 50 * time.Millisecond
	sp := spool.New(t.TempDir())
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	c := New(cfg, sp, st, logger)
	procs := &fakeProcs{commands: map[int]string{}, stubborn: map[int]bool{}}
	procs.install(c)
	return c, sp, procs
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func TestSafeStop(t *testing.T) {
	mem := store.NewMemory()
	c, sp, procs := testController(t, mem)
	procs.commands[101] = "/usr/bin/chromium --headless"

	stopped := false
	page := &countingCloser{}
	browser := &countingCloser{}

	err := c.SafeStop(context.Background(), "run-9", "watchdog timeout",
		func() { stopped = true },
		[]io.Closer{page, browser}, []int{101})
	if err != nil {
		t.Fatalf("SafeStop: %v", err)
	}

	if !stopped {
		t.Error("Cooperative stop flag not signaled")
	}
	if page.closes != 1 || browser.closes != 1 {
		t.Errorf("Resources must close exactly once, got page=%d browser=%d", page.closes, browser.closes)
	}
	if len(procs.terminated) != 1 || procs.terminated[0] != 101 {
		t.Errorf("Expected pid 101 terminated, got %v", procs.terminated)
	}
	if sp.Pending() != 1 {
		t.Errorf("Expected one panic_stop record, got %d", sp.Pending())
	}

	row, err := mem.Get(context.Background(), "run-9")
	if err != nil {
		t.Fatal(err)
	}
	if row.WorkerHealth != "panic" {
		t.Errorf("Expected worker health panic, got %q", row.WorkerHealth)
	}
}

func TestSafeStop_Idempotent(t *testing.T) {
	c, sp, procs := testController(t, store.NewMemory())
	procs.commands[101] = "chromium"
	page := &countingCloser{}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.SafeStop(ctx, "run-9", "boom", nil,
			[]io.Closer{page}, []int{101}); err != nil {
			t.Fatal(err)
		}
	}

	if page.closes != 1 {
		t.Errorf("Second SafeStop must be a no-op, resource closed %d times", page.closes)
	}
	if len(procs.terminated) != 1 {
		t.Errorf("Second SafeStop must not re-signal, got %v", procs.terminated)
	}
	if sp.Pending() != 1 {
		t.Errorf("Exactly one panic_stop record expected, got %d", sp.Pending())
	}
}

func TestSafeStop_AllowListGuardsTermination(t *testing.T) {
	c, _, procs := testController(t, store.NewMemory())
	procs.commands[200] = "/usr/sbin/sshd -D"
	procs.commands[201] = "ffmpeg -i input.mp4"

	err := c.SafeStop(context.Background(), "run-9", "boom", nil, nil, []int{200, 201, 999})
	if err != nil {
		t.Fatal(err)
	}

	if len(procs.terminated) != 1 || procs.terminated[0] != 201 {
		t.Errorf("Only allow-listed pids may be terminated, got %v", procs.terminated)
	}
}

func TestSafeStop_ForceKillsSurvivors(t *testing.T) {
	c, _, procs := testController(t, store.NewMemory())
	procs.commands[300] = "headless_shell"
	procs.stubborn[300] = true

	if err := c.SafeStop(context.Background(), "run-9", "boom", nil, nil, []int{300}); err != nil {
		t.Fatal(err)
	}

	if len(procs.killed) != 1 || procs.killed[0] != 300 {
		t.Errorf("Survivor must be force-killed, got %v", procs.killed)
	}
}

func TestSafeStop_CloseFailuresDoNotAbort(t *testing.T) {
	c, _, _ := testController(t, store.NewMemory())
	broken := &countingCloser{err: errors.New("already gone")}
	healthy := &countingCloser{}

	err := c.SafeStop(context.Background(), "run-9", "boom", nil,
		[]io.Closer{broken, healthy}, nil)
	if err != nil {
		t.Fatalf("Close failures must not propagate: %v", err)
	}
	if healthy.closes != 1 {
		t.Error("Later resources must still close after an earlier failure")
	}
}

func TestResetPanicFlagRearms(t *testing.T) {
	c, sp, _ := testController(t, store.NewMemory())
	ctx := context.Background()

	_ = c.SafeStop(ctx, "run-9", "first", nil, nil, nil)
	if !c.Active() {
		t.Fatal("Controller must report active after SafeStop")
	}

	c.ResetPanicFlag()
	_ = c.SafeStop(ctx, "run-9", "second", nil, nil, nil)

	if sp.Pending() != 2 {
		t.Errorf("A re-armed controller must spool again, got %d records", sp.Pending())
	}
}
