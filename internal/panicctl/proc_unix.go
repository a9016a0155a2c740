//go:build !windows

package panicctl

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// readCommand resolves a pid to its command line via /proc. The NUL
// separators in cmdline are replaced with spaces so allow-list patterns can
// match across argv boundaries.
func readCommand(pid int) (string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", fmt.Errorf("read cmdline for pid %d: %w", pid, err)
	}
	cmd := strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " "))
	if cmd == "" {
		return "", fmt.Errorf("pid %d has an empty command line", pid)
	}
	return cmd, nil
}

func terminateProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func killProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

// processAlive sends signal 0. EPERM still means the process exists.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
