//go:build windows

package panicctl

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// readCommand resolves a pid to its image name via tasklist. Windows has no
// /proc, and the CSV output is stable enough to parse for the first column.
func readCommand(pid int) (string, error) {
	out, err := exec.Command("tasklist", "/FO", "CSV", "/NH", "/FI",
		"PID eq "+strconv.Itoa(pid)).Output()
	if err != nil {
		return "", fmt.Errorf("tasklist for pid %d: %w", pid, err)
	}
	line := strings.TrimSpace(string(out))
	fields := strings.Split(line, "\",\"")
	if len(fields) == 0 || !strings.HasPrefix(line, "\"") {
		return "", fmt.Errorf("pid %d not found", pid)
	}
	return strings.Trim(fields[0], "\""), nil
}

// Windows has no graceful signal for arbitrary children, so terminate and
// force-kill collapse into the same Kill call.
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func killProcess(pid int) error {
	return terminateProcess(pid)
}

func processAlive(pid int) bool {
	_, err := readCommand(pid)
	return err == nil
}
