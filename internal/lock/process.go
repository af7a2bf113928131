package lock

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Inspector answers liveness and identity questions about a PID.
type Inspector interface {
	Alive(pid int) bool
	CommandLine(pid int) (string, error)
}

// SystemInspector probes real processes.
type SystemInspector struct{}

// Alive sends signal 0 to pid. EPERM still means the process exists.
func (SystemInspector) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// CommandLine reads /proc/<pid>/cmdline and falls back to ps on systems
// without procfs.
func (SystemInspector) CommandLine(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err == nil {
		return strings.TrimSpace(string(bytes.ReplaceAll(data, []byte{0}, []byte{' '}))), nil
	}
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=").Output()
	if err != nil {
		return "", fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// MatchesSignature reports whether cmdline was launched as signature. The
// base name of argv[0] must equal the first signature word and the
// remaining words must be the arguments that immediately follow it, so
// "cyclewarden run" matches "/usr/bin/cyclewarden run --config x" but not
// "cyclewarden watchdog run" or "/opt/cyclewarden/rerun.sh".
func MatchesSignature(cmdline, signature string) bool {
	want := strings.Fields(signature)
	argv := strings.Fields(cmdline)
	if len(want) == 0 || len(argv) < len(want) {
		return false
	}
	if filepath.Base(argv[0]) != want[0] {
		return false
	}
	for i := 1; i < len(want); i++ {
		if argv[i] != want[i] {
			return false
		}
	}
	return true
}

// IsSupervisor reports whether pid is alive and identifies as signature.
func IsSupervisor(inspector Inspector, pid int, signature string) bool {
	if !inspector.Alive(pid) {
		return false
	}
	cmdline, err := inspector.CommandLine(pid)
	if err != nil {
		return false
	}
	return MatchesSignature(cmdline, signature)
}

// Terminate sends SIGTERM to pid, waits up to grace for it to exit, then
// sends SIGKILL.
func Terminate(inspector Inspector, pid int, grace time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !inspector.Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if inspector.Alive(pid) {
		if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("sending SIGKILL: %w", err)
		}
	}
	return nil
}
