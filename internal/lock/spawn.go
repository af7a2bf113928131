package lock

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// SpawnDetached starts exe with args in its own session so it outlives the
// caller. Stdout and stderr are appended to logPath. The child is not waited
// for; its PID is returned.
func SpawnDetached(exe, dir string, args []string, logPath string) (int, error) {
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", logPath, err)
	}
	defer out.Close()

	cmd := exec.Command(exe, args...)
	cmd.Dir = dir
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", exe, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release pid %d: %w", pid, err)
	}
	return pid, nil
}
