package gitsync

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes name with args in dir and returns trimmed combined output.
type Runner func(ctx context.Context, dir, name string, args ...string) (string, error)

// ExecRunner runs commands as real subprocesses.
func ExecRunner(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return trimmed, fmt.Errorf("%s %s timed out", name, strings.Join(args, " "))
	}
	if err != nil && trimmed != "" {
		return trimmed, fmt.Errorf("%w: %s", err, lastLine(trimmed))
	}
	return trimmed, err
}

func (s *Synchronizer) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	return s.runner(ctx, s.opts.Dir, "git", args...)
}

func (s *Synchronizer) timeout() time.Duration {
	if s.opts.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.opts.Timeout
}

func lastLine(out string) string {
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		return strings.TrimSpace(out[i+1:])
	}
	return out
}
