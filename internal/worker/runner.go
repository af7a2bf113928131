// Package worker runs the opaque worker and sub-worker subprocesses and
// reads back what they said.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// tailLines is how much stderr is kept for failure lessons.
	tailLines = 20
	maxLine   = 1024 * 1024
)

// Invocation is one run of a worker command.
type Invocation struct {
	// Tag prefixes every line mirrored into the output log.
	Tag string
	Env []string
	// OnStderr, if set, sees each stderr line after Runner.OnStderr.
	OnStderr func(line string)
}

// Result is what a finished worker left behind.
type Result struct {
	ExitCode   int
	TimedOut   bool
	Duration   time.Duration
	Directives []Directive
	StderrTail []string
}

// Succeeded reports a clean exit within the deadline.
func (r *Result) Succeeded() bool { return r != nil && !r.TimedOut && r.ExitCode == 0 }

// Outcome returns the last outcome directive, if any.
func (r *Result) Outcome() *Outcome {
	if r == nil {
		return nil
	}
	for i := len(r.Directives) - 1; i >= 0; i-- {
		if r.Directives[i].Kind == KindOutcome {
			return r.Directives[i].Outcome
		}
	}
	return nil
}

// Delegation returns the last delegate directive, if any.
func (r *Result) Delegation() *Delegate {
	if r == nil {
		return nil
	}
	for i := len(r.Directives) - 1; i >= 0; i-- {
		if r.Directives[i].Kind == KindDelegate {
			return r.Directives[i].Delegate
		}
	}
	return nil
}

// Tail joins the kept stderr lines.
func (r *Result) Tail() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.StderrTail, "\n")
}

// Runner starts a command and streams its output line by line so liveness
// is visible while it runs.
type Runner struct {
	Command []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// Output receives every stdout and stderr line as it arrives.
	Output io.Writer
	// OnStderr is called for each stderr line.
	OnStderr func(line string)
}

// Run executes the command and waits for it to exit or time out. The error
// is reserved for failures to start; exit status lands in the Result.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if len(r.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = append(append(os.Environ(), r.Env...), inv.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so grandchildren do not hold the pipes open.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.Command[0], err)
	}

	res := &Result{}
	out := &lineWriter{w: r.Output}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			out.write(inv.Tag, line)
			if d, ok := ParseDirective(line); ok {
				res.Directives = append(res.Directives, d)
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			out.write(inv.Tag, line)
			res.StderrTail = appendTail(res.StderrTail, line)
			if r.OnStderr != nil {
				r.OnStderr(line)
			}
			if inv.OnStderr != nil {
				inv.OnStderr(line)
			}
		})
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	return res, nil
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	// Drain anything left after an oversized line so the child never blocks.
	_, _ = io.Copy(io.Discard, r)
}

func appendTail(tail []string, line string) []string {
	if strings.TrimSpace(line) == "" {
		return tail
	}
	tail = append(tail, line)
	if len(tail) > tailLines {
		tail = tail[len(tail)-tailLines:]
	}
	return tail
}

// lineWriter serializes writes from the two stream readers.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(tag, line string) {
	if l.w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if tag != "" {
		_, _ = fmt.Fprintf(l.w, "[%s] %s\n", tag, line)
		return
	}
	_, _ = fmt.Fprintln(l.w, line)
}
