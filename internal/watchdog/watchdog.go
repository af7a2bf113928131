// Package watchdog keeps a detached daemon alive that periodically re-runs
// `cyclewarden ensure`. The daemon holds no repair logic of its own.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/andywolf/cyclewarden/internal/lock"
	"github.com/andywolf/cyclewarden/internal/state"
)

const (
	DefaultInterval      = 60 * time.Second
	DefaultEnsureTimeout = 5 * time.Minute

	// Signature identifies a watchdog process in its pid record.
	Signature = "cyclewarden watchdog run"
)

// ErrAlreadyRunning is returned by Run when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("watchdog already running")

// Options configures the daemon and EnsureRunning.
type Options struct {
	Layout state.Layout
	// Executable is the cyclewarden binary to re-invoke.
	Executable string
	// Dir is the working directory for spawned processes.
	Dir string
	// ExtraArgs are appended to every re-invocation (e.g. --config).
	ExtraArgs     []string
	Interval      time.Duration
	EnsureTimeout time.Duration
	Inspector     lock.Inspector
	Logger        *log.Logger
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.EnsureTimeout <= 0 {
		o.EnsureTimeout = DefaultEnsureTimeout
	}
	if o.Inspector == nil {
		o.Inspector = lock.SystemInspector{}
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
}

// Spawner starts a detached process; lock.SpawnDetached in production.
type Spawner func(exe, dir string, args []string, logPath string) (int, error)

// EnsureRunning starts the daemon unless a live, correctly identified one
// already owns the pid record. It returns the daemon's pid and whether this
// call started it.
func EnsureRunning(opts Options, spawn Spawner) (pid int, started bool, err error) {
	opts.applyDefaults()
	if spawn == nil {
		spawn = lock.SpawnDetached
	}

	st, rec, err := lock.Inspect(opts.Layout.WatchdogPID(), Signature, opts.Inspector)
	if err != nil {
		opts.Logger.Printf("Warning: unreadable watchdog pid record, replacing it: %v", err)
	}
	if st == lock.StateRunning {
		return rec.PID, false, nil
	}

	args := append([]string{"watchdog", "run"}, opts.ExtraArgs...)
	pid, err = spawn(opts.Executable, opts.Dir, args, opts.Layout.WatchdogOut())
	if err != nil {
		return 0, false, fmt.Errorf("spawn watchdog: %w", err)
	}
	opts.Logger.Printf("Watchdog started (pid %d)", pid)
	return pid, true, nil
}

// Status describes the daemon as seen from outside.
type Status struct {
	State     lock.State
	PID       int
	Heartbeat time.Time
}

// Inspect reports the daemon's pid record state and last heartbeat.
func Inspect(layout state.Layout, inspector lock.Inspector) (Status, error) {
	st, rec, err := lock.Inspect(layout.WatchdogPID(), Signature, inspector)
	out := Status{State: st}
	if rec != nil {
		out.PID = rec.PID
	}
	hb, hbErr := ReadHeartbeat(layout)
	out.Heartbeat = hb
	if err == nil {
		err = hbErr
	}
	return out, err
}

// Daemon is the long-lived loop.
type Daemon struct {
	opts Options

	// Ensure runs one ensure pass; defaults to re-invoking the binary.
	Ensure func(ctx context.Context) error
	Now    func() time.Time
}

// NewDaemon returns a Daemon.
func NewDaemon(opts Options) *Daemon {
	opts.applyDefaults()
	d := &Daemon{opts: opts, Now: time.Now}
	d.Ensure = d.runEnsure
	return d
}

// Run holds the daemon lock and ticks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	logger := d.opts.Logger
	logger.Printf("Watchdog starting, interval %s", d.opts.Interval)

	fileLock := flock.New(d.opts.Layout.WatchdogLock())
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring watchdog lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() { _ = fileLock.Unlock() }()

	pidLock := lock.New(lock.Options{
		Path:      d.opts.Layout.WatchdogPID(),
		Signature: Signature,
		Inspector: d.opts.Inspector,
		Logf:      logger.Printf,
	})
	claim, err := pidLock.Claim()
	if err != nil {
		return fmt.Errorf("write watchdog pid record: %w", err)
	}
	if !claim.Owned {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, claim.Reason)
	}
	defer func() {
		if err := pidLock.Release(); err != nil {
			logger.Printf("Warning: release watchdog pid record: %v", err)
		}
	}()

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Printf("Watchdog stopping")
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick runs one bounded ensure pass and records the heartbeat whatever
// the outcome, so a failing ensure is still visibly supervised.
func (d *Daemon) tick(ctx context.Context) {
	ensureCtx, cancel := context.WithTimeout(ctx, d.opts.EnsureTimeout)
	defer cancel()

	if err := d.Ensure(ensureCtx); err != nil && ctx.Err() == nil {
		d.opts.Logger.Printf("Warning: ensure failed: %v", err)
	}
	if err := WriteHeartbeat(d.opts.Layout, d.Now()); err != nil {
		d.opts.Logger.Printf("Warning: write heartbeat: %v", err)
	}
}

func (d *Daemon) runEnsure(ctx context.Context) error {
	args := append([]string{"ensure", "--caller", "watchdog"}, d.opts.ExtraArgs...)
	cmd := exec.CommandContext(ctx, d.opts.Executable, args...)
	cmd.Dir = d.opts.Dir
	out, err := cmd.CombinedOutput()
	if text := strings.TrimSpace(string(out)); text != "" {
		for _, line := range strings.Split(text, "\n") {
			d.opts.Logger.Printf("ensure: %s", line)
		}
	}
	if err != nil {
		return fmt.Errorf("ensure: %w", err)
	}
	return nil
}

// WriteHeartbeat records t as the daemon's last tick.
func WriteHeartbeat(layout state.Layout, t time.Time) error {
	return state.WriteFileAtomic(layout.WatchdogHeartbeat(), []byte(t.UTC().Format(time.RFC3339)+"\n"), 0644)
}

// ReadHeartbeat returns the last tick, or the zero time if there is none.
func ReadHeartbeat(layout state.Layout) (time.Time, error) {
	data, err := readFile(layout.WatchdogHeartbeat())
	if err != nil || data == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, data)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat: %w", err)
	}
	return t, nil
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
