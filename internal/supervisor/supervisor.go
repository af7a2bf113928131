// Package supervisor implements the operator-facing operations: start, stop,
// restart, status, ensure and dashboard. Every operation is a short-lived
// process that acts on the shared state directory.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/andywolf/cyclewarden/internal/config"
	"github.com/andywolf/cyclewarden/internal/engine"
	"github.com/andywolf/cyclewarden/internal/health"
	"github.com/andywolf/cyclewarden/internal/lock"
	"github.com/andywolf/cyclewarden/internal/notify"
	"github.com/andywolf/cyclewarden/internal/security"
	"github.com/andywolf/cyclewarden/internal/state"
	"github.com/andywolf/cyclewarden/internal/watchdog"
)

// EngineSignature identifies the engine process in its lock record.
const EngineSignature = "cyclewarden run"

// Notifier delivers messages; *notify.Dispatcher in production.
type Notifier = engine.Notifier

// Options wires a Supervisor.
type Options struct {
	Config *config.Config
	Layout state.Layout
	// Executable is the cyclewarden binary spawned for detached roles.
	Executable string
	// Dir is the working directory of spawned processes.
	Dir string
	// ExtraArgs are appended to every spawned command (e.g. --config).
	ExtraArgs []string
	Inspector lock.Inspector
	Spawn     watchdog.Spawner
	Notifier  Notifier
	Sanitizer *security.LogSanitizer
	Logger    *log.Logger
}

// Supervisor performs the entry-point operations.
type Supervisor struct {
	cfg       *config.Config
	layout    state.Layout
	exe       string
	dir       string
	extraArgs []string
	inspector lock.Inspector
	spawn     watchdog.Spawner
	notifier  Notifier
	sanitizer *security.LogSanitizer
	reporter  *notify.Reporter
	detector  *health.Detector
	logger    *log.Logger

	// Terminate stops a pid; lock.Terminate in production.
	Terminate func(inspector lock.Inspector, pid int, grace time.Duration) error
	// EnsureWatchdog starts the daemon if needed; watchdog.EnsureRunning in production.
	EnsureWatchdog func(opts watchdog.Options, spawn watchdog.Spawner) (int, bool, error)
	Now            func() time.Time
	Sleep          func(ctx context.Context, d time.Duration) error
}

// New returns a Supervisor.
func New(opts Options) *Supervisor {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Inspector == nil {
		opts.Inspector = lock.SystemInspector{}
	}
	if opts.Spawn == nil {
		opts.Spawn = lock.SpawnDetached
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Sanitizer == nil {
		opts.Sanitizer = security.NewLogSanitizer()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewDispatcher(nil, opts.Sanitizer, nil)
	}

	detector := health.NewDetector(
		[]string{opts.Layout.CycleLog(), opts.Layout.WorkerLog()},
		cfg.Health.StaleThreshold,
		cfg.Health.Command,
	)
	detector.ProbeTimeout = cfg.Health.Timeout
	detector.Dir = opts.Dir

	return &Supervisor{
		cfg:            cfg,
		layout:         opts.Layout,
		exe:            opts.Executable,
		dir:            opts.Dir,
		extraArgs:      opts.ExtraArgs,
		inspector:      opts.Inspector,
		spawn:          opts.Spawn,
		notifier:       opts.Notifier,
		sanitizer:      opts.Sanitizer,
		reporter:       notify.NewReporter(cfg.Notify.Locales),
		detector:       detector,
		logger:         opts.Logger,
		Terminate:      lock.Terminate,
		EnsureWatchdog: watchdog.EnsureRunning,
		Now:            time.Now,
		Sleep:          sleepContext,
	}
}

// StartResult describes what Start did.
type StartResult struct {
	PID            int  `json:"pid"`
	AlreadyRunning bool `json:"already_running"`
	WatchdogPID    int  `json:"watchdog_pid,omitempty"`
}

// Start clears the kill switch, spawns the engine unless one is already
// running, and makes sure the watchdog is up.
func (s *Supervisor) Start(ctx context.Context) (StartResult, error) {
	if err := s.layout.Ensure(); err != nil {
		return StartResult{}, err
	}
	if removed, err := state.ClearKillSwitch(s.layout.KillSwitch()); err != nil {
		return StartResult{}, fmt.Errorf("clear kill switch: %w", err)
	} else if removed {
		s.logger.Printf("Kill switch removed")
	}

	var res StartResult
	st, rec, err := lock.Inspect(s.layout.EngineLock(), EngineSignature, s.inspector)
	if err != nil {
		s.logger.Printf("Warning: unreadable engine lock, replacing it: %v", err)
	}
	if st == lock.StateRunning {
		s.logger.Printf("Engine already running (pid %d)", rec.PID)
		res.PID = rec.PID
		res.AlreadyRunning = true
	} else {
		pid, err := s.spawnEngine()
		if err != nil {
			return res, err
		}
		res.PID = pid
	}

	res.WatchdogPID = s.ensureWatchdog()
	return res, nil
}

func (s *Supervisor) spawnEngine() (int, error) {
	args := append([]string{"run"}, s.extraArgs...)
	pid, err := s.spawn(s.exe, s.dir, args, s.layout.EngineOut())
	if err != nil {
		return 0, fmt.Errorf("spawn engine: %w", err)
	}
	s.logger.Printf("Engine started (pid %d)", pid)
	return pid, nil
}

func (s *Supervisor) ensureWatchdog() int {
	pid, _, err := s.EnsureWatchdog(s.watchdogOptions(), s.spawn)
	if err != nil {
		s.logger.Printf("Warning: watchdog not running: %v", err)
		return 0
	}
	return pid
}

func (s *Supervisor) watchdogOptions() watchdog.Options {
	return watchdog.Options{
		Layout:        s.layout,
		Executable:    s.exe,
		Dir:           s.dir,
		ExtraArgs:     s.extraArgs,
		Interval:      s.cfg.Watchdog.Interval,
		EnsureTimeout: s.cfg.Watchdog.EnsureTimeout,
		Inspector:     s.inspector,
		Logger:        s.logger,
	}
}

// StopResult describes what Stop did.
type StopResult struct {
	EnginePID   int `json:"engine_pid,omitempty"`
	WatchdogPID int `json:"watchdog_pid,omitempty"`
}

// Stop terminates the engine and the watchdog and removes their records.
func (s *Supervisor) Stop(ctx context.Context) (StopResult, error) {
	var res StopResult
	// Watchdog first so it cannot restart the engine mid-stop.
	pid, errW := s.stopRole(s.layout.WatchdogPID(), watchdog.Signature, "watchdog")
	res.WatchdogPID = pid
	pid, errE := s.stopEngine()
	res.EnginePID = pid
	return res, errors.Join(errW, errE)
}

func (s *Supervisor) stopEngine() (int, error) {
	return s.stopRole(s.layout.EngineLock(), EngineSignature, "engine")
}

// stopRole terminates the process named by the record at path, if it is
// really ours, then removes the record.
func (s *Supervisor) stopRole(path, signature, role string) (int, error) {
	st, rec, err := lock.Inspect(path, signature, s.inspector)
	if err != nil {
		s.logger.Printf("Warning: unreadable %s record: %v", role, err)
	}
	var pid int
	if st == lock.StateRunning {
		pid = rec.PID
		s.logger.Printf("Stopping %s (pid %d)", role, pid)
		if err := s.Terminate(s.inspector, pid, s.cfg.Stop.GracePeriod); err != nil {
			return pid, fmt.Errorf("stop %s: %w", role, err)
		}
	} else if st == lock.StateStale {
		s.logger.Printf("Removing stale %s record", role)
	}
	if err := lock.Remove(path); err != nil {
		return pid, err
	}
	return pid, nil
}

// Restart stops the engine only, then starts it again.
func (s *Supervisor) Restart(ctx context.Context) (StartResult, error) {
	if _, err := s.stopEngine(); err != nil {
		return StartResult{}, err
	}
	return s.Start(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
