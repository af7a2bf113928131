package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/andywolf/cyclewarden/internal/cloud/gcp"
	"github.com/andywolf/cyclewarden/internal/cycle"
	"github.com/andywolf/cyclewarden/internal/dispatch"
	"github.com/andywolf/cyclewarden/internal/engine"
	"github.com/andywolf/cyclewarden/internal/gitsync"
	"github.com/andywolf/cyclewarden/internal/health"
	"github.com/andywolf/cyclewarden/internal/history"
	"github.com/andywolf/cyclewarden/internal/lessons"
	"github.com/andywolf/cyclewarden/internal/lock"
	"github.com/andywolf/cyclewarden/internal/logfilter"
	"github.com/andywolf/cyclewarden/internal/watchdog"
	"github.com/andywolf/cyclewarden/internal/worker"
)

// RunEngine claims the engine lock and runs the cycle loop in the
// foreground until ctx ends, a signal arrives or the kill switch is set.
// A live engine already holding the lock yields an error wrapping
// lock.ErrHeld.
func (s *Supervisor) RunEngine(ctx context.Context) error {
	if err := s.layout.Ensure(); err != nil {
		return err
	}
	if err := s.cfg.ValidateForRun(); err != nil {
		return err
	}

	mgr := lock.New(lock.Options{
		Path:      s.layout.EngineLock(),
		Signature: EngineSignature,
		Inspector: s.inspector,
		Logf:      s.logger.Printf,
	})
	if err := mgr.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := mgr.Release(); err != nil {
			s.logger.Printf("Warning: release engine lock: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopSignals := mgr.HandleSignals(cancel)
	defer stopSignals()

	eng, cleanup, err := s.buildEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	return eng.Run(ctx)
}

// buildEngine assembles the engine from configuration. The cleanup func
// closes the log streams and the ledger.
func (s *Supervisor) buildEngine() (*engine.Engine, func(), error) {
	cfg := s.cfg
	var closers []io.Closer
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}

	cycleLog, err := openAppend(s.layout.CycleLog())
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, cycleLog)
	workerLog, err := openAppend(s.layout.WorkerLog())
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	closers = append(closers, workerLog)

	var progressOut io.Writer = cycleLog
	if cfg.Logging.JSON {
		progressOut = io.MultiWriter(cycleLog, os.Stderr)
	}
	progress := gcp.NewLogger("engine", gcp.WithWriter(progressOut))
	closers = append(closers, progress)

	logger := log.New(s.logger.Writer(), "[engine] ", log.LstdFlags)
	workdir := cfg.Workdir
	if workdir == "" {
		workdir = s.dir
	}

	store := lessons.NewStore(s.layout.Lessons(), cfg.Lessons.MaxEntries)
	deps := engine.Deps{
		Layout:  s.layout,
		Counter: cycle.NewCounter(s.layout.Counter()),
		Worker: &worker.Runner{
			Command: cfg.Worker.Command,
			Dir:     workdir,
			Timeout: cfg.Worker.Timeout,
			Output:  workerLog,
		},
		Lessons:   store,
		Dedup:     logfilter.NewDeduplicator(s.layout.DedupCache(), cfg.Dedup.Window, cfg.Dedup.MaxKeys),
		Reporter:  s.reporter,
		Notifier:  s.notifier,
		Sanitizer: s.sanitizer,
		Logger:    logger,
		Progress:  progress,
	}

	if len(cfg.SubWorker.Command) > 0 {
		sub := dispatch.New(dispatch.Options{
			MaxRetries:       cfg.SubWorker.MaxRetries,
			BackoffBase:      cfg.SubWorker.BackoffBase,
			LessonsInContext: cfg.SubWorker.LessonsInContext,
			FailureThreshold: cfg.SubWorker.FailureThreshold,
			EscalationBase:   cfg.SubWorker.EscalationBase,
			EscalationMax:    cfg.SubWorker.EscalationMax,
		}, &worker.Runner{
			Command: cfg.SubWorker.Command,
			Dir:     workdir,
			Timeout: cfg.SubWorker.Timeout,
			Output:  workerLog,
		}, store, s.layout)
		sub.Logf = logger.Printf
		deps.SubWorker = sub
	}

	if len(cfg.Sync.Paths) > 0 {
		deps.Sync = gitsync.New(gitsync.Options{
			Dir:            workdir,
			Remote:         cfg.Sync.Remote,
			Branch:         cfg.Sync.Branch,
			Paths:          cfg.Sync.Paths,
			MaxAreas:       cfg.Sync.MaxAreas,
			CommitTemplate: cfg.Sync.CommitTemplate,
			RepairCommand:  cfg.Sync.RepairCommand,
			Timeout:        cfg.Sync.Timeout,
			Logf:           logger.Printf,
		}, nil)
	}

	if cfg.Health.Command != "" {
		probe := health.NewDetector(nil, cfg.Health.StaleThreshold, cfg.Health.Command)
		probe.ProbeTimeout = cfg.Health.Timeout
		probe.Dir = workdir
		deps.Health = probe
	}

	if ledger, err := history.Open(s.layout.HistoryDB()); err != nil {
		logger.Printf("Warning: cycle history disabled: %v", err)
	} else {
		closers = append(closers, ledger)
		deps.History = ledger
	}

	eng, err := engine.New(engine.Options{
		MaxRetries:        cfg.Cycle.MaxRetries,
		BackoffStep:       cfg.Cycle.BackoffStep,
		BackoffMax:        cfg.Cycle.BackoffMax,
		Interval:          cfg.Cycle.Interval,
		HeartbeatInterval: cfg.Cycle.HeartbeatInterval,
		KillPollInterval:  cfg.Cycle.KillPollInterval,
		RequireStatus:     cfg.Worker.RequiresStatus(),
		NotifyWait:        cfg.Notify.Timeout,
	}, deps)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return eng, cleanup, nil
}

// RunWatchdog runs the watchdog daemon in the foreground.
func (s *Supervisor) RunWatchdog(ctx context.Context) error {
	if err := s.layout.Ensure(); err != nil {
		return err
	}
	opts := s.watchdogOptions()
	opts.Logger = log.New(s.logger.Writer(), "[watchdog] ", log.LstdFlags)
	return watchdog.NewDaemon(opts).Run(ctx)
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
