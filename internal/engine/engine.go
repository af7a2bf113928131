// Package engine runs the supervised work loop: claim a cycle, run the
// worker with bounded retries, land its changes, report, sleep, repeat.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/andywolf/cyclewarden/internal/cloud/gcp"
	"github.com/andywolf/cyclewarden/internal/cycle"
	"github.com/andywolf/cyclewarden/internal/dispatch"
	"github.com/andywolf/cyclewarden/internal/gitsync"
	"github.com/andywolf/cyclewarden/internal/health"
	"github.com/andywolf/cyclewarden/internal/history"
	"github.com/andywolf/cyclewarden/internal/lessons"
	"github.com/andywolf/cyclewarden/internal/logfilter"
	"github.com/andywolf/cyclewarden/internal/notify"
	"github.com/andywolf/cyclewarden/internal/security"
	"github.com/andywolf/cyclewarden/internal/state"
	"github.com/andywolf/cyclewarden/internal/worker"
)

const (
	DefaultMaxRetries        = 3
	DefaultBackoffStep       = 5 * time.Second
	DefaultBackoffMax        = 60 * time.Second
	DefaultInterval          = 5 * time.Minute
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultKillPollInterval  = 5 * time.Second
)

// WorkerRunner runs the primary worker. *worker.Runner satisfies it.
type WorkerRunner interface {
	Run(ctx context.Context, inv worker.Invocation) (*worker.Result, error)
}

// SubWorker handles delegated tasks. *dispatch.Dispatcher satisfies it.
type SubWorker interface {
	Dispatch(ctx context.Context, cycleID string, req worker.Delegate) (dispatch.Result, error)
	EscalationDelay() (time.Duration, error)
}

// Syncer lands a successful cycle's changes. *gitsync.Synchronizer satisfies it.
type Syncer interface {
	Sync(ctx context.Context, cycleID string) (*gitsync.Result, error)
}

// Notifier delivers rendered messages. *notify.Dispatcher satisfies it.
type Notifier interface {
	Send(msgs []notify.Message)
	Alert(msgs []notify.Message)
	Wait(timeout time.Duration) bool
}

// Prober runs the structured health check. *health.Detector satisfies it.
type Prober interface {
	Probe(ctx context.Context) (*health.Snapshot, error)
}

// Ledger stores finished cycles. *history.Store satisfies it.
type Ledger interface {
	Record(ctx context.Context, e history.Entry) error
}

// Options tunes the loop.
type Options struct {
	MaxRetries        int
	BackoffStep       time.Duration
	BackoffMax        time.Duration
	Interval          time.Duration
	HeartbeatInterval time.Duration
	KillPollInterval  time.Duration
	// RequireStatus fails attempts that leave no status artifact.
	RequireStatus bool
	// NotifyWait bounds the shutdown wait for in-flight notifications.
	NotifyWait time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BackoffStep <= 0 {
		o.BackoffStep = DefaultBackoffStep
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.KillPollInterval <= 0 {
		o.KillPollInterval = DefaultKillPollInterval
	}
}

// Deps are the engine's collaborators. Worker, Counter, Lessons, Reporter
// and Notifier are required; the rest may be nil to disable the feature.
type Deps struct {
	Layout    state.Layout
	Counter   *cycle.Counter
	Worker    WorkerRunner
	SubWorker SubWorker
	Sync      Syncer
	Health    Prober
	History   Ledger
	Lessons   *lessons.Store
	Dedup     *logfilter.Deduplicator
	Reporter  *notify.Reporter
	Notifier  Notifier
	Sanitizer *security.LogSanitizer
	// Logger receives human-readable lines; defaults to stdout.
	Logger *log.Logger
	// Progress is the structured progress log (cycle.log).
	Progress gcp.LoggerInterface
}

// Engine is the cycle loop. Create with New and call Run once.
type Engine struct {
	opts      Options
	layout    state.Layout
	counter   *cycle.Counter
	worker    WorkerRunner
	sub       SubWorker
	sync      Syncer
	health    Prober
	history   Ledger
	lessons   *lessons.Store
	dedup     *logfilter.Deduplicator
	reporter  *notify.Reporter
	notifier  Notifier
	sanitizer *security.LogSanitizer
	logger    *log.Logger
	progress  gcp.LoggerInterface

	mu        sync.Mutex
	current   string
	lastCycle string

	shutdownOnce sync.Once

	// Sleep waits between attempts and cycles; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// New returns an Engine.
func New(opts Options, deps Deps) (*Engine, error) {
	if deps.Worker == nil || deps.Counter == nil || deps.Lessons == nil || deps.Reporter == nil || deps.Notifier == nil {
		return nil, errors.New("engine: worker, counter, lessons, reporter and notifier are required")
	}
	opts.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Progress == nil {
		deps.Progress = gcp.NopLogger{}
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewLogSanitizer()
	}
	return &Engine{
		opts:      opts,
		layout:    deps.Layout,
		counter:   deps.Counter,
		worker:    deps.Worker,
		sub:       deps.SubWorker,
		sync:      deps.Sync,
		health:    deps.Health,
		history:   deps.History,
		lessons:   deps.Lessons,
		dedup:     deps.Dedup,
		reporter:  deps.Reporter,
		notifier:  deps.Notifier,
		sanitizer: deps.Sanitizer,
		logger:    deps.Logger,
		progress:  deps.Progress,
		Sleep:     sleepContext,
		Now:       time.Now,
	}, nil
}

// errKilled ends a wait because the kill switch appeared.
var errKilled = errors.New("kill switch set")

// Run loops until ctx is cancelled or the kill switch is set. Both are
// clean exits and return nil; an error means the loop cannot continue.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()

	e.logInfo("Engine started: max_retries=%d interval=%s", e.opts.MaxRetries, e.opts.Interval)
	if cur, err := e.counter.Current(); err == nil && cur > 0 {
		e.mu.Lock()
		e.lastCycle = cur.String()
		e.mu.Unlock()
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeat(hbCtx)

	for {
		if ctx.Err() != nil {
			e.logInfo("Context cancelled, stopping")
			return nil
		}
		if e.killed() {
			e.stopForKillSwitch()
			return nil
		}

		if err := e.escalate(ctx); err != nil {
			return e.waitResult(err)
		}

		if e.healthGateClosed(ctx) {
			if err := e.wait(ctx, e.opts.Interval); err != nil {
				return e.waitResult(err)
			}
			continue
		}

		if _, err := e.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				e.logInfo("Cycle interrupted by shutdown")
				return nil
			}
			return err
		}

		e.activity(e.lastCycleID(), "sleeping")
		if err := e.wait(ctx, e.opts.Interval); err != nil {
			return e.waitResult(err)
		}
	}
}

// waitResult turns the end of a wait into Run's return value.
func (e *Engine) waitResult(err error) error {
	if errors.Is(err, errKilled) {
		e.stopForKillSwitch()
	}
	return nil
}

func (e *Engine) stopForKillSwitch() {
	last := e.lastCycleID()
	e.logInfo("Kill switch %s present, stopping after cycle %s", e.layout.KillSwitch(), last)
	e.activity(last, "stopped by kill switch")
	e.notifier.Send(e.reporter.KillSwitch(last))
}

func (e *Engine) killed() bool {
	set, err := state.KillSwitchSet(e.layout.KillSwitch())
	if err != nil {
		e.logWarning("failed to check kill switch: %v", err)
	}
	return set
}

// wait sleeps for d, polling the kill switch. It returns errKilled if the
// switch appears and the context error if ctx ends first.
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	for d > 0 {
		step := e.opts.KillPollInterval
		if step > d {
			step = d
		}
		if err := e.Sleep(ctx, step); err != nil {
			return err
		}
		d -= step
		if e.killed() {
			return errKilled
		}
	}
	return nil
}

// escalate applies the sub-worker escalation delay before a cycle begins.
func (e *Engine) escalate(ctx context.Context) error {
	if e.sub == nil {
		return nil
	}
	delay, err := e.sub.EscalationDelay()
	if err != nil {
		e.logWarning("failed to read sub-worker state: %v", err)
		return nil
	}
	if delay <= 0 {
		return nil
	}
	e.logWarning("Sub-worker keeps failing, backing off %s before the next cycle", delay)
	e.activity(e.lastCycleID(), fmt.Sprintf("escalation backoff %s", delay))
	return e.wait(ctx, delay)
}

// healthGateClosed reports whether the probe says the environment is broken.
// The cycle is deferred quietly; ensure owns the forced restart.
func (e *Engine) healthGateClosed(ctx context.Context) bool {
	if e.health == nil {
		return false
	}
	snap, err := e.health.Probe(ctx)
	if err != nil {
		if !errors.Is(err, health.ErrNoProbe) {
			e.logWarning("health probe failed to run: %v", err)
		}
		return false
	}
	if !snap.Unhealthy() {
		return false
	}
	e.logWarning("Health check reports error (%v), deferring cycle", snap.FailedChecks())
	e.activity(e.lastCycleID(), "deferred: health check error")
	return true
}

func (e *Engine) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// stdout only: a heartbeat must not freshen a staleness stream.
			if id := e.currentCycleID(); id != "" {
				e.logger.Printf("heartbeat: cycle %s in progress", id)
			} else {
				e.logger.Printf("heartbeat: idle")
			}
		}
	}
}

func (e *Engine) setCurrent(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = id
	if id != "" {
		e.lastCycle = id
	}
}

func (e *Engine) currentCycleID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

func (e *Engine) lastCycleID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCycle
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
