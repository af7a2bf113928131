// Package dispatch hands delegated tasks to the sub-worker and tracks how
// often it fails across cycles.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andywolf/cyclewarden/internal/lessons"
	"github.com/andywolf/cyclewarden/internal/state"
	"github.com/andywolf/cyclewarden/internal/worker"
)

const (
	DefaultMaxRetries       = 2
	DefaultBackoffBase      = 10 * time.Second
	DefaultLessonsInContext = 5
	DefaultFailureThreshold = 5
	DefaultEscalationBase   = 2 * time.Minute
	DefaultEscalationMax    = 30 * time.Minute
)

// ErrSubWorkerFailed is returned once every attempt has failed.
var ErrSubWorkerFailed = errors.New("sub-worker failed")

// Executor runs the sub-worker command. *worker.Runner satisfies it.
type Executor interface {
	Run(ctx context.Context, inv worker.Invocation) (*worker.Result, error)
}

// Options tunes retries and escalation.
type Options struct {
	MaxRetries       int
	BackoffBase      time.Duration
	LessonsInContext int
	FailureThreshold int
	EscalationBase   time.Duration
	EscalationMax    time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.LessonsInContext <= 0 {
		o.LessonsInContext = DefaultLessonsInContext
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.EscalationBase <= 0 {
		o.EscalationBase = DefaultEscalationBase
	}
	if o.EscalationMax <= 0 {
		o.EscalationMax = DefaultEscalationMax
	}
}

// Payload is written to the task file the sub-worker reads.
type Payload struct {
	Task    string           `json:"task"`
	Label   string           `json:"label,omitempty"`
	Cycle   string           `json:"cycle"`
	Lessons []lessons.Lesson `json:"lessons,omitempty"`
	// Context is Lessons rendered as Markdown for prompt-driven sub-workers.
	Context string `json:"context,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// State survives restarts in subworker.json.
type State struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
}

// Result summarizes one dispatch.
type Result struct {
	Attempts int
	Last     *worker.Result
}

// Dispatcher runs delegated tasks.
type Dispatcher struct {
	opts    Options
	exec    Executor
	lessons *lessons.Store
	layout  state.Layout

	mu sync.Mutex

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	Logf  func(format string, args ...interface{})
}

// New returns a Dispatcher.
func New(opts Options, exec Executor, store *lessons.Store, layout state.Layout) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		opts:    opts,
		exec:    exec,
		lessons: store,
		layout:  layout,
		Sleep:   sleepContext,
		Now:     time.Now,
		Logf:    func(string, ...interface{}) {},
	}
}

// Dispatch runs req through the sub-worker with bounded retries. A final
// failure bumps the cross-cycle failure streak; a success resets it. An
// interruption through ctx leaves the streak untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, cycleID string, req worker.Delegate) (Result, error) {
	payload := d.buildPayload(cycleID, req)
	taskFile := d.layout.TaskFile(cycleID)
	if err := state.WriteJSON(taskFile, payload); err != nil {
		return Result{}, fmt.Errorf("write task file: %w", err)
	}
	defer func() { _ = os.Remove(taskFile) }()

	env := []string{
		"CYCLEWARDEN_TASK_FILE=" + taskFile,
		"CYCLEWARDEN_CYCLE_ID=" + cycleID,
		"CYCLEWARDEN_SUBTASK_LABEL=" + req.Label,
	}

	var res Result
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxRetries; attempt++ {
		res.Attempts = attempt
		out, runErr := d.exec.Run(ctx, worker.Invocation{Tag: "subworker", Env: env})
		res.Last = out
		switch {
		case runErr != nil:
			lastErr = runErr
		case out.TimedOut:
			lastErr = errors.New("timed out")
		case out.ExitCode != 0:
			lastErr = fmt.Errorf("exit status %d", out.ExitCode)
		case out.Outcome().Failed():
			lastErr = fmt.Errorf("reported failure: %s", out.Outcome().Reason)
		default:
			if err := d.recordSuccess(); err != nil {
				d.Logf("failed to reset sub-worker streak: %v", err)
			}
			return res, nil
		}

		d.Logf("sub-worker attempt %d/%d for %q failed: %v", attempt, d.opts.MaxRetries, labelOrTask(req), lastErr)
		if ctx.Err() != nil {
			break
		}
		if attempt < d.opts.MaxRetries {
			if err := d.Sleep(ctx, d.opts.BackoffBase*time.Duration(attempt)); err != nil {
				break
			}
		}
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("sub-worker for %q interrupted after %d attempt(s): %w", labelOrTask(req), res.Attempts, ctx.Err())
	}

	failures, err := d.recordFailure()
	if err != nil {
		d.Logf("failed to persist sub-worker streak: %v", err)
	}
	return res, fmt.Errorf("%w after %d attempts (%d consecutive): %v", ErrSubWorkerFailed, res.Attempts, failures, lastErr)
}

// EscalationDelay is how long the engine must wait before the next cycle.
func (d *Dispatcher) EscalationDelay() (time.Duration, error) {
	st, err := d.State()
	if err != nil {
		return 0, err
	}
	return EscalationDelay(st.ConsecutiveFailures, d.opts), nil
}

// EscalationDelay is zero below the threshold and doubles from the base for
// every failure at or past it, capped at the maximum.
func EscalationDelay(failures int, opts Options) time.Duration {
	opts.applyDefaults()
	if failures < opts.FailureThreshold {
		return 0
	}
	delay := opts.EscalationBase
	for i := opts.FailureThreshold; i < failures; i++ {
		delay *= 2
		if delay >= opts.EscalationMax {
			return opts.EscalationMax
		}
	}
	if delay > opts.EscalationMax {
		return opts.EscalationMax
	}
	return delay
}

// State returns the persisted failure streak.
func (d *Dispatcher) State() (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readState()
}

func (d *Dispatcher) readState() (State, error) {
	var st State
	if _, err := state.ReadJSON(d.layout.SubWorkerState(), &st); err != nil {
		return State{}, fmt.Errorf("read sub-worker state: %w", err)
	}
	return st, nil
}

func (d *Dispatcher) recordFailure() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// A corrupt file restarts the streak rather than blocking dispatch.
	st, _ := d.readState()
	st.ConsecutiveFailures++
	st.LastFailureAt = d.Now().UTC()
	return st.ConsecutiveFailures, state.WriteJSON(d.layout.SubWorkerState(), st)
}

func (d *Dispatcher) recordSuccess() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, _ := d.readState()
	st.ConsecutiveFailures = 0
	st.LastSuccessAt = d.Now().UTC()
	return state.WriteJSON(d.layout.SubWorkerState(), st)
}

func (d *Dispatcher) buildPayload(cycleID string, req worker.Delegate) Payload {
	p := Payload{Task: req.Task, Label: req.Label, Cycle: cycleID}
	if d.lessons != nil {
		recent, err := d.lessons.ReadRecent(d.opts.LessonsInContext)
		if err != nil {
			d.Logf("failed to read lessons for sub-worker: %v", err)
		}
		p.Lessons = recent
		p.Context = lessons.Render(recent)
	}
	hint, err := ConsumeHint(d.layout.HintFile())
	if err != nil {
		d.Logf("failed to consume hint: %v", err)
	}
	p.Hint = hint
	return p
}

// ConsumeHint returns the pending hint and removes the file so it is used
// exactly once.
func ConsumeHint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove hint: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func labelOrTask(req worker.Delegate) string {
	if req.Label != "" {
		return req.Label
	}
	return lessons.Truncate(req.Task, 60)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
