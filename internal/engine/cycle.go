package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andywolf/cyclewarden/internal/cycle"
	"github.com/andywolf/cyclewarden/internal/history"
	"github.com/andywolf/cyclewarden/internal/lessons"
	"github.com/andywolf/cyclewarden/internal/logfilter"
	"github.com/andywolf/cyclewarden/internal/notify"
	"github.com/andywolf/cyclewarden/internal/worker"
)

// attemptResult is what one attempt left behind for the report.
type attemptResult struct {
	worker  *worker.Result
	status  *worker.StatusFile
	outcome *worker.Outcome
}

// Backoff is the delay before attempt n+1 after n failed attempts.
func (e *Engine) Backoff(n int) time.Duration {
	d := e.opts.BackoffStep * time.Duration(n)
	if d > e.opts.BackoffMax {
		return e.opts.BackoffMax
	}
	return d
}

// RunCycle runs one full cycle: claim an ID, attempt the worker up to
// MaxRetries times, then sync and report exactly once. It returns an error
// only when no cycle could be run at all or ctx ended mid-cycle.
func (e *Engine) RunCycle(ctx context.Context) (cycle.Record, error) {
	id, err := e.counter.Next()
	if err != nil {
		return cycle.Record{}, fmt.Errorf("claim cycle id: %w", err)
	}
	cid := id.String()
	e.setCurrent(cid)
	defer e.setCurrent("")
	e.progress.SetCycle(cid)

	rec := cycle.Record{ID: id, StartedAt: e.Now()}
	e.logInfo("Cycle %s started", cid)
	e.activity(cid, "cycle started")

	var (
		last    *attemptResult
		failure *AttemptError
	)
	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		rec.Attempt = attempt
		if attempt > 1 {
			delay := e.Backoff(attempt - 1)
			e.logInfo("Retrying cycle %s in %s (attempt %d/%d)", cid, delay, attempt, e.opts.MaxRetries)
			e.activity(cid, fmt.Sprintf("backoff before attempt %d", attempt))
			if err := e.Sleep(ctx, delay); err != nil {
				return rec, err
			}
		}

		res, err := e.attempt(ctx, cid, attempt)
		last = res
		if err == nil {
			failure = nil
			break
		}
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}

		if !errors.As(err, &failure) {
			failure = retryable(ReasonExitStatus, err.Error())
		}
		e.logWarning("Cycle %s attempt %d/%d failed: %s", cid, attempt, e.opts.MaxRetries, failure.Error())
		if lerr := e.lessons.Append(cid, failure.Reason, e.sanitizer.Sanitize(failure.Detail)); lerr != nil {
			e.logWarning("failed to record lesson: %v", lerr)
		}
		if !failure.Retryable {
			break
		}
	}

	in := notify.CycleInput{}
	if last != nil {
		in.Status = last.status
		in.Outcome = last.outcome
	}

	if failure == nil {
		rec.Outcome = cycle.OutcomeSuccess
		if e.sync != nil {
			e.activity(cid, "synchronizing changes")
			res, err := e.sync.Sync(ctx, cid)
			if err != nil {
				detail := e.sanitizer.Sanitize(err.Error())
				e.logError("Cycle %s synchronization failed: %s", cid, detail)
				rec.Outcome = cycle.OutcomeFailed
				rec.Reason = ReasonSync
				rec.Detail = detail
				if lerr := e.lessons.Append(cid, ReasonSync, detail); lerr != nil {
					e.logWarning("failed to record lesson: %v", lerr)
				}
			} else {
				in.Sync = res
				if res != nil {
					e.logInfo("Cycle %s synced %d file(s) as %s", cid, res.FileCount, res.ShortHash)
				}
			}
		}
	} else {
		rec.Outcome = cycle.OutcomeFailed
		rec.Reason = failure.Reason
		rec.Detail = e.sanitizer.Sanitize(failure.Detail)
	}
	rec.Duration = e.Now().Sub(rec.StartedAt)
	in.Record = rec

	e.activity(cid, "reporting")
	e.notifier.Send(e.reporter.CycleReport(in))

	e.finish(ctx, rec, in)
	return rec, nil
}

// finish logs and persists a reported cycle.
func (e *Engine) finish(ctx context.Context, rec cycle.Record, in notify.CycleInput) {
	if rec.Succeeded() {
		e.logInfo("Cycle %s succeeded after %d attempt(s) in %s", rec.ID, rec.Attempt, rec.Duration.Round(time.Second))
	} else {
		e.logError("Cycle %s failed after %d attempt(s): %s", rec.ID, rec.Attempt, rec.Reason)
	}
	e.logCycleEnd(string(rec.Outcome), rec.Reason, rec.Attempt, rec.DurationSeconds())
	e.activity(rec.ID.String(), fmt.Sprintf("cycle %s", rec.Outcome))

	if e.history == nil {
		return
	}
	entry := history.Entry{Record: rec, FinishedAt: rec.StartedAt.Add(rec.Duration)}
	if in.Sync != nil {
		entry.CommitHash = in.Sync.ShortHash
		entry.FilesSynced = in.Sync.FileCount
	}
	if err := e.history.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logWarning("failed to record cycle history: %v", err)
	}
}

// attempt runs the worker once and interprets what it left behind.
func (e *Engine) attempt(ctx context.Context, cid string, n int) (*attemptResult, error) {
	statusPath := e.layout.StatusFile()
	if err := worker.ClearStatusFile(statusPath); err != nil {
		e.logWarning("failed to clear stale status file: %v", err)
	}
	defer func() { _ = worker.ClearStatusFile(statusPath) }()

	e.activity(cid, fmt.Sprintf("attempt %d: worker running", n))
	res, err := e.worker.Run(ctx, worker.Invocation{
		Tag: "worker",
		Env: []string{
			"CYCLEWARDEN_CYCLE_ID=" + cid,
			"CYCLEWARDEN_ATTEMPT=" + strconv.Itoa(n),
			"CYCLEWARDEN_STATUS_FILE=" + statusPath,
			"CYCLEWARDEN_STATE_DIR=" + e.layout.Root,
			"CYCLEWARDEN_LESSONS_FILE=" + e.lessons.Path(),
		},
		OnStderr: func(line string) { e.onStderr(cid, line) },
	})
	if err != nil {
		return nil, retryable(ReasonStart, err.Error())
	}

	status, err := worker.ReadStatusFile(statusPath)
	if err != nil {
		e.logWarning("unreadable status file: %v", err)
	}
	out := &attemptResult{worker: res, status: status, outcome: res.Outcome()}

	switch {
	case res.TimedOut:
		return out, retryable(ReasonTimeout, fmt.Sprintf("worker exceeded its timeout after %s", res.Duration.Round(time.Second)))
	case res.ExitCode != 0:
		return out, retryable(ReasonExitStatus, exitDetail(res))
	case out.outcome != nil && out.outcome.Failed():
		reason := strings.TrimSpace(out.outcome.Reason)
		if reason == "" {
			reason = ReasonSolidify
		}
		return out, retryable(reason, firstNonEmpty(out.outcome.Summary, res.Tail()))
	case out.outcome == nil && status.Failed():
		return out, retryable(ReasonSolidify, firstNonEmpty(status.Details, status.Summary, res.Tail()))
	case out.outcome == nil && status == nil && e.opts.RequireStatus:
		return out, retryable(ReasonNoStatus, "worker exited 0 without a status file or outcome directive")
	}

	if req := res.Delegation(); req != nil {
		if e.sub == nil {
			e.logWarning("worker requested delegation but no sub-worker is configured")
			return out, nil
		}
		e.activity(cid, "sub-worker running")
		if _, err := e.sub.Dispatch(ctx, cid, *req); err != nil {
			return out, &AttemptError{Reason: ReasonSubWorker, Detail: err.Error()}
		}
	}
	return out, nil
}

// onStderr classifies a worker stderr line and forwards new errors to the
// alert channels. Warnings are logged and go no further.
func (e *Engine) onStderr(cid, line string) {
	switch logfilter.Classify(line) {
	case logfilter.SeverityWarning:
		e.logger.Printf("worker warning: %s", e.sanitizer.Sanitize(line))
	case logfilter.SeverityError:
		if e.dedup != nil {
			suppress, err := e.dedup.ShouldSuppress(line, logfilter.SeverityError)
			if err != nil {
				e.logger.Printf("Warning: dedup cache: %v", err)
			}
			if suppress {
				return
			}
		}
		e.logError("worker error: %s", line)
		e.notifier.Alert(e.reporter.Alert(cid, lessons.Truncate(line, lessons.MaxDetailBytes)))
	}
}

func exitDetail(res *worker.Result) string {
	detail := fmt.Sprintf("exit status %d", res.ExitCode)
	for i := len(res.StderrTail) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(res.StderrTail[i]); line != "" {
			return detail + ": " + line
		}
	}
	return detail
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
