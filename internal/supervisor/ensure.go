package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andywolf/cyclewarden/internal/lock"
	"github.com/andywolf/cyclewarden/internal/logfilter"
	"github.com/andywolf/cyclewarden/internal/state"
)

// Callers of Ensure.
const (
	CallerUser     = "user"
	CallerWatchdog = "watchdog"
)

// Ensure actions.
const (
	ActionHealthy    = "healthy"
	ActionRestarted  = "restarted"
	ActionStarted    = "started"
	ActionDebounced  = "debounced"
	ActionKillSwitch = "kill_switch"
)

// Reasons for a repair, matching the reporter's reason codes.
const (
	ReasonDead   = "dead"
	ReasonStuck  = "stuck"
	ReasonHealth = "health"
)

// EnsureOptions are the ensure command's flags.
type EnsureOptions struct {
	Delay  time.Duration
	Report bool
	Caller string
}

// EnsureResult is what one ensure pass decided.
type EnsureResult struct {
	Action      string   `json:"action"`
	Reason      string   `json:"reason,omitempty"`
	PID         int      `json:"pid,omitempty"`
	WatchdogPID int      `json:"watchdog_pid,omitempty"`
	Stuck       bool     `json:"stuck"`
	Unhealthy   bool     `json:"unhealthy"`
	Failed      []string `json:"failed_checks,omitempty"`
}

type ensureState struct {
	LastRun time.Time `json:"last_run"`
	Reason  string    `json:"reason,omitempty"`
}

// Ensure makes sure a healthy engine is running. A dead engine is started,
// a stuck or unhealthy one is restarted. Routine repairs are debounced. A
// failing health check bypasses the debounce, but the same failing checks
// trigger at most one repair per dedup window.
func (s *Supervisor) Ensure(ctx context.Context, opts EnsureOptions) (EnsureResult, error) {
	if opts.Delay > 0 {
		if err := s.Sleep(ctx, opts.Delay); err != nil {
			return EnsureResult{}, err
		}
	}
	if err := s.layout.Ensure(); err != nil {
		return EnsureResult{}, err
	}

	res, err := s.ensureEngine(ctx)
	if err != nil {
		return res, err
	}

	if opts.Caller != CallerWatchdog && res.Action != ActionKillSwitch {
		res.WatchdogPID = s.ensureWatchdog()
	}

	if opts.Report {
		s.notifier.Send(s.reporter.Status(FormatStatus(s.Status())))
	}
	return res, nil
}

func (s *Supervisor) ensureEngine(ctx context.Context) (EnsureResult, error) {
	if set, err := state.KillSwitchSet(s.layout.KillSwitch()); err != nil {
		return EnsureResult{}, fmt.Errorf("check kill switch: %w", err)
	} else if set {
		return EnsureResult{Action: ActionKillSwitch}, nil
	}

	now := s.Now()
	st, rec, err := lock.Inspect(s.layout.EngineLock(), EngineSignature, s.inspector)
	if err != nil {
		s.logger.Printf("Warning: unreadable engine lock, treating engine as dead: %v", err)
	}

	verdict := s.detector.Evaluate(ctx, now)
	res := EnsureResult{Unhealthy: verdict.Unhealthy}
	if verdict.Snapshot != nil {
		res.Failed = verdict.Snapshot.FailedChecks()
	}

	var reason string
	switch {
	case st != lock.StateRunning:
		reason = ReasonDead
	case verdict.Unhealthy:
		reason = ReasonHealth
	case verdict.Stuck && now.Sub(rec.AcquiredAt) > s.cfg.Health.StaleThreshold:
		// A freshly started engine has not written its streams yet.
		res.Stuck = true
		reason = ReasonStuck
	default:
		res.Action = ActionHealthy
		res.PID = rec.PID
		return res, nil
	}
	res.Reason = reason

	detail := s.repairDetail(reason, st, rec, verdict.Freshest, res.Failed)
	if reason == ReasonHealth {
		if s.repeatedHealthRepair(detail) {
			s.logger.Printf("Engine unhealthy again (%s) within %s of the last repair; debounced", detail, s.cfg.Dedup.Window)
			res.Action = ActionDebounced
			return res, nil
		}
	} else if last, ok := s.lastRepair(); ok && now.Sub(last) < s.cfg.Ensure.Debounce {
		s.logger.Printf("Engine %s but last repair was %s ago; debounced", reason, now.Sub(last).Round(time.Second))
		res.Action = ActionDebounced
		return res, nil
	}

	s.logger.Printf("self-healing triggered: %s", reason)

	res.Action = ActionStarted
	if st == lock.StateRunning {
		if _, err := s.stopEngine(); err != nil {
			return res, err
		}
		res.Action = ActionRestarted
	} else if st == lock.StateStale {
		if err := lock.Remove(s.layout.EngineLock()); err != nil {
			return res, err
		}
	}

	pid, err := s.spawnEngine()
	if err != nil {
		s.notifier.Send(s.reporter.SelfHealing(reason, detail+"; restart failed: "+err.Error()))
		return res, err
	}
	res.PID = pid

	if err := state.WriteJSON(s.layout.EnsureState(), ensureState{LastRun: now.UTC(), Reason: reason}); err != nil {
		s.logger.Printf("Warning: failed to record repair time: %v", err)
	}
	s.notifier.Send(s.reporter.SelfHealing(reason, detail))
	return res, nil
}

// repeatedHealthRepair reports whether the same failing checks already
// caused a repair within the dedup window. A cache error never suppresses.
func (s *Supervisor) repeatedHealthRepair(detail string) bool {
	dd := logfilter.NewDeduplicator(s.layout.DedupCache(), s.cfg.Dedup.Window, s.cfg.Dedup.MaxKeys)
	suppress, err := dd.ShouldSuppress("self-healing health: "+detail, logfilter.SeverityError)
	if err != nil {
		s.logger.Printf("Warning: dedup cache: %v", err)
	}
	return suppress
}

func (s *Supervisor) lastRepair() (time.Time, bool) {
	var es ensureState
	found, err := state.ReadJSON(s.layout.EnsureState(), &es)
	if err != nil || !found || es.LastRun.IsZero() {
		return time.Time{}, false
	}
	return es.LastRun, true
}

func (s *Supervisor) repairDetail(reason string, st lock.State, rec *lock.Record, freshest time.Time, failed []string) string {
	switch reason {
	case ReasonHealth:
		if len(failed) > 0 {
			return "failed checks: " + strings.Join(failed, ", ")
		}
		return "health check reported error"
	case ReasonStuck:
		if freshest.IsZero() {
			return fmt.Sprintf("pid %d wrote no logs", rec.PID)
		}
		return fmt.Sprintf("pid %d silent since %s", rec.PID, freshest.UTC().Format(time.RFC3339))
	}
	if rec != nil {
		return fmt.Sprintf("pid %d is gone (%s lock)", rec.PID, st)
	}
	return "no engine was running"
}
