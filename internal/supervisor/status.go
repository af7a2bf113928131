package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/andywolf/cyclewarden/internal/cycle"
	"github.com/andywolf/cyclewarden/internal/dispatch"
	"github.com/andywolf/cyclewarden/internal/lock"
	"github.com/andywolf/cyclewarden/internal/state"
	"github.com/andywolf/cyclewarden/internal/watchdog"
)

// Status is a point-in-time view of the supervised system.
type Status struct {
	Running           bool      `json:"running"`
	PID               int       `json:"pid,omitempty"`
	EngineState       string    `json:"engine_state"`
	WatchdogRunning   bool      `json:"watchdog_running"`
	WatchdogPID       int       `json:"watchdog_pid,omitempty"`
	WatchdogHeartbeat time.Time `json:"watchdog_heartbeat,omitempty"`
	CurrentCycle      string    `json:"current_cycle"`
	LastActivityAt    time.Time `json:"last_activity_at,omitempty"`
	SinceActivity     string    `json:"since_activity,omitempty"`
	LastAction        string    `json:"last_action,omitempty"`
	KillSwitch        bool      `json:"kill_switch"`
	SubWorkerFailures int       `json:"subworker_failures"`
}

// Status gathers the current state from the state directory. Unreadable
// pieces are left empty rather than failing the whole report.
func (s *Supervisor) Status() Status {
	var out Status

	st, rec, err := lock.Inspect(s.layout.EngineLock(), EngineSignature, s.inspector)
	if err != nil {
		s.logger.Printf("Warning: engine lock: %v", err)
	}
	out.EngineState = string(st)
	out.Running = st == lock.StateRunning
	if out.Running {
		out.PID = rec.PID
	}

	wd, err := watchdog.Inspect(s.layout, s.inspector)
	if err != nil {
		s.logger.Printf("Warning: watchdog: %v", err)
	}
	out.WatchdogRunning = wd.State == lock.StateRunning
	if out.WatchdogRunning {
		out.WatchdogPID = wd.PID
	}
	out.WatchdogHeartbeat = wd.Heartbeat

	if id, err := cycle.NewCounter(s.layout.Counter()).Current(); err == nil {
		out.CurrentCycle = id.String()
	} else {
		s.logger.Printf("Warning: cycle counter: %v", err)
	}

	if act, err := s.layout.ReadActivity(); err != nil {
		s.logger.Printf("Warning: activity: %v", err)
	} else if act != nil {
		out.LastActivityAt = act.At
		out.LastAction = act.Action
		out.SinceActivity = s.Now().Sub(act.At).Round(time.Second).String()
	}

	if set, err := state.KillSwitchSet(s.layout.KillSwitch()); err == nil {
		out.KillSwitch = set
	}

	var sub dispatch.State
	if _, err := state.ReadJSON(s.layout.SubWorkerState(), &sub); err == nil {
		out.SubWorkerFailures = sub.ConsecutiveFailures
	}
	return out
}

// FormatStatus renders st as aligned text lines.
func FormatStatus(st Status) string {
	var b strings.Builder
	row := func(k, v string) { fmt.Fprintf(&b, "%-18s %s\n", k+":", v) }

	if st.Running {
		row("Engine", fmt.Sprintf("running (pid %d)", st.PID))
	} else {
		row("Engine", "not running ("+st.EngineState+")")
	}
	if st.WatchdogRunning {
		row("Watchdog", fmt.Sprintf("running (pid %d)", st.WatchdogPID))
	} else {
		row("Watchdog", "not running")
	}
	if !st.WatchdogHeartbeat.IsZero() {
		row("Watchdog beat", st.WatchdogHeartbeat.Format(time.RFC3339))
	}
	row("Current cycle", orDash(st.CurrentCycle))
	if st.SinceActivity != "" {
		row("Last activity", st.SinceActivity+" ago")
	} else {
		row("Last activity", "-")
	}
	row("Last action", orDash(st.LastAction))
	row("Kill switch", onOff(st.KillSwitch))
	if st.SubWorkerFailures > 0 {
		row("Sub-worker streak", fmt.Sprintf("%d consecutive failure(s)", st.SubWorkerFailures))
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "off"
}
