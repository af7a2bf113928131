package supervisor

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywolf/cyclewarden/internal/cycle"
	"github.com/andywolf/cyclewarden/internal/dispatch"
	"github.com/andywolf/cyclewarden/internal/history"
	"github.com/andywolf/cyclewarden/internal/lessons"
	"github.com/andywolf/cyclewarden/internal/state"
)

func TestStatusGathersState(t *testing.T) {
	h := newHarness(t, nil)
	h.fixClock()
	h.liveEngine(t, ensureNow)
	h.liveWatchdog(t)

	counter := cycle.NewCounter(h.layout.Counter())
	for i := 0; i < 7; i++ {
		_, err := counter.Next()
		require.NoError(t, err)
	}
	require.NoError(t, state.WriteJSON(h.layout.Activity(), state.Activity{
		At: ensureNow.Add(-90 * time.Second), Cycle: "000007", Action: "sleeping",
	}))
	require.NoError(t, os.WriteFile(h.layout.KillSwitch(), nil, 0644))
	require.NoError(t, state.WriteJSON(h.layout.SubWorkerState(), dispatch.State{ConsecutiveFailures: 3}))

	st := h.sup.Status()
	assert.True(t, st.Running)
	assert.Equal(t, enginePID, st.PID)
	assert.True(t, st.WatchdogRunning)
	assert.Equal(t, watchdogPID, st.WatchdogPID)
	assert.Equal(t, "000007", st.CurrentCycle)
	assert.Equal(t, "sleeping", st.LastAction)
	assert.Equal(t, "1m30s", st.SinceActivity)
	assert.True(t, st.KillSwitch)
	assert.Equal(t, 3, st.SubWorkerFailures)

	text := FormatStatus(st)
	assert.Contains(t, text, "running (pid 500)")
	assert.Contains(t, text, "1m30s ago")
	assert.Contains(t, text, "Kill switch:       ON")
	assert.Contains(t, text, "3 consecutive failure(s)")
}

func TestStatusEmptyStateDir(t *testing.T) {
	h := newHarness(t, nil)

	st := h.sup.Status()
	assert.False(t, st.Running)
	assert.Equal(t, "absent", st.EngineState)
	assert.Equal(t, "000000", st.CurrentCycle)

	text := FormatStatus(st)
	assert.Contains(t, text, "not running (absent)")
	assert.Contains(t, text, "Last activity:     -")
	assert.NotContains(t, text, "Sub-worker")
}

func seedDashboard(t *testing.T, h *harness) {
	t.Helper()
	store, err := history.Open(h.layout.HistoryDB())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Record(ctx, history.Entry{
		Record: cycle.Record{ID: 1, StartedAt: ensureNow.Add(-time.Hour), Attempt: 1,
			Outcome: cycle.OutcomeSuccess, Duration: 40 * time.Second},
		CommitHash: "abc1234", FilesSynced: 3,
	}))
	require.NoError(t, store.Record(ctx, history.Entry{
		Record: cycle.Record{ID: 2, StartedAt: ensureNow.Add(-30 * time.Minute), Attempt: 3,
			Outcome: cycle.OutcomeFailed, Duration: 2 * time.Minute, Reason: "timeout"},
	}))

	ls := lessons.NewStore(h.layout.Lessons(), 0)
	require.NoError(t, ls.Append("000002", "timeout", "worker exceeded 30m\nstack follows"))
}

func TestRenderDashboardPlain(t *testing.T) {
	h := newHarness(t, nil)
	h.fixClock()
	seedDashboard(t, h)

	data, err := h.sup.CollectDashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, data.Stats.Total)
	require.Len(t, data.Recent, 2)
	require.Len(t, data.Lessons, 1)

	out := RenderDashboard(data, lipgloss.NewRenderer(io.Discard))
	assert.NotContains(t, out, "\x1b[")
	for _, want := range []string{
		"cyclewarden dashboard",
		"Success rate: 50%",
		"Failure reasons: timeout=1",
		"000001 ok",
		"abc1234 (3 files)",
		"000002 FAIL",
		"000002 timeout: worker exceeded 30m",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "stack follows")
}

func TestDashboardSendDeliversPlainCopy(t *testing.T) {
	h := newHarness(t, nil)
	h.fixClock()
	seedDashboard(t, h)

	_, err := h.sup.Dashboard(context.Background(), true)
	require.NoError(t, err)

	bodies := h.notifier.bodies()
	require.Len(t, bodies, 1)
	assert.True(t, strings.HasPrefix(bodies[0], "[STATUS]"))
	assert.Contains(t, bodies[0], "Recent cycles")
	assert.NotContains(t, bodies[0], "\x1b[")
}

func TestFormatReasonsOrdersByCount(t *testing.T) {
	got := formatReasons(map[string]int{"sync": 1, "timeout": 4, "exit_status": 1})
	assert.Equal(t, "timeout=4 exit_status=1 sync=1", got)
}
