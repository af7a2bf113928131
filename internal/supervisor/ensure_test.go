package supervisor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywolf/cyclewarden/internal/config"
	"github.com/andywolf/cyclewarden/internal/state"
)

var ensureNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func (h *harness) fixClock() {
	h.sup.Now = func() time.Time { return ensureNow }
}

func TestEnsureStartsDeadEngine(t *testing.T) {
	h := newHarness(t, nil)
	h.fixClock()

	res, err := h.sup.Ensure(context.Background(), EnsureOptions{Caller: CallerUser})
	require.NoError(t, err)

	assert.Equal(t, ActionStarted, res.Action)
	assert.Equal(t, ReasonDead, res.Reason)
	assert.Equal(t, spawnedPID, res.PID)
	assert.Equal(t, watchdogPID, res.WatchdogPID)
	require.Len(t, h.spawns, 1)

	bodies := h.notifier.bodies()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "[SELF-HEALING]")
	assert.Contains(t, h.logs.String(), "self-healing triggered: dead")

	var es ensureState
	found, err := state.ReadJSON(h.layout.EnsureState(), &es)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, es.LastRun.Equal(ensureNow))
}

func TestEnsureHealthyEngineIsLeftAlone(t *testing.T) {
	h := newHarness(t, nil)
	h.fixClock()
	// Streams are missing but the engine only just started.
	h.liveEngine(t, ensureNow.Add(-time.Minute))

	res, err := h.sup.Ensure(context.Background(), EnsureOptions{})
	require.NoError(t, err)

	assert.Equal(t, ActionHealthy, res.Action)
	assert.Equal(t, enginePID, res.PID)
	assert.Empty(t, h.spawns)
	assert.Empty(t, h.terminated)
	assert.Empty(t, h.notifier.bodies())
}

func TestEnsureRestartsStuckEngine(t *testing.T) {
	h := newHarness(t, nil)
	h.fixClock()
	h.liveEngine(t, ensureNow.Add(-2*time.Hour))

	res, err := h.sup.Ensure(context.Background(), EnsureOptions{})
	require.NoError(t, err)

	assert.Equal(t, ActionRestarted, res.Action)
	assert.Equal(t, ReasonStuck, res.Reason)
	assert.True(t, res.Stuck)
	assert.Equal(t, []int{enginePID}, h.terminated)
	require.Len(t, h.spawns, 1)
	require.Len(t, h.notifier.bodies(), 1)
	assert.Contains(t, h.notifier.bodies()[0], "wrote no logs")
}

func TestEnsureDebouncesRepeatedRepairs(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Ensure.Debounce = 10 * time.Minute })
	h.fixClock()
	require.NoError(t, state.WriteJSON(h.layout.EnsureState(), ensureState{LastRun: ensureNow.Add(-time.Minute), Reason: ReasonDead}))

	res, err := h.sup.Ensure(context.Background(), EnsureOptions{})
	require.NoError(t, err)

	assert.Equal(t, ActionDebounced, res.Action)
	assert.Equal(t, ReasonDead, res.Reason)
	assert.Empty(t, h.spawns)
	assert.Empty(t, h.notifier.bodies())
}

func TestEnsureHealthFailureBypassesDebounce(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Ensure.Debounce = 10 * time.Minute
		c.Health.Command = `echo '{"status":"error","checks":[{"name":"db","ok":false,"error":"connection refused"}]}'`
	})
	h.fixClock()
	h.liveEngine(t, ensureNow.Add(-time.Minute))
	require.NoError(t, state.WriteJSON(h.layout.EnsureState(), ensureState{LastRun: ensureNow.Add(-time.Minute), Reason: ReasonStuck}))

	res, err := h.sup.Ensure(context.Background(), EnsureOptions{})
	require.NoError(t, err)

	assert.Equal(t, ActionRestarted, res.Action)
	assert.Equal(t, ReasonHealth, res.Reason)
	assert.True(t, res.Unhealthy)
	assert.NotEmpty(t, res.Failed)
	assert.Equal(t, []int{enginePID}, h.terminated)
	require.Len(t, h.notifier.bodies(), 1)
	assert.Contains(t, h.notifier.bodies()[0], "failed checks")
}

func TestEnsureRepeatedHealthFailureRepairsOnce(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Dedup.Window = 10 * time.Minute
		c.Health.Command = `echo '{"status":"error","checks":[{"name":"db","ok":false,"error":"connection refused"}]}'`
	})
	h.fixClock()
	h.liveEngine(t, ensureNow.Add(-time.Minute))

	first, err := h.sup.Ensure(context.Background(), EnsureOptions{Caller: CallerWatchdog})
	require.NoError(t, err)
	assert.Equal(t, ActionRestarted, first.Action)

	// The replacement engine reports the same failing check on the next tick.
	h.liveEngine(t, ensureNow.Add(-time.Minute))
	second, err := h.sup.Ensure(context.Background(), EnsureOptions{Caller: CallerWatchdog})
	require.NoError(t, err)

	assert.Equal(t, ActionDebounced, second.Action)
	assert.Equal(t, ReasonHealth, second.Reason)
	assert.Equal(t, []int{enginePID}, h.terminated)
	assert.Len(t, h.spawns, 1)
	assert.Len(t, h.notifier.bodies(), 1)
	assert.Contains(t, h.logs.String(), "unhealthy again")
}

func TestEnsureRespectsKillSwitch(t *testing.T) {
	h := newHarness(t, nil)
	h.fixClock()
	require.NoError(t, os.WriteFile(h.layout.KillSwitch(), nil, 0644))

	res, err := h.sup.Ensure(context.Background(), EnsureOptions{})
	require.NoError(t, err)

	assert.Equal(t, ActionKillSwitch, res.Action)
	assert.Empty(t, h.spawns)
	assert.Zero(t, h.watchdogs)
	assert.Empty(t, h.notifier.bodies())
}

func TestEnsureFromWatchdogSkipsWatchdogCheck(t *testing.T) {
	h := newHarness(t, nil)
	h.fixClock()
	h.liveEngine(t, ensureNow)

	res, err := h.sup.Ensure(context.Background(), EnsureOptions{Caller: CallerWatchdog})
	require.NoError(t, err)

	assert.Equal(t, ActionHealthy, res.Action)
	assert.Zero(t, h.watchdogs)
	assert.Zero(t, res.WatchdogPID)
}

func TestEnsureReportSendsStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.fixClock()
	h.liveEngine(t, ensureNow)

	_, err := h.sup.Ensure(context.Background(), EnsureOptions{Report: true})
	require.NoError(t, err)

	bodies := h.notifier.bodies()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "[STATUS]")
	assert.Contains(t, bodies[0], "running (pid 500)")
}

func TestEnsureSpawnFailureNotifiesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.fixClock()
	h.sup.spawn = func(string, string, []string, string) (int, error) {
		return 0, os.ErrPermission
	}

	_, err := h.sup.Ensure(context.Background(), EnsureOptions{})
	require.Error(t, err)

	bodies := h.notifier.bodies()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "restart failed")
	assert.NoFileExists(t, h.layout.EnsureState())
}
