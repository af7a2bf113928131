package dispatch

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywolf/cyclewarden/internal/lessons"
	"github.com/andywolf/cyclewarden/internal/state"
	"github.com/andywolf/cyclewarden/internal/worker"
)

// scriptedExecutor returns the queued results in order and captures the
// payload file contents seen by each run.
type scriptedExecutor struct {
	results  []*worker.Result
	calls    int
	payloads []Payload
}

func (s *scriptedExecutor) Run(_ context.Context, inv worker.Invocation) (*worker.Result, error) {
	for _, kv := range inv.Env {
		const key = "CYCLEWARDEN_TASK_FILE="
		if len(kv) > len(key) && kv[:len(key)] == key {
			var p Payload
			if _, err := state.ReadJSON(kv[len(key):], &p); err == nil {
				s.payloads = append(s.payloads, p)
			}
		}
	}
	r := s.results[len(s.results)-1]
	if s.calls < len(s.results) {
		r = s.results[s.calls]
	}
	s.calls++
	return r, nil
}

func ok() *worker.Result   { return &worker.Result{} }
func fail() *worker.Result { return &worker.Result{ExitCode: 1} }

func newTestDispatcher(t *testing.T, exec Executor) (*Dispatcher, state.Layout, *[]time.Duration) {
	t.Helper()
	layout := state.NewLayout(t.TempDir(), "")
	require.NoError(t, layout.Ensure())
	store := lessons.NewStore(layout.Lessons(), 0)
	d := New(Options{}, exec, store, layout)
	var sleeps []time.Duration
	d.Sleep = func(_ context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		return nil
	}
	return d, layout, &sleeps
}

func TestDispatch_SuccessFirstAttempt(t *testing.T) {
	exec := &scriptedExecutor{results: []*worker.Result{ok()}}
	d, layout, sleeps := newTestDispatcher(t, exec)

	res, err := d.Dispatch(context.Background(), "000003", worker.Delegate{Task: "fix lint", Label: "lint"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, *sleeps)

	_, statErr := os.Stat(layout.TaskFile("000003"))
	assert.True(t, os.IsNotExist(statErr), "task file is removed after use")

	require.Len(t, exec.payloads, 1)
	assert.Equal(t, "fix lint", exec.payloads[0].Task)
	assert.Equal(t, "000003", exec.payloads[0].Cycle)
}

func TestDispatch_RetriesWithBackoffThenFails(t *testing.T) {
	exec := &scriptedExecutor{results: []*worker.Result{fail()}}
	d, _, sleeps := newTestDispatcher(t, exec)

	res, err := d.Dispatch(context.Background(), "000004", worker.Delegate{Task: "t"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubWorkerFailed))
	assert.Equal(t, DefaultMaxRetries, res.Attempts)
	assert.Equal(t, []time.Duration{DefaultBackoffBase}, *sleeps)

	st, err := d.State()
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

// cancellingExecutor fails its run after cancelling the dispatch context,
// as a stop or SIGTERM arriving mid-run would.
type cancellingExecutor struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingExecutor) Run(context.Context, worker.Invocation) (*worker.Result, error) {
	c.calls++
	c.cancel()
	return &worker.Result{ExitCode: -1}, nil
}

func TestDispatch_InterruptedLeavesStreakAlone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &cancellingExecutor{cancel: cancel}
	d, _, sleeps := newTestDispatcher(t, exec)

	_, err := d.Dispatch(ctx, "000006", worker.Delegate{Task: "t"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrSubWorkerFailed))
	assert.Equal(t, 1, exec.calls)
	assert.Empty(t, *sleeps)

	st, err := d.State()
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestDispatch_OutcomeFailureCounts(t *testing.T) {
	bad := &worker.Result{Directives: []worker.Directive{{Kind: worker.KindOutcome, Outcome: &worker.Outcome{Status: "failed", Reason: "tests"}}}}
	exec := &scriptedExecutor{results: []*worker.Result{bad, ok()}}
	d, _, _ := newTestDispatcher(t, exec)

	res, err := d.Dispatch(context.Background(), "000005", worker.Delegate{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestDispatch_StreakPersistsAndResets(t *testing.T) {
	exec := &scriptedExecutor{results: []*worker.Result{fail()}}
	d, layout, _ := newTestDispatcher(t, exec)

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), "00000"+string(rune('1'+i)), worker.Delegate{Task: "t"})
		require.Error(t, err)
	}

	// A fresh dispatcher over the same directory sees the streak.
	reopened := New(Options{}, exec, nil, layout)
	st, err := reopened.State()
	require.NoError(t, err)
	assert.Equal(t, 3, st.ConsecutiveFailures)

	exec.results = []*worker.Result{ok()}
	exec.calls = 0
	_, err = reopened.Dispatch(context.Background(), "000009", worker.Delegate{Task: "t"})
	require.NoError(t, err)
	st, err = reopened.State()
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestDispatch_EscalatesAfterThreshold(t *testing.T) {
	exec := &scriptedExecutor{results: []*worker.Result{fail()}}
	d, _, _ := newTestDispatcher(t, exec)

	for i := 0; i < DefaultFailureThreshold; i++ {
		delay, err := d.EscalationDelay()
		require.NoError(t, err)
		assert.Zero(t, delay, "no escalation before the threshold")
		_, _ = d.Dispatch(context.Background(), "c", worker.Delegate{Task: "t"})
	}

	delay, err := d.EscalationDelay()
	require.NoError(t, err)
	assert.Equal(t, DefaultEscalationBase, delay)
	assert.Greater(t, delay, 60*time.Second, "escalation exceeds the per-cycle backoff cap")
}

func TestEscalationDelay(t *testing.T) {
	opts := Options{FailureThreshold: 5, EscalationBase: 2 * time.Minute, EscalationMax: 30 * time.Minute}
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{4, 0},
		{5, 2 * time.Minute},
		{6, 4 * time.Minute},
		{7, 8 * time.Minute},
		{8, 16 * time.Minute},
		{9, 30 * time.Minute},
		{100, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EscalationDelay(tt.failures, opts), "failures=%d", tt.failures)
	}
}

func TestPayloadCarriesLessonsAndHintOnce(t *testing.T) {
	exec := &scriptedExecutor{results: []*worker.Result{ok()}}
	d, layout, _ := newTestDispatcher(t, exec)

	for i := 0; i < 7; i++ {
		require.NoError(t, d.lessons.Append("00000"+string(rune('0'+i)), "exit_status", ""))
	}
	require.NoError(t, os.WriteFile(layout.HintFile(), []byte("  check the cache first \n"), 0644))

	_, err := d.Dispatch(context.Background(), "000010", worker.Delegate{Task: "t"})
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), "000011", worker.Delegate{Task: "t"})
	require.NoError(t, err)

	require.Len(t, exec.payloads, 2)
	assert.Len(t, exec.payloads[0].Lessons, DefaultLessonsInContext)
	assert.Equal(t, "000006", exec.payloads[0].Lessons[DefaultLessonsInContext-1].Cycle)
	assert.True(t, strings.HasPrefix(exec.payloads[0].Context, "## Recent Failures"))
	assert.Contains(t, exec.payloads[0].Context, "cycle 000006")
	assert.NotContains(t, exec.payloads[0].Context, "cycle 000001", "only the recent lessons are rendered")
	assert.Equal(t, "check the cache first", exec.payloads[0].Hint)
	assert.Empty(t, exec.payloads[1].Hint, "hint is consumed once")
}

func TestConsumeHint_Missing(t *testing.T) {
	hint, err := ConsumeHint(t.TempDir() + "/hint.md")
	require.NoError(t, err)
	assert.Empty(t, hint)
}
