package notify

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywolf/cyclewarden/internal/cycle"
	"github.com/andywolf/cyclewarden/internal/gitsync"
	"github.com/andywolf/cyclewarden/internal/worker"
)

func render(msgs []Message) []byte {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("---\n")
		}
		fmt.Fprintf(&b, "locale: %s\ntitle: %s\nseverity: %s\n\n%s\n", m.Locale, m.Title, m.Severity, m.Body)
	}
	return []byte(b.String())
}

func TestCycleReport_Golden(t *testing.T) {
	started := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   CycleInput
	}{
		{
			name: "success_synced",
			in: CycleInput{
				Record: cycle.Record{ID: 42, StartedAt: started, Attempt: 1, Outcome: cycle.OutcomeSuccess, Duration: 65 * time.Second},
				Status: &worker.StatusFile{Result: "success", Summary: "cycle finished"},
				Outcome: &worker.Outcome{
					Status:  "success",
					Intent:  "refresh the changelog",
					Summary: "Rewrote CHANGELOG entries for the 2.3 release",
				},
				Sync: &gitsync.Result{FileCount: 3, AreaSummary: "docs (2), src (1)", ShortHash: "abc1234"},
			},
		},
		{
			name: "success_generic_fallback",
			in: CycleInput{
				Record: cycle.Record{ID: 7, StartedAt: started, Attempt: 2, Outcome: cycle.OutcomeSuccess, Duration: 12 * time.Second},
				Status: &worker.StatusFile{Result: "success", Summary: "Cycle #7 finished."},
			},
		},
		{
			name: "failure_exhausted",
			in: CycleInput{
				Record: cycle.Record{
					ID: 43, StartedAt: started, Attempt: 3, Outcome: cycle.OutcomeFailed, Duration: 150 * time.Second,
					Reason: "exit_status", Detail: "exit status 1: Error: cannot find module 'left-pad'",
				},
			},
		},
	}

	r := NewReporter([]string{"en", "zh"})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := goldie.New(t)
			g.Assert(t, tt.name, render(r.CycleReport(tt.in)))
		})
	}
}

func TestCycleReport_AlwaysPrefixed(t *testing.T) {
	r := NewReporter([]string{"en", "zh-CN"})
	ok := r.CycleReport(CycleInput{Record: cycle.Record{ID: 1, Attempt: 1, Outcome: cycle.OutcomeSuccess}})
	bad := r.CycleReport(CycleInput{Record: cycle.Record{ID: 2, Attempt: 3, Outcome: cycle.OutcomeFailed, Reason: "timeout"}})

	require.Len(t, ok, 2)
	assert.True(t, strings.HasPrefix(ok[0].Body, "[SUCCESS] "))
	assert.True(t, strings.HasPrefix(ok[1].Body, "[成功] "))
	assert.True(t, strings.HasPrefix(bad[0].Body, "[FAILED] "))
	assert.True(t, strings.HasPrefix(bad[1].Body, "[失败] "))
	assert.Contains(t, bad[0].Body, "exceeded its time limit")
}

func TestCycleReport_OutcomeOutranksStatusFile(t *testing.T) {
	r := NewReporter(nil)

	in := CycleInput{
		Record:  cycle.Record{ID: 5, Attempt: 1, Outcome: cycle.OutcomeSuccess},
		Status:  &worker.StatusFile{Result: "failed", Summary: "status file thinks it failed", Intent: "old intent"},
		Outcome: &worker.Outcome{Status: "success", Intent: "ship the release notes"},
	}
	msg := r.CycleReport(in)[0]
	assert.Equal(t, SeveritySuccess, msg.Severity)
	assert.Contains(t, msg.Body, "Intent: ship the release notes")
	assert.NotContains(t, msg.Body, "old intent")

	in.Outcome = &worker.Outcome{Status: "failed", Reason: "solidify"}
	msg = r.CycleReport(in)[0]
	assert.Equal(t, SeverityFailure, msg.Severity)
	assert.Contains(t, msg.Body, "could not solidify")
}

func TestCycleReport_FailureIsNeverGeneric(t *testing.T) {
	r := NewReporter([]string{"en"})
	msg := r.CycleReport(CycleInput{
		Record: cycle.Record{ID: 9, Attempt: 3, Outcome: cycle.OutcomeFailed, Reason: "no_status"},
		Status: &worker.StatusFile{Summary: "done"},
	})[0]
	assert.False(t, IsGeneric(msg.Body))
	assert.Contains(t, msg.Body, "no status report (no_status)")
	assert.NotContains(t, msg.Body, "\ndone\n")
}

func TestSystemMessages(t *testing.T) {
	r := NewReporter([]string{"en", "zh"})

	stop := r.KillSwitch("000012")
	require.Len(t, stop, 2)
	assert.Equal(t, "[STOPPED] Kill switch engaged; supervisor stopped after cycle 000012", stop[0].Body)

	heal := r.SelfHealing("stuck", "no log output for 50m")
	assert.Contains(t, heal[0].Body, "[SELF-HEALING] Self-healing triggered: no progress")
	assert.Contains(t, heal[0].Body, "Detail: no log output for 50m")
	assert.True(t, strings.HasPrefix(heal[1].Body, "[自愈]"))

	alert := r.Alert("000003", "Error:   disk\nfull")
	assert.Equal(t, "[ALERT] Error: disk full", alert[0].Body)
	assert.Equal(t, "000003", alert[0].Cycle)

	status := r.Status("pid 10\n")
	assert.Equal(t, "[STATUS]\npid 10", status[0].Body)
}

func TestNewReporter_Locales(t *testing.T) {
	assert.Equal(t, []string{"en"}, NewReporter(nil).Locales())
	assert.Equal(t, []string{"zh", "en"}, NewReporter([]string{"zh-Hans", "zh", "en-GB", "fr"}).Locales())
}

func TestIsGeneric(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"", true},
		{"Done.", true},
		{"Cycle #42 finished!", true},
		{"cycle completed successfully", false},
		{"Completed successfully", true},
		{"任务完成", true},
		{"fixed bug", true},
		{"Fixed the flaky retry test in the scheduler package", false},
		{"修复了调度器中不稳定的重试测试用例", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsGeneric(tt.text), "IsGeneric(%q)", tt.text)
	}
}
