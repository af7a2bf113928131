package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/andywolf/cyclewarden/internal/cycle"
	"github.com/andywolf/cyclewarden/internal/gitsync"
	"github.com/andywolf/cyclewarden/internal/lessons"
	"github.com/andywolf/cyclewarden/internal/worker"
)

const maxDetailRunes = 300

// CycleInput is everything known about a finished cycle.
type CycleInput struct {
	Record  cycle.Record
	Status  *worker.StatusFile
	Outcome *worker.Outcome
	Sync    *gitsync.Result
}

// Reporter renders messages in every configured locale.
type Reporter struct {
	locales []string
}

// NewReporter returns a reporter for locales; duplicates and unsupported
// tags collapse onto the supported set, English when empty.
func NewReporter(locales []string) *Reporter {
	seen := make(map[string]bool)
	var out []string
	for _, l := range locales {
		tag := SupportedLocale(l)
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	if len(out) == 0 {
		out = []string{"en"}
	}
	return &Reporter{locales: out}
}

// Locales returns the normalized locale list.
func (r *Reporter) Locales() []string { return r.locales }

// Failed reports the verdict for in. The outcome directive outranks the
// status file; the engine's record can only make things worse.
func Failed(in CycleInput) bool {
	if !in.Record.Succeeded() {
		return true
	}
	if in.Outcome != nil {
		return in.Outcome.Failed()
	}
	return in.Status.Failed()
}

// CycleReport renders the outcome of one cycle.
func (r *Reporter) CycleReport(in CycleInput) []Message {
	msgs := make([]Message, 0, len(r.locales))
	for _, l := range r.locales {
		msgs = append(msgs, r.cycleMessage(catalogFor(l), in))
	}
	return msgs
}

func (r *Reporter) cycleMessage(c *catalog, in CycleInput) Message {
	rec := in.Record
	id := rec.ID.String()
	summary := pickSummary(in)
	intent := pickIntent(in)
	stats := fmt.Sprintf(c.stats, rec.Attempt, formatDuration(rec.Duration))

	if Failed(in) {
		reason := rec.Reason
		if reason == "" && in.Outcome != nil {
			reason = in.Outcome.Reason
		}
		lines := []string{
			c.failedMark + " " + fmt.Sprintf(c.failedAfter, id, rec.Attempt),
			fmt.Sprintf(c.reason, c.describeReason(reason)),
		}
		if d := oneLine(rec.Detail); d != "" {
			lines = append(lines, fmt.Sprintf(c.detail, d))
		}
		if summary != "" {
			lines = append(lines, summary)
		}
		if intent != "" {
			lines = append(lines, fmt.Sprintf(c.intent, intent))
		}
		lines = append(lines, stats)
		return Message{
			Title:    fmt.Sprintf(c.titleFailed, id),
			Body:     strings.Join(lines, "\n"),
			Severity: SeverityFailure,
			Locale:   c.tag,
			Cycle:    id,
		}
	}

	if summary == "" {
		summary = c.fallbackEmpty
		if in.Sync != nil {
			summary = fmt.Sprintf(c.fallbackSync, in.Sync.FileCount, in.Sync.AreaSummary)
		}
	}
	lines := []string{
		c.successMark + " " + fmt.Sprintf(c.titleSuccess, id),
		summary,
	}
	if intent != "" {
		lines = append(lines, fmt.Sprintf(c.intent, intent))
	}
	if in.Sync != nil {
		lines = append(lines, fmt.Sprintf(c.synced, in.Sync.FileCount, in.Sync.AreaSummary, in.Sync.ShortHash))
	} else {
		lines = append(lines, c.nothingToSync)
	}
	lines = append(lines, stats)
	return Message{
		Title:    fmt.Sprintf(c.titleSuccess, id),
		Body:     strings.Join(lines, "\n"),
		Severity: SeveritySuccess,
		Locale:   c.tag,
		Cycle:    id,
	}
}

// KillSwitch renders the final notice sent when the kill switch stops the
// engine.
func (r *Reporter) KillSwitch(lastCycle string) []Message {
	if lastCycle == "" {
		lastCycle = "-"
	}
	return r.each(func(c *catalog) Message {
		text := fmt.Sprintf(c.stopped, lastCycle)
		return Message{Title: text, Body: c.stoppedMark + " " + text, Severity: SeverityInfo, Locale: c.tag, Cycle: lastCycle}
	})
}

// SelfHealing renders the notice for a forced restart.
func (r *Reporter) SelfHealing(reasonCode, detail string) []Message {
	return r.each(func(c *catalog) Message {
		text := fmt.Sprintf(c.healing, c.describeReason(reasonCode))
		body := c.healingMark + " " + text
		if d := oneLine(detail); d != "" {
			body += "\n" + fmt.Sprintf(c.detail, d)
		}
		return Message{Title: text, Body: body, Severity: SeverityFailure, Locale: c.tag}
	})
}

// Alert renders a deduplicated worker error line.
func (r *Reporter) Alert(cycleID, line string) []Message {
	return r.each(func(c *catalog) Message {
		return Message{Title: c.alertTitle, Body: c.alertMark + " " + oneLine(line), Severity: SeverityAlert, Locale: c.tag, Cycle: cycleID}
	})
}

// Status wraps a rendered status report.
func (r *Reporter) Status(body string) []Message {
	return r.each(func(c *catalog) Message {
		return Message{Title: c.statusTitle, Body: c.statusMark + "\n" + strings.TrimRight(body, "\n"), Severity: SeverityInfo, Locale: c.tag}
	})
}

func (r *Reporter) each(fn func(*catalog) Message) []Message {
	msgs := make([]Message, 0, len(r.locales))
	for _, l := range r.locales {
		msgs = append(msgs, fn(catalogFor(l)))
	}
	return msgs
}

func pickSummary(in CycleInput) string {
	var candidates []string
	if in.Outcome != nil {
		candidates = append(candidates, in.Outcome.Summary)
	}
	if in.Status != nil {
		candidates = append(candidates, in.Status.Summary, in.Status.Details)
	}
	for _, c := range candidates {
		if c = oneLine(c); c != "" && !IsGeneric(c) {
			return c
		}
	}
	return ""
}

func pickIntent(in CycleInput) string {
	if in.Outcome != nil && strings.TrimSpace(in.Outcome.Intent) != "" {
		return oneLine(in.Outcome.Intent)
	}
	if in.Status != nil {
		return oneLine(in.Status.Intent)
	}
	return ""
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) > maxDetailRunes {
		keep := len(string([]rune(s)[:maxDetailRunes]))
		return lessons.Truncate(s, keep+len("…"))
	}
	return s
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Second).String()
}
