package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/andywolf/cyclewarden/internal/history"
	"github.com/andywolf/cyclewarden/internal/lessons"
	"github.com/andywolf/cyclewarden/internal/logfilter"
)

const (
	dashboardCycles  = 10
	dashboardLessons = 5
)

// DashboardData is everything the dashboard shows.
type DashboardData struct {
	GeneratedAt time.Time
	Status      Status
	Stats       history.Stats
	Recent      []history.Entry
	Lessons     []lessons.Lesson
	// AlertClasses is how many distinct error classes the deduplicator
	// tracks; Suppressed is the sum of their repeat hits.
	AlertClasses int
	Suppressed   int
}

// CollectDashboard reads the ledger, lesson log and dedup cache.
func (s *Supervisor) CollectDashboard(ctx context.Context) (DashboardData, error) {
	data := DashboardData{GeneratedAt: s.Now(), Status: s.Status()}

	store, err := history.Open(s.layout.HistoryDB())
	if err != nil {
		return data, err
	}
	defer store.Close()

	if data.Stats, err = store.Stats(ctx); err != nil {
		return data, err
	}
	if data.Recent, err = store.Recent(ctx, dashboardCycles); err != nil {
		return data, err
	}

	ls := lessons.NewStore(s.layout.Lessons(), s.cfg.Lessons.MaxEntries)
	if data.Lessons, err = ls.ReadRecent(dashboardLessons); err != nil {
		s.logger.Printf("Warning: lessons: %v", err)
	}

	dd := logfilter.NewDeduplicator(s.layout.DedupCache(), s.cfg.Dedup.Window, s.cfg.Dedup.MaxKeys)
	if entries, err := dd.Entries(); err != nil {
		s.logger.Printf("Warning: dedup cache: %v", err)
	} else {
		data.AlertClasses = len(entries)
		for _, e := range entries {
			if e.Hits > 1 {
				data.Suppressed += e.Hits - 1
			}
		}
	}
	return data, nil
}

// Dashboard renders the dashboard for the terminal and, when send is set,
// dispatches a plain-text copy to the notification channels.
func (s *Supervisor) Dashboard(ctx context.Context, send bool) (string, error) {
	data, err := s.CollectDashboard(ctx)
	if err != nil {
		return "", err
	}
	out := RenderDashboard(data, lipgloss.NewRenderer(os.Stdout))
	if send {
		plain := RenderDashboard(data, lipgloss.NewRenderer(io.Discard))
		s.notifier.Send(s.reporter.Status(plain))
		if !s.notifier.Wait(s.cfg.Notify.Timeout) {
			s.logger.Printf("Warning: dashboard delivery still in flight after %s", s.cfg.Notify.Timeout)
		}
	}
	return out, nil
}

// RenderDashboard lays data out with r. A renderer bound to a non-terminal
// writer produces plain text without colour codes.
func RenderDashboard(data DashboardData, r *lipgloss.Renderer) string {
	title := r.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	label := r.NewStyle().Foreground(lipgloss.Color("#888888"))
	good := r.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	bad := r.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	box := r.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1)

	section := func(name, body string) string {
		return box.Render(lipgloss.JoinVertical(lipgloss.Left, title.Render(name), strings.TrimRight(body, "\n")))
	}

	status := section("Status", FormatStatus(data.Status))

	var stats strings.Builder
	st := data.Stats
	fmt.Fprintf(&stats, "%s %d (%s ok, %s failed)\n", label.Render("Cycles:"), st.Total,
		good.Render(fmt.Sprint(st.Succeeded)), bad.Render(fmt.Sprint(st.Failed)))
	fmt.Fprintf(&stats, "%s %.0f%%\n", label.Render("Success rate:"), st.SuccessRate()*100)
	fmt.Fprintf(&stats, "%s %s\n", label.Render("Avg duration:"), st.AvgDuration.Round(time.Second))
	fmt.Fprintf(&stats, "%s %s\n", label.Render("Last success:"), ago(data.GeneratedAt, st.LastSuccess))
	fmt.Fprintf(&stats, "%s %s\n", label.Render("Last failure:"), ago(data.GeneratedAt, st.LastFailure))
	if len(st.Reasons) > 0 {
		fmt.Fprintf(&stats, "%s %s\n", label.Render("Failure reasons:"), formatReasons(st.Reasons))
	}
	fmt.Fprintf(&stats, "%s %d class(es), %d repeat(s) suppressed\n", label.Render("Alerts:"), data.AlertClasses, data.Suppressed)
	statsBox := section("History", stats.String())

	var recent strings.Builder
	if len(data.Recent) == 0 {
		recent.WriteString("no cycles recorded yet\n")
	}
	for _, e := range data.Recent {
		mark := good.Render("ok  ")
		if !e.Succeeded() {
			mark = bad.Render("FAIL")
		}
		note := e.Reason
		if e.Succeeded() {
			note = "-"
			if e.CommitHash != "" {
				note = fmt.Sprintf("%s (%d files)", e.CommitHash, e.FilesSynced)
			}
		}
		fmt.Fprintf(&recent, "%s %s  x%d  %8s  %s\n", e.ID, mark, e.Attempt, e.Duration.Round(time.Second), note)
	}
	recentBox := section("Recent cycles", recent.String())

	var lessonText strings.Builder
	if len(data.Lessons) == 0 {
		lessonText.WriteString("none\n")
	}
	for i := len(data.Lessons) - 1; i >= 0; i-- {
		l := data.Lessons[i]
		fmt.Fprintf(&lessonText, "%s %s: %s\n", l.Cycle, l.Reason, lessons.Truncate(firstLine(l.Details), 80))
	}
	lessonBox := section("Recent lessons", lessonText.String())

	header := title.Render("cyclewarden dashboard") + " " + label.Render(data.GeneratedAt.UTC().Format(time.RFC3339))
	return lipgloss.JoinVertical(lipgloss.Left, header, status, statsBox, recentBox, lessonBox) + "\n"
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}

func formatReasons(reasons map[string]int) string {
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if reasons[keys[i]] != reasons[keys[j]] {
			return reasons[keys[i]] > reasons[keys[j]]
		}
		return keys[i] < keys[j]
	})
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, reasons[k]))
	}
	return strings.Join(parts, " ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
