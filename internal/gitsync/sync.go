// Package gitsync lands the files a successful cycle produced: it stages an
// allow-list of paths, commits them with a summary, rebases onto upstream
// and pushes.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/andywolf/cyclewarden/internal/template"
)

const (
	DefaultRemote   = "origin"
	DefaultMaxAreas = 3
	DefaultTimeout  = 2 * time.Minute
	DefaultTemplate = "chore(cycle): {{cycle}} update {{summary}}"
)

// ErrRebaseConflict is returned when upstream could not be integrated even
// after self-repair. Nothing is pushed in that case.
var ErrRebaseConflict = errors.New("rebase onto upstream failed")

// Options configures a Synchronizer.
type Options struct {
	Dir            string
	Remote         string
	Branch         string
	Paths          []string
	MaxAreas       int
	CommitTemplate string
	RepairCommand  string
	Timeout        time.Duration
	Logf           func(format string, args ...interface{})
}

// Result describes a landed commit.
type Result struct {
	CommitMessage string `json:"commit_message"`
	FileCount     int    `json:"file_count"`
	AreaSummary   string `json:"area_summary"`
	ShortHash     string `json:"short_hash"`
	Branch        string `json:"branch"`
}

// Synchronizer commits and pushes cycle output.
type Synchronizer struct {
	opts   Options
	runner Runner
}

// New returns a Synchronizer. A nil runner uses ExecRunner.
func New(opts Options, runner Runner) *Synchronizer {
	if opts.Remote == "" {
		opts.Remote = DefaultRemote
	}
	if opts.MaxAreas <= 0 {
		opts.MaxAreas = DefaultMaxAreas
	}
	if opts.CommitTemplate == "" {
		opts.CommitTemplate = DefaultTemplate
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...interface{}) {}
	}
	if runner == nil {
		runner = ExecRunner
	}
	return &Synchronizer{opts: opts, runner: runner}
}

// Sync lands whatever the allow-listed paths contain. Commits left unpushed
// by an earlier failed cycle are pushed even when nothing new is staged. It
// returns nil, nil when there is nothing to land.
func (s *Synchronizer) Sync(ctx context.Context, cycleID string) (*Result, error) {
	paths := s.stageablePaths(ctx)
	var files []string
	if len(paths) > 0 {
		addArgs := append([]string{"add", "-A", "--"}, paths...)
		if _, err := s.run(ctx, addArgs...); err != nil {
			return nil, fmt.Errorf("git add failed: %w", err)
		}

		diffArgs := append([]string{"diff", "--cached", "--name-only", "--"}, paths...)
		out, err := s.run(ctx, diffArgs...)
		if err != nil {
			return nil, fmt.Errorf("git diff --cached failed: %w", err)
		}
		files = splitLines(out)
	}

	branch := s.resolveBranch(ctx)
	if len(files) == 0 {
		return s.landPending(ctx, branch)
	}

	summary := SummarizeAreas(files, s.opts.MaxAreas)
	message := renderMessage(s.opts.CommitTemplate, cycleID, summary, len(files))
	commitArgs := append([]string{"commit", "-m", message, "--"}, paths...)
	if _, err := s.run(ctx, commitArgs...); err != nil {
		return nil, fmt.Errorf("git commit failed: %w", err)
	}

	hash, err := s.publish(ctx, branch)
	if err != nil {
		return nil, err
	}
	return &Result{
		CommitMessage: message,
		FileCount:     len(files),
		AreaSummary:   summary,
		ShortHash:     hash,
		Branch:        branch,
	}, nil
}

// landPending pushes local commits that are ahead of the remote branch.
func (s *Synchronizer) landPending(ctx context.Context, branch string) (*Result, error) {
	upstream := s.opts.Remote + "/" + branch
	out, err := s.run(ctx, "rev-list", "--count", upstream+"..HEAD")
	if err != nil {
		s.opts.Logf("cannot compare HEAD with %s: %v", upstream, err)
		return nil, nil
	}
	ahead, _ := strconv.Atoi(strings.TrimSpace(out))
	if ahead <= 0 {
		return nil, nil
	}
	s.opts.Logf("%d unpushed commit(s) ahead of %s, pushing", ahead, upstream)

	names, err := s.run(ctx, "diff", "--name-only", upstream+"..HEAD")
	if err != nil {
		return nil, fmt.Errorf("git diff %s..HEAD failed: %w", upstream, err)
	}
	files := splitLines(names)
	subject, err := s.run(ctx, "log", "-1", "--format=%s")
	if err != nil {
		return nil, fmt.Errorf("git log failed: %w", err)
	}

	hash, err := s.publish(ctx, branch)
	if err != nil {
		return nil, err
	}
	return &Result{
		CommitMessage: strings.TrimSpace(subject),
		FileCount:     len(files),
		AreaSummary:   SummarizeAreas(files, s.opts.MaxAreas),
		ShortHash:     hash,
		Branch:        branch,
	}, nil
}

// publish rebases HEAD onto the remote branch, pushes it and returns the
// short hash that landed.
func (s *Synchronizer) publish(ctx context.Context, branch string) (string, error) {
	if err := s.integrate(ctx, branch); err != nil {
		return "", err
	}
	if _, err := s.run(ctx, "push", s.opts.Remote, "HEAD:"+branch); err != nil {
		return "", fmt.Errorf("git push failed: %w", err)
	}
	hash, err := s.run(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// integrate rebases onto upstream. A failed rebase is aborted, the repair
// command gets one chance, and the pull is retried once.
func (s *Synchronizer) integrate(ctx context.Context, branch string) error {
	pull := []string{"pull", "--rebase", "--autostash", s.opts.Remote, branch}
	firstErr := s.pullOnce(ctx, pull)
	if firstErr == nil {
		return nil
	}
	s.opts.Logf("rebase onto %s/%s failed: %v", s.opts.Remote, branch, firstErr)

	if s.opts.RepairCommand == "" {
		return fmt.Errorf("%w: %v", ErrRebaseConflict, firstErr)
	}
	s.opts.Logf("invoking self-repair: %s", s.opts.RepairCommand)
	if _, err := s.runShell(ctx, s.opts.RepairCommand); err != nil {
		return fmt.Errorf("%w: self-repair failed: %v", ErrRebaseConflict, err)
	}
	if err := s.pullOnce(ctx, pull); err != nil {
		return fmt.Errorf("%w: still failing after self-repair: %v", ErrRebaseConflict, err)
	}
	return nil
}

func (s *Synchronizer) pullOnce(ctx context.Context, pull []string) error {
	_, err := s.run(ctx, pull...)
	if err == nil {
		return nil
	}
	if out, abortErr := s.run(ctx, "rebase", "--abort"); abortErr != nil && !isNoRebaseInProgress(out) {
		return fmt.Errorf("%v (rebase --abort failed: %v)", err, abortErr)
	}
	return err
}

func (s *Synchronizer) runShell(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	return s.runner(ctx, s.opts.Dir, "sh", "-c", command)
}

// stageablePaths filters the allow-list to paths that exist on disk or are
// tracked (so deletions are staged too).
func (s *Synchronizer) stageablePaths(ctx context.Context) []string {
	var out []string
	for _, p := range s.opts.Paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.opts.Dir, p)); err == nil {
			out = append(out, p)
			continue
		}
		if _, err := s.run(ctx, "ls-files", "--error-unmatch", "--", p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// resolveBranch picks the push target: configured, then origin/HEAD, then
// the current branch, then main.
func (s *Synchronizer) resolveBranch(ctx context.Context) string {
	if b := strings.TrimSpace(s.opts.Branch); b != "" {
		return b
	}
	if out, err := s.run(ctx, "symbolic-ref", "--quiet", "--short", "refs/remotes/"+s.opts.Remote+"/HEAD"); err == nil {
		if b := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), s.opts.Remote+"/")); b != "" {
			return b
		}
	}
	if out, err := s.run(ctx, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		if b := strings.TrimSpace(out); b != "" && b != "HEAD" {
			return b
		}
	}
	return "main"
}

// SummarizeAreas groups files by their top-level directory, busiest first,
// naming at most max areas and counting the rest.
func SummarizeAreas(files []string, max int) string {
	if max <= 0 {
		max = DefaultMaxAreas
	}
	counts := make(map[string]int)
	for _, f := range files {
		f = filepath.ToSlash(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		area := "."
		if i := strings.IndexByte(f, '/'); i > 0 {
			area = f[:i]
		}
		counts[area]++
	}

	areas := make([]string, 0, len(counts))
	for a := range counts {
		areas = append(areas, a)
	}
	sort.Slice(areas, func(i, j int) bool {
		if counts[areas[i]] != counts[areas[j]] {
			return counts[areas[i]] > counts[areas[j]]
		}
		return areas[i] < areas[j]
	})

	named := areas
	if len(named) > max {
		named = areas[:max]
	}
	parts := make([]string, 0, len(named)+1)
	for _, a := range named {
		parts = append(parts, fmt.Sprintf("%s (%d)", a, counts[a]))
	}
	if extra := len(areas) - len(named); extra > 0 {
		parts = append(parts, fmt.Sprintf("+%d more", extra))
	}
	return strings.Join(parts, ", ")
}

// TemplateVars are the placeholders a commit template may use.
var TemplateVars = []string{"cycle", "summary", "files"}

func renderMessage(tmpl, cycleID, summary string, files int) string {
	return strings.TrimSpace(template.Render(tmpl, map[string]string{
		"cycle":   cycleID,
		"summary": summary,
		"files":   fmt.Sprint(files),
	}))
}

func splitLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func isNoRebaseInProgress(out string) bool {
	msg := strings.ToLower(out)
	return strings.Contains(msg, "no rebase in progress") || strings.Contains(msg, "no rebase to abort")
}
