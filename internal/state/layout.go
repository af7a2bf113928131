// Package state owns the on-disk layout shared by every cyclewarden process.
// Processes coordinate only through these files.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultDir is the state directory used when none is configured.
const DefaultDir = ".cyclewarden"

// Layout resolves the fixed file names under a state directory.
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at dir, made absolute against cwd.
func NewLayout(dir, cwd string) Layout {
	if dir == "" {
		dir = DefaultDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cwd, dir)
	}
	return Layout{Root: dir}
}

// Ensure creates the state directory.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Root, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	return nil
}

func (l Layout) path(name string) string { return filepath.Join(l.Root, name) }

func (l Layout) EngineLock() string        { return l.path("engine.lock") }
func (l Layout) WatchdogPID() string       { return l.path("watchdog.pid") }
func (l Layout) WatchdogLock() string      { return l.path("watchdog.lock") }
func (l Layout) WatchdogHeartbeat() string { return l.path("watchdog.heartbeat") }
func (l Layout) Counter() string           { return l.path("cycle.counter") }
func (l Layout) Lessons() string           { return l.path("lessons.jsonl") }
func (l Layout) DedupCache() string        { return l.path("dedup.json") }
func (l Layout) CycleLog() string          { return l.path("cycle.log") }
func (l Layout) WorkerLog() string         { return l.path("worker.log") }
func (l Layout) EngineOut() string         { return l.path("engine.out") }
func (l Layout) WatchdogOut() string       { return l.path("watchdog.out") }
func (l Layout) Activity() string          { return l.path("activity.json") }
func (l Layout) EnsureState() string       { return l.path("ensure.json") }
func (l Layout) SubWorkerState() string    { return l.path("subworker.json") }
func (l Layout) StatusFile() string        { return l.path("cycle_status.json") }
func (l Layout) HintFile() string          { return l.path("hint.md") }
func (l Layout) HistoryDB() string         { return l.path("history.db") }
func (l Layout) KillSwitch() string        { return l.path("KILL") }

// TaskFile is the ephemeral sub-worker payload for one cycle.
func (l Layout) TaskFile(cycle string) string {
	return l.path(fmt.Sprintf("subtask-%s.json", cycle))
}

// Activity is the last action recorded by the engine.
type Activity struct {
	At     time.Time `json:"at"`
	Cycle  string    `json:"cycle,omitempty"`
	Action string    `json:"action"`
}

// WriteActivity records the engine's current action.
func (l Layout) WriteActivity(cycle, action string) error {
	return WriteJSON(l.Activity(), Activity{At: time.Now().UTC(), Cycle: cycle, Action: action})
}

// ReadActivity returns the last recorded action, or nil if none exists yet.
func (l Layout) ReadActivity() (*Activity, error) {
	var a Activity
	found, err := ReadJSON(l.Activity(), &a)
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

// ModTime returns the modification time of path, or the zero time if it
// does not exist.
func ModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
