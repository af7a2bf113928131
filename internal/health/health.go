// Package health decides whether a running engine is making progress.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultStaleThreshold = 45 * time.Minute
	DefaultProbeTimeout   = 30 * time.Second
)

// ErrNoProbe is returned by Probe when no health command is configured.
var ErrNoProbe = errors.New("no health probe configured")

// Status of a structured health check.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Check is one named result inside a Snapshot.
type Check struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Snapshot is the structured output of an external health command.
type Snapshot struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// Unhealthy reports whether the snapshot forces a restart.
func (s *Snapshot) Unhealthy() bool {
	return s != nil && s.Status == StatusError
}

// FailedChecks names the checks that did not pass.
func (s *Snapshot) FailedChecks() []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, c := range s.Checks {
		if c.OK {
			continue
		}
		if c.Error != "" {
			out = append(out, c.Name+": "+c.Error)
		} else {
			out = append(out, c.Name)
		}
	}
	return out
}

// Verdict combines staleness with the optional probe result.
type Verdict struct {
	Stuck     bool
	Unhealthy bool
	Snapshot  *Snapshot
	// Freshest is the newest modification time across the streams; zero when
	// none exist.
	Freshest time.Time
}

// Detector evaluates the two log streams and the optional probe.
type Detector struct {
	Streams   []string
	Threshold time.Duration
	// Command is run through the shell; empty disables probing.
	Command      string
	ProbeTimeout time.Duration
	Dir          string

	// exec is replaceable in tests.
	exec func(ctx context.Context, dir, command string) ([]byte, error)
}

// NewDetector returns a Detector over the given streams.
func NewDetector(streams []string, threshold time.Duration, command string) *Detector {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &Detector{
		Streams:      streams,
		Threshold:    threshold,
		Command:      command,
		ProbeTimeout: DefaultProbeTimeout,
		exec:         runShell,
	}
}

// IsStuck is true only when every stream is older than the threshold. A
// missing stream counts as stale.
func (d *Detector) IsStuck(now time.Time) bool {
	stuck, _ := d.staleness(now)
	return stuck
}

func (d *Detector) staleness(now time.Time) (bool, time.Time) {
	var freshest time.Time
	stuck := true
	for _, path := range d.Streams {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if mod.After(freshest) {
			freshest = mod
		}
		if now.Sub(mod) < d.Threshold {
			stuck = false
		}
	}
	return stuck, freshest
}

// Probe runs the health command. A non-zero exit or unparseable output is
// reported as an error snapshot rather than a Go error.
func (d *Detector) Probe(ctx context.Context) (*Snapshot, error) {
	if strings.TrimSpace(d.Command) == "" {
		return nil, ErrNoProbe
	}
	timeout := d.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.exec(ctx, d.Dir, d.Command)
	if err != nil {
		return &Snapshot{Status: StatusError, Checks: []Check{{Name: "probe", Error: err.Error()}}}, nil
	}
	return ParseSnapshot(out), nil
}

// Evaluate computes the full verdict at now.
func (d *Detector) Evaluate(ctx context.Context, now time.Time) Verdict {
	stuck, freshest := d.staleness(now)
	v := Verdict{Stuck: stuck, Freshest: freshest}
	snap, err := d.Probe(ctx)
	if err == nil {
		v.Snapshot = snap
		v.Unhealthy = snap.Unhealthy()
	}
	return v
}

// ParseSnapshot decodes the last JSON object in out. Anything it cannot
// decode, or an unknown status, is treated as an error snapshot.
func ParseSnapshot(out []byte) *Snapshot {
	text := strings.TrimSpace(string(out))
	if i := strings.LastIndex(text, "\n{"); i >= 0 {
		text = text[i+1:]
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(text), &snap); err != nil {
		return &Snapshot{Status: StatusError, Checks: []Check{{Name: "probe", Error: fmt.Sprintf("unparseable output: %v", err)}}}
	}
	switch snap.Status {
	case StatusOK, StatusWarning, StatusError:
	default:
		return &Snapshot{Status: StatusError, Checks: append(snap.Checks, Check{Name: "probe", Error: fmt.Sprintf("unknown status %q", snap.Status)})}
	}
	return &snap
}

func runShell(ctx context.Context, dir, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("health probe timed out")
	}
	return out, err
}
