package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("line\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestIsStuck(t *testing.T) {
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	fresh := now.Add(-time.Minute)

	tests := []struct {
		name        string
		cycle, work *time.Time
		want        bool
	}{
		{"both stale", &old, &old, true},
		{"cycle log fresh", &fresh, &old, false},
		{"worker log fresh", &old, &fresh, false},
		{"both fresh", &fresh, &fresh, false},
		{"one missing one stale", &old, nil, true},
		{"one missing one fresh", nil, &fresh, false},
		{"both missing", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cycleLog := filepath.Join(dir, "cycle.log")
			workerLog := filepath.Join(dir, "worker.log")
			if tt.cycle != nil {
				touch(t, cycleLog, *tt.cycle)
			}
			if tt.work != nil {
				touch(t, workerLog, *tt.work)
			}
			d := NewDetector([]string{cycleLog, workerLog}, 45*time.Minute, "")
			if got := d.IsStuck(now); got != tt.want {
				t.Errorf("IsStuck() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsStuck_IndependentOfProbe(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	cycleLog := filepath.Join(dir, "cycle.log")
	touch(t, cycleLog, now)

	d := NewDetector([]string{cycleLog}, time.Minute, "check")
	d.exec = func(context.Context, string, string) ([]byte, error) {
		return []byte(`{"status":"error"}`), nil
	}

	v := d.Evaluate(context.Background(), now)
	if v.Stuck {
		t.Error("fresh stream must not be stuck")
	}
	if !v.Unhealthy {
		t.Error("error probe must mark unhealthy")
	}
	if v.Freshest.IsZero() {
		t.Error("freshest should be set")
	}
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name      string
		out       string
		err       error
		want      Status
		unhealthy bool
	}{
		{"ok", `{"status":"ok","checks":[{"name":"disk","ok":true}]}`, nil, StatusOK, false},
		{"warning", `{"status":"warning"}`, nil, StatusWarning, false},
		{"error", `{"status":"error","checks":[{"name":"gateway","ok":false,"error":"down"}]}`, nil, StatusError, true},
		{"noise before json", "checking...\n{\"status\":\"ok\"}", nil, StatusOK, false},
		{"garbage", "not json", nil, StatusError, true},
		{"unknown status", `{"status":"meh"}`, nil, StatusError, true},
		{"non-zero exit", `{"status":"ok"}`, errors.New("exit status 2"), StatusError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(nil, 0, "probe")
			d.exec = func(context.Context, string, string) ([]byte, error) {
				return []byte(tt.out), tt.err
			}
			snap, err := d.Probe(context.Background())
			if err != nil {
				t.Fatalf("Probe: %v", err)
			}
			if snap.Status != tt.want {
				t.Errorf("status = %s, want %s", snap.Status, tt.want)
			}
			if snap.Unhealthy() != tt.unhealthy {
				t.Errorf("Unhealthy() = %v, want %v", snap.Unhealthy(), tt.unhealthy)
			}
		})
	}
}

func TestProbe_NotConfigured(t *testing.T) {
	d := NewDetector(nil, 0, "")
	if _, err := d.Probe(context.Background()); !errors.Is(err, ErrNoProbe) {
		t.Errorf("expected ErrNoProbe, got %v", err)
	}
	v := d.Evaluate(context.Background(), time.Now())
	if v.Unhealthy || v.Snapshot != nil {
		t.Error("no probe means no health verdict")
	}
}

func TestProbe_RealShell(t *testing.T) {
	d := NewDetector(nil, 0, `echo '{"status":"ok"}'`)
	snap, err := d.Probe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != StatusOK {
		t.Errorf("status = %s", snap.Status)
	}
}

func TestFailedChecks(t *testing.T) {
	snap := &Snapshot{Status: StatusError, Checks: []Check{
		{Name: "disk", OK: true},
		{Name: "gateway", Error: "timeout"},
		{Name: "auth"},
	}}
	got := snap.FailedChecks()
	if len(got) != 2 || got[0] != "gateway: timeout" || got[1] != "auth" {
		t.Errorf("FailedChecks() = %v", got)
	}
}
