package lock

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeInspector struct {
	alive    map[int]bool
	cmdlines map[int]string
}

func (f *fakeInspector) Alive(pid int) bool { return f.alive[pid] }

func (f *fakeInspector) CommandLine(pid int) (string, error) {
	cmd, ok := f.cmdlines[pid]
	if !ok {
		return "", fmt.Errorf("no such pid %d", pid)
	}
	return cmd, nil
}

const testSignature = "cyclewarden run"

func writeRecord(t *testing.T, path string, rec Record) {
	t.Helper()
	m := New(Options{Path: path, Signature: rec.Signature, PID: rec.PID, Inspector: &fakeInspector{}})
	m.token = rec.Token
	if _, err := m.Claim(); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
}

func TestClaim_NoExistingLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	m := New(Options{Path: path, Signature: testSignature, PID: 100, Inspector: &fakeInspector{}})

	c, err := m.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !c.Owned {
		t.Fatalf("expected claim to succeed, got reason %q", c.Reason)
	}
	if c.Previous != nil {
		t.Errorf("expected no previous record, got %+v", c.Previous)
	}

	rec, err := readRecord(path)
	if err != nil || rec == nil {
		t.Fatalf("readRecord: %+v %v", rec, err)
	}
	if rec.PID != 100 || rec.Token != m.token || rec.Signature != testSignature {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestClaim_DeadPIDIsStolen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	writeRecord(t, path, Record{PID: 200, Signature: testSignature, Token: "old"})

	inspector := &fakeInspector{alive: map[int]bool{}}
	m := New(Options{Path: path, Signature: testSignature, PID: 300, Inspector: inspector})

	c, err := m.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !c.Owned {
		t.Fatalf("claim over dead pid should succeed: %s", c.Reason)
	}
	if c.Previous == nil || c.Previous.PID != 200 {
		t.Errorf("expected previous pid 200, got %+v", c.Previous)
	}
}

func TestClaim_LiveMismatchedPIDIsStolen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	writeRecord(t, path, Record{PID: 200, Signature: testSignature, Token: "old"})

	var warnings []string
	inspector := &fakeInspector{
		alive:    map[int]bool{200: true},
		cmdlines: map[int]string{200: "/usr/sbin/sshd -D"},
	}
	m := New(Options{
		Path: path, Signature: testSignature, PID: 300, Inspector: inspector,
		Logf: func(format string, args ...interface{}) { warnings = append(warnings, fmt.Sprintf(format, args...)) },
	})

	c, err := m.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !c.Owned {
		t.Fatalf("claim over recycled pid should succeed: %s", c.Reason)
	}
	if len(warnings) == 0 || !strings.Contains(warnings[0], "not") {
		t.Errorf("expected a stale-lock warning, got %v", warnings)
	}
}

func TestClaim_LiveMatchingPIDIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	writeRecord(t, path, Record{PID: 200, Signature: testSignature, Token: "old"})

	inspector := &fakeInspector{
		alive:    map[int]bool{200: true},
		cmdlines: map[int]string{200: "/usr/local/bin/cyclewarden run --config /etc/cw.yaml"},
	}
	m := New(Options{Path: path, Signature: testSignature, PID: 300, Inspector: inspector})

	c, err := m.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if c.Owned {
		t.Fatal("claim over live supervisor should be rejected")
	}
	if !strings.Contains(c.Reason, "200") {
		t.Errorf("reason should name the holder: %q", c.Reason)
	}

	if err := m.Acquire(); !errors.Is(err, ErrHeld) {
		t.Errorf("Acquire error = %v, want ErrHeld", err)
	}

	rec, _ := readRecord(path)
	if rec == nil || rec.PID != 200 {
		t.Errorf("lock file should still name pid 200, got %+v", rec)
	}
}

func TestClaim_OwnRecycledPIDIsStolen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	writeRecord(t, path, Record{PID: 300, Signature: testSignature, Token: "crashed"})

	inspector := &fakeInspector{
		alive:    map[int]bool{300: true},
		cmdlines: map[int]string{300: "/usr/local/bin/cyclewarden run --config /etc/cw.yaml"},
	}
	var logged []string
	m := New(Options{
		Path: path, Signature: testSignature, PID: 300, Inspector: inspector,
		Logf: func(format string, args ...interface{}) { logged = append(logged, fmt.Sprintf(format, args...)) },
	})

	c, err := m.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !c.Owned {
		t.Fatalf("record left under our own pid should be reclaimed: %s", c.Reason)
	}
	rec, _ := readRecord(path)
	if rec == nil || rec.Token != m.token {
		t.Errorf("lock should carry the new token, got %+v", rec)
	}
	if len(logged) == 0 || !strings.Contains(logged[0], "300") {
		t.Errorf("expected a reclaim message naming the pid, got %v", logged)
	}
}

func TestClaim_LiveUnidentifiablePIDIsStolen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	writeRecord(t, path, Record{PID: 200, Signature: testSignature, Token: "old"})

	// Alive but the command line cannot be read.
	inspector := &fakeInspector{alive: map[int]bool{200: true}}
	m := New(Options{Path: path, Signature: testSignature, PID: 300, Inspector: inspector})

	c, err := m.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !c.Owned {
		t.Fatal("unidentifiable holder should be treated as stale")
	}
}

func TestClaim_CorruptLockIsStolen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	if err := os.WriteFile(path, []byte("{garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	m := New(Options{Path: path, Signature: testSignature, PID: 300, Inspector: &fakeInspector{}})
	c, err := m.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !c.Owned {
		t.Fatal("corrupt lock should be overwritten")
	}
}

func TestRelease_OnlyOwnToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	inspector := &fakeInspector{alive: map[int]bool{}}

	first := New(Options{Path: path, Signature: testSignature, PID: 100, Inspector: inspector})
	if _, err := first.Claim(); err != nil {
		t.Fatal(err)
	}

	// first's pid dies; second reclaims.
	second := New(Options{Path: path, Signature: testSignature, PID: 101, Inspector: inspector})
	if c, err := second.Claim(); err != nil || !c.Owned {
		t.Fatalf("second claim: %+v %v", c, err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("first.Release must not delete a lock reclaimed by another instance")
	}

	if err := second.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("owner release should delete the lock file")
	}
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.lock")
	inspector := &fakeInspector{
		alive:    map[int]bool{200: true},
		cmdlines: map[int]string{200: "cyclewarden run"},
	}

	st, rec, err := Inspect(path, testSignature, inspector)
	if err != nil || st != StateAbsent || rec != nil {
		t.Fatalf("absent: %s %+v %v", st, rec, err)
	}

	writeRecord(t, path, Record{PID: 200, Signature: testSignature, Token: "x"})
	st, rec, err = Inspect(path, testSignature, inspector)
	if err != nil || st != StateRunning || rec.PID != 200 {
		t.Fatalf("running: %s %+v %v", st, rec, err)
	}

	inspector.alive[200] = false
	st, _, err = Inspect(path, testSignature, inspector)
	if err != nil || st != StateStale {
		t.Fatalf("stale: %s %v", st, err)
	}
}

func TestMatchesSignature(t *testing.T) {
	tests := []struct {
		cmdline   string
		signature string
		want      bool
	}{
		{"/opt/bin/cyclewarden run", "cyclewarden run", true},
		{"cyclewarden watchdog run", "cyclewarden watchdog run", true},
		{"cyclewarden status", "cyclewarden run", false},
		{"/usr/local/bin/cyclewarden watchdog run --config cw.yaml", "cyclewarden run", false},
		{"/usr/local/bin/cyclewarden watchdog run --config cw.yaml", "cyclewarden watchdog run", true},
		{"/usr/local/bin/cyclewarden run --config cw.yaml", "cyclewarden watchdog run", false},
		{"cyclewarden status --config /run/x.yaml", "cyclewarden run", false},
		{"/opt/cyclewarden/rerun.sh", "cyclewarden run", false},
		{"/bin/sh /opt/cyclewarden run", "cyclewarden run", false},
		{"cyclewarden", "cyclewarden run", false},
		{"", "cyclewarden run", false},
		{"cyclewarden run", "", false},
	}
	for _, tt := range tests {
		if got := MatchesSignature(tt.cmdline, tt.signature); got != tt.want {
			t.Errorf("MatchesSignature(%q, %q) = %v, want %v", tt.cmdline, tt.signature, got, tt.want)
		}
	}
}

func TestSystemInspector_Self(t *testing.T) {
	var si SystemInspector
	if !si.Alive(os.Getpid()) {
		t.Fatal("current process should be alive")
	}
	if si.Alive(0) || si.Alive(-1) {
		t.Error("non-positive pids are never alive")
	}
	cmd, err := si.CommandLine(os.Getpid())
	if err != nil {
		t.Skipf("command line unavailable: %v", err)
	}
	if !strings.Contains(cmd, filepath.Base(os.Args[0])) {
		t.Errorf("command line %q does not mention %q", cmd, filepath.Base(os.Args[0]))
	}
}

func TestTerminate_ChildProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()

	start := time.Now()
	if err := Terminate(SystemInspector{}, cmd.Process.Pid, 5*time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after Terminate")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("SIGTERM should have been enough, took %s", elapsed)
	}
}

func TestSpawnDetached(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "child.out")

	pid, err := SpawnDetached("sh", dir, []string{"-c", "pwd; echo started"}, logPath)
	if err != nil {
		t.Fatalf("SpawnDetached: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), "started") {
			if !strings.Contains(string(data), filepath.Base(dir)) {
				t.Errorf("child ran outside %s: %q", dir, data)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("detached child never wrote its output")
}
