// Package lock enforces a single live owner per lock file. Ownership is a PID
// plus a command-line signature plus a random token, so a recycled PID that
// now belongs to an unrelated process never counts as the owner.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/andywolf/cyclewarden/internal/state"
)

// ErrHeld is returned by Acquire when a live, correctly identified process
// owns the lock.
var ErrHeld = errors.New("lock held by a live supervisor")

// Record is the on-disk content of a lock file.
type Record struct {
	PID        int       `json:"pid"`
	Signature  string    `json:"signature"`
	Token      string    `json:"token"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// State classifies a lock file as seen by an observer.
type State string

const (
	StateAbsent  State = "absent"
	StateRunning State = "running"
	StateStale   State = "stale"
)

// Options configures a Manager.
type Options struct {
	Path      string
	Signature string
	Inspector Inspector
	// PID overrides the caller's PID; zero means os.Getpid().
	PID  int
	Logf func(format string, args ...interface{})
}

// Claim is the result of a claim attempt.
type Claim struct {
	Owned    bool
	Reason   string
	Previous *Record
}

// Manager claims and releases one lock file on behalf of this process.
type Manager struct {
	path      string
	signature string
	inspector Inspector
	guard     *flock.Flock
	pid       int
	token     string
	logf      func(format string, args ...interface{})
}

// New creates a Manager. Nothing touches the filesystem until Claim.
func New(opts Options) *Manager {
	inspector := opts.Inspector
	if inspector == nil {
		inspector = SystemInspector{}
	}
	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Manager{
		path:      opts.Path,
		signature: opts.Signature,
		inspector: inspector,
		guard:     flock.New(opts.Path + ".guard"),
		pid:       pid,
		token:     uuid.NewString(),
		logf:      logf,
	}
}

// Path returns the lock file path.
func (m *Manager) Path() string { return m.path }

// Claim takes the lock unless a live process that identifies as the
// expected signature holds it. Dead or misidentified holders are treated as
// stale and overwritten, as is a record carrying our own pid under a
// different token, since that pid can only have been recycled to us.
func (m *Manager) Claim() (Claim, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return Claim{}, fmt.Errorf("create lock directory: %w", err)
	}
	if err := m.guard.Lock(); err != nil {
		return Claim{}, fmt.Errorf("lock guard: %w", err)
	}
	defer func() { _ = m.guard.Unlock() }()

	prev, err := readRecord(m.path)
	if err != nil {
		m.logf("Warning: unreadable lock file %s, treating as stale: %v", m.path, err)
		prev = nil
	}

	if prev != nil {
		if prev.Token == m.token {
			return Claim{Owned: true, Previous: prev}, nil
		}
		if prev.PID == m.pid {
			m.logf("Reclaiming lock %s left by an earlier process that had our pid %d", m.path, prev.PID)
		} else if m.inspector.Alive(prev.PID) {
			cmdline, cmdErr := m.inspector.CommandLine(prev.PID)
			if cmdErr == nil && MatchesSignature(cmdline, m.signature) {
				return Claim{
					Owned:    false,
					Reason:   fmt.Sprintf("held by live process %d (%s)", prev.PID, m.signature),
					Previous: prev,
				}, nil
			}
			m.logf("Warning: lock %s names live pid %d that is not %q (cmdline %q); treating as stale",
				m.path, prev.PID, m.signature, cmdline)
		} else {
			m.logf("Reclaiming stale lock %s from dead pid %d", m.path, prev.PID)
		}
	}

	host, _ := os.Hostname()
	rec := Record{
		PID:        m.pid,
		Signature:  m.signature,
		Token:      m.token,
		Host:       host,
		AcquiredAt: time.Now().UTC(),
	}
	if err := state.WriteJSON(m.path, rec); err != nil {
		return Claim{}, fmt.Errorf("write lock: %w", err)
	}
	return Claim{Owned: true, Previous: prev}, nil
}

// Acquire is Claim that reports a rejection as ErrHeld.
func (m *Manager) Acquire() error {
	c, err := m.Claim()
	if err != nil {
		return err
	}
	if !c.Owned {
		return fmt.Errorf("%w: %s", ErrHeld, c.Reason)
	}
	return nil
}

// Release deletes the lock file only if it still carries this manager's
// token. A lock already reclaimed by another instance is left alone.
func (m *Manager) Release() error {
	if err := m.guard.Lock(); err != nil {
		return fmt.Errorf("lock guard: %w", err)
	}
	defer func() { _ = m.guard.Unlock() }()

	rec, err := readRecord(m.path)
	if err != nil || rec == nil {
		return nil
	}
	if rec.Token != m.token {
		m.logf("Lock %s now belongs to pid %d; leaving it in place", m.path, rec.PID)
		return nil
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// HandleSignals releases the lock on SIGINT or SIGTERM and then cancels the
// run context. The returned function uninstalls the handler.
func (m *Manager) HandleSignals(cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			m.logf("Received signal %v, releasing %s", sig, m.path)
			if err := m.Release(); err != nil {
				m.logf("Warning: release on signal failed: %v", err)
			}
			cancel()
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
}

// Inspect classifies the lock at path without modifying it.
func Inspect(path, signature string, inspector Inspector) (State, *Record, error) {
	if inspector == nil {
		inspector = SystemInspector{}
	}
	rec, err := readRecord(path)
	if err != nil {
		return StateStale, nil, err
	}
	if rec == nil {
		return StateAbsent, nil, nil
	}
	if IsSupervisor(inspector, rec.PID, signature) {
		return StateRunning, rec, nil
	}
	return StateStale, rec, nil
}

// Remove deletes the lock file unconditionally. Used by stop after the owner
// has been terminated.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock %s: %w", path, err)
	}
	return nil
}

func readRecord(path string) (*Record, error) {
	var rec Record
	found, err := state.ReadJSON(path, &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}
