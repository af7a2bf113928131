// Package lessons records why cycles failed so later attempts can be told.
// The log is append-only JSON lines; consumers read only the tail.
package lessons

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/andywolf/cyclewarden/internal/state"
)

const (
	// DefaultMaxEntries bounds the file; older lessons are compacted away.
	DefaultMaxEntries = 500

	// MaxDetailBytes truncates the details field.
	MaxDetailBytes = 500
)

// Lesson is one recorded failure.
type Lesson struct {
	At      time.Time `json:"at"`
	Cycle   string    `json:"cycle"`
	Reason  string    `json:"reason"`
	Details string    `json:"details,omitempty"`
}

// Store appends lessons to a JSONL file. It is safe for concurrent use
// within one process; across processes appends rely on O_APPEND.
type Store struct {
	path       string
	maxEntries int
	mu         sync.Mutex
	now        func() time.Time
}

// NewStore returns a store backed by path.
func NewStore(path string, maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{path: path, maxEntries: maxEntries, now: time.Now}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Append records a lesson for cycle and compacts the file if it has grown
// past the retention bound.
func (s *Store) Append(cycle, reason, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lesson := Lesson{
		At:      s.now().UTC(),
		Cycle:   cycle,
		Reason:  reason,
		Details: Truncate(strings.TrimSpace(details), MaxDetailBytes),
	}
	data, err := json.Marshal(lesson)
	if err != nil {
		return fmt.Errorf("failed to marshal lesson: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create lessons directory: %w", err)
	}
	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lessons file: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write lesson: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close lessons file: %w", err)
	}

	return s.compactLocked()
}

// ReadRecent returns up to n of the newest lessons, oldest first.
func (s *Store) ReadRecent(n int) ([]Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAllLocked()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// Render formats lessons as a Markdown list for a sub-worker payload.
// Returns "" when there are none.
func Render(recent []Lesson) string {
	if len(recent) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Recent Failures\n\n")
	for _, l := range recent {
		fmt.Fprintf(&sb, "- cycle %s (%s): %s", l.Cycle, l.At.Format(time.RFC3339), l.Reason)
		if l.Details != "" {
			fmt.Fprintf(&sb, " - %s", strings.ReplaceAll(l.Details, "\n", " "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (s *Store) readAllLocked() ([]Lesson, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open lessons file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var out []Lesson
	scanner := bufio.NewScanner(file)
	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var l Lesson
		if err := json.Unmarshal(line, &l); err != nil {
			// A torn write from a crashed process; skip it.
			continue
		}
		out = append(out, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lessons file: %w", err)
	}
	return out, nil
}

// compactLocked rewrites the file with only the newest maxEntries lessons.
func (s *Store) compactLocked() error {
	all, err := s.readAllLocked()
	if err != nil {
		return err
	}
	if len(all) <= s.maxEntries {
		return nil
	}
	keep := all[len(all)-s.maxEntries:]
	var buf bytes.Buffer
	for _, l := range keep {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("failed to marshal lesson: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := state.WriteFileAtomic(s.path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to compact lessons: %w", err)
	}
	return nil
}

const ellipsis = "…"

// Truncate shortens s to at most max bytes, ellipsis included, without
// splitting a rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max < len(ellipsis) {
		return ""
	}
	cut := max - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
