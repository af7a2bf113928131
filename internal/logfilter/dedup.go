package logfilter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/text/unicode/norm"

	"github.com/andywolf/cyclewarden/internal/state"
)

const (
	DefaultWindow  = 10 * time.Minute
	DefaultMaxKeys = 500
)

// Volatile substrings replaced before hashing, applied in order.
var volatilePatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(\.\d+)?(z|[+-]\d{2}:?\d{2})?`), "<ts>"},
	{regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2}`), "<date>"},
	{regexp.MustCompile(`\d{1,2}:\d{2}:\d{2}(\.\d+)?`), "<time>"},
	{regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`), "<uuid>"},
	{regexp.MustCompile(`\b0x[0-9a-f]+\b`), "<hex>"},
	{regexp.MustCompile(`\b[0-9a-f]{7,40}\b`), "<hex>"},
	{regexp.MustCompile(`\bcycle[ #:=-]*\d+`), "cycle <n>"},
	{regexp.MustCompile(`\bpid[ #:=]*\d+`), "pid <n>"},
	{regexp.MustCompile(`\d+`), "<n>"},
	{regexp.MustCompile(`\s+`), " "},
}

// Normalize collapses incidental differences between structurally identical
// messages.
func Normalize(message string) string {
	s := strings.ToLower(norm.NFC.String(message))
	for _, v := range volatilePatterns {
		s = v.re.ReplaceAllString(s, v.repl)
	}
	return strings.TrimSpace(s)
}

// Key is the dedup key for a message at a severity.
func Key(message string, severity Severity) string {
	sum := sha256.Sum256([]byte(string(severity) + "|" + Normalize(message)))
	return hex.EncodeToString(sum[:])
}

// Entry is one tracked message class.
type Entry struct {
	Key  string    `json:"key"`
	At   time.Time `json:"at"`
	Hits int       `json:"hits"`
}

// Deduplicator suppresses repeats of a message class within a window. Each
// decision reloads the cache file and saves it back while holding a file
// lock, so the engine and the supervisor see each other's entries.
type Deduplicator struct {
	mu      sync.Mutex
	path    string
	guard   *flock.Flock
	window  time.Duration
	maxKeys int
	entries map[string]*Entry
	now     func() time.Time
}

// NewDeduplicator returns a deduplicator backed by the cache file at path.
// An empty path keeps state in memory only.
func NewDeduplicator(path string, window time.Duration, maxKeys int) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	var guard *flock.Flock
	if path != "" {
		guard = flock.New(path + ".guard")
	}
	return &Deduplicator{
		path:    path,
		guard:   guard,
		window:  window,
		maxKeys: maxKeys,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// ShouldSuppress reports whether message was already forwarded within the
// window. The first occurrence of a key is never suppressed; repeats bump the
// hit count. Persistence failures never suppress.
func (d *Deduplicator) ShouldSuppress(message string, severity Severity) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	unlock, err := d.lockFile()
	if err != nil {
		return false, err
	}
	defer unlock()

	loadErr := d.loadLocked()
	now := d.now().UTC()
	key := Key(message, severity)

	if e, ok := d.entries[key]; ok && now.Sub(e.At) < d.window {
		e.Hits++
		return true, firstErr(loadErr, d.saveLocked())
	}

	d.entries[key] = &Entry{Key: key, At: now, Hits: 1}
	d.evictLocked(now)
	return false, firstErr(loadErr, d.saveLocked())
}

// Entries returns a snapshot of tracked keys, newest first.
func (d *Deduplicator) Entries() ([]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	unlock, err := d.lockFile()
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = d.loadLocked()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, err
}

// evictLocked drops expired keys, then the oldest ones until under maxKeys.
func (d *Deduplicator) evictLocked(now time.Time) {
	for k, e := range d.entries {
		if now.Sub(e.At) >= d.window {
			delete(d.entries, k)
		}
	}
	if len(d.entries) <= d.maxKeys {
		return
	}
	ordered := make([]*Entry, 0, len(d.entries))
	for _, e := range d.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })
	for _, e := range ordered[:len(ordered)-d.maxKeys] {
		delete(d.entries, e.Key)
	}
}

// lockFile takes the cross-process guard. In-memory deduplicators have none.
func (d *Deduplicator) lockFile() (func(), error) {
	if d.guard == nil {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return nil, fmt.Errorf("create dedup directory: %w", err)
	}
	if err := d.guard.Lock(); err != nil {
		return nil, fmt.Errorf("lock dedup cache: %w", err)
	}
	return func() { _ = d.guard.Unlock() }, nil
}

// loadLocked replaces the in-memory entries with the file's current content.
func (d *Deduplicator) loadLocked() error {
	if d.path == "" {
		return nil
	}
	var stored []Entry
	if _, err := state.ReadJSON(d.path, &stored); err != nil {
		d.entries = make(map[string]*Entry)
		return fmt.Errorf("load dedup cache: %w", err)
	}
	d.entries = make(map[string]*Entry, len(stored))
	for i := range stored {
		e := stored[i]
		if e.Key == "" {
			continue
		}
		d.entries[e.Key] = &e
	}
	return nil
}

func (d *Deduplicator) saveLocked() error {
	if d.path == "" {
		return nil
	}
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if err := state.WriteJSON(d.path, out); err != nil {
		return fmt.Errorf("save dedup cache: %w", err)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
