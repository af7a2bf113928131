package cycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/andywolf/cyclewarden/internal/state"
)

// Counter is an on-disk monotonic counter. The file holds the last issued
// value as decimal text and is only ever replaced via rename.
type Counter struct {
	path  string
	guard *flock.Flock
}

// NewCounter returns a counter persisted at path.
func NewCounter(path string) *Counter {
	return &Counter{
		path:  path,
		guard: flock.New(path + ".guard"),
	}
}

// Current returns the last issued ID, or 0 if none has been issued.
func (c *Counter) Current() (ID, error) {
	return c.read()
}

// Next claims and persists the next ID. Concurrent callers in different
// processes are serialized by an advisory lock on the guard file.
func (c *Counter) Next() (ID, error) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return 0, fmt.Errorf("create counter directory: %w", err)
	}
	if err := c.guard.Lock(); err != nil {
		return 0, fmt.Errorf("lock counter: %w", err)
	}
	defer func() { _ = c.guard.Unlock() }()

	last, err := c.read()
	if err != nil {
		return 0, err
	}
	next := last + 1
	if err := state.WriteFileAtomic(c.path, []byte(strconv.FormatUint(uint64(next), 10)+"\n"), 0644); err != nil {
		return 0, fmt.Errorf("persist counter: %w", err)
	}
	return next, nil
}

func (c *Counter) read() (ID, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read counter: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	id, err := ParseID(text)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter file %s: %w", c.path, err)
	}
	return id, nil
}
