// Package cycle defines cycle identity and the durable counter that issues it.
package cycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID identifies one cycle. IDs are issued strictly increasing by Counter.
type ID uint64

// String renders the ID zero-padded to six digits.
func (id ID) String() string {
	return fmt.Sprintf("%06d", uint64(id))
}

// ParseID parses a (possibly zero-padded) cycle ID.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty cycle id")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cycle id %q: %w", s, err)
	}
	return ID(n), nil
}

// Outcome is the terminal verdict of a cycle.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Record describes one cycle as it finished.
type Record struct {
	ID        ID            `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Attempt   int           `json:"attempt"`
	Outcome   Outcome       `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	Reason    string        `json:"reason,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// DurationSeconds is the cycle duration rounded to whole seconds.
func (r Record) DurationSeconds() int64 {
	return int64(r.Duration.Round(time.Second) / time.Second)
}

// Succeeded reports whether the cycle ended in success.
func (r Record) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}
