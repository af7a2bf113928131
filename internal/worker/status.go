package worker

import (
	"os"
	"strings"

	"github.com/andywolf/cyclewarden/internal/state"
)

// StatusFile is what a worker may write to CYCLEWARDEN_STATUS_FILE.
type StatusFile struct {
	Result  string `json:"result"`
	Summary string `json:"summary"`
	Intent  string `json:"intent,omitempty"`
	Details string `json:"details,omitempty"`
}

// Failed reports whether the worker marked the result as a failure.
func (s *StatusFile) Failed() bool {
	if s == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s.Result)) {
	case "failed", "failure", "error":
		return true
	}
	return false
}

// ReadStatusFile loads the status file, returning nil when it is absent.
func ReadStatusFile(path string) (*StatusFile, error) {
	var s StatusFile
	found, err := state.ReadJSON(path, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// ClearStatusFile removes a leftover status file.
func ClearStatusFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
