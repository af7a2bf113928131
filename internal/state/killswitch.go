package state

import (
	"fmt"
	"os"
	"strings"
)

// KillSwitchSet reports whether the kill-switch sentinel exists. Its content
// is ignored.
func KillSwitchSet(path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("check kill switch %s: %w", path, err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("kill switch path is a directory: %s", path)
	}
	return true, nil
}

// ClearKillSwitch removes the sentinel. Returns true if one was present.
func ClearKillSwitch(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("remove kill switch %s: %w", path, err)
}
