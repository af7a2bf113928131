package engine

import (
	"fmt"

	"github.com/andywolf/cyclewarden/internal/cloud/gcp"
)

// logInfo logs at INFO level to both the local logger and the progress log
func (e *Engine) logInfo(format string, args ...interface{}) {
	msg := e.sanitizer.Sanitize(fmt.Sprintf(format, args...))
	e.logger.Printf("%s", msg)
	e.progress.LogInfo(msg)
}

// logWarning logs at WARNING level to both the local logger and the progress log
func (e *Engine) logWarning(format string, args ...interface{}) {
	msg := e.sanitizer.Sanitize(fmt.Sprintf(format, args...))
	e.logger.Printf("Warning: %s", msg)
	e.progress.LogWarning(msg)
}

// logError logs at ERROR level to both the local logger and the progress log
func (e *Engine) logError(format string, args ...interface{}) {
	msg := e.sanitizer.Sanitize(fmt.Sprintf(format, args...))
	e.logger.Printf("Error: %s", msg)
	e.progress.LogError(msg)
}

// logCycleEnd writes the structured summary entry for a finished cycle.
func (e *Engine) logCycleEnd(outcome, reason string, attempts int, seconds int64) {
	severity := gcp.SeverityInfo
	if outcome != "success" {
		severity = gcp.SeverityError
	}
	e.progress.Log(severity, "cycle finished", map[string]interface{}{
		"outcome":          outcome,
		"reason":           reason,
		"attempts":         attempts,
		"duration_seconds": seconds,
	})
}

// activity records the current action for status and ensure.
func (e *Engine) activity(cycleID, action string) {
	if err := e.layout.WriteActivity(cycleID, action); err != nil {
		e.logger.Printf("Warning: failed to record activity: %v", err)
	}
}
