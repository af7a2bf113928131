package engine

import "fmt"

// Failure reason codes recorded in lessons, history and reports.
const (
	ReasonExitStatus = "exit_status"
	ReasonTimeout    = "timeout"
	ReasonNoStatus   = "no_status"
	ReasonSolidify   = "solidify"
	ReasonSubWorker  = "subworker"
	ReasonSync       = "sync"
	ReasonStart      = "start"
)

// AttemptError is a failed attempt. Retryable failures are attempted again
// after backoff; the rest end the cycle immediately.
type AttemptError struct {
	Reason    string
	Detail    string
	Retryable bool
}

func (e *AttemptError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("attempt failed (%s)", e.Reason)
	}
	return fmt.Sprintf("attempt failed (%s): %s", e.Reason, e.Detail)
}

func retryable(reason, detail string) *AttemptError {
	return &AttemptError{Reason: reason, Detail: detail, Retryable: true}
}
