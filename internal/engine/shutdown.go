package engine

import (
	"context"
	"time"
)

const (
	// DefaultNotifyWait bounds how long shutdown waits for in-flight
	// notifications.
	DefaultNotifyWait = 15 * time.Second

	// LogFlushTimeout bounds the final progress log flush.
	LogFlushTimeout = 5 * time.Second
)

// shutdown drains notifications and flushes logs. Safe to call twice.
func (e *Engine) shutdown() {
	e.shutdownOnce.Do(func() {
		e.logInfo("Shutting down")

		wait := e.opts.NotifyWait
		if wait <= 0 {
			wait = DefaultNotifyWait
		}
		if !e.notifier.Wait(wait) {
			e.logWarning("notifications still in flight after %s, abandoning them", wait)
		}

		e.flushLogs()
	})
}

// flushLogs flushes the progress log with a timeout so a wedged disk
// cannot hold the process open.
func (e *Engine) flushLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), LogFlushTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.progress.Flush()
	}()

	select {
	case err := <-done:
		if err != nil {
			e.logger.Printf("Warning: progress log flush failed: %v", err)
		}
	case <-ctx.Done():
		e.logger.Printf("Warning: progress log flush timed out, some entries may be lost")
	}
}
