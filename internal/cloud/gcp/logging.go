// Package gcp holds the Google Cloud integrations: structured JSON logging
// that the Cloud Logging agent understands, a direct Cloud Logging sink used
// as a notification channel, and Secret Manager access for channel tokens.
package gcp

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Severity levels for structured logs
type Severity string

const (
	SeverityDefault  Severity = "DEFAULT"
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// LogEntry is one structured line.
type LogEntry struct {
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Cycle     string                 `json:"cycle,omitempty"`
	Labels    map[string]string      `json:"labels,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LoggerInterface is what components log through.
type LoggerInterface interface {
	Log(severity Severity, message string, fields map[string]interface{})
	LogInfo(message string)
	LogWarning(message string)
	LogError(message string)
	SetCycle(cycle string)
	Flush() error
	Close() error
}

// StructuredLogger writes one JSON object per line. The Cloud Logging agent
// forwards such lines with their severity intact; locally they are greppable.
type StructuredLogger struct {
	mu        sync.Mutex
	writer    io.Writer
	component string
	cycle     string
	labels    map[string]string
	closed    bool
	now       func() time.Time
}

// LoggerOption configures a StructuredLogger
type LoggerOption func(*StructuredLogger)

// WithLabels adds labels to every entry
func WithLabels(labels map[string]string) LoggerOption {
	return func(l *StructuredLogger) {
		for k, v := range labels {
			l.labels[k] = v
		}
	}
}

// WithWriter redirects output
func WithWriter(w io.Writer) LoggerOption {
	return func(l *StructuredLogger) {
		l.writer = w
	}
}

// WithCycle sets the initial cycle id
func WithCycle(cycle string) LoggerOption {
	return func(l *StructuredLogger) {
		l.cycle = cycle
	}
}

// NewLogger returns a structured logger for component, writing to stderr
// unless WithWriter says otherwise.
func NewLogger(component string, opts ...LoggerOption) *StructuredLogger {
	host, _ := os.Hostname()
	l := &StructuredLogger{
		writer:    os.Stderr,
		component: component,
		labels: map[string]string{
			"component": component,
			"host":      host,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log writes a structured entry
func (l *StructuredLogger) Log(severity Severity, message string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.writer == nil {
		return
	}

	entry := LogEntry{
		Severity:  severity,
		Message:   message,
		Timestamp: l.now().UTC(),
		Component: l.component,
		Cycle:     l.cycle,
		Labels:    l.labels,
		Fields:    fields,
	}
	_, _ = fmt.Fprintln(l.writer, FormatLogEntry(entry))
}

func (l *StructuredLogger) LogInfo(message string)    { l.Log(SeverityInfo, message, nil) }
func (l *StructuredLogger) LogWarning(message string) { l.Log(SeverityWarning, message, nil) }
func (l *StructuredLogger) LogError(message string)   { l.Log(SeverityError, message, nil) }

// SetCycle tags subsequent entries with cycle
func (l *StructuredLogger) SetCycle(cycle string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cycle = cycle
}

// Flush syncs the writer when it supports it
func (l *StructuredLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if syncer, ok := l.writer.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// Close stops further writes
func (l *StructuredLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// FormatLogEntry renders entry as a single JSON line
func FormatLogEntry(entry LogEntry) string {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"severity":"ERROR","message":"failed to marshal log entry: %v"}`, err)
	}
	return string(data)
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Log(Severity, string, map[string]interface{}) {}
func (NopLogger) LogInfo(string)                               {}
func (NopLogger) LogWarning(string)                            {}
func (NopLogger) LogError(string)                              {}
func (NopLogger) SetCycle(string)                              {}
func (NopLogger) Flush() error                                 { return nil }
func (NopLogger) Close() error                                 { return nil }

var (
	_ LoggerInterface = (*StructuredLogger)(nil)
	_ LoggerInterface = NopLogger{}
)
