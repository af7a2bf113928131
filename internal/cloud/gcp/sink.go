package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/logging"
	"google.golang.org/api/option"
)

// entryLogger is the subset of *logging.Logger the sink needs.
type entryLogger interface {
	Log(e logging.Entry)
	Flush() error
}

// LogSink writes notification entries straight to Cloud Logging.
type LogSink struct {
	client *logging.Client
	logger entryLogger
	logID  string
}

// NewLogSink opens a Cloud Logging client for project (resolved when empty)
// and writes under logID.
func NewLogSink(ctx context.Context, project, logID string, opts ...option.ClientOption) (*LogSink, error) {
	if project == "" {
		var err error
		if project, err = ProjectID(ctx); err != nil {
			return nil, fmt.Errorf("failed to get project ID: %w", err)
		}
	}
	if logID == "" {
		logID = "cyclewarden"
	}
	client, err := logging.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create logging client: %w", err)
	}
	return &LogSink{client: client, logger: client.Logger(logID), logID: logID}, nil
}

// Write buffers one entry; Flush sends it.
func (s *LogSink) Write(severity Severity, payload interface{}, labels map[string]string) {
	s.logger.Log(logging.Entry{
		Severity: logging.ParseSeverity(string(severity)),
		Payload:  payload,
		Labels:   labels,
	})
}

// Flush sends buffered entries
func (s *LogSink) Flush() error {
	return s.logger.Flush()
}

// Close flushes and closes the client
func (s *LogSink) Close() error {
	if s.client == nil {
		return s.logger.Flush()
	}
	return s.client.Close()
}
