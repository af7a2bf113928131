package gcp

import (
	"testing"

	"cloud.google.com/go/logging"
)

type recordingLogger struct {
	entries []logging.Entry
	flushes int
}

func (r *recordingLogger) Log(e logging.Entry) { r.entries = append(r.entries, e) }
func (r *recordingLogger) Flush() error        { r.flushes++; return nil }

func TestLogSink_Write(t *testing.T) {
	rec := &recordingLogger{}
	sink := &LogSink{logger: rec, logID: "cyclewarden"}

	sink.Write(SeverityError, map[string]string{"title": "cycle failed"}, map[string]string{"cycle": "000003"})
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(rec.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(rec.entries))
	}
	if rec.entries[0].Severity != logging.Error {
		t.Errorf("severity = %v, want Error", rec.entries[0].Severity)
	}
	if rec.entries[0].Labels["cycle"] != "000003" {
		t.Errorf("labels = %v", rec.entries[0].Labels)
	}
	if rec.flushes != 1 {
		t.Errorf("Close should flush once, got %d", rec.flushes)
	}
}
