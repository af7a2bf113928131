package lessons

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestStore(t *testing.T, max int) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "lessons.jsonl"), max)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	s.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return s
}

func TestAppendAndReadRecent(t *testing.T) {
	s := newTestStore(t, 0)

	for i, reason := range []string{"exit_status", "timeout", "no_status"} {
		if err := s.Append("00000"+string(rune('1'+i)), reason, "details "+reason); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := s.ReadRecent(2)
	if err != nil {
		t.Fatalf("ReadRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 lessons, got %d", len(recent))
	}
	if recent[0].Reason != "timeout" || recent[1].Reason != "no_status" {
		t.Errorf("expected tail [timeout no_status], got [%s %s]", recent[0].Reason, recent[1].Reason)
	}
	if recent[1].Cycle != "000003" {
		t.Errorf("unexpected cycle: %s", recent[1].Cycle)
	}

	all, err := s.ReadRecent(0)
	if err != nil || len(all) != 3 {
		t.Fatalf("ReadRecent(0) = %d lessons, err %v", len(all), err)
	}
}

func TestReadRecent_MissingFile(t *testing.T) {
	s := newTestStore(t, 0)
	recent, err := s.ReadRecent(5)
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("expected no lessons, got %d", len(recent))
	}
}

func TestReadRecent_SkipsTornLines(t *testing.T) {
	s := newTestStore(t, 0)
	if err := s.Append("000001", "exit_status", ""); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(s.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{\"at\":\"2026-01-0\n")
	_ = f.Close()
	if err := s.Append("000002", "timeout", ""); err != nil {
		t.Fatal(err)
	}

	recent, err := s.ReadRecent(10)
	if err != nil {
		t.Fatalf("ReadRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected torn line to be skipped, got %d lessons", len(recent))
	}
}

func TestAppend_CompactsPastRetention(t *testing.T) {
	s := newTestStore(t, 3)
	for i := 0; i < 5; i++ {
		if err := s.Append("c", "r"+string(rune('a'+i)), ""); err != nil {
			t.Fatal(err)
		}
	}
	all, err := s.ReadRecent(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 retained lessons, got %d", len(all))
	}
	if all[0].Reason != "rc" || all[2].Reason != "re" {
		t.Errorf("expected newest lessons retained, got %s..%s", all[0].Reason, all[2].Reason)
	}
}

func TestAppend_TruncatesDetails(t *testing.T) {
	s := newTestStore(t, 0)
	long := strings.Repeat("é", MaxDetailBytes)
	if err := s.Append("000001", "exit_status", long); err != nil {
		t.Fatal(err)
	}
	recent, _ := s.ReadRecent(1)
	got := recent[0].Details
	if len(got) > MaxDetailBytes {
		t.Errorf("details not truncated: %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Error("truncation split a rune")
	}
}

func TestRender(t *testing.T) {
	if got := Render(nil); got != "" {
		t.Fatalf("empty render = %q", got)
	}
	s := newTestStore(t, 0)
	_ = s.Append("000004", "timeout", "worker exceeded 30m\nsecond line")
	recent, err := s.ReadRecent(5)
	if err != nil {
		t.Fatal(err)
	}
	ctx := Render(recent)
	if !strings.HasPrefix(ctx, "## Recent Failures") {
		t.Errorf("missing header: %q", ctx)
	}
	if !strings.Contains(ctx, "cycle 000004") || !strings.Contains(ctx, "worker exceeded 30m second line") {
		t.Errorf("unexpected context: %q", ctx)
	}
}

func TestTruncate(t *testing.T) {
	if Truncate("short", 10) != "short" {
		t.Error("short strings pass through")
	}
	if got := Truncate("abcdefgh", 6); got != "abc…" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abcdef", 2); got != "" {
		t.Errorf("limit below the ellipsis = %q", got)
	}
	for _, max := range []int{3, 4, 5, 6, 7, MaxDetailBytes} {
		got := Truncate(strings.Repeat("日本", MaxDetailBytes), max)
		if len(got) > max {
			t.Errorf("Truncate(_, %d) is %d bytes", max, len(got))
		}
		if !utf8.ValidString(got) || !strings.HasSuffix(got, "…") {
			t.Errorf("Truncate(_, %d) = %q", max, got)
		}
	}
}
