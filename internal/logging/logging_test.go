package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterRollsBySizeAndDay(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "toolmeter.log")
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := &RotatingWriter{BasePath: base, MaxBytes: 10, clock: func() time.Time { return now }}
	if err := w.roll(0); err != nil {
		t.Fatalf("roll: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("12345678")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "toolmeter-2026-03-01.log")); err != nil {
		t.Fatalf("expected first file: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "toolmeter-2026-03-01-2.log"))
	if err != nil {
		t.Fatalf("expected rollover file: %v", err)
	}
	if string(data) != "abcdef" {
		t.Fatalf("unexpected rollover content %q", data)
	}

	now = now.Add(24 * time.Hour)
	if _, err := w.Write([]byte("next")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "toolmeter-2026-03-02.log")); err != nil {
		t.Fatalf("expected next-day file: %v", err)
	}
	current, err := os.ReadFile(base)
	if err != nil {
		t.Fatalf("read base link: %v", err)
	}
	if string(current) != "next" {
		t.Fatalf("base should follow the live file, got %q", current)
	}
}

func TestRotatingWriterDash(t *testing.T) {
	w, err := NewRotatingWriter("-", 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if n, err := w.Write([]byte("dropped")); err != nil || n != 7 {
		t.Fatalf("unexpected write result %d %v", n, err)
	}
}

func TestLeveledFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := NewLeveled(log.New(&buf, "[test] ", 0), ParseLevel("warn"))
	l.Debugf("hidden %d", 1)
	l.Infof("hidden %d", 2)
	l.Warnf("shown %d", 3)
	l.Errorf("shown %d", 4)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("unexpected low-level output: %q", out)
	}
	if !strings.Contains(out, "[test] WARN shown 3") || !strings.Contains(out, "ERROR shown 4") {
		t.Fatalf("missing output: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"DEBUG": LevelDebug, "warning": LevelWarn, "error": LevelError, "": LevelInfo, "loud": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
