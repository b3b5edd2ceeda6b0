package querylog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileLoggerWritesDailyNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir, QueueSize: 16}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ts := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	logger.Log(Event{Timestamp: ts, ChatID: "c1", Route: "data", Question: "כמה?", SQL: "SELECT 1", RowCount: 1})
	logger.Log(Event{Timestamp: ts.Add(time.Minute), ChatID: "c1", Route: "free", Question: "שלום"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "2024-03-05.ndjson"))
	if err != nil {
		t.Fatalf("Expected daily file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	var got Event
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.SQL != "SELECT 1" || got.Route != "data" {
		t.Errorf("Unexpected event %+v", got)
	}
}

func TestFileLoggerRotatesByDay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	day := time.Date(2024, 3, 5, 23, 59, 0, 0, time.UTC)
	logger.Log(Event{Timestamp: day, ChatID: "a"})
	logger.Log(Event{Timestamp: day.Add(2 * time.Minute), ChatID: "b"})
	_ = logger.Close()

	for _, name := range []string{"2024-03-05.ndjson", "2024-03-06.ndjson"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected %s: %v", name, err)
		}
	}
}

func TestLogAfterCloseIsIgnored(t *testing.T) {
	logger, err := New(Config{Enabled: true, Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_ = logger.Close()
	logger.Log(Event{ChatID: "late"})
	_ = logger.Close()
}

func TestDisabledReturnsNoop(t *testing.T) {
	logger, err := New(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := logger.(Noop); !ok {
		t.Errorf("Expected Noop, got %T", logger)
	}
}
