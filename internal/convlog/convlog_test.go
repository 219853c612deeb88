package convlog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesPerConversationNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		UserID:     "user-1",
		ChatID:     "chat-1",
		Channel:    ChannelWebSocket,
		Direction:  Inbound,
		EventType:  "user_message",
		ContentRaw: "how do I\n  stop   scrolling?",
	})

	path := filepath.Join(dir, "user-1", "chat-1.ndjson")
	line := waitForLogLine(t, path)
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "how do I\n  stop   scrolling?" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content != "how do I stop scrolling?" {
		t.Fatalf("unexpected cleaned content: %q", got.Content)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be filled")
	}
}

func TestLoggerCloseDrainsQueue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir, GlobalEnabled: true, GlobalPath: filepath.Join(dir, "all.ndjson")}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		logger.Log(Event{UserID: "u", ChatID: "c", EventType: "assistant_message", ContentRaw: "x"})
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	logger.Log(Event{UserID: "u", ChatID: "c"})

	data, err := os.ReadFile(filepath.Join(dir, "all.ndjson"))
	if err != nil {
		t.Fatalf("read global: %v", err)
	}
	if n := strings.Count(string(data), "\n"); n != 10 {
		t.Fatalf("expected 10 lines, got %d", n)
	}
}

func TestDisabledLoggerIsNop(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := logger.(Nop); !ok {
		t.Fatalf("expected Nop, got %T", logger)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func TestSafeSegment(t *testing.T) {
	t.Parallel()

	if got := safeSegment("../etc", "x"); strings.Contains(got, "/") {
		t.Fatalf("expected path separators removed, got %q", got)
	}
	if got := safeSegment("", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
