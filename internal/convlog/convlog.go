// Package convlog writes conversation transcripts as NDJSON, one file per
// user and conversation, off the request path.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Config controls transcript logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one transcript line.
type Event struct {
	Timestamp  time.Time      `json:"ts"`
	UserID     string         `json:"user_id"`
	ChatID     string         `json:"chat_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Channel and direction values.
const (
	ChannelWebSocket = "websocket"
	ChannelSSE       = "sse"

	Inbound  = "inbound"
	Outbound = "outbound"
)

// Logger records transcript events. Log never blocks.
type Logger interface {
	Log(Event)
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Log(Event)    {}
func (Nop) Close() error { return nil }

type fileLogger struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}

	files  map[string]*os.File
	global *os.File
}

// New returns a Nop logger when cfg is disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  map[string]*os.File{},
	}

	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create transcript dir: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global transcript dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open global transcript: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

func (l *fileLogger) Log(ev Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Transcript queue full, dropping event", "user_id", ev.UserID, "chat_id", ev.ChatID, "event_type", ev.EventType)
	}
}

func (l *fileLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		l.write(ev)
	}
	for path, f := range l.files {
		if err := f.Close(); err != nil {
			l.logger.Warn("Failed to close transcript", "path", path, "error", err)
		}
	}
	if l.global != nil {
		_ = l.global.Close()
	}
}

func (l *fileLogger) write(ev Event) {
	if ev.Content == "" && ev.ContentRaw != "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("Failed to encode transcript event", "error", err)
		return
	}
	line = append(line, '\n')

	if l.cfg.Enabled {
		f, err := l.file(ev.UserID, ev.ChatID)
		if err != nil {
			l.logger.Warn("Failed to open transcript", "user_id", ev.UserID, "chat_id", ev.ChatID, "error", err)
		} else if _, err := f.Write(line); err != nil {
			l.logger.Warn("Failed to write transcript", "user_id", ev.UserID, "chat_id", ev.ChatID, "error", err)
		}
	}
	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Warn("Failed to write global transcript", "error", err)
		}
	}
}

func (l *fileLogger) file(userID, chatID string) (*os.File, error) {
	path := filepath.Join(l.cfg.Dir, safeSegment(userID, "anonymous"), safeSegment(chatID, "unassigned")+".ndjson")
	if f, ok := l.files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.files[path] = f
	return f, nil
}

// Close stops accepting events and waits up to five seconds for the queue to drain.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("transcript writer did not drain in time")
	}
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeSegment(s, fallback string) string {
	s = unsafeSegment.ReplaceAllString(strings.TrimSpace(s), "_")
	if s == "" || s == "." || s == ".." {
		return fallback
	}
	return s
}

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

// cleanForReadability strips terminal escapes and control characters and
// collapses whitespace.
func cleanForReadability(s string) string {
	s = ansiSequence.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
