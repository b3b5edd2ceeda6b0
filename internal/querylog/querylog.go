// Package querylog writes one NDJSON summary line per completed turn.
package querylog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event summarizes a completed turn.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	ChatID         string    `json:"chat_id"`
	MessageID      string    `json:"message_id,omitempty"`
	UserEmail      string    `json:"user_email,omitempty"`
	Route          string    `json:"route"`
	Question       string    `json:"question"`
	SQL            string    `json:"sql,omitempty"`
	RowCount       int       `json:"row_count"`
	Viz            string    `json:"viz,omitempty"`
	RepairAttempts int       `json:"repair_attempts"`
	FromCache      bool      `json:"from_cache,omitempty"`
	Cost           float64   `json:"cost"`
	ExecutionMs    int64     `json:"execution_ms"`
	ProcessingMs   int64     `json:"processing_ms"`
	Error          string    `json:"error,omitempty"`
}

// Logger accepts turn summaries.
type Logger interface {
	Log(Event)
	Close() error
}

// Config controls the file logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Noop discards every event.
type Noop struct{}

// Log implements Logger.
func (Noop) Log(Event) {}

// Close implements Logger.
func (Noop) Close() error { return nil }

// FileLogger appends events to LOG_DIR/YYYY-MM-DD.ndjson from a background
// goroutine. When the queue is full new events are dropped.
type FileLogger struct {
	dir    string
	queue  chan Event
	logger *slog.Logger
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool

	day  string
	file *os.File
}

// New returns a FileLogger, or Noop when logging is disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("query log directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create query log directory: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &FileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, cfg.QueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log enqueues an event without blocking.
func (l *FileLogger) Log(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Query log queue full, dropping event", "chat_id", ev.ChatID)
	}
}

// Close drains the queue and closes the current file.
func (l *FileLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func (l *FileLogger) run() {
	defer close(l.done)
	defer func() {
		if l.file != nil {
			_ = l.file.Close()
		}
	}()

	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("Failed to write query log", "error", err)
		}
	}
}

func (l *FileLogger) write(ev Event) error {
	day := ev.Timestamp.Format("2006-01-02")
	if l.file == nil || day != l.day {
		if l.file != nil {
			_ = l.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(l.dir, day+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			l.file = nil
			return fmt.Errorf("open query log: %w", err)
		}
		l.file = f
		l.day = day
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal query log event: %w", err)
	}
	line = append(line, '\n')
	_, err = l.file.Write(line)
	return err
}
