package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// EventLogWriter appends event records to a local file with rotation.
type EventLogWriter struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxSize  int64
	maxFiles int
	written  int64

	// MinLevel drops records below it.
	MinLevel slog.Level
}

// EventLogConfig configures an EventLogWriter.
type EventLogConfig struct {
	Path     string
	MaxSize  int64 // max file size in bytes (default: 10MB)
	MaxFiles int   // number of rotated files to keep (default: 5)
}

// NewEventLogWriter creates an event log file writer.
func NewEventLogWriter(cfg EventLogConfig) (*EventLogWriter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("no event log file specified")
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024 // 10MB
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	lw := &EventLogWriter{
		file:     f,
		path:     cfg.Path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
		MinLevel: slog.LevelDebug,
	}
	if info, err := f.Stat(); err == nil {
		lw.written = info.Size()
	}
	return lw, nil
}

// Write appends one line for rec.
func (lw *EventLogWriter) Write(rec EventRecord) error {
	if rec.Level < lw.MinLevel {
		return nil
	}
	line := rec.String() + "\n"

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.file == nil {
		return fmt.Errorf("log file closed")
	}

	n, err := lw.file.WriteString(line)
	if err != nil {
		return err
	}
	lw.written += int64(n)

	if lw.written >= lw.maxSize {
		lw.rotate()
	}
	return nil
}

// Close closes the log file.
func (lw *EventLogWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.file != nil {
		err := lw.file.Close()
		lw.file = nil
		return err
	}
	return nil
}

func (lw *EventLogWriter) rotate() {
	lw.file.Close()
	lw.file = nil
	rotateFiles(lw.path, lw.maxFiles)

	f, err := os.OpenFile(lw.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		slog.Warn("failed to open rotated event log file", "err", err)
		return
	}
	lw.file = f
	lw.written = 0
}

// rotateFiles shifts path.N to path.N+1, path to path.1, and removes the
// file beyond maxFiles.
func rotateFiles(path string, maxFiles int) {
	for i := maxFiles - 1; i > 0; i-- {
		old := fmt.Sprintf("%s.%d", path, i)
		next := fmt.Sprintf("%s.%d", path, i+1)
		os.Rename(old, next)
	}
	os.Rename(path, path+".1")
	os.Remove(fmt.Sprintf("%s.%d", path, maxFiles+1))
}
