package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// IterationLog represents one phase outcome on one host within an iteration.
type IterationLog struct {
	Timestamp       time.Time `json:"timestamp"`
	SessionID       string    `json:"session_id"`
	IterationNum    int       `json:"iteration_num"`
	CommitSHA       string    `json:"commit_sha"`
	Host            string    `json:"host"`
	Phase           string    `json:"phase"` // validate, build, boot, test, aggregate
	TraceID         string    `json:"trace_id,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	KernelVersion   string    `json:"kernel_version,omitempty"`
}

// Logger handles iteration logging: a human-readable console stream plus
// an optional newline-delimited JSON file for offline inspection.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes an iteration log entry.
func (l *Logger) Log(entry *IterationLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "FAIL"
		}
		fmt.Printf("[iter %d %s] %s %s: %s %dms\n",
			entry.IterationNum, entry.CommitSHA, entry.Host, entry.Phase, status, entry.DurationMs)
		if entry.Error != "" {
			fmt.Printf("[iter %d %s]   error: %s\n", entry.IterationNum, entry.CommitSHA, entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
