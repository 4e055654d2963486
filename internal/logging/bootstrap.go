package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/TishSerg/browsession/internal/types"
)

type bootstrapEntry struct {
	level   types.LogLevel
	message string
}

// BootstrapLogger accumulates log entries generated before the main
// logger (and its log file) is initialized, so that startup messages
// still end up in the final log.
type BootstrapLogger struct {
	mu       sync.Mutex
	entries  []bootstrapEntry
	flushed  bool
	minLevel types.LogLevel
}

// NewBootstrapLogger creates a new bootstrap logger with INFO level by default.
func NewBootstrapLogger() *BootstrapLogger {
	return &BootstrapLogger{
		minLevel: types.LogLevelInfo,
	}
}

// SetLevel updates the minimum level applied at flush time.
func (b *BootstrapLogger) SetLevel(level types.LogLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minLevel = level
}

// Debug records an early debug message without printing it to console.
func (b *BootstrapLogger) Debug(format string, args ...interface{}) {
	b.record(types.LogLevelDebug, fmt.Sprintf(format, args...))
}

// Info records an early informational message.
func (b *BootstrapLogger) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(msg)
	b.record(types.LogLevelInfo, msg)
}

// Warning records an early warning (printed to stderr).
func (b *BootstrapLogger) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	fmt.Fprint(os.Stderr, msg)
	b.record(types.LogLevelWarning, strings.TrimSuffix(msg, "\n"))
}

// Error records an early error (printed to stderr).
func (b *BootstrapLogger) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	fmt.Fprint(os.Stderr, msg)
	b.record(types.LogLevelError, strings.TrimSuffix(msg, "\n"))
}

func (b *BootstrapLogger) record(level types.LogLevel, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, bootstrapEntry{
		level:   level,
		message: message,
	})
}

// Flush replays the accumulated entries into the main logger's log file
// (only once). Console output already happened at record time, so the
// replay only goes to the file side.
func (b *BootstrapLogger) Flush(logger *Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed || logger == nil {
		return
	}
	b.flushed = true

	for _, entry := range b.entries {
		if entry.level > b.minLevel {
			continue
		}
		logger.appendToFile(entry.level, entry.message)
	}
	b.entries = nil
}

// appendToFile writes a line directly to the log file (if any) without
// emitting it to stdout. Used by BootstrapLogger.Flush to avoid
// duplicating early console output.
func (l *Logger) appendToFile(level types.LogLevel, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return
	}
	fmt.Fprintf(l.logFile, "[%s] %-8s %s\n",
		time.Now().Format(l.timeFormat),
		level.String(),
		message,
	)
}
