package types

import "time"

// BackupKind classifies a backup entry by the tag embedded in its name.
type BackupKind string

const (
	// BackupFull - regular backup including main and extra files
	BackupFull BackupKind = "full"

	// BackupEmergency - minimal backup triggered by low disk space
	BackupEmergency BackupKind = "emergency"
)

// String returns the string representation of the backup kind.
func (k BackupKind) String() string {
	return string(k)
}

// CompressionType represents the compression type.
type CompressionType string

const (
	// CompressionGzip - gzip compression
	CompressionGzip CompressionType = "gz"

	// CompressionXZ - xz compression (LZMA)
	CompressionXZ CompressionType = "xz"

	// CompressionZstd - zstd compression
	CompressionZstd CompressionType = "zst"

	// CompressionNone - no compression
	CompressionNone CompressionType = "none"
)

// String returns the string representation of the compression type.
func (c CompressionType) String() string {
	return string(c)
}

// BackupEntry describes one entry discovered under the backup root.
// Entries are re-scanned from disk on every operation; the directory
// is the source of truth and no index is kept in memory.
type BackupEntry struct {
	// Name is the base name, "<timestamp> (<tag>)" plus the archive
	// extension once compressed.
	Name string

	// Path is the full path under the backup root.
	Path string

	// IsDir is true while the entry is still an uncompressed directory.
	IsDir bool

	// ModTime orders entries. Archives inherit the mod time of the
	// directory they replaced, so ordering survives compression.
	ModTime time.Time

	// Emergency is true when the entry name carries the emergency tag.
	Emergency bool
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string to a LogLevel.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch s {
	case "debug":
		return LogLevelDebug, true
	case "info":
		return LogLevelInfo, true
	case "warning", "warn":
		return LogLevelWarning, true
	case "error":
		return LogLevelError, true
	case "critical":
		return LogLevelCritical, true
	case "none":
		return LogLevelNone, true
	default:
		return LogLevelInfo, false
	}
}
