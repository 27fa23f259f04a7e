package logging

import (
	"io"
	"sync"
	"time"
)

// Level represents a log level
type Level int

const (
	// DebugLevel covers per-operation detail such as individual trims
	DebugLevel Level = iota
	// InfoLevel covers lifecycle events (pool created, scheduler started)
	InfoLevel
	// WarnLevel covers recoverable contract violations and degraded fallbacks
	WarnLevel
	// ErrorLevel covers leaks and allocation failures
	ErrorLevel
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level. Unknown strings map to the fallback.
func ParseLevel(s string, fallback Level) Level {
	switch s {
	case "DEBUG", "debug":
		return DebugLevel
	case "INFO", "info":
		return InfoLevel
	case "WARN", "warn", "WARNING", "warning":
		return WarnLevel
	case "ERROR", "error":
		return ErrorLevel
	default:
		return fallback
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

// Logger is the interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With creates a child logger with the given fields pre-set
	With(fields ...Field) Logger
	SetLevel(level Level)
	GetLevel() Level
	// Enabled reports whether a message at level would be written.
	Enabled(level Level) bool
}

// JSONLogger implements Logger with one JSON object per line.
// Children created by With share the parent's writer lock and level.
type JSONLogger struct {
	out    *output
	fields []Field
}

type output struct {
	mu     sync.Mutex
	writer io.Writer
	level  Level
}

// LogEntry represents a single log entry in JSON format
type LogEntry struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// NopLogger is a logger that does nothing (useful for testing)
type NopLogger struct{}

func (NopLogger) Debug(msg string, fields ...Field) {}
func (NopLogger) Info(msg string, fields ...Field)  {}
func (NopLogger) Warn(msg string, fields ...Field)  {}
func (NopLogger) Error(msg string, fields ...Field) {}
func (n NopLogger) With(fields ...Field) Logger     { return n }
func (NopLogger) SetLevel(level Level)              {}
func (NopLogger) GetLevel() Level                   { return ErrorLevel }
func (NopLogger) Enabled(level Level) bool          { return false }

// NewNopLogger creates a logger that discards all output
func NewNopLogger() Logger {
	return NopLogger{}
}

// TimedOperation helps measure operation duration
type TimedOperation struct {
	logger Logger
	msg    string
	start  time.Time
	fields []Field
}
