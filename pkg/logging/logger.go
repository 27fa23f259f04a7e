package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// NewJSONLogger creates a new JSON logger
func NewJSONLogger(writer io.Writer, level Level) *JSONLogger {
	return &JSONLogger{
		out: &output{writer: writer, level: level},
	}
}

// log is the internal logging method
func (l *JSONLogger) log(level Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Time:    time.Now().Format(time.RFC3339Nano),
		Level:   level.String(),
		Message: msg,
	}

	if n := len(l.fields) + len(fields); n > 0 {
		entry.Fields = make(map[string]any, n)
		for _, f := range l.fields {
			entry.Fields[f.Key] = f.Value
		}
		for _, f := range fields {
			entry.Fields[f.Key] = f.Value
		}
	}

	data, err := json.Marshal(entry)

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if err != nil {
		fmt.Fprintf(l.out.writer, "[ERROR] Failed to marshal log entry: %v\n", err)
		return
	}
	data = append(data, '\n')
	l.out.writer.Write(data)
}

// Debug logs a debug-level message
func (l *JSONLogger) Debug(msg string, fields ...Field) {
	l.log(DebugLevel, msg, fields...)
}

// Info logs an info-level message
func (l *JSONLogger) Info(msg string, fields ...Field) {
	l.log(InfoLevel, msg, fields...)
}

// Warn logs a warning-level message
func (l *JSONLogger) Warn(msg string, fields ...Field) {
	l.log(WarnLevel, msg, fields...)
}

// Error logs an error-level message
func (l *JSONLogger) Error(msg string, fields ...Field) {
	l.log(ErrorLevel, msg, fields...)
}

// With creates a child logger with the given fields pre-set
func (l *JSONLogger) With(fields ...Field) Logger {
	newFields := make([]Field, len(l.fields)+len(fields))
	copy(newFields, l.fields)
	copy(newFields[len(l.fields):], fields)

	return &JSONLogger{
		out:    l.out,
		fields: newFields,
	}
}

// SetLevel sets the minimum log level for this logger and all its children
func (l *JSONLogger) SetLevel(level Level) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.level = level
}

// GetLevel returns the current log level
func (l *JSONLogger) GetLevel() Level {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.level
}

// Enabled reports whether level passes the current threshold
func (l *JSONLogger) Enabled(level Level) bool {
	return level >= l.GetLevel()
}

// Global default logger
var (
	defaultLogger Logger
	defaultMu     sync.RWMutex
	once          sync.Once
)

// DefaultLogger returns the global default logger. It writes to stderr at
// WARN unless PIXMEM_LOG_LEVEL (or LOG_LEVEL) says otherwise.
func DefaultLogger() Logger {
	once.Do(func() {
		level := WarnLevel
		if levelStr := os.Getenv("PIXMEM_LOG_LEVEL"); levelStr != "" {
			level = ParseLevel(levelStr, level)
		} else if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
			level = ParseLevel(levelStr, level)
		}
		defaultMu.Lock()
		if defaultLogger == nil {
			defaultLogger = NewJSONLogger(os.Stderr, level)
		}
		defaultMu.Unlock()
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger Logger) {
	once.Do(func() {})
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// Debug logs a debug-level message using the default logger
func Debug(msg string, fields ...Field) {
	DefaultLogger().Debug(msg, fields...)
}

// Info logs an info-level message using the default logger
func Info(msg string, fields ...Field) {
	DefaultLogger().Info(msg, fields...)
}

// Warn logs a warning-level message using the default logger
func Warn(msg string, fields ...Field) {
	DefaultLogger().Warn(msg, fields...)
}

// ErrorLog logs an error-level message using the default logger
// Named ErrorLog to avoid conflict with Error field constructor
func ErrorLog(msg string, fields ...Field) {
	DefaultLogger().Error(msg, fields...)
}

// With creates a child logger with the given fields pre-set using the default logger
func With(fields ...Field) Logger {
	return DefaultLogger().With(fields...)
}

// StartTimer begins timing an operation
func StartTimer(logger Logger, msg string, fields ...Field) *TimedOperation {
	return &TimedOperation{
		logger: logger,
		msg:    msg,
		start:  time.Now(),
		fields: fields,
	}
}

// End logs the operation with its duration at INFO
func (t *TimedOperation) End() {
	t.EndWithLevel(InfoLevel, t.msg)
}

// EndWithLevel logs the operation at the specified level with its duration
func (t *TimedOperation) EndWithLevel(level Level, msg string, extra ...Field) {
	if !t.logger.Enabled(level) {
		return
	}
	fields := make([]Field, 0, len(t.fields)+len(extra)+1)
	fields = append(fields, t.fields...)
	fields = append(fields, extra...)
	fields = append(fields, Latency(time.Since(t.start)))
	switch level {
	case DebugLevel:
		t.logger.Debug(msg, fields...)
	case InfoLevel:
		t.logger.Info(msg, fields...)
	case WarnLevel:
		t.logger.Warn(msg, fields...)
	case ErrorLevel:
		t.logger.Error(msg, fields...)
	}
}

// EndError logs the operation as an error with its duration
func (t *TimedOperation) EndError(err error) {
	t.EndWithLevel(ErrorLevel, t.msg, Error(err))
}
