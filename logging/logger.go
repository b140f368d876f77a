// Package logging is a small structured logger that writes one JSON object
// per line. Loggers are immutable: WithField and friends return a derived
// logger sharing the parent's output.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel accepts level names case-insensitively.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel, nil
	case "", "INFO":
		return InfoLevel, nil
	case "WARN", "WARNING":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	case "FATAL":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger represents a structured logger
type Logger struct {
	level     LogLevel
	output    io.Writer
	writeMu   *sync.Mutex
	component string
	fields    map[string]interface{}
}

// Config represents logger configuration
type Config struct {
	Level     LogLevel
	Output    io.Writer
	Component string
}

// NewLogger creates a new structured logger
func NewLogger(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	return &Logger{
		level:     config.Level,
		output:    config.Output,
		writeMu:   &sync.Mutex{},
		component: config.Component,
		fields:    make(map[string]interface{}),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewLogger(Config{Level: FatalLevel + 1, Output: io.Discard})
}

func (l *Logger) derive(extra map[string]interface{}) *Logger {
	next := &Logger{
		level:     l.level,
		output:    l.output,
		writeMu:   l.writeMu,
		component: l.component,
		fields:    make(map[string]interface{}, len(l.fields)+len(extra)),
	}
	for k, v := range l.fields {
		next.fields[k] = v
	}
	for k, v := range extra {
		next.fields[k] = v
	}
	return next
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(map[string]interface{}{key: value})
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.derive(fields)
}

// WithComponent sets the component for this logger
func (l *Logger) WithComponent(component string) *Logger {
	next := l.derive(nil)
	next.component = component
	return next
}

// Enabled reports whether level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.level
}

func (l *Logger) Debug(message string) {
	l.log(DebugLevel, message, nil)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DebugLevel, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Info(message string) {
	l.log(InfoLevel, message, nil)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(InfoLevel, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warn(message string) {
	l.log(WarnLevel, message, nil)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WarnLevel, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Error(message string) {
	l.log(ErrorLevel, message, nil)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ErrorLevel, fmt.Sprintf(format, args...), nil)
}

// ErrorWithErr logs an error message with an error object
func (l *Logger) ErrorWithErr(message string, err error) {
	l.log(ErrorLevel, message, map[string]interface{}{"error": err.Error()})
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string) {
	l.log(FatalLevel, message, nil)
	os.Exit(1)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FatalLevel, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// LogOperation runs fn and logs its outcome with the elapsed time. Start and
// success lines are debug-level; failures are logged at warn.
func (l *Logger) LogOperation(operation string, fn func() error) error {
	start := time.Now()
	l.WithField("operation", operation).Debug("Operation started")

	err := fn()

	logger := l.WithFields(map[string]interface{}{
		"operation":   operation,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Operation failed")
		return err
	}

	logger.Debug("Operation completed")
	return nil
}

// log writes a log entry
func (l *Logger) log(level LogLevel, message string, additionalFields map[string]interface{}) {
	if level < l.level {
		return
	}

	caller := ""
	if level >= ErrorLevel {
		caller = getCaller()
	}

	line := l.formatEntry(time.Now(), level, message, caller, additionalFields)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.output.Write(append(line, '\n'))
}

// formatEntry renders the fixed keys first, then context fields sorted by
// name so output is stable.
func (l *Logger) formatEntry(ts time.Time, level LogLevel, message, caller string, extra map[string]interface{}) []byte {
	var b strings.Builder
	b.WriteByte('{')
	writePair(&b, "timestamp", ts.Format(time.RFC3339Nano))
	b.WriteByte(',')
	writePair(&b, "level", level.String())
	b.WriteByte(',')
	writePair(&b, "message", message)
	if l.component != "" {
		b.WriteByte(',')
		writePair(&b, "component", l.component)
	}
	if caller != "" {
		b.WriteByte(',')
		writePair(&b, "caller", caller)
	}

	merged := l.fields
	if len(extra) > 0 {
		merged = make(map[string]interface{}, len(l.fields)+len(extra))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range extra {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(',')
		writePair(&b, k, merged[k])
	}

	b.WriteByte('}')
	return []byte(b.String())
}

func writePair(b *strings.Builder, key string, value interface{}) {
	k, _ := json.Marshal(key)
	b.Write(k)
	b.WriteByte(':')

	switch v := value.(type) {
	case error:
		value = v.Error()
	case fmt.Stringer:
		value = v.String()
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		encoded, _ = json.Marshal(fmt.Sprintf("%v", value))
	}
	b.Write(encoded)
}

// getCaller returns the file and line number of the caller
func getCaller() string {
	// Skip getCaller -> log -> public method -> actual caller
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewLogger(Config{
		Level:     InfoLevel,
		Output:    os.Stderr,
		Component: "refgraph",
	})
)

// SetDefaultLogger sets the default logger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetDefaultLogger returns the default logger
func GetDefaultLogger() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Package-level convenience functions
func Debug(message string) {
	GetDefaultLogger().Debug(message)
}

func Debugf(format string, args ...interface{}) {
	GetDefaultLogger().Debugf(format, args...)
}

func Info(message string) {
	GetDefaultLogger().Info(message)
}

func Infof(format string, args ...interface{}) {
	GetDefaultLogger().Infof(format, args...)
}

func Warn(message string) {
	GetDefaultLogger().Warn(message)
}

func Warnf(format string, args ...interface{}) {
	GetDefaultLogger().Warnf(format, args...)
}

func Error(message string) {
	GetDefaultLogger().Error(message)
}

func Errorf(format string, args ...interface{}) {
	GetDefaultLogger().Errorf(format, args...)
}

func ErrorWithErr(message string, err error) {
	GetDefaultLogger().ErrorWithErr(message, err)
}
