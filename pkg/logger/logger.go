// Package logger is the component-scoped logger used across chatrelay.
//
// Every call names a component ("agent", "discord", "state", ...) and may
// carry a field map. Lines go to stderr; EnableFileLogging additionally
// appends one JSON object per entry to a file.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a level name to a LogLevel, defaulting to INFO.
func ParseLevel(name string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

type logger struct {
	level LogLevel
	out   io.Writer
	file  *os.File
	mu    sync.Mutex
}

var std = &logger{level: INFO, out: os.Stderr}

type fileEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func SetLevel(level LogLevel) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

func GetLevel() LogLevel {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.level
}

// SetOutput redirects console output. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	std.out = w
}

func EnableFileLogging(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		_ = std.file.Close()
	}
	std.file = f
	return nil
}

func DisableFileLogging() {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		_ = std.file.Close()
		std.file = nil
	}
}

func logMessage(level LogLevel, component, message string, fields map[string]any) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if level < std.level {
		return
	}

	now := time.Now()
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(now.Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteString("] [")
	b.WriteString(level.String())
	b.WriteString("]")
	if component != "" {
		b.WriteString(" ")
		b.WriteString(component)
		b.WriteString(":")
	}
	b.WriteString(" ")
	b.WriteString(message)
	if len(fields) > 0 {
		b.WriteString(" {")
		b.WriteString(formatFields(fields))
		b.WriteString("}")
	}
	b.WriteString("\n")
	_, _ = io.WriteString(std.out, b.String())

	if std.file != nil {
		entry := fileEntry{
			Timestamp: now.UTC().Format(time.RFC3339Nano),
			Level:     level.String(),
			Component: component,
			Message:   message,
			Fields:    fields,
		}
		if data, err := json.Marshal(entry); err == nil {
			_, _ = std.file.Write(append(data, '\n'))
		}
	}

	if level == FATAL {
		os.Exit(1)
	}
}

func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, ", ")
}

func Debug(message string)                         { logMessage(DEBUG, "", message, nil) }
func DebugC(component, message string)             { logMessage(DEBUG, component, message, nil) }
func DebugF(message string, fields map[string]any) { logMessage(DEBUG, "", message, fields) }
func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string)                         { logMessage(INFO, "", message, nil) }
func InfoC(component, message string)             { logMessage(INFO, component, message, nil) }
func InfoF(message string, fields map[string]any) { logMessage(INFO, "", message, fields) }
func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string)                         { logMessage(WARN, "", message, nil) }
func WarnC(component, message string)             { logMessage(WARN, component, message, nil) }
func WarnF(message string, fields map[string]any) { logMessage(WARN, "", message, fields) }
func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string)                         { logMessage(ERROR, "", message, nil) }
func ErrorC(component, message string)             { logMessage(ERROR, component, message, nil) }
func ErrorF(message string, fields map[string]any) { logMessage(ERROR, "", message, fields) }
func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}

func Fatal(message string)             { logMessage(FATAL, "", message, nil) }
func FatalC(component, message string) { logMessage(FATAL, component, message, nil) }
func FatalCF(component, message string, fields map[string]any) {
	logMessage(FATAL, component, message, fields)
}
