package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	// TRACE level for per-chunk relay details
	TRACE LogLevel = iota
	// DEBUG level for detailed troubleshooting information
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// FATAL level for critical errors that prevent operation
	FATAL
)

// EnvLevel is the environment variable consulted by LevelFromEnv.
const EnvLevel = "ADSIEVE_LOGLEVEL"

var (
	// currentLevel is read from every connection goroutine
	currentLevel atomic.Int32
	// stdLogger is the standard logger instance
	stdLogger = log.New(os.Stdout, "", log.LstdFlags)
)

func init() {
	currentLevel.Store(int32(INFO))
}

// SetLevel sets the current logging level
func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

func IsLevelEnabled(level LogLevel) bool {
	return level >= GetLevel()
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	stdLogger.SetOutput(w)
}

// LevelFromEnv applies ADSIEVE_LOGLEVEL if it is set and reports whether it was.
func LevelFromEnv() bool {
	val := os.Getenv(EnvLevel)
	if val == "" {
		return false
	}
	SetLevel(GetLevelFromString(val))
	return true
}

// GetLevelFromString converts a string level to LogLevel
func GetLevelFromString(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
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

// levelToString converts a LogLevel to its string representation
func levelToString(level LogLevel) string {
	switch level {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func logMessage(level LogLevel, format string, v ...any) {
	if !IsLevelEnabled(level) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	stdLogger.Printf("[%s] %s", levelToString(level), msg)
}

// Trace logs a trace message
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, format, v...)
}

// Debug logs a debug message
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, format, v...)
}

// Info logs an informational message
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, format, v...)
}

// Warn logs a warning message
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, format, v...)
}

// Error logs an error message
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, format, v...)
}

// Fatal logs a fatal message and exits
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, format, v...)
	os.Exit(1)
}

// ConnLogger logs messages prefixed with a registry connection ID,
// e.g. "[conn 42] dial failed".
type ConnLogger struct {
	id int64
}

// ForConnection returns a ConnLogger for the connection id.
func ForConnection(id int64) ConnLogger {
	return ConnLogger{id: id}
}

func (c ConnLogger) log(level LogLevel, format string, v ...any) {
	if !IsLevelEnabled(level) {
		return
	}
	stdLogger.Printf("[%s] [conn %d] %s", levelToString(level), c.id, fmt.Sprintf(format, v...))
}

// Debug logs a debug message for the connection.
func (c ConnLogger) Debug(format string, v ...any) { c.log(DEBUG, format, v...) }

// Info logs an informational message for the connection.
func (c ConnLogger) Info(format string, v ...any) { c.log(INFO, format, v...) }

// Warn logs a warning for the connection.
func (c ConnLogger) Warn(format string, v ...any) { c.log(WARN, format, v...) }

// Error logs an error for the connection.
func (c ConnLogger) Error(format string, v ...any) { c.log(ERROR, format, v...) }
