package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger defines a simple interface for logging.
// Every component receives one explicitly; there is no package-level logger.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Fatalf(format string, v ...interface{})
}

// LogLevel defines the verbosity of the logger.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorDim    = "\033[2m"
)

func colorize(s string, color string, noColor bool) string {
	if noColor {
		return s
	}
	return color + s + colorReset
}

// defaultLogger writes leveled, timestamped lines. Debug/Info/Warn go to out,
// Error/Fatal go to errOut.
type defaultLogger struct {
	mu       sync.Mutex
	out      *log.Logger
	errOut   *log.Logger
	logLevel LogLevel
	noColor  bool
	silent   bool
	// beforeWrite/afterWrite let the progress bar clear and redraw its line
	// around each log line.
	beforeWrite func()
	afterWrite  func()
}

// NewDefaultLogger creates a logger writing to stdout/stderr.
// Color is dropped automatically when stdout is not a terminal.
func NewDefaultLogger(level LogLevel, noColor bool, silent bool) Logger {
	if !IsTerminal(os.Stdout) {
		noColor = true
	}
	return NewWriterLogger(os.Stdout, os.Stderr, level, noColor, silent)
}

// NewWriterLogger creates a logger over arbitrary writers.
func NewWriterLogger(out, errOut io.Writer, level LogLevel, noColor bool, silent bool) Logger {
	if silent {
		out = io.Discard
	}
	return &defaultLogger{
		out:      log.New(out, "", 0),
		errOut:   log.New(errOut, "", 0),
		logLevel: level,
		noColor:  noColor,
		silent:   silent,
	}
}

// SetWriteHooks registers callbacks run around each emitted line.
// Loggers not created by this package are left untouched.
func SetWriteHooks(l Logger, before, after func()) {
	dl, ok := l.(*defaultLogger)
	if !ok {
		return
	}
	dl.mu.Lock()
	dl.beforeWrite = before
	dl.afterWrite = after
	dl.mu.Unlock()
}

func (l *defaultLogger) format(levelStr, levelColor, format string, v ...interface{}) string {
	currentTime := time.Now().Format("15:04:05")
	prefix := fmt.Sprintf("%s [%s] ",
		colorize(fmt.Sprintf("[%s]", currentTime), colorDim, l.noColor),
		colorize(levelStr, levelColor, l.noColor),
	)
	return prefix + fmt.Sprintf(format, v...)
}

func (l *defaultLogger) emit(logger *log.Logger, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.beforeWrite != nil {
		l.beforeWrite()
	}
	logger.Print(line)
	if l.afterWrite != nil {
		l.afterWrite()
	}
}

func (l *defaultLogger) Debugf(format string, v ...interface{}) {
	if l.logLevel <= LevelDebug {
		l.emit(l.out, l.format("DEBUG", colorBlue, format, v...))
	}
}

func (l *defaultLogger) Infof(format string, v ...interface{}) {
	if l.logLevel <= LevelInfo {
		l.emit(l.out, l.format("INFO", colorGreen, format, v...))
	}
}

func (l *defaultLogger) Warnf(format string, v ...interface{}) {
	if l.logLevel <= LevelWarn {
		l.emit(l.out, l.format("WARN", colorYellow, format, v...))
	}
}

func (l *defaultLogger) Errorf(format string, v ...interface{}) {
	if l.logLevel <= LevelError {
		l.emit(l.errOut, l.format("ERROR", colorRed, format, v...))
	}
}

func (l *defaultLogger) Fatalf(format string, v ...interface{}) {
	l.emit(l.errOut, l.format("FATAL", colorRed, format, v...))
	os.Exit(1)
}

// NoOpLogger discards everything. Used by tests and library callers that
// do not care about logs.
type NoOpLogger struct{}

func (l *NoOpLogger) Debugf(format string, args ...interface{}) {}
func (l *NoOpLogger) Infof(format string, args ...interface{})  {}
func (l *NoOpLogger) Warnf(format string, args ...interface{})  {}
func (l *NoOpLogger) Errorf(format string, args ...interface{}) {}
func (l *NoOpLogger) Fatalf(format string, args ...interface{}) {}

// StringToLogLevel converts a log level string to LogLevel type.
// Defaults to LevelInfo if the string is unrecognized.
func StringToLogLevel(levelStr string) LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		fmt.Fprintf(os.Stderr, "Unknown log level string '%s', defaulting to INFO.\n", levelStr)
		return LevelInfo
	}
}
