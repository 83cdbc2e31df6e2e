// Package logger provides leveled, structured logging for nflow-automate on
// top of log/slog. Output goes through a tint handler and every string
// attribute is passed through the log sanitizer so tokens and credentials
// never reach the log stream.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/arturoeanton/nflow-automate/security/sanitizer"
	"github.com/lmittmann/tint"
)

// Level represents the logging level
type Level int

const (
	// LevelError logs only errors
	LevelError Level = iota
	// LevelInfo logs informational messages, warnings and errors
	LevelInfo
	// LevelVerbose logs everything including debug information
	LevelVerbose
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelError:
		return slog.LevelError
	case LevelVerbose:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Logger wraps a slog.Logger with the level switch used across the runtime.
type Logger struct {
	level *slog.LevelVar
	base  *slog.Logger
}

var (
	// Default is the default logger instance
	Default *Logger
	once    sync.Once
	mu      sync.Mutex
)

// Initialize sets up the default logger with the specified verbosity
func Initialize(verbose bool) {
	once.Do(func() {
		level := LevelInfo
		if verbose {
			level = LevelVerbose
		}
		setDefault(New(os.Stderr, level))
	})
}

func setDefault(l *Logger) {
	mu.Lock()
	Default = l
	mu.Unlock()
	slog.SetDefault(l.base)
}

func def() *Logger {
	mu.Lock()
	l := Default
	mu.Unlock()
	if l == nil {
		Initialize(false)
		mu.Lock()
		l = Default
		mu.Unlock()
	}
	return l
}

// New creates a logger writing to w. Colors are disabled when w is not a
// terminal-backed *os.File.
func New(w io.Writer, level Level) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level.slogLevel())

	san := sanitizer.NewLogSanitizer(nil)
	noColor := true
	if f, ok := w.(*os.File); ok && (f == os.Stderr || f == os.Stdout) {
		noColor = os.Getenv("NO_COLOR") != ""
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      lv,
		TimeFormat: time.RFC3339Nano,
		NoColor:    noColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Value.Kind() {
			case slog.KindString:
				return slog.String(a.Key, san.Sanitize(a.Value.String()))
			case slog.KindAny:
				if err, ok := a.Value.Any().(error); ok && err != nil {
					return slog.String(a.Key, san.Sanitize(err.Error()))
				}
			}
			return a
		},
	})
	return &Logger{level: lv, base: slog.New(handler)}
}

// SetDefaultForTest replaces the default logger, returning a restore func.
func SetDefaultForTest(l *Logger) func() {
	mu.Lock()
	prev := Default
	mu.Unlock()
	setDefault(l)
	return func() {
		if prev != nil {
			setDefault(prev)
		}
	}
}

// SetLevel changes the logging level
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.slogLevel())
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	switch lv := l.level.Level(); {
	case lv <= slog.LevelDebug:
		return LevelVerbose
	case lv >= slog.LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// With returns a logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{level: l.level, base: l.base.With(args...)}
}

// Slog exposes the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.base
}

func (l *Logger) Error(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelError, msg, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.base.Log(context.Background(), slog.LevelError, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelWarn, msg, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.base.Log(context.Background(), slog.LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelInfo, msg, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.base.Log(context.Background(), slog.LevelInfo, fmt.Sprintf(format, args...))
}

// Verbose logs a debug message (only shown with -v flag)
func (l *Logger) Verbose(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelDebug, msg, args...)
}

// Verbosef logs a formatted debug message (only shown with -v flag)
func (l *Logger) Verbosef(format string, args ...any) {
	if !l.base.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.base.Log(context.Background(), slog.LevelDebug, fmt.Sprintf(format, args...))
}

// Global convenience functions that use the default logger

func Error(msg string, args ...any) { def().Error(msg, args...) }
func Errorf(format string, args ...any) { def().Errorf(format, args...) }
func Warn(msg string, args ...any) { def().Warn(msg, args...) }
func Warnf(format string, args ...any) { def().Warnf(format, args...) }
func Info(msg string, args ...any) { def().Info(msg, args...) }
func Infof(format string, args ...any) { def().Infof(format, args...) }
func Verbose(msg string, args ...any) { def().Verbose(msg, args...) }
func Verbosef(format string, args ...any) { def().Verbosef(format, args...) }
func With(args ...any) *Logger { return def().With(args...) }

// Err wraps an error as a log attribute.
func Err(err error) slog.Attr {
	return tint.Err(err)
}

// Fatal logs an error and exits the program
func Fatal(msg string, args ...any) {
	Error(msg, args...)
	os.Exit(1)
}

// Fatalf logs a formatted error and exits the program
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(1)
}
