// Package logging provides structured logging for the CLI and long-running
// modes, with an optional per-session log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rescale/rescale-pacer/internal/logcleanup"
)

// Options configures NewLogger.
type Options struct {
	// Console receives human-readable output. Defaults to os.Stdout.
	Console io.Writer

	// LogDir enables a session log file in this directory when non-empty.
	LogDir string

	// Start names the session file. Defaults to time.Now().
	Start time.Time
}

// Logger wraps zerolog with console formatting and an optional session file.
type Logger struct {
	zlog    zerolog.Logger
	file    *lumberjack.Logger
	session string
}

// NewLogger creates a logger. When opts.LogDir is set, every entry is also
// written as JSON to <LogDir>/rescale-pacer-YYYYMMDD-HHMMSS.log.
func NewLogger(opts Options) (*Logger, error) {
	out := opts.Console
	if out == nil {
		out = os.Stdout
	}

	console := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
		NoColor:    !isTerminal(out),
	}

	l := &Logger{}
	var output io.Writer = console

	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		start := opts.Start
		if start.IsZero() {
			start = time.Now()
		}
		l.session = filepath.Join(opts.LogDir, logcleanup.SessionFileName(start))

		// Age and count limits are enforced by maintenance log cleanup.
		l.file = &lumberjack.Logger{
			Filename:   l.session,
			MaxSize:    10, // MB
			MaxBackups: 0,
			Compress:   true,
		}
		output = zerolog.MultiLevelWriter(console, l.file)
	}

	l.zlog = zerolog.New(output).With().Timestamp().Logger()
	return l, nil
}

// NewDefaultCLILogger creates a console-only logger on stdout.
func NewDefaultCLILogger() *Logger {
	l, _ := NewLogger(Options{})
	return l
}

// Zerolog returns the underlying logger for components that take a
// zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// SessionFile returns the session log path, or "" when file logging is off.
func (l *Logger) SessionFile() string {
	return l.session
}

// Close flushes and closes the session file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// Debugf logs a debug message with printf-style formatting.
// This is only shown when debug/verbose mode is enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msgf(format, args...)
}

// Infof logs an info message with printf-style formatting.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}

// Errorf logs an error message with printf-style formatting.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func init() {
	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Configure global logger
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
		NoColor:    !isTerminal(os.Stderr),
	})
}
