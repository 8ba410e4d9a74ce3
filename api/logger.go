package api

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger interface
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	With(args ...interface{}) Logger
}

var (
	rootMu sync.RWMutex
	root   = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}).
		With().Timestamp().Logger()
)

// SetupLogging configures the process-wide log output.
// format is "console" or "json"; an empty level leaves the current one.
func SetupLogging(out io.Writer, level, format string) error {
	if out == nil {
		out = os.Stdout
	}

	var w io.Writer
	switch strings.ToLower(format) {
	case "", "console", "text":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05"}
	case "json":
		w = out
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	rootMu.Lock()
	root = zerolog.New(w).With().Timestamp().Logger()
	rootMu.Unlock()

	if level == "" {
		return nil
	}
	return SetLogLevel(level)
}

// SetLogLevel changes the global log level, e.g. on config reload
func SetLogLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// zeroLogger implements Logger on top of zerolog
type zeroLogger struct {
	zl zerolog.Logger
}

// NewLogger creates a new logger tagged with a component name
func NewLogger(prefix string) Logger {
	rootMu.RLock()
	base := root
	rootMu.RUnlock()

	if prefix != "" {
		base = base.With().Str("component", prefix).Logger()
	}
	return &zeroLogger{zl: base}
}

// NopLogger discards everything
func NopLogger() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

func (l *zeroLogger) Debug(msg string, args ...interface{}) {
	l.zl.Debug().Fields(args).Msg(msg)
}

func (l *zeroLogger) Info(msg string, args ...interface{}) {
	l.zl.Info().Fields(args).Msg(msg)
}

func (l *zeroLogger) Warn(msg string, args ...interface{}) {
	l.zl.Warn().Fields(args).Msg(msg)
}

func (l *zeroLogger) Error(msg string, args ...interface{}) {
	l.zl.Error().Fields(args).Msg(msg)
}

func (l *zeroLogger) With(args ...interface{}) Logger {
	return &zeroLogger{zl: l.zl.With().Fields(args).Logger()}
}
