// Package logging adapts zerolog to the key/value Logger used across modhost.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger
type Options struct {
	Level     string
	Format    string
	Service   string
	Component string
	Writer    io.Writer
}

// Logger writes key/value pairs as zerolog fields. It satisfies
// modhost.Logger and apiclient.Logger.
type Logger struct {
	zl zerolog.Logger
}

// New builds a logger. Format "console" writes human readable lines,
// anything else writes JSON.
func New(opt Options) *Logger {
	var w io.Writer = os.Stdout
	if opt.Writer != nil {
		w = opt.Writer
	}
	if strings.EqualFold(opt.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(w).Level(ParseLevel(opt.Level)).With().Timestamp()
	if opt.Service != "" {
		ctx = ctx.Str("service", opt.Service)
	}
	if opt.Component != "" {
		ctx = ctx.Str("component", opt.Component)
	}
	return &Logger{zl: ctx.Logger()}
}

// FromZerolog wraps an existing zerolog logger.
func FromZerolog(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

// Named returns a child logger with a component field
func (l *Logger) Named(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger()}
}

// Zerolog exposes the underlying logger, e.g. for HTTP access logs.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

func (l *Logger) Debug(msg string, args ...any) { write(l.zl.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { write(l.zl.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { write(l.zl.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...any) { write(l.zl.Error(), msg, args) }

func write(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	if len(args)%2 == 1 {
		args = append(args, "(MISSING)")
	}
	ev.Fields(normalize(args)).Msg(msg)
}

// normalize makes keys strings and errors readable.
func normalize(args []any) []any {
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "!BADKEY"
		}
		val := args[i+1]
		if err, ok := val.(error); ok && err != nil {
			val = err.Error()
		}
		out = append(out, key, val)
	}
	return out
}

// ParseLevel supports string-only levels
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
