package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tunes the structured logger. The zero value logs INFO and above to stdout.
type Options struct {
	Level string
	// File mirrors every line into a size-rotated file when set.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Writer replaces stdout as the primary sink.
	Writer io.Writer
}

// New builds a JSON logger tagged with the service name and environment. It does
// not touch the process-wide loggers.
func New(service, env string, opts Options) *slog.Logger {
	return slog.New(newHandler(service, env, opts))
}

// Setup builds the service logger and installs it as the slog default. The
// standard library logger is bridged onto the same handler so packages still
// using log.Printf emit structured lines.
func Setup(service, env string, opts Options) *slog.Logger {
	handler := newHandler(service, env, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	bridge := slog.NewLogLogger(handler, slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
	return logger
}

func newHandler(service, env string, opts Options) slog.Handler {
	handler := slog.NewJSONHandler(output(opts), &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: renameBuiltins,
	})
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	return handler.WithAttrs(attrs)
}

func output(opts Options) io.Writer {
	var out io.Writer = os.Stdout
	if opts.Writer != nil {
		out = opts.Writer
	}
	file := strings.TrimSpace(opts.File)
	if file == "" {
		return out
	}
	return io.MultiWriter(out, &lumberjack.Logger{
		Filename:   file,
		MaxSize:    positiveOr(opts.MaxSizeMB, 100),
		MaxBackups: positiveOr(opts.MaxBackups, 5),
		MaxAge:     positiveOr(opts.MaxAgeDays, 28),
		Compress:   true,
	})
}

// renameBuiltins emits timestamp/severity/message keys for log shippers.
func renameBuiltins(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return attr
	}
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	}
	return attr
}

// ParseLevel maps textual levels onto slog levels, defaulting to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func positiveOr(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}
