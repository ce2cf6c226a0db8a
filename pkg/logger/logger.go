package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where logs go. The zero value logs JSON to stdout.
type Options struct {
	// File enables a rotating file sink next to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxSizeMB <= 0 {
		out.MaxSizeMB = 100
	}
	if out.MaxBackups <= 0 {
		out.MaxBackups = 7
	}
	if out.MaxAgeDays <= 0 {
		out.MaxAgeDays = 28
	}
	return out
}

var fileSink *lumberjack.Logger

// New returns a production-friendly structured logger.
// No business logic should depend on logging implementation details.
func New(appEnv string, opts Options) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stdout
	if opts.File != "" {
		opts = opts.withDefaults()
		fileSink = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, fileSink)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// ShutdownFlush closes the rotating file sink, if one was opened.
func ShutdownFlush(_ context.Context, _ time.Duration) error {
	if fileSink == nil {
		return nil
	}
	return fileSink.Close()
}
