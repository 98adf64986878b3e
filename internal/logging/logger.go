// Package logging provides the leveled, structured logger used throughout
// the daemon. It wraps log/slog behind a small interface, the way
// bassosimone-nop's SLogger wraps slog.Logger, rather than the bespoke
// log.Logger-based wrapper go-ublk rolls by hand: slog already gives us
// structured key-value fields and levels, so there is nothing for a
// hand-rolled wrapper to add.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is the leveled structured logger interface consumed by every
// package in this module. Both the real slog-backed implementation and the
// Discard implementation used by tests satisfy it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a Logger that prepends the given key-value pairs to
	// every subsequent log call, mirroring slog.Logger.With.
	With(args ...any) Logger
}

// slogLogger adapts *slog.Logger to the Logger interface.
type slogLogger struct {
	l *slog.Logger
}

// New builds a Logger backed by slog.NewTextHandler writing to w at the
// given level.
func New(w io.Writer, level slog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &slogLogger{l: slog.New(h)}
}

// NewFromSlog wraps an already-constructed *slog.Logger, e.g. one a host
// application built with its own handler (JSON, OTel, ...).
func NewFromSlog(l *slog.Logger) Logger {
	return &slogLogger{l: l}
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

// Discard is a Logger that drops everything; used as the zero-value
// default and by tests, mirroring go-ublk's NoOpObserver pattern for
// metrics.
type Discard struct{}

func (Discard) Debug(string, ...any) {}
func (Discard) Info(string, ...any)  {}
func (Discard) Warn(string, ...any)  {}
func (Discard) Error(string, ...any) {}
func (Discard) With(...any) Logger   { return Discard{} }

var (
	_ Logger = (*slogLogger)(nil)
	_ Logger = Discard{}
)

// Default returns a Logger writing text-formatted logs to stderr at Info
// level, suitable as the package-wide default when the caller supplies
// none.
func Default() Logger {
	return New(os.Stderr, slog.LevelInfo)
}

// ctxKey is an unexported type so context keys never collide across
// packages.
type ctxKey struct{}

// WithContext attaches a Logger to ctx, retrievable with FromContext.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger attached to ctx, or Discard if none was
// attached.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return Discard{}
}
