package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelDebug)

	l.Info("hello", "key", "value")

	require.Contains(t, buf.String(), "hello")
	require.Contains(t, buf.String(), "key=value")
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelWarn)

	l.Debug("should not appear")
	l.Info("also should not appear")
	l.Warn("should appear")

	require.NotContains(t, buf.String(), "should not appear")
	require.Contains(t, buf.String(), "should appear")
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelDebug).With("corr_id", "abc123")

	l.Info("msg")

	require.Contains(t, buf.String(), "corr_id=abc123")
}

func TestDiscardLogger(t *testing.T) {
	var d Discard
	d.Debug("x")
	d.Info("x")
	d.Warn("x")
	d.Error("x")
	require.NotNil(t, d.With("k", "v"))
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelDebug)
	ctx := WithContext(context.Background(), l)

	require.Equal(t, l, FromContext(ctx))
	require.IsType(t, Discard{}, FromContext(context.Background()))
}
