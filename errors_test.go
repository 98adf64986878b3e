package tracedsvc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsSentinel(t *testing.T) {
	err := WrapError("EnableTracing", KindResource, ErrAlreadyEnabled)
	require.True(t, errors.Is(err, ErrAlreadyEnabled))
	require.False(t, errors.Is(err, ErrUnknownService))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := WrapError("ReadFrame", KindTransport, cause)
	require.ErrorIs(t, err, cause)
}

func TestIsKind(t *testing.T) {
	err := NewError("AcquireChunk", KindResource, "no FREE chunk reachable")
	require.True(t, IsKind(err, KindResource))
	require.False(t, IsKind(err, KindContract))
}

func TestErrorMessage(t *testing.T) {
	err := NewError("RegisterDataSource", KindProgrammer, "unknown id")
	require.Contains(t, err.Error(), "RegisterDataSource")
	require.Contains(t, err.Error(), "unknown id")
}