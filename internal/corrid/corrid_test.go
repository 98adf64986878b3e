package corrid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIsUnique(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.NotEmpty(t, a)
}

func TestMustNewDoesNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		MustNew()
	})
}
