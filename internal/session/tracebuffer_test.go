package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTraceBufferValidatesSize(t *testing.T) {
	_, err := NewTraceBuffer(100, 4096)
	require.Error(t, err, "100 is not a multiple of page_size")

	_, err = NewTraceBuffer(4096*4, 3000)
	require.Error(t, err, "3000 is not a power of two")

	b, err := NewTraceBuffer(4096*4, 4096)
	require.NoError(t, err)
	require.Equal(t, 4, b.NumPages())
}

func TestWritePageThenDrainPreservesOrderAndDoesNotClear(t *testing.T) {
	b, err := NewTraceBuffer(4096*3, 4096)
	require.NoError(t, err)

	b.WritePage([]byte("page-a"))
	b.WritePage([]byte("page-b"))

	pages := b.Drain()
	require.Len(t, pages, 2)
	require.Equal(t, "page-a", string(trimZeros(pages[0])))
	require.Equal(t, "page-b", string(trimZeros(pages[1])))

	// Draining again must return the same content; only Close clears it.
	pages2 := b.Drain()
	require.Equal(t, pages, pages2)
}

func TestWritePageWrapsAroundOverwritingOldest(t *testing.T) {
	b, err := NewTraceBuffer(4096*2, 4096)
	require.NoError(t, err)

	b.WritePage([]byte("first"))
	b.WritePage([]byte("second"))
	b.WritePage([]byte("third")) // wraps, overwrites "first"'s slot

	pages := b.Drain()
	require.Len(t, pages, 2)
	require.Equal(t, "third", string(trimZeros(pages[0])))
	require.Equal(t, "second", string(trimZeros(pages[1])))
}

func TestBufferIDAllocatorRecyclesFreedIDs(t *testing.T) {
	a := NewBufferIDAllocator()
	id1 := a.Alloc()
	id2 := a.Alloc()
	require.NotEqual(t, id1, id2)

	a.Free(id1)
	id3 := a.Alloc()
	require.Equal(t, id1, id3, "freed id must be reused before minting a new one")
}

func trimZeros(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}
