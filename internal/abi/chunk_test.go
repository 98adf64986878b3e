package abi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T, layout uint8, pageSize int) *Page {
	t.Helper()
	buf := make([]byte, pageSize)
	p, err := NewPage(buf, layout)
	require.NoError(t, err)
	return p
}

func TestAcquireWriteReleaseDrainRoundTrip(t *testing.T) {
	p := newTestPage(t, 2, 4096) // layout 2 => 4 chunks per page

	chunk, ok := p.AcquireChunk(0, 7)
	require.True(t, ok)
	require.Equal(t, StateBeingWritten, p.State(chunk.Index()))

	require.True(t, chunk.WriteAndExtendPacket([]byte("hello")))
	require.True(t, chunk.WriteAndExtendPacket([]byte(" world")))
	require.Equal(t, 11, chunk.Len())

	chunk.ReleaseChunk()
	require.Equal(t, StateComplete, p.State(chunk.Index()))

	results := p.DrainPage()
	require.Len(t, results, 1)
	require.Equal(t, "hello world", string(results[0].Body))
	require.EqualValues(t, 7, results[0].Header.WriterID)
	require.EqualValues(t, 2, results[0].Header.PacketsCount)
	require.Equal(t, StateFree, p.State(chunk.Index()))
}

func TestAcquireChunkReturnsFalseWhenAllBusy(t *testing.T) {
	p := newTestPage(t, 0, 4096) // layout 0 => 1 chunk per page

	_, ok := p.AcquireChunk(0, 1)
	require.True(t, ok)

	_, ok = p.AcquireChunk(0, 2)
	require.False(t, ok, "sole chunk is BEING_WRITTEN; acquire must fail, not block")
}

func TestWriteAndExtendPacketRejectsOverflow(t *testing.T) {
	p := newTestPage(t, 4, 4096) // 16 chunks, small bodies
	chunk, ok := p.AcquireChunk(0, 1)
	require.True(t, ok)

	huge := make([]byte, chunk.Cap()+1)
	require.False(t, chunk.WriteAndExtendPacket(huge))
	require.Equal(t, 0, chunk.Len())
}

func TestDrainPageSkipsBeingWrittenChunks(t *testing.T) {
	p := newTestPage(t, 2, 4096)

	writing, ok := p.AcquireChunk(0, 1)
	require.True(t, ok)

	complete, ok := p.AcquireChunk(1, 2)
	require.True(t, ok)
	require.True(t, complete.WriteAndExtendPacket([]byte("done")))
	complete.ReleaseChunk()

	results := p.DrainPage()
	require.Len(t, results, 1)
	require.Equal(t, "done", string(results[0].Body))
	require.Equal(t, StateBeingWritten, p.State(writing.Index()))
}

func TestCASFailureLeavesOwnershipWithPeer(t *testing.T) {
	p := newTestPage(t, 0, 4096)
	require.False(t, p.casState(0, StateComplete, StateBeingRead), "no chunk is COMPLETE yet")

	chunk, ok := p.AcquireChunk(0, 1)
	require.True(t, ok)
	chunk.ReleaseChunk()

	require.False(t, p.casState(0, StateBeingWritten, StateComplete), "chunk is already COMPLETE, not BEING_WRITTEN")
}

func TestOpenPageReadsBackLayoutWrittenByProducer(t *testing.T) {
	buf := make([]byte, 4096)
	producerSide, err := NewPage(buf, 3) // 8 chunks
	require.NoError(t, err)
	require.Equal(t, 8, producerSide.NumChunks())

	serviceSide, err := OpenPage(buf)
	require.NoError(t, err)
	require.Equal(t, producerSide.NumChunks(), serviceSide.NumChunks())
}

func TestNewPageRejectsInvalidLayout(t *testing.T) {
	buf := make([]byte, 4096)
	_, err := NewPage(buf, 99)
	require.ErrorIs(t, err, errInvalidLayout)
}

func TestNewPageRejectsUndersizedBuffer(t *testing.T) {
	buf := make([]byte, 4) // far too small for 16 chunks with headers
	_, err := NewPage(buf, 4)
	require.ErrorIs(t, err, errPageTooSmall)
}

func TestDrainPageDiscardsBodyOnInvalidWrittenLen(t *testing.T) {
	p := newTestPage(t, 0, 4096)
	chunk, ok := p.AcquireChunk(0, 1)
	require.True(t, ok)
	chunk.ReleaseChunk()

	// Forge an out-of-range written_len directly in the backing buffer,
	// simulating a buggy or hostile producer; the service must not trust
	// it and must not panic or over-read.
	headerOff := p.chunkOffset(0)
	p.buf[headerOff+12] = 0xFF
	p.buf[headerOff+13] = 0xFF
	p.buf[headerOff+14] = 0xFF
	p.buf[headerOff+15] = 0xFF

	results := p.DrainPage()
	require.Len(t, results, 1)
	require.Empty(t, results[0].Body)
}
