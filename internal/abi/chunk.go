// Package abi implements the shared-memory layout producers and the
// service both map: a page is partitioned into a small, fixed number of
// chunks, each guarded by a 4-state atomic status word the producer and
// the service CAS cooperatively. No locks are ever taken; every field of
// a chunk has exactly one legal writer for each state, the same
// single-writer/single-reader discipline go-ublk's io_uring SQE/CQE ring
// gives in-kernel, reproduced here in user-space shared memory.
package abi

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/tracedsvc/internal/constants"
)

// ChunkState is the 4-state status a chunk cycles through. Encoded as a
// full uint32 per chunk (not 2 densely-packed bits as the wire-level
// description allows) so each chunk's state word can be CASed with
// sync/atomic.CompareAndSwapUint32 directly on the backing shared-memory
// bytes; go-ublk's cgo barrier.go reached for explicit memory fences
// around raw pointer access for the same compare-and-swap discipline —
// sync/atomic is the portable, cgo-free equivalent for this module.
type ChunkState uint32

const (
	StateFree ChunkState = iota
	StateBeingWritten
	StateComplete
	StateBeingRead
)

func (s ChunkState) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateBeingWritten:
		return "BEING_WRITTEN"
	case StateComplete:
		return "COMPLETE"
	case StateBeingRead:
		return "BEING_READ"
	default:
		return fmt.Sprintf("ChunkState(%d)", uint32(s))
	}
}

const (
	stateWordSize = 4 // bytes per chunk's atomic state word

	// chunkHeaderSize: writer_id u32 | chunk_id u32 | packets_count u32 |
	// written_len u32. All four are producer-written and advisory; the
	// service validates before trusting, per the ABI's bounds-checking
	// invariant.
	chunkHeaderSize = 16
)

var (
	errInvalidLayout = fmt.Errorf("abi: invalid page_layout")
	errPageTooSmall  = fmt.Errorf("abi: page too small for its chunk layout")
)

// chunksForLayout maps a page_layout byte to its chunk count, per §4.B's
// five legal partitions (1, 2, 4, 8, 16).
func chunksForLayout(layout uint8) (int, error) {
	if int(layout) >= len(constants.ValidChunksPerPage) {
		return 0, errInvalidLayout
	}
	return int(constants.ValidChunksPerPage[layout]), nil
}

func align8(n int) int { return (n + 7) &^ 7 }

// Page wraps one page_size slice of a producer's shared-memory region.
// All offsets are computed once, at construction, from page_layout.
type Page struct {
	buf       []byte
	numChunks int
	chunkSize int // bytes per chunk slot, header included
	statesOff int
	bodiesOff int
}

// NewPage lays out buf (exactly one page_size slice) according to layout
// and writes the page_layout byte at offset 0. Used by a producer when it
// first claims a page; a service mapping the same region instead uses
// OpenPage, which reads the layout byte back rather than writing it.
func NewPage(buf []byte, layout uint8) (*Page, error) {
	p, err := newPageLayout(buf, layout)
	if err != nil {
		return nil, err
	}
	buf[0] = layout
	return p, nil
}

// OpenPage reads an existing page's layout byte (written by the producer
// via NewPage) and computes the same offsets against buf, which the
// service maps read-write over the identical bytes.
func OpenPage(buf []byte) (*Page, error) {
	if len(buf) < 1 {
		return nil, errPageTooSmall
	}
	return newPageLayout(buf, buf[0])
}

func newPageLayout(buf []byte, layout uint8) (*Page, error) {
	n, err := chunksForLayout(layout)
	if err != nil {
		return nil, err
	}
	// The layout byte lives at buf[0], but the state-word array must start
	// on a 4-byte boundary: atomic.CompareAndSwapUint32/LoadUint32/
	// StoreUint32 require an aligned operand, and an unaligned one is
	// undefined behavior that faults on arm64 and can trip a split-lock
	// SIGBUS on x86. align8(1) reserves an 8-byte header (the layout byte
	// plus 7 bytes of padding) so statesOff always lands aligned.
	statesOff := align8(1)
	bodiesOff := align8(statesOff + n*stateWordSize)
	remaining := len(buf) - bodiesOff
	if remaining <= 0 {
		return nil, errPageTooSmall
	}
	// Tail bytes that do not fill a whole chunk slot stay unused.
	chunkSize := remaining / n
	if chunkSize <= chunkHeaderSize {
		return nil, errPageTooSmall
	}
	return &Page{
		buf:       buf,
		numChunks: n,
		chunkSize: chunkSize,
		statesOff: statesOff,
		bodiesOff: bodiesOff,
	}, nil
}

// NumChunks returns this page's chunk count.
func (p *Page) NumChunks() int { return p.numChunks }

// State returns chunk i's current state with an atomic load.
func (p *Page) State(i int) ChunkState {
	return ChunkState(atomic.LoadUint32(p.stateWord(i)))
}

func (p *Page) stateWord(i int) *uint32 {
	off := p.statesOff + i*stateWordSize
	return (*uint32)(unsafe.Pointer(&p.buf[off]))
}

func (p *Page) chunkOffset(i int) int { return p.bodiesOff + i*p.chunkSize }

// casState attempts old -> new on chunk i's state word.
func (p *Page) casState(i int, old, new ChunkState) bool {
	return atomic.CompareAndSwapUint32(p.stateWord(i), uint32(old), uint32(new))
}

// Chunk is a claimed, writable view into one chunk body. Obtained only
// from AcquireChunk; a producer must never retain one past ReleaseChunk.
type Chunk struct {
	page    *Page
	index   int
	bodyOff int
	bodyCap int
	written int
}

// Index identifies this chunk within its page, 0-based.
func (c *Chunk) Index() int { return c.index }

// Cap returns the chunk body's total writable capacity in bytes.
func (c *Chunk) Cap() int { return c.bodyCap }

// Len returns the number of bytes written so far via WriteAndExtendPacket.
func (c *Chunk) Len() int { return c.written }

// AcquireChunk scans chunks starting at hint (round-robin, wrapping after
// NumChunks probes) for the first reachable FREE chunk, CASes it to
// BEING_WRITTEN, and stamps its header. Returns ok=false if no FREE chunk
// was reachable within NumChunks probes — the caller (producer) must drop
// the packet rather than block, per §4.B/§5's no-blocking-on-the-fast-path
// design.
func (p *Page) AcquireChunk(hint int, writerID uint32) (chunk *Chunk, ok bool) {
	if p.numChunks == 0 {
		return nil, false
	}
	for i := 0; i < p.numChunks; i++ {
		idx := (hint + i) % p.numChunks
		if !p.casState(idx, StateFree, StateBeingWritten) {
			continue
		}
		off := p.chunkOffset(idx)
		binary.LittleEndian.PutUint32(p.buf[off:off+4], writerID)
		binary.LittleEndian.PutUint32(p.buf[off+4:off+8], uint32(idx))
		binary.LittleEndian.PutUint32(p.buf[off+8:off+12], 0) // packets_count
		binary.LittleEndian.PutUint32(p.buf[off+12:off+16], 0) // written_len
		return &Chunk{
			page:    p,
			index:   idx,
			bodyOff: off + chunkHeaderSize,
			bodyCap: p.chunkSize - chunkHeaderSize,
		}, true
	}
	return nil, false
}

// WriteAndExtendPacket appends data to the chunk body and lazily updates
// packets_count and written_len in the chunk header. Returns false without
// writing anything if data would overflow the chunk's remaining capacity;
// the caller must ReleaseChunk and AcquireChunk a fresh one to continue.
func (c *Chunk) WriteAndExtendPacket(data []byte) bool {
	if c.written+len(data) > c.bodyCap {
		return false
	}
	copy(c.page.buf[c.bodyOff+c.written:], data)
	c.written += len(data)

	headerOff := c.bodyOff - chunkHeaderSize
	packets := binary.LittleEndian.Uint32(c.page.buf[headerOff+8 : headerOff+12])
	binary.LittleEndian.PutUint32(c.page.buf[headerOff+8:headerOff+12], packets+1)
	binary.LittleEndian.PutUint32(c.page.buf[headerOff+12:headerOff+16], uint32(c.written))
	return true
}

// ReleaseChunk store-releases the chunk to COMPLETE. After this call the
// producer must never touch the chunk again; its bytes are immutable
// until the service cycles it back through BEING_READ to FREE.
func (c *Chunk) ReleaseChunk() {
	atomic.StoreUint32(c.page.stateWord(c.index), uint32(StateComplete))
}

// ChunkHeader is the producer-written, service-validated metadata read
// back from a COMPLETE chunk. All fields are advisory: a malicious or
// buggy producer can write anything here, so the service bounds-checks
// before trusting any of it (never page/chunk offsets, which the service
// always derives from its own page_size).
type ChunkHeader struct {
	WriterID     uint32
	ChunkID      uint32
	PacketsCount uint32
	WrittenLen   uint32
}

func (p *Page) readHeader(i int) ChunkHeader {
	off := p.chunkOffset(i)
	return ChunkHeader{
		WriterID:     binary.LittleEndian.Uint32(p.buf[off : off+4]),
		ChunkID:      binary.LittleEndian.Uint32(p.buf[off+4 : off+8]),
		PacketsCount: binary.LittleEndian.Uint32(p.buf[off+8 : off+12]),
		WrittenLen:   binary.LittleEndian.Uint32(p.buf[off+12 : off+16]),
	}
}

// DrainResult is one chunk's worth of bytes recovered by DrainPage.
type DrainResult struct {
	Header ChunkHeader
	Body   []byte // a private copy; safe to retain after DrainPage returns
}

// DrainPage implements the service side of the page-ready path: every
// chunk currently COMPLETE is CASed to BEING_READ, the first written_len
// bytes of its body copied out as one DrainResult per chunk (never the
// header or the unwritten tail of the slot), then CASed back to FREE. BEING_WRITTEN chunks are left untouched; they will fire another
// notification when the producer releases them.
func (p *Page) DrainPage() []DrainResult {
	var out []DrainResult
	for i := 0; i < p.numChunks; i++ {
		if !p.casState(i, StateComplete, StateBeingRead) {
			continue
		}
		hdr := p.readHeader(i)
		off := p.chunkOffset(i) + chunkHeaderSize
		length := int(hdr.WrittenLen)
		if length < 0 || length > p.chunkSize-chunkHeaderSize {
			length = 0 // producer-written field failed validation; discard body
		}
		body := make([]byte, length)
		copy(body, p.buf[off:off+length])
		out = append(out, DrainResult{Header: hdr, Body: body})
		atomic.StoreUint32(p.stateWord(i), uint32(StateFree))
	}
	return out
}
