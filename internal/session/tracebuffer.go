// Package session implements the service-owned tracing state: per-buffer
// rings over drained page bytes, and the process-wide id allocator that
// hands out and recycles BufferIDs across sessions.
package session

import (
	"fmt"
	"sync"
)

// TraceBuffer is a server-side ring over raw bytes, logically divided into
// num_pages = size/page_size pages with a single write cursor. Writing
// past the last page wraps and overwrites the oldest page — the ring never
// grows.
//
// A session's producer-host and consumer-host connections are served on
// separate goroutines (internal/ipc/host.go's one-goroutine-per-connection
// model), so WritePage (from NotifySharedMemoryUpdate) and Drain (from
// ReadBuffers) run concurrently against the same TraceBuffer — mu guards
// every field below against that race, not just torn reads: WritePage
// recycles a page slot into the scratch pool the instant a concurrent
// Drain could still be copying out of it.
type TraceBuffer struct {
	mu       sync.Mutex
	pageSize int
	numPages int
	pages    [][]byte
	curPage  int
	written  []bool // tracks which slots have ever been written, for Drain
}

// NewTraceBuffer validates size%page_size==0 and page_size a power of two
// >= 4 KiB, then allocates an empty ring.
func NewTraceBuffer(sizeBytes, pageSize int) (*TraceBuffer, error) {
	if pageSize < 4096 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("session: page_size %d must be a power of two >= 4096", pageSize)
	}
	if sizeBytes <= 0 || sizeBytes%pageSize != 0 {
		return nil, fmt.Errorf("session: size %d must be a positive multiple of page_size %d", sizeBytes, pageSize)
	}
	numPages := sizeBytes / pageSize
	return &TraceBuffer{
		pageSize: pageSize,
		numPages: numPages,
		pages:    make([][]byte, numPages),
		written:  make([]bool, numPages),
	}, nil
}

// NumPages returns this buffer's page count.
func (b *TraceBuffer) NumPages() int { return b.numPages }

// WritePage copies data (truncated to page_size if longer) into the
// current page slot and advances the cursor, wrapping around and
// overwriting the oldest page once every slot has been used.
func (b *TraceBuffer) WritePage(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(data)
	if n > b.pageSize {
		n = b.pageSize
	}
	slot := getScratch(b.pageSize)
	copy(slot, data[:n])
	for i := n; i < b.pageSize; i++ {
		slot[i] = 0
	}
	if old := b.pages[b.curPage]; old != nil {
		putScratch(old)
	}
	b.pages[b.curPage] = slot
	b.written[b.curPage] = true
	b.curPage = (b.curPage + 1) % b.numPages
}

// Drain returns a copy of every page that has been written so far, in
// buffer-index order (session order), without clearing the buffer — only
// FreeBuffers clears a TraceBuffer.
func (b *TraceBuffer) Drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, 0, b.numPages)
	for i, written := range b.written {
		if !written {
			continue
		}
		page := make([]byte, b.pageSize)
		copy(page, b.pages[i])
		out = append(out, page)
	}
	return out
}

// Close releases this buffer's pooled page slots. Called by FreeBuffers.
func (b *TraceBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, p := range b.pages {
		if p != nil {
			putScratch(p)
			b.pages[i] = nil
		}
	}
}

// BufferIDAllocator hands out monotonically increasing non-zero
// BufferIDs, recycling ones returned via Free — per §3's "BufferIDs are
// reusable after FreeBuffers" rule. Not safe for concurrent use; Service
// calls it only while holding its mutex.
type BufferIDAllocator struct {
	free []uint32
	next uint32
}

// NewBufferIDAllocator returns an empty allocator.
func NewBufferIDAllocator() *BufferIDAllocator {
	return &BufferIDAllocator{}
}

// Alloc returns the next available BufferID, preferring a recycled one.
func (a *BufferIDAllocator) Alloc() uint32 {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	a.next++
	return a.next
}

// Free returns id to the recycling pool.
func (a *BufferIDAllocator) Free(id uint32) {
	a.free = append(a.free, id)
}
