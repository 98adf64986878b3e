package session

import "sync"

// Page-sized scratch buffer pool backing TraceBuffer's page slots. Bucketed by page size the same way go-ublk's
// internal/queue/pool.go buckets I/O-size buffers, scaled down since pages
// here run 4 KiB-32 KiB rather than 128 KiB-1 MiB.
const (
	size4k  = 4 * 1024
	size8k  = 8 * 1024
	size16k = 16 * 1024
	size32k = 32 * 1024
)

var scratchPool = struct {
	pool4k  sync.Pool
	pool8k  sync.Pool
	pool16k sync.Pool
	pool32k sync.Pool
}{
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool8k:  sync.Pool{New: func() any { b := make([]byte, size8k); return &b }},
	pool16k: sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	pool32k: sync.Pool{New: func() any { b := make([]byte, size32k); return &b }},
}

// getScratch returns a pooled buffer of at least size bytes, or a freshly
// allocated one for sizes above the largest bucket (oversized pages are
// rare; not worth a dedicated pool).
func getScratch(size int) []byte {
	switch {
	case size <= size4k:
		return (*scratchPool.pool4k.Get().(*[]byte))[:size]
	case size <= size8k:
		return (*scratchPool.pool8k.Get().(*[]byte))[:size]
	case size <= size16k:
		return (*scratchPool.pool16k.Get().(*[]byte))[:size]
	case size <= size32k:
		return (*scratchPool.pool32k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// putScratch returns buf to the bucket matching its capacity; buffers
// with a non-standard capacity (oversized, or sliced from one) are simply
// dropped, the same policy as go-ublk's PutBuffer.
func putScratch(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		scratchPool.pool4k.Put(&buf)
	case size8k:
		scratchPool.pool8k.Put(&buf)
	case size16k:
		scratchPool.pool16k.Put(&buf)
	case size32k:
		scratchPool.pool32k.Put(&buf)
	}
}
