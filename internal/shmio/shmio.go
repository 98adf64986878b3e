// Package shmio provisions the shared-memory regions handed to producers,
// in two flavors selected the same way go-ublk's internal/uring selects
// between a real io_uring ring and its stub: a build tag picks the real,
// OS-backed implementation on platforms that support it, and every
// platform (including tests) can fall back to a heap-backed region that
// satisfies the same interface without any fd or syscall involved.
package shmio

import (
	"fmt"

	"github.com/ehrlich-b/tracedsvc/internal/interfaces"
)

// heapRegion is a plain heap-allocated byte slice standing in for shared
// memory. It never crosses a process boundary, so it is unsuitable for a
// real multi-process deployment, but it lets code within one process
// exercise the exact same abi.Page state machine the real mmap-backed
// region would.
type heapRegion struct {
	buf []byte
}

func (h *heapRegion) Bytes() []byte { return h.buf }

// FD returns -1: a heap region has no backing descriptor to pass over
// SCM_RIGHTS. Callers that need real fd-passing must use the platform
// factory (PlatformFactory) instead.
func (h *heapRegion) FD() int { return -1 }

func (h *heapRegion) Close() error { return nil }

// HeapFactory produces heapRegion instances. PlatformFactory delegates to
// it on any platform without a real shared-memory backend.
type HeapFactory struct{}

// New implements interfaces.SharedMemoryFactory.
func (HeapFactory) New(size int) (interfaces.SharedMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmio: invalid region size %d", size)
	}
	return &heapRegion{buf: make([]byte, size)}, nil
}

var _ interfaces.SharedMemoryFactory = HeapFactory{}
var _ interfaces.SharedMemory = (*heapRegion)(nil)
