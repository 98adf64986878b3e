//go:build !linux

package shmio

import (
	"fmt"

	"github.com/ehrlich-b/tracedsvc/internal/interfaces"
)

// PlatformFactory has no real shared-memory backend off Linux; it falls
// back to HeapFactory's semantics so the service still runs (without
// cross-process fd-passing) rather than refusing to start.
type PlatformFactory struct{}

// New implements interfaces.SharedMemoryFactory by delegating to HeapFactory.
func (PlatformFactory) New(size int) (interfaces.SharedMemory, error) {
	return HeapFactory{}.New(size)
}

// OpenFD is unsupported off Linux: there is no portable mmap(2) binding
// for an arbitrary received descriptor in this module's dependency set.
func OpenFD(fd int, size int) (interfaces.SharedMemory, error) {
	return nil, fmt.Errorf("shmio: fd-backed shared memory not supported on this platform")
}

var _ interfaces.SharedMemoryFactory = PlatformFactory{}
