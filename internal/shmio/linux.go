//go:build linux

package shmio

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/tracedsvc/internal/interfaces"
)

// memfdRegion is a memfd_create + mmap(MAP_SHARED) region: the real
// cross-process shared-memory backend. The fd it exposes via FD is
// suitable for SCM_RIGHTS ancillary-data transfer to a producer process.
type memfdRegion struct {
	fd  int
	buf []byte
}

func (r *memfdRegion) Bytes() []byte { return r.buf }
func (r *memfdRegion) FD() int       { return r.fd }

func (r *memfdRegion) Close() error {
	var err error
	if r.buf != nil {
		if e := unix.Munmap(r.buf); e != nil {
			err = e
		}
		r.buf = nil
	}
	if r.fd >= 0 {
		if e := unix.Close(r.fd); e != nil && err == nil {
			err = e
		}
		r.fd = -1
	}
	return err
}

// PlatformFactory provisions memfd-backed regions.
type PlatformFactory struct{}

// New implements interfaces.SharedMemoryFactory using memfd_create + mmap.
func (PlatformFactory) New(size int) (interfaces.SharedMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmio: invalid region size %d", size)
	}
	fd, err := unix.MemfdCreate("tracedsvc-shmem", 0)
	if err != nil {
		return nil, fmt.Errorf("shmio: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmio: ftruncate: %w", err)
	}
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmio: mmap: %w", err)
	}
	return &memfdRegion{fd: fd, buf: buf}, nil
}

// OpenFD mmaps an already-valid fd (received over SCM_RIGHTS from the
// service's InitializeConnectionReply) into this process's address space.
// The caller owns fd afterward only through the returned region; Close
// unmaps and closes it.
func OpenFD(fd int, size int) (interfaces.SharedMemory, error) {
	if fd < 0 {
		return nil, fmt.Errorf("shmio: invalid fd %d", fd)
	}
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmio: mmap received fd: %w", err)
	}
	return &memfdRegion{fd: fd, buf: buf}, nil
}

var (
	_ interfaces.SharedMemoryFactory = PlatformFactory{}
	_ interfaces.SharedMemory        = (*memfdRegion)(nil)
)
