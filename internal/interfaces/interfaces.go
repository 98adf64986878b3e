// Package interfaces holds the internal collaborator interfaces the
// tracing service depends on, kept separate from the root package to avoid
// import cycles between it and the internal packages that implement them —
// the same reason go-ublk keeps its Backend/Logger/Observer trio in its own
// internal/interfaces package rather than on the root type.
package interfaces

import "context"

// SharedMemory is a producer-owned region the service also maps, per §4.B.
// Implementations live in internal/shmio.
type SharedMemory interface {
	// Bytes returns the raw backing storage. Callers must respect the
	// page/chunk discipline in internal/abi; this interface only owns
	// provisioning and lifetime, never offsets.
	Bytes() []byte

	// FD returns a file descriptor suitable for passing to the peer
	// process via SCM_RIGHTS ancillary data, or -1 if the region is not
	// fd-backed (e.g. a heap-backed region used in tests).
	FD() int

	// Close releases the region. Safe to call once the handle has been
	// handed off to the peer; the peer's mapping is independent.
	Close() error
}

// SharedMemoryFactory produces a SharedMemory region of at least size
// bytes, clamped by the caller to [MinShmemSize, MaxShmemSize].
type SharedMemoryFactory interface {
	New(size int) (SharedMemory, error)
}

// TaskRunner is the single-threaded cooperative scheduler every core
// component is driven by, per §5's "no locks, one loop thread" model.
// Implementations live in internal/taskrunner.
type TaskRunner interface {
	// PostTask schedules fn to run on the loop goroutine as soon as
	// possible, preserving FIFO order relative to other posted tasks.
	PostTask(fn func())

	// PostDelayedTask schedules fn to run on the loop goroutine no sooner
	// than the given duration from now.
	PostDelayedTask(fn func(), delayMs int64)

	// AddFileDescriptorWatch arranges for onReadable to be posted to the
	// loop whenever fd becomes readable. Returns a watch handle usable
	// with RemoveFileDescriptorWatch.
	AddFileDescriptorWatch(fd int, onReadable func()) (watchID int, err error)

	// RemoveFileDescriptorWatch cancels a watch previously installed with
	// AddFileDescriptorWatch.
	RemoveFileDescriptorWatch(watchID int) error

	// Run drives the loop until ctx is cancelled or Stop is called.
	Run(ctx context.Context) error

	// Stop requests the loop to exit at its next iteration.
	Stop()
}

// Logger is the internal logging surface, mirrored here (rather than
// imported from internal/logging) for the same anti-cycle reason as
// go-ublk's internal/interfaces.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// Observer is the internal metrics-collection surface, mirrored here for
// the same reason. Implementations live at the module root
// (MetricsObserver and NoOpObserver).
type Observer interface {
	ObserveFrameReceived(bytes int)
	ObserveFrameDropped(reason string)
	ObserveChunkAcquired()
	ObserveChunkCompleted(bytes int)
	ObserveChunkRead(bytes int, latencyNs int64)
	ObserveSessionEnabled()
	ObserveSessionDisabled()
}
