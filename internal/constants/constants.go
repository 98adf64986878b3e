// Package constants holds the immutable, well-known configuration shared
// across the tracing daemon. Per the design note on global state: these are
// carried as plain constants, never as mutable process-wide singletons.
package constants

import "time"

// Well-known socket names. A leading '@' selects the abstract namespace on
// Linux; any other value is a filesystem path that must be unlinked before
// bind.
const (
	DefaultProducerSocket = "@tracedsvc-producer"
	DefaultConsumerSocket = "@tracedsvc-consumer"
)

// Shared-memory sizing.
const (
	DefaultShmemSize = 128 * 1024        // 128 KiB, used when a producer omits a size hint.
	MinShmemSize     = 4 * 1024          // 4 KiB
	MaxShmemSize     = 32 * 1024 * 1024  // 32 MiB
	DefaultPageSize  = 4 * 1024          // 4 KiB, smallest legal page size.
)

// Wire framing.
const (
	// MaxFramePayload is the hard upper bound on a single frame's payload_len.
	// Frames at or above this size are rejected and the connection is dropped.
	MaxFramePayload = 64 * 1024 * 1024 // 64 MiB

	// FrameLengthPrefixSize is the size in bytes of the u32 LE length prefix.
	FrameLengthPrefixSize = 4
)

// Chunk layout. A page is partitioned into one of these chunk counts.
var ValidChunksPerPage = [5]uint8{1, 2, 4, 8, 16}

// Timing.
const (
	// ShutdownGracePeriod bounds how long `traced serve` waits for Serve to
	// return after a shutdown signal cancels its context.
	ShutdownGracePeriod = 2 * time.Second

	// FlushDeadline bounds how long ConsumerPort.Flush waits for producer
	// FlushAck before giving up on stragglers (never fatal).
	FlushDeadline = 2 * time.Second
)
