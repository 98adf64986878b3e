package tracedsvc

import (
	"github.com/ehrlich-b/tracedsvc/internal/constants"
	"github.com/ehrlich-b/tracedsvc/internal/logging"
)

// Config holds the daemon's common configuration. Pass it to New to
// pre-wire dependencies; all fields have sensible defaults set by
// DefaultConfig, following the same defaults-constructor idiom as
// go-ublk's DefaultParams and bassosimone-nop's NewConfig.
type Config struct {
	// ProducerSocket and ConsumerSocket are the two well-known stream
	// socket names, per §6. A leading '@' selects the abstract namespace.
	ProducerSocket string
	ConsumerSocket string

	// DefaultShmemSize is used when a producer's InitializeConnection
	// omits a size hint.
	DefaultShmemSize int
	// MinShmemSize and MaxShmemSize clamp any producer-supplied hint.
	MinShmemSize int
	MaxShmemSize int
	// PageSize is the shared-memory page size used for every region this
	// daemon provisions; must be a power of two >= 4 KiB.
	PageSize int

	// MaxFramePayload is the hard upper bound on a single IPC frame's
	// payload_len.
	MaxFramePayload int

	// Logger receives structured logs from every subsystem. Defaults to a
	// Discard logger if nil.
	Logger logging.Logger

	// Observer receives metrics observations. Defaults to NoOpObserver if
	// nil.
	Observer Observer
}

// DefaultConfig returns a Config with the spec's defaults: 128 KiB default
// shared-memory size clamped to [4 KiB, 32 MiB], 4 KiB pages, a 64 MiB
// frame cap, and the two well-known abstract-namespace socket names.
func DefaultConfig() *Config {
	return &Config{
		ProducerSocket:   constants.DefaultProducerSocket,
		ConsumerSocket:   constants.DefaultConsumerSocket,
		DefaultShmemSize: constants.DefaultShmemSize,
		MinShmemSize:     constants.MinShmemSize,
		MaxShmemSize:     constants.MaxShmemSize,
		PageSize:         constants.DefaultPageSize,
		MaxFramePayload:  constants.MaxFramePayload,
		Logger:           logging.Discard{},
		Observer:         NoOpObserver{},
	}
}

// Option mutates a Config, the same functional-option layering go-ublk uses
// over DeviceParams via its Options struct, collapsed here into a single
// closure type since the daemon has no equivalent of go-ublk's separate
// per-call Options struct.
type Option func(*Config)

// WithProducerSocket overrides the producer socket name.
func WithProducerSocket(name string) Option {
	return func(c *Config) { c.ProducerSocket = name }
}

// WithConsumerSocket overrides the consumer socket name.
func WithConsumerSocket(name string) Option {
	return func(c *Config) { c.ConsumerSocket = name }
}

// WithLogger overrides the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithObserver overrides the metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Config) { c.Observer = o }
}

// WithPageSize overrides the shared-memory page size.
func WithPageSize(n int) Option {
	return func(c *Config) { c.PageSize = n }
}

// clampShmemSize applies this Config's [MinShmemSize, MaxShmemSize] bound
// to a producer-supplied size hint, per §4.C step 1.
func (c *Config) clampShmemSize(hint int) int {
	if hint <= 0 {
		hint = c.DefaultShmemSize
	}
	if hint < c.MinShmemSize {
		return c.MinShmemSize
	}
	if hint > c.MaxShmemSize {
		return c.MaxShmemSize
	}
	return hint
}
