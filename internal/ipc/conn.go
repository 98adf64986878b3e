// Package ipc implements the stream-socket transport described in the IPC
// fabric design: length-prefixed self-describing frames, a host side that
// exposes named services with a method table, and a client side that
// binds to a service and tracks pending requests by request_id. The
// accept-loop/goroutine-per-connection shape follows the pattern
// nabbar-golib's Unix socket server doc lays out; the frame semantics
// follow google-gapid's perfetto wire.IPCFrame client exactly.
package ipc

import (
	"errors"
	"net"
	"sync"

	"github.com/ehrlich-b/tracedsvc/internal/logging"
	"github.com/ehrlich-b/tracedsvc/internal/wire"
)

// ErrClosed is returned by operations attempted on a closed Conn.
var ErrClosed = errors.New("ipc: connection closed")

// Conn wraps one net.Conn with frame-level read/write. Writes are
// serialized with a mutex since both the accept-loop goroutine and
// asynchronous reply handlers (streaming InvokeMethodReply) may write
// concurrently.
type Conn struct {
	raw        net.Conn
	maxPayload uint32
	log        logging.Logger

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewConn wraps raw for frame I/O, enforcing maxPayload on reads.
func NewConn(raw net.Conn, maxPayload uint32, log logging.Logger) *Conn {
	if log == nil {
		log = logging.Discard{}
	}
	return &Conn{raw: raw, maxPayload: maxPayload, log: log}
}

// ReadFrame blocks for the next frame on this connection.
func (c *Conn) ReadFrame() (*wire.Frame, error) {
	return wire.ReadFrame(c.raw, c.maxPayload)
}

// WriteFrame writes f, serialized against concurrent writers.
func (c *Conn) WriteFrame(f *wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return wire.WriteFrame(c.raw, f)
}

// Close closes the underlying socket; safe to call more than once.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close()
}

// RemoteAddr is a convenience accessor used for logging.
func (c *Conn) RemoteAddr() string {
	if a := c.raw.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}
