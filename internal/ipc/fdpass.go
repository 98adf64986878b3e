package ipc

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/tracedsvc/internal/wire"
)

// WriteFrameWithFD writes f together with fd as SCM_RIGHTS ancillary data —
// the mechanism InitializeConnectionReply uses to hand a producer its
// shared-memory region's descriptor. fd < 0 (the heap-backed fallback
// region has none) or a non-Unix-socket Conn both degrade to a plain
// WriteFrame.
func (c *Conn) WriteFrameWithFD(f *wire.Frame, fd int) error {
	if fd < 0 {
		return c.WriteFrame(f)
	}
	uc, ok := c.raw.(*net.UnixConn)
	if !ok {
		return c.WriteFrame(f)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}

	payload := wire.Marshal(f)
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)

	rawConn, err := uc.SyscallConn()
	if err != nil {
		return err
	}
	rights := unix.UnixRights(fd)
	var sendErr error
	err = rawConn.Write(func(rawFD uintptr) bool {
		sendErr = unix.Sendmsg(int(rawFD), buf, rights, nil, 0)
		return true
	})
	if err != nil {
		return err
	}
	return sendErr
}

// ReadFrameWithFD reads one frame and any SCM_RIGHTS fd sent alongside it
// in the same recvmsg call. Returns fd=-1 if none was attached, or if this
// Conn does not wrap a *net.UnixConn (in which case it degrades to
// ReadFrame). The whole frame must fit in one recvmsg buffer (bounded by
// this Conn's maxPayload) — true for every frame this service sends with
// an attached fd (InitializeConnectionReply carries no bulk payload).
func (c *Conn) ReadFrameWithFD() (*wire.Frame, int, error) {
	uc, ok := c.raw.(*net.UnixConn)
	if !ok {
		f, err := c.ReadFrame()
		return f, -1, err
	}

	rawConn, err := uc.SyscallConn()
	if err != nil {
		return nil, -1, err
	}

	buf := make([]byte, c.maxPayload+4)
	oob := make([]byte, unix.CmsgSpace(4))
	var n, oobn int
	var recvErr error
	err = rawConn.Read(func(rawFD uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(rawFD), buf, oob, 0)
		return true
	})
	if err != nil {
		return nil, -1, err
	}
	if recvErr != nil {
		return nil, -1, recvErr
	}
	if n < 4 {
		return nil, -1, wire.ErrTruncated
	}
	payloadLen := binary.LittleEndian.Uint32(buf[0:4])
	if uint32(n-4) < payloadLen {
		return nil, -1, wire.ErrTruncated
	}
	frame, err := wire.Unmarshal(buf[4 : 4+payloadLen])
	if err != nil {
		return nil, -1, err
	}

	fd := -1
	if oobn > 0 {
		cmsgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr == nil && len(cmsgs) > 0 {
			if fds, ferr := unix.ParseUnixRights(&cmsgs[0]); ferr == nil && len(fds) > 0 {
				fd = fds[0]
			}
		}
	}
	return frame, fd, nil
}
