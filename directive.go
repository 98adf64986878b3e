package tracedsvc

import "encoding/binary"

// AsyncCommandKind distinguishes the three directives the service pushes to
// a producer outside of any request/reply exchange.
type AsyncCommandKind uint8

const (
	CommandStartDataSource AsyncCommandKind = 1
	CommandStopDataSource  AsyncCommandKind = 2
	// CommandFlush asks the producer to commit every chunk it currently
	// holds BEING_WRITTEN and acknowledge via NotifyFlushComplete, per
	// §12.2's Flush/FlushAck handshake. InstanceID is repurposed to carry
	// the flush request id for this one kind.
	CommandFlush AsyncCommandKind = 3
)

// AsyncCommand is one StartDataSource/StopDataSource/Flush directive,
// delivered as a reply payload on the producer's long-lived
// GetAsyncCommand stream (§4.C's push-channel substitute for a
// server-initiated frame, since the IPC fabric only lets a host reply to
// a request it already received).
type AsyncCommand struct {
	Kind       AsyncCommandKind
	InstanceID uint64 // data source instance id (Start/Stop) or flush id (Flush)
	Name       string            // data source name this instance is for
	Opaque     map[string]string // config for Start; empty otherwise
}

// EncodeAsyncCommand packs c as: u8 kind | u64 instance_id | u16 namelen |
// name | u32 pair_count | (u16 keylen|key|u16 vallen|val)*.
func EncodeAsyncCommand(c AsyncCommand) []byte {
	buf := make([]byte, 1+8+2+len(c.Name)+4)
	buf[0] = byte(c.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], c.InstanceID)
	binary.LittleEndian.PutUint16(buf[9:11], uint16(len(c.Name)))
	copy(buf[11:], c.Name)
	countOff := 11 + len(c.Name)
	binary.LittleEndian.PutUint32(buf[countOff:countOff+4], uint32(len(c.Opaque)))

	for k, v := range c.Opaque {
		entry := make([]byte, 2+len(k)+2+len(v))
		binary.LittleEndian.PutUint16(entry[0:2], uint16(len(k)))
		copy(entry[2:], k)
		voff := 2 + len(k)
		binary.LittleEndian.PutUint16(entry[voff:voff+2], uint16(len(v)))
		copy(entry[voff+2:], v)
		buf = append(buf, entry...)
	}
	return buf
}

// DecodeAsyncCommand is EncodeAsyncCommand's inverse; used by the producer
// SDK, not by the service itself.
func DecodeAsyncCommand(data []byte) (AsyncCommand, error) {
	if len(data) < 11 {
		return AsyncCommand{}, ErrFrameTooLarge // reuse: truncated-ish transport error
	}
	c := AsyncCommand{Kind: AsyncCommandKind(data[0]), InstanceID: binary.LittleEndian.Uint64(data[1:9])}
	nameLen := int(binary.LittleEndian.Uint16(data[9:11]))
	if len(data) < 11+nameLen+4 {
		return AsyncCommand{}, ErrFrameTooLarge
	}
	c.Name = string(data[11 : 11+nameLen])
	rest := data[11+nameLen:]
	count := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if count > 0 {
		c.Opaque = make(map[string]string, count)
	}
	for i := uint32(0); i < count; i++ {
		if len(rest) < 2 {
			return AsyncCommand{}, ErrFrameTooLarge
		}
		klen := int(binary.LittleEndian.Uint16(rest[0:2]))
		rest = rest[2:]
		if len(rest) < klen+2 {
			return AsyncCommand{}, ErrFrameTooLarge
		}
		key := string(rest[:klen])
		rest = rest[klen:]
		vlen := int(binary.LittleEndian.Uint16(rest[0:2]))
		rest = rest[2:]
		if len(rest) < vlen {
			return AsyncCommand{}, ErrFrameTooLarge
		}
		c.Opaque[key] = string(rest[:vlen])
		rest = rest[vlen:]
	}
	return c, nil
}
