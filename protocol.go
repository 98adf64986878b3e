package tracedsvc

import "encoding/binary"

// This file encodes the request/reply payloads carried as opaque Args/Reply
// bytes on top of internal/wire's InvokeMethod frames — one small
// fixed-then-length-prefixed layout per method, in the same spirit as
// internal/wire's own TLV codec and internal/abi's manual header packing,
// since this module has no protobuf toolchain to generate these from a
// schema.

func putString(buf []byte, off int, s string) int {
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(s)))
	copy(buf[off+4:], s)
	return off + 4 + len(s)
}

func readString(data []byte, off int) (string, int, bool) {
	if len(data) < off+4 {
		return "", 0, false
	}
	n := int(binary.LittleEndian.Uint32(data[off : off+4]))
	if len(data) < off+4+n {
		return "", 0, false
	}
	return string(data[off+4 : off+4+n]), off + 4 + n, true
}

func putStringMap(buf []byte, off int, m map[string]string) []byte {
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, uint32(len(m)))
	buf = append(buf, hdr...)
	for k, v := range m {
		kb := make([]byte, 4+len(k))
		binary.LittleEndian.PutUint32(kb, uint32(len(k)))
		copy(kb[4:], k)
		vb := make([]byte, 4+len(v))
		binary.LittleEndian.PutUint32(vb, uint32(len(v)))
		copy(vb[4:], v)
		buf = append(buf, kb...)
		buf = append(buf, vb...)
	}
	return buf
}

func readStringMap(data []byte) (map[string]string, []byte, bool) {
	if len(data) < 4 {
		return nil, nil, false
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	data = data[4:]
	var m map[string]string
	if count > 0 {
		m = make(map[string]string, count)
	}
	for i := uint32(0); i < count; i++ {
		k, rest, ok := readString(data, 0)
		if !ok {
			return nil, nil, false
		}
		data = data[rest:]
		v, rest2, ok := readString(data, 0)
		if !ok {
			return nil, nil, false
		}
		data = data[rest2:]
		m[k] = v
	}
	return m, data, true
}

// --- RegisterDataSource ---

func EncodeRegisterDataSourceArgs(desc DataSourceDescriptor) []byte {
	buf := make([]byte, 4+len(desc.Name))
	putString(buf, 0, desc.Name)
	return putStringMap(buf, len(buf), desc.Opaque)
}

func DecodeRegisterDataSourceArgs(data []byte) (DataSourceDescriptor, bool) {
	name, n, ok := readString(data, 0)
	if !ok {
		return DataSourceDescriptor{}, false
	}
	opaque, _, ok := readStringMap(data[n:])
	if !ok {
		return DataSourceDescriptor{}, false
	}
	return DataSourceDescriptor{Name: name, Opaque: opaque}, true
}

func EncodeDataSourceIDReply(id DataSourceID) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(id))
	return buf
}

func DecodeDataSourceIDReply(data []byte) (DataSourceID, bool) {
	if len(data) < 8 {
		return 0, false
	}
	return DataSourceID(binary.LittleEndian.Uint64(data)), true
}

// --- UnregisterDataSource ---

func EncodeUnregisterDataSourceArgs(id DataSourceID) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(id))
	return buf
}

func DecodeUnregisterDataSourceArgs(data []byte) (DataSourceID, bool) {
	if len(data) < 8 {
		return 0, false
	}
	return DataSourceID(binary.LittleEndian.Uint64(data)), true
}

// --- InitializeConnection ---

func EncodeInitializeConnectionArgs(shmemSizeHint int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(int64(shmemSizeHint)))
	return buf
}

func DecodeInitializeConnectionArgs(data []byte) (int, bool) {
	if len(data) < 8 {
		return 0, false
	}
	return int(int64(binary.LittleEndian.Uint64(data))), true
}

func EncodeInitializeConnectionReply(shmemSize, pageSize int) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(shmemSize))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(pageSize))
	return buf
}

func DecodeInitializeConnectionReply(data []byte) (shmemSize, pageSize int, ok bool) {
	if len(data) < 16 {
		return 0, 0, false
	}
	return int(binary.LittleEndian.Uint64(data[0:8])), int(binary.LittleEndian.Uint64(data[8:16])), true
}

// --- NotifySharedMemoryUpdate ---

func EncodeNotifySharedMemoryUpdateArgs(pageIndex int) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(pageIndex))
	return buf
}

func DecodeNotifySharedMemoryUpdateArgs(data []byte) (int, bool) {
	if len(data) < 4 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint32(data)), true
}

// --- EnableTracing ---

func EncodeEnableTracingArgs(cfg TraceConfig) []byte {
	var buf []byte
	head := make([]byte, 4+4+8)
	binary.LittleEndian.PutUint32(head[0:4], uint32(len(cfg.DataSources)))
	binary.LittleEndian.PutUint32(head[4:8], uint32(len(cfg.Buffers)))
	binary.LittleEndian.PutUint64(head[8:16], uint64(cfg.DurationMs))
	buf = append(buf, head...)
	for _, ds := range cfg.DataSources {
		entry := make([]byte, 4+len(ds.Name)+4)
		n := putString(entry, 0, ds.Name)
		binary.LittleEndian.PutUint32(entry[n:n+4], ds.TargetBufferIndex)
		buf = append(buf, entry...)
		buf = putStringMap(buf, len(buf), ds.Opaque)
	}
	for _, b := range cfg.Buffers {
		entry := make([]byte, 16)
		binary.LittleEndian.PutUint64(entry[0:8], uint64(b.SizeBytes))
		binary.LittleEndian.PutUint64(entry[8:16], uint64(b.PageSize))
		buf = append(buf, entry...)
	}
	return buf
}

func DecodeEnableTracingArgs(data []byte) (TraceConfig, bool) {
	if len(data) < 16 {
		return TraceConfig{}, false
	}
	numSources := binary.LittleEndian.Uint32(data[0:4])
	numBuffers := binary.LittleEndian.Uint32(data[4:8])
	duration := int64(binary.LittleEndian.Uint64(data[8:16]))
	data = data[16:]

	cfg := TraceConfig{DurationMs: duration}
	for i := uint32(0); i < numSources; i++ {
		name, n, ok := readString(data, 0)
		if !ok {
			return TraceConfig{}, false
		}
		data = data[n:]
		if len(data) < 4 {
			return TraceConfig{}, false
		}
		targetBuf := binary.LittleEndian.Uint32(data[0:4])
		data = data[4:]
		opaque, rest, ok := readStringMap(data)
		if !ok {
			return TraceConfig{}, false
		}
		data = rest
		cfg.DataSources = append(cfg.DataSources, DataSourceConfig{Name: name, TargetBufferIndex: targetBuf, Opaque: opaque})
	}
	for i := uint32(0); i < numBuffers; i++ {
		if len(data) < 16 {
			return TraceConfig{}, false
		}
		cfg.Buffers = append(cfg.Buffers, BufferSpec{
			SizeBytes: int(binary.LittleEndian.Uint64(data[0:8])),
			PageSize:  int(binary.LittleEndian.Uint64(data[8:16])),
		})
		data = data[16:]
	}
	return cfg, true
}

func EncodeTracingSessionIDReply(id TracingSessionID) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(id))
	return buf
}

func DecodeTracingSessionIDReply(data []byte) (TracingSessionID, bool) {
	if len(data) < 8 {
		return 0, false
	}
	return TracingSessionID(binary.LittleEndian.Uint64(data)), true
}

// --- DisableTracing / ReadBuffers / FreeBuffers share one session-id arg ---

func EncodeSessionIDArgs(id TracingSessionID) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(id))
	return buf
}

func DecodeSessionIDArgs(data []byte) (TracingSessionID, bool) {
	if len(data) < 8 {
		return 0, false
	}
	return TracingSessionID(binary.LittleEndian.Uint64(data)), true
}

// --- ReadBuffers streamed reply: one page per Send ---

func EncodeReadBuffersPage(bufID BufferID, page []byte) []byte {
	buf := make([]byte, 4+len(page))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bufID))
	copy(buf[4:], page)
	return buf
}

func DecodeReadBuffersPage(data []byte) (BufferID, []byte, bool) {
	if len(data) < 4 {
		return 0, nil, false
	}
	return BufferID(binary.LittleEndian.Uint32(data[0:4])), data[4:], true
}

// --- Flush / NotifyFlushComplete ---

func EncodeFlushArgs(sessionID TracingSessionID, timeoutMs int64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(sessionID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(timeoutMs))
	return buf
}

func DecodeFlushArgs(data []byte) (sessionID TracingSessionID, timeoutMs int64, ok bool) {
	if len(data) < 16 {
		return 0, 0, false
	}
	return TracingSessionID(binary.LittleEndian.Uint64(data[0:8])), int64(binary.LittleEndian.Uint64(data[8:16])), true
}

func EncodeNotifyFlushCompleteArgs(flushID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, flushID)
	return buf
}

func DecodeNotifyFlushCompleteArgs(data []byte) (uint64, bool) {
	if len(data) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(data), true
}

// --- QueryServiceState ---

func EncodeQueryServiceStateReply(dataSourceNames []string) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(dataSourceNames)))
	for _, name := range dataSourceNames {
		entry := make([]byte, 4+len(name))
		putString(entry, 0, name)
		buf = append(buf, entry...)
	}
	return buf
}

func DecodeQueryServiceStateReply(data []byte) ([]string, bool) {
	if len(data) < 4 {
		return nil, false
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	data = data[4:]
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		name, n, ok := readString(data, 0)
		if !ok {
			return nil, false
		}
		names = append(names, name)
		data = data[n:]
	}
	return names, true
}
