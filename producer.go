package tracedsvc

import (
	"context"

	"github.com/ehrlich-b/tracedsvc/internal/abi"
	"github.com/ehrlich-b/tracedsvc/internal/interfaces"
	"github.com/ehrlich-b/tracedsvc/internal/ipc"
	"github.com/ehrlich-b/tracedsvc/internal/registry"
	"github.com/ehrlich-b/tracedsvc/internal/wire"
)

// producerEndpoint is the service's view of one connected producer: its
// shared-memory region, that region's pages (already laid out per §4.B),
// the data sources it has advertised, and the long-lived GetAsyncCommand
// sink it uses to receive StartDataSource/StopDataSource pushes.
type producerEndpoint struct {
	id          ProducerID
	conn        *ipc.Conn
	shmem       interfaces.SharedMemory
	pages       []*abi.Page
	pageSize    int
	dataSources map[DataSourceID]DataSourceDescriptor
	asyncSink   ipc.ReplySink
}

// instanceBinding is the service's record of one (session, data source)
// pairing created by EnableTracing or a late RegisterDataSource match.
type instanceBinding struct {
	session      *TracingSession
	bufferID     BufferID
	producerID   ProducerID
	dataSourceID DataSourceID
	name         string
}

func (s *Service) handleInitializeConnection(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	hint, ok := DecodeInitializeConnectionArgs(args)
	if !ok {
		_ = sink.Fail("malformed InitializeConnection args")
		return
	}
	p, ok := s.producerForClient(clientID)
	if !ok {
		_ = sink.Fail("no producer endpoint for connection")
		return
	}

	size := s.cfg.clampShmemSize(hint)
	shmem, err := s.shmemFactory.New(size)
	if err != nil {
		s.observer.ObserveFrameDropped("shmem_create_failed")
		_ = sink.Fail(WrapError("InitializeConnection", KindResource, err).Error())
		return
	}

	pageSize := s.cfg.PageSize
	numPages := size / pageSize
	layout := chunksLayoutFor(pageSize)
	pages := make([]*abi.Page, 0, numPages)
	for i := 0; i < numPages; i++ {
		buf := shmem.Bytes()[i*pageSize : (i+1)*pageSize]
		page, err := abi.NewPage(buf, layout)
		if err != nil {
			shmem.Close()
			_ = sink.Fail(WrapError("InitializeConnection", KindContract, err).Error())
			return
		}
		pages = append(pages, page)
	}

	p.shmem = shmem
	p.pages = pages
	p.pageSize = pageSize

	reply := EncodeInitializeConnectionReply(size, pageSize)
	if conn, ok := ipc.ConnFromContext(ctx); ok && shmem.FD() >= 0 {
		frame := &wire.Frame{RequestID: sink.RequestID(), Kind: wire.KindInvokeMethodReply, Success: true, Reply: reply}
		if err := conn.WriteFrameWithFD(frame, shmem.FD()); err != nil {
			s.log.Warn("failed to send InitializeConnectionReply with fd", "err", err, "producer", p.id)
		}
		return
	}
	_ = sink.Send(reply, false)
}

func (s *Service) handleRegisterDataSource(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	desc, ok := DecodeRegisterDataSourceArgs(args)
	if !ok {
		_ = sink.Fail("malformed RegisterDataSource args")
		return
	}
	p, ok := s.producerForClient(clientID)
	if !ok {
		_ = sink.Fail("no producer endpoint for connection")
		return
	}

	s.mu.Lock()
	id := DataSourceID(s.dataSourceIDs.Next())
	p.dataSources[id] = desc
	s.registry.Register(desc.Name, uint64(p.id), uint64(id), registry.Descriptor{Name: desc.Name, Opaque: desc.Opaque})
	s.mu.Unlock()

	s.startInstancesForNewDataSource(p, id, desc)
	_ = sink.Send(EncodeDataSourceIDReply(id), false)
}

func (s *Service) handleUnregisterDataSource(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	id, ok := DecodeUnregisterDataSourceArgs(args)
	if !ok {
		_ = sink.Fail("malformed UnregisterDataSource args")
		return
	}
	p, ok := s.producerForClient(clientID)
	if !ok {
		_ = sink.Fail("no producer endpoint for connection")
		return
	}
	if _, exists := p.dataSources[id]; !exists {
		_ = sink.Fail(ErrUnknownDataSource.Error())
		return
	}

	s.mu.Lock()
	delete(p.dataSources, id)
	s.registry.Unregister(uint64(p.id), uint64(id))
	s.mu.Unlock()

	s.stopInstancesForDataSource(p.id, id)
	_ = sink.Send(nil, false)
}

func (s *Service) handleNotifySharedMemoryUpdate(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	pageIndex, ok := DecodeNotifySharedMemoryUpdateArgs(args)
	if !ok {
		_ = sink.Fail("malformed NotifySharedMemoryUpdate args")
		return
	}
	p, ok := s.producerForClient(clientID)
	if !ok {
		_ = sink.Fail("no producer endpoint for connection")
		return
	}
	if pageIndex < 0 || pageIndex >= len(p.pages) {
		s.observer.ObserveFrameDropped("bad_page_index")
		_ = sink.Fail("page index out of range")
		return
	}

	results := p.pages[pageIndex].DrainPage()
	for _, r := range results {
		instanceID := DataSourceInstanceID(r.Header.WriterID)
		s.mu.Lock()
		binding, ok := s.instances[instanceID]
		s.mu.Unlock()
		if !ok {
			s.observer.ObserveFrameDropped("unmatched_instance")
			continue
		}
		// binding.session.Buffers is populated once in handleEnableTracing
		// and never gets keys added or removed afterward, so reading it
		// here without s.mu is safe even though this runs on the
		// producer connection's own goroutine, concurrently with the
		// consumer connection's ReadBuffers/FreeBuffers calls — only the
		// map's values change (a TraceBuffer's contents), and TraceBuffer
		// now guards those itself.
		buf, ok := binding.session.Buffers[binding.bufferID]
		if !ok {
			s.observer.ObserveFrameDropped("unmatched_buffer")
			continue
		}
		buf.WritePage(r.Body)
		s.observer.ObserveChunkRead(len(r.Body), 0)
	}
	// NotifySharedMemoryUpdate is fire-and-forget from the producer's side
	// (Proxy.Notify never registers a reply handler), but InvokeMethod
	// still expects exactly one terminal reply per request on this
	// transport, so the service closes it out quietly.
	_ = sink.Send(nil, false)
}

// handleGetAsyncCommand is the producer-initiated long-lived stream the
// service pushes StartDataSource/StopDataSource directives over, since the
// IPC fabric only ever lets a host reply to a call the client made first.
// The handler deliberately sends nothing on entry: the request stays open,
// its ReplySink parked on the producerEndpoint, until pushAsyncCommand has
// something to deliver.
func (s *Service) handleGetAsyncCommand(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	p, ok := s.producerForClient(clientID)
	if !ok {
		_ = sink.Fail("no producer endpoint for connection")
		return
	}
	s.mu.Lock()
	p.asyncSink = sink
	s.mu.Unlock()
}

// handleNotifyFlushComplete records this producer's answer to a pending
// Flush; the flush completes (and its sink finally replies) once every
// producer it was waiting on has answered, or completeFlush's deadline
// fires first.
func (s *Service) handleNotifyFlushComplete(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	flushID, ok := DecodeNotifyFlushCompleteArgs(args)
	if !ok {
		_ = sink.Fail("malformed NotifyFlushComplete args")
		return
	}
	p, ok := s.producerForClient(clientID)
	if !ok {
		_ = sink.Fail("no producer endpoint for connection")
		return
	}

	s.mu.Lock()
	fw, exists := s.pendingFlushes[flushID]
	var done bool
	if exists {
		delete(fw.want, p.id)
		done = len(fw.want) == 0
		if done {
			delete(s.pendingFlushes, flushID)
		}
	}
	s.mu.Unlock()

	if done {
		_ = fw.sink.Send(nil, false)
	}
	_ = sink.Send(nil, false)
}

// completeFlush answers a pending Flush's sink once, whether because every
// producer acknowledged or because the deadline posted alongside the
// original Flush call fired first. Safe to call twice; the second call is
// a no-op since the first removes the entry from pendingFlushes.
func (s *Service) completeFlush(flushID uint64) {
	s.mu.Lock()
	fw, ok := s.pendingFlushes[flushID]
	if ok {
		delete(s.pendingFlushes, flushID)
	}
	s.mu.Unlock()
	if ok {
		_ = fw.sink.Send(nil, false)
	}
}

func (s *Service) pushAsyncCommand(producerID ProducerID, cmd AsyncCommand) {
	s.mu.Lock()
	p, ok := s.producers[producerID]
	var sink ipc.ReplySink
	if ok {
		sink = p.asyncSink
	}
	s.mu.Unlock()
	if !ok || sink == nil {
		s.log.Warn("no async command channel open for producer, dropping directive", "producer", producerID, "kind", cmd.Kind)
		return
	}
	if err := sink.Send(EncodeAsyncCommand(cmd), true); err != nil {
		s.log.Warn("failed to push async command", "producer", producerID, "err", err)
	}
}

// startInstancesForNewDataSource binds every active session whose
// TraceConfig asked for a data source named desc.Name to this newly
// registered (producer, data source) pair — the "late producer" case from
// §8: a session can be enabled before the producer that will serve it
// connects.
func (s *Service) startInstancesForNewDataSource(p *producerEndpoint, dsID DataSourceID, desc DataSourceDescriptor) {
	type started struct {
		id DataSourceInstanceID
		b  *instanceBinding
	}
	var toStart []started

	s.mu.Lock()
	for _, c := range s.consumers {
		sess := c.session
		if sess == nil || sess.State != SessionActive {
			continue
		}
		for _, want := range sess.RequestedSources {
			if want.Name != desc.Name {
				continue
			}
			bufID, ok := sess.bufferIDForIndex(want.TargetBufferIndex)
			if !ok {
				continue
			}
			instanceID := DataSourceInstanceID(s.dataSourceInstanceIDs.Next())
			b := &instanceBinding{session: sess, bufferID: bufID, producerID: p.id, dataSourceID: dsID, name: desc.Name}
			s.instances[instanceID] = b
			sess.Instances[instanceID] = b
			toStart = append(toStart, started{id: instanceID, b: b})
		}
	}
	s.mu.Unlock()

	for _, st := range toStart {
		s.pushAsyncCommand(st.b.producerID, AsyncCommand{Kind: CommandStartDataSource, InstanceID: uint64(st.id), Name: st.b.name})
	}
}

// stopInstancesForDataSource removes every instance binding for
// (producerID, dataSourceID) from both the global instance index and the
// owning session, and — if the producer is still connected — pushes
// StopDataSource for each.
func (s *Service) stopInstancesForDataSource(producerID ProducerID, dataSourceID DataSourceID) {
	s.mu.Lock()
	var removed []DataSourceInstanceID
	for id, b := range s.instances {
		if b.producerID != producerID || b.dataSourceID != dataSourceID {
			continue
		}
		delete(s.instances, id)
		delete(b.session.Instances, id)
		removed = append(removed, id)
	}
	_, producerStillConnected := s.producers[producerID]
	s.mu.Unlock()

	if !producerStillConnected {
		return
	}
	for _, id := range removed {
		s.pushAsyncCommand(producerID, AsyncCommand{Kind: CommandStopDataSource, InstanceID: uint64(id)})
	}
}
