package tracedsvc

import (
	"context"
	"sort"

	"github.com/ehrlich-b/tracedsvc/internal/constants"
	"github.com/ehrlich-b/tracedsvc/internal/ipc"
	"github.com/ehrlich-b/tracedsvc/internal/session"
)

// consumerEndpoint is the service's view of one connected consumer: at
// most one TracingSession at a time, per §3's "one session per consumer"
// invariant.
type consumerEndpoint struct {
	id      ConsumerID
	conn    *ipc.Conn
	session *TracingSession
}

// TracingSession is the service-owned state created by EnableTracing and
// torn down by FreeBuffers (or an auto-disable timer, or consumer
// disconnect): the buffers it allocated, the data sources it asked for,
// and the instance bindings currently feeding those buffers.
type TracingSession struct {
	ConsumerID       ConsumerID
	SessionID        TracingSessionID
	State            SessionState
	RequestedSources []DataSourceConfig
	Buffers          map[BufferID]*session.TraceBuffer
	Instances        map[DataSourceInstanceID]*instanceBinding

	bufferIDByIndex map[uint32]BufferID
}

func (t *TracingSession) bufferIDForIndex(idx uint32) (BufferID, bool) {
	id, ok := t.bufferIDByIndex[idx]
	return id, ok
}

func (s *Service) handleEnableTracing(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	cfg, ok := DecodeEnableTracingArgs(args)
	if !ok {
		_ = sink.Fail("malformed EnableTracing args")
		return
	}
	c, ok := s.consumerForClient(clientID)
	if !ok {
		_ = sink.Fail("no consumer endpoint for connection")
		return
	}

	s.mu.Lock()
	if c.session != nil {
		s.mu.Unlock()
		_ = sink.Fail(ErrAlreadyEnabled.Error())
		return
	}

	sess := &TracingSession{
		ConsumerID:       c.id,
		SessionID:        TracingSessionID(s.sessionIDs.Next()),
		State:            SessionActive,
		RequestedSources: cfg.DataSources,
		Buffers:          make(map[BufferID]*session.TraceBuffer),
		Instances:        make(map[DataSourceInstanceID]*instanceBinding),
		bufferIDByIndex:  make(map[uint32]BufferID),
	}
	for i, spec := range cfg.Buffers {
		buf, err := session.NewTraceBuffer(spec.SizeBytes, spec.PageSize)
		if err != nil {
			for _, b := range sess.Buffers {
				b.Close()
			}
			s.mu.Unlock()
			_ = sink.Fail(WrapError("EnableTracing", KindContract, err).Error())
			return
		}
		bufID := BufferID(s.bufferIDs.Alloc())
		sess.Buffers[bufID] = buf
		sess.bufferIDByIndex[uint32(i)] = bufID
	}
	c.session = sess
	s.mu.Unlock()

	type started struct {
		id DataSourceInstanceID
		b  *instanceBinding
	}
	var toStart []started
	s.mu.Lock()
	for _, want := range cfg.DataSources {
		bufID, ok := sess.bufferIDForIndex(want.TargetBufferIndex)
		if !ok {
			continue
		}
		for _, entry := range s.registry.Lookup(want.Name) {
			instanceID := DataSourceInstanceID(s.dataSourceInstanceIDs.Next())
			b := &instanceBinding{
				session:      sess,
				bufferID:     bufID,
				producerID:   ProducerID(entry.ProducerID),
				dataSourceID: DataSourceID(entry.DataSourceID),
				name:         want.Name,
			}
			s.instances[instanceID] = b
			sess.Instances[instanceID] = b
			toStart = append(toStart, started{id: instanceID, b: b})
		}
	}
	s.mu.Unlock()

	for _, st := range toStart {
		s.pushAsyncCommand(st.b.producerID, AsyncCommand{Kind: CommandStartDataSource, InstanceID: uint64(st.id), Name: st.b.name})
	}

	if cfg.DurationMs > 0 {
		s.taskRunner.PostDelayedTask(func() {
			s.disableSession(sess, "session duration elapsed")
		}, cfg.DurationMs)
	}

	s.observer.ObserveSessionEnabled()
	_ = sink.Send(EncodeTracingSessionIDReply(sess.SessionID), false)
}

func (s *Service) handleDisableTracing(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	sessionID, ok := DecodeSessionIDArgs(args)
	if !ok {
		_ = sink.Fail("malformed DisableTracing args")
		return
	}
	c, ok := s.consumerForClient(clientID)
	if !ok || c.session == nil || c.session.SessionID != sessionID {
		_ = sink.Fail("unknown tracing session")
		return
	}
	s.disableSession(c.session, "DisableTracing called")
	_ = sink.Send(nil, false)
}

// disableSession transitions sess to SessionDisabled, pushing
// StopDataSource for every instance it currently owns. Idempotent: a
// session already disabled is left untouched, since both an explicit
// DisableTracing and the auto-disable timer can race to call this.
func (s *Service) disableSession(sess *TracingSession, reason string) {
	s.mu.Lock()
	if sess.State == SessionDisabled {
		s.mu.Unlock()
		return
	}
	sess.State = SessionDisabled
	toStop := sess.Instances
	sess.Instances = make(map[DataSourceInstanceID]*instanceBinding)
	for id := range toStop {
		delete(s.instances, id)
	}
	s.mu.Unlock()

	for id, b := range toStop {
		s.pushAsyncCommand(b.producerID, AsyncCommand{Kind: CommandStopDataSource, InstanceID: uint64(id)})
	}
	s.observer.ObserveSessionDisabled()
	s.log.Info("tracing session disabled", "session", sess.SessionID, "reason", reason)
}

func (s *Service) handleReadBuffers(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	sessionID, ok := DecodeSessionIDArgs(args)
	if !ok {
		_ = sink.Fail("malformed ReadBuffers args")
		return
	}
	c, ok := s.consumerForClient(clientID)
	if !ok || c.session == nil || c.session.SessionID != sessionID {
		_ = sink.Fail("unknown tracing session")
		return
	}
	sess := c.session

	// Snapshot the buffer set under s.mu: sess.Buffers is a plain map that
	// FreeBuffers can mutate (via Close, on the same connection's
	// goroutine, but never concurrently with other consumer connections
	// holding the same *TracingSession — which cannot happen today, since
	// a session belongs to exactly one consumerEndpoint). Taking s.mu here
	// costs nothing and keeps every access to Service-owned maps under one
	// lock, rather than relying on single-connection serialization as the
	// only thing preventing a map read/write race. The actual page data
	// copy happens after unlocking, since TraceBuffer now guards its own
	// contents with an internal mutex.
	s.mu.Lock()
	bufs := make([]*session.TraceBuffer, 0, len(sess.Buffers))
	bufIDs := make([]BufferID, 0, len(sess.Buffers))
	for id := range sess.Buffers {
		bufIDs = append(bufIDs, id)
	}
	sort.Slice(bufIDs, func(i, j int) bool { return bufIDs[i] < bufIDs[j] })
	for _, id := range bufIDs {
		bufs = append(bufs, sess.Buffers[id])
	}
	s.mu.Unlock()

	type pending struct {
		bufID BufferID
		page  []byte
	}
	var all []pending
	for i, bufID := range bufIDs {
		for _, page := range bufs[i].Drain() {
			all = append(all, pending{bufID: bufID, page: page})
		}
	}

	if len(all) == 0 {
		_ = sink.Send(nil, false)
		return
	}
	for i, p := range all {
		hasMore := i < len(all)-1
		if err := sink.Send(EncodeReadBuffersPage(p.bufID, p.page), hasMore); err != nil {
			return
		}
	}
}

func (s *Service) handleFreeBuffers(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	sessionID, ok := DecodeSessionIDArgs(args)
	if !ok {
		_ = sink.Fail("malformed FreeBuffers args")
		return
	}
	c, ok := s.consumerForClient(clientID)
	if !ok || c.session == nil || c.session.SessionID != sessionID {
		_ = sink.Fail("unknown tracing session")
		return
	}
	sess := c.session
	s.disableSession(sess, "FreeBuffers called")

	s.mu.Lock()
	for bufID, buf := range sess.Buffers {
		buf.Close()
		s.bufferIDs.Free(uint32(bufID))
	}
	c.session = nil
	s.mu.Unlock()

	_ = sink.Send(nil, false)
}

// handleFlush implements §12.2's Flush/FlushAck handshake: it asks every
// producer with a live instance in the session to commit its
// BEING_WRITTEN chunks and acknowledge, then replies once every producer
// has answered NotifyFlushComplete or timeoutMs has elapsed, whichever
// comes first — a producer that never answers is simply not waited on
// further, per §7's error-category discipline (never fatal).
func (s *Service) handleFlush(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	sessionID, timeoutMs, ok := DecodeFlushArgs(args)
	if !ok {
		_ = sink.Fail("malformed Flush args")
		return
	}
	c, ok := s.consumerForClient(clientID)
	if !ok || c.session == nil || c.session.SessionID != sessionID {
		_ = sink.Fail("unknown tracing session")
		return
	}
	sess := c.session

	s.mu.Lock()
	want := make(map[ProducerID]bool)
	for _, b := range sess.Instances {
		want[b.producerID] = true
	}
	if len(want) == 0 {
		s.mu.Unlock()
		_ = sink.Send(nil, false)
		return
	}
	flushID := s.flushIDs.Next()
	s.pendingFlushes[flushID] = &flushWait{want: want, sink: sink}
	s.mu.Unlock()

	for producerID := range want {
		s.pushAsyncCommand(producerID, AsyncCommand{Kind: CommandFlush, InstanceID: flushID})
	}
	if timeoutMs <= 0 {
		timeoutMs = constants.FlushDeadline.Milliseconds()
	}
	s.taskRunner.PostDelayedTask(func() { s.completeFlush(flushID) }, timeoutMs)
}

func (s *Service) handleQueryServiceState(ctx context.Context, clientID uint64, args []byte, sink ipc.ReplySink) {
	s.mu.Lock()
	names := s.registry.Names()
	s.mu.Unlock()
	_ = sink.Send(EncodeQueryServiceStateReply(names), false)
}
