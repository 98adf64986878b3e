// Package sdk is the producer-side client of the tracing daemon: it wraps
// internal/ipc's Client/Proxy and internal/abi's Page/Chunk state machine
// behind a small, concrete TraceWriter/PacketWriter API, the same way
// go-ublk's backend packages give a minimal concrete driver for an
// otherwise-abstract collaborator interface. A real producer links this
// package instead of speaking the wire protocol directly.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ehrlich-b/tracedsvc"
	"github.com/ehrlich-b/tracedsvc/internal/abi"
	"github.com/ehrlich-b/tracedsvc/internal/interfaces"
	"github.com/ehrlich-b/tracedsvc/internal/ipc"
	"github.com/ehrlich-b/tracedsvc/internal/logging"
	"github.com/ehrlich-b/tracedsvc/internal/shmio"
)

// ErrChunkFull is returned by PacketWriter.Write when the packet would
// overflow its chunk's remaining capacity. This SDK does not fragment one
// packet across chunks; the caller must Flush and start a new packet.
var ErrChunkFull = errors.New("sdk: packet would overflow current chunk")

// ErrNoFreeChunk is returned by NewTracePacket when every chunk in every
// page was reachable but none was FREE — the same backpressure-is-drop
// condition AcquireChunk reports service-side.
var ErrNoFreeChunk = errors.New("sdk: no FREE chunk reachable in shared memory")

// ErrUnknownDataSource is returned by NewTracePacket for a name the
// service has not (yet, or ever) sent a StartDataSource directive for.
var ErrUnknownDataSource = errors.New("sdk: data source has no active instance")

// TraceWriter is a connected producer: one shared-memory region mapped
// from the service's InitializeConnectionReply, the data sources this
// process has registered, and the set of instance bindings currently
// active for them (learned from the service's GetAsyncCommand pushes).
type TraceWriter struct {
	client *ipc.Client
	proxy  *ipc.Proxy
	log    logging.Logger

	shmem    interfaces.SharedMemory
	pages    []*abi.Page
	pageSize int

	mu        sync.Mutex
	instances map[string]uint64 // data source name -> active DataSourceInstanceID
	hint      int               // round-robin cursor over page indexes

	onFlush func(flushID uint64)
}

// Option configures Connect.
type Option func(*TraceWriter)

// WithLogger overrides the writer's logger.
func WithLogger(l logging.Logger) Option {
	return func(tw *TraceWriter) { tw.log = l }
}

// WithFlushHandler overrides the default immediate-ack Flush behavior.
// The callback must itself call TraceWriter.NotifyFlushComplete(flushID)
// once this producer has nothing further to commit for that flush.
func WithFlushHandler(f func(flushID uint64)) Option {
	return func(tw *TraceWriter) { tw.onFlush = f }
}

// Connect dials the daemon's producer socket, performs InitializeConnection,
// maps the returned shared-memory region, and starts the background
// GetAsyncCommand stream. shmemSizeHint <= 0 asks the daemon to pick its
// configured default.
func Connect(ctx context.Context, network, addr string, maxFramePayload uint32, shmemSizeHint int, opts ...Option) (*TraceWriter, error) {
	client, err := ipc.Connect(ctx, network, addr, maxFramePayload, nil)
	if err != nil {
		return nil, fmt.Errorf("sdk: connect: %w", err)
	}
	proxy, err := client.BindService(ctx, "ProducerPort")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sdk: bind ProducerPort: %w", err)
	}

	tw := &TraceWriter{
		client:    client,
		proxy:     proxy,
		log:       logging.Discard{},
		instances: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(tw)
	}

	reply, fd, err := tw.invoke("InitializeConnection", tracedsvc.EncodeInitializeConnectionArgs(shmemSizeHint))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sdk: InitializeConnection: %w", err)
	}
	shmemSize, pageSize, ok := tracedsvc.DecodeInitializeConnectionReply(reply)
	if !ok {
		client.Close()
		return nil, fmt.Errorf("sdk: malformed InitializeConnectionReply")
	}
	shmem, err := shmio.OpenFD(fd, shmemSize)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sdk: mapping shared memory: %w", err)
	}

	numPages := shmemSize / pageSize
	pages := make([]*abi.Page, 0, numPages)
	for i := 0; i < numPages; i++ {
		page, err := abi.OpenPage(shmem.Bytes()[i*pageSize : (i+1)*pageSize])
		if err != nil {
			shmem.Close()
			client.Close()
			return nil, fmt.Errorf("sdk: opening page %d: %w", i, err)
		}
		pages = append(pages, page)
	}
	tw.shmem = shmem
	tw.pages = pages
	tw.pageSize = pageSize

	if _, err := tw.proxy.BeginInvoke("GetAsyncCommand", nil, tw.handleAsyncCommand); err != nil {
		shmem.Close()
		client.Close()
		return nil, fmt.Errorf("sdk: GetAsyncCommand: %w", err)
	}

	return tw, nil
}

// Close unmaps shared memory and closes the connection.
func (tw *TraceWriter) Close() error {
	if tw.shmem != nil {
		tw.shmem.Close()
	}
	return tw.client.Close()
}

func (tw *TraceWriter) invoke(method string, args []byte) ([]byte, int, error) {
	type result struct {
		payload []byte
		fd      int
		err     error
	}
	done := make(chan result, 1)
	_, err := tw.proxy.BeginInvoke(method, args, func(payload []byte, hasMore bool, fd int, err error) {
		done <- result{payload, fd, err}
	})
	if err != nil {
		return nil, -1, err
	}
	r := <-done
	return r.payload, r.fd, r.err
}

// handleAsyncCommand is GetAsyncCommand's long-lived reply handler: it
// tracks StartDataSource/StopDataSource as instance bindings and answers
// Flush directives via onFlush (default: immediate ack).
func (tw *TraceWriter) handleAsyncCommand(payload []byte, hasMore bool, fd int, err error) {
	if err != nil {
		tw.log.Warn("sdk: GetAsyncCommand stream ended", "err", err)
		return
	}
	cmd, err := tracedsvc.DecodeAsyncCommand(payload)
	if err != nil {
		tw.log.Warn("sdk: malformed async command, dropping", "err", err)
		return
	}
	switch cmd.Kind {
	case tracedsvc.CommandStartDataSource:
		tw.mu.Lock()
		tw.instances[cmd.Name] = cmd.InstanceID
		tw.mu.Unlock()
	case tracedsvc.CommandStopDataSource:
		tw.mu.Lock()
		for name, id := range tw.instances {
			if id == cmd.InstanceID {
				delete(tw.instances, name)
				break
			}
		}
		tw.mu.Unlock()
	case tracedsvc.CommandFlush:
		// Answered off the client's read loop: NotifyFlushComplete waits for
		// a reply that only that same read loop can deliver.
		go func() {
			if tw.onFlush != nil {
				tw.onFlush(cmd.InstanceID)
			} else {
				tw.NotifyFlushComplete(cmd.InstanceID)
			}
		}()
	}
}

// NotifyFlushComplete acknowledges flushID back to the service. A
// WithFlushHandler callback must call this once it has released every
// chunk it wants committed as part of that flush.
func (tw *TraceWriter) NotifyFlushComplete(flushID uint64) {
	if _, _, err := tw.invoke("NotifyFlushComplete", tracedsvc.EncodeNotifyFlushCompleteArgs(flushID)); err != nil {
		tw.log.Warn("sdk: NotifyFlushComplete failed", "flushID", flushID, "err", err)
	}
}

// RegisterDataSource advertises one data source to the service. For each
// active session already requesting this name, this producer receives a
// StartDataSource shortly after, delivered on the GetAsyncCommand stream.
func (tw *TraceWriter) RegisterDataSource(desc tracedsvc.DataSourceDescriptor) (tracedsvc.DataSourceID, error) {
	reply, _, err := tw.invoke("RegisterDataSource", tracedsvc.EncodeRegisterDataSourceArgs(desc))
	if err != nil {
		return 0, err
	}
	id, ok := tracedsvc.DecodeDataSourceIDReply(reply)
	if !ok {
		return 0, fmt.Errorf("sdk: malformed RegisterDataSource reply")
	}
	return id, nil
}

// UnregisterDataSource withdraws a previously registered data source.
func (tw *TraceWriter) UnregisterDataSource(id tracedsvc.DataSourceID) error {
	_, _, err := tw.invoke("UnregisterDataSource", tracedsvc.EncodeUnregisterDataSourceArgs(id))
	return err
}

// PacketWriter is one in-flight packet being appended to a claimed chunk.
// Obtained only from NewTracePacket; Flush must always be called to
// release the chunk back to the page's state machine.
type PacketWriter struct {
	tw        *TraceWriter
	page      *abi.Page
	pageIndex int
	chunk     *abi.Chunk
}

// NewTracePacket claims a chunk for dataSourceName's active instance,
// round-robining across pages starting from the writer's last position and
// taking the first FREE chunk of the first page that has one. Returns ErrUnknownDataSource if the service has not (or
// no longer) bound this name to an instance, and ErrNoFreeChunk if no
// chunk anywhere is currently FREE — the caller should drop the packet
// rather than retry synchronously, per the ABI's no-blocking contract.
func (tw *TraceWriter) NewTracePacket(dataSourceName string) (*PacketWriter, error) {
	tw.mu.Lock()
	instanceID, ok := tw.instances[dataSourceName]
	startHint := tw.hint
	tw.mu.Unlock()
	if !ok {
		return nil, ErrUnknownDataSource
	}

	numPages := len(tw.pages)
	for i := 0; i < numPages; i++ {
		pageIdx := (startHint + i) % numPages
		page := tw.pages[pageIdx]
		chunk, ok := page.AcquireChunk(0, uint32(instanceID))
		if !ok {
			continue
		}
		tw.mu.Lock()
		tw.hint = (pageIdx + 1) % numPages
		tw.mu.Unlock()
		return &PacketWriter{tw: tw, page: page, pageIndex: pageIdx, chunk: chunk}, nil
	}
	return nil, ErrNoFreeChunk
}

// Write appends p to the packet body. It implements io.Writer, but never
// partially writes: a write that would overflow the chunk's remaining
// capacity fails wholesale with ErrChunkFull and writes nothing.
func (pw *PacketWriter) Write(p []byte) (int, error) {
	if !pw.chunk.WriteAndExtendPacket(p) {
		return 0, ErrChunkFull
	}
	return len(p), nil
}

// Flush releases the chunk to COMPLETE and notifies the service that this
// page has data ready to drain. Safe to call at most once per packet.
func (pw *PacketWriter) Flush() error {
	pw.chunk.ReleaseChunk()
	return pw.tw.proxy.Notify("NotifySharedMemoryUpdate", tracedsvc.EncodeNotifySharedMemoryUpdateArgs(pw.pageIndex))
}
