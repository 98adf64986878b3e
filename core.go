package tracedsvc

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/tracedsvc/internal/constants"
	"github.com/ehrlich-b/tracedsvc/internal/interfaces"
	"github.com/ehrlich-b/tracedsvc/internal/ipc"
	"github.com/ehrlich-b/tracedsvc/internal/logging"
	"github.com/ehrlich-b/tracedsvc/internal/registry"
	"github.com/ehrlich-b/tracedsvc/internal/session"
	"github.com/ehrlich-b/tracedsvc/internal/shmio"
	"github.com/ehrlich-b/tracedsvc/internal/taskrunner"
)

// Service is the daemon core: two IPC hosts (producer and consumer ports)
// sharing one data-source registry, one buffer-id allocator, and one
// cooperative task runner. Its unexported handleXxx methods are the
// handlers bound to the two hosts' exposed services.
//
// The design note on concurrency specifies a single cooperative loop
// thread with no locks. A true single-goroutine event loop would require
// every RPC handler to round-trip through the task runner's channel before
// touching any shared state — workable, but it adds a synchronous
// post-and-wait dance to every request for no behavioral difference from
// a plain mutex here, since no handler blocks on anything but that
// mutex. mu gives the same serialization with far less ceremony; the
// TaskRunner remains the owner of genuinely time-driven work (the
// auto-disable timer) and the natural home for any future fd-driven event
// source (e.g. a netlink socket watching producer process exits).
type Service struct {
	cfg      *Config
	log      logging.Logger
	observer Observer
	metrics  *Metrics

	shmemFactory interfaces.SharedMemoryFactory
	taskRunner   *taskrunner.TaskRunner
	registry     *registry.Registry
	bufferIDs    *session.BufferIDAllocator

	producerIDs           idAllocator
	consumerIDs           idAllocator
	dataSourceIDs         idAllocator
	dataSourceInstanceIDs idAllocator
	sessionIDs            idAllocator
	flushIDs              idAllocator

	mu               sync.Mutex
	producers        map[ProducerID]*producerEndpoint
	consumers        map[ConsumerID]*consumerEndpoint
	clientToProducer map[uint64]ProducerID
	clientToConsumer map[uint64]ConsumerID
	instances        map[DataSourceInstanceID]*instanceBinding
	pendingFlushes   map[uint64]*flushWait

	producerHost *ipc.Host
	consumerHost *ipc.Host
}

// flushWait tracks one in-flight Flush(): the set of producers it is still
// waiting on and the ReplySink to answer once every producer has called
// NotifyFlushComplete (or the deadline posted alongside it fires first).
type flushWait struct {
	want map[ProducerID]bool
	sink ipc.ReplySink
}

// New constructs a Service from cfg (or DefaultConfig if nil) without
// binding any sockets; call Serve to start accepting connections.
func New(cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard{}
	}
	if cfg.Observer == nil {
		cfg.Observer = NoOpObserver{}
	}
	s := &Service{
		cfg:              cfg,
		log:              cfg.Logger,
		observer:         cfg.Observer,
		metrics:          NewMetrics(),
		shmemFactory:     shmio.PlatformFactory{},
		taskRunner:       taskrunner.New(),
		registry:         registry.New(),
		bufferIDs:        session.NewBufferIDAllocator(),
		producers:        make(map[ProducerID]*producerEndpoint),
		consumers:        make(map[ConsumerID]*consumerEndpoint),
		clientToProducer: make(map[uint64]ProducerID),
		clientToConsumer: make(map[uint64]ConsumerID),
		instances:        make(map[DataSourceInstanceID]*instanceBinding),
		pendingFlushes:   make(map[uint64]*flushWait),
	}
	return s
}

// WithSharedMemoryFactory overrides the default platform shared-memory
// factory (memfd-backed on Linux). A region without a real fd (FD() == -1)
// cannot be passed to producers over SCM_RIGHTS.
func (s *Service) WithSharedMemoryFactory(f interfaces.SharedMemoryFactory) *Service {
	s.shmemFactory = f
	return s
}

// Metrics returns a snapshot of the Metrics instance this Service owns.
// The service reports its observations to cfg.Observer only, never to this
// instance, so every counter in the snapshot stays zero; only the uptime
// advances.
func (s *Service) Metrics() MetricsSnapshot { return s.metrics.Snapshot() }

// listen binds network/addr, translating a leading '@' into Linux's
// abstract-socket-namespace convention (a NUL-prefixed unix path) and
// otherwise using a plain unix socket path.
func listen(addr string) (net.Listener, error) {
	network := "unix"
	path := addr
	if len(addr) > 0 && addr[0] == '@' {
		path = "\x00" + addr[1:]
	}
	return net.Listen(network, path)
}

// Serve binds both well-known sockets and runs until ctx is cancelled or a
// listener fails. It blocks.
func (s *Service) Serve(ctx context.Context) error {
	producerListener, err := listen(s.cfg.ProducerSocket)
	if err != nil {
		return WrapError("Serve", KindTransport, err)
	}
	consumerListener, err := listen(s.cfg.ConsumerSocket)
	if err != nil {
		producerListener.Close()
		return WrapError("Serve", KindTransport, err)
	}
	return s.serveOn(ctx, producerListener, consumerListener)
}

// serveOn is Serve's core: it runs the service on an already-bound pair
// of producer and consumer listeners.
func (s *Service) serveOn(ctx context.Context, producerListener, consumerListener net.Listener) error {
	s.producerHost = ipc.NewHost(producerListener, uint32(s.cfg.MaxFramePayload), s.log.With("port", "producer"))
	s.consumerHost = ipc.NewHost(consumerListener, uint32(s.cfg.MaxFramePayload), s.log.With("port", "consumer"))

	s.producerHost.OnConnect = s.onProducerConnect
	s.producerHost.OnDisconnect = s.onProducerDisconnect
	s.consumerHost.OnConnect = s.onConsumerConnect
	s.consumerHost.OnDisconnect = s.onConsumerDisconnect

	if _, err := s.producerHost.ExposeService(ipc.ServiceDef{
		Name: "ProducerPort",
		Methods: []ipc.MethodEntry{
			{Name: "InitializeConnection", Handler: s.handleInitializeConnection},
			{Name: "RegisterDataSource", Handler: s.handleRegisterDataSource},
			{Name: "UnregisterDataSource", Handler: s.handleUnregisterDataSource},
			{Name: "NotifySharedMemoryUpdate", Handler: s.handleNotifySharedMemoryUpdate},
			{Name: "GetAsyncCommand", Handler: s.handleGetAsyncCommand},
			{Name: "NotifyFlushComplete", Handler: s.handleNotifyFlushComplete},
		},
	}); err != nil {
		return WrapError("Serve", KindProgrammer, err)
	}

	if _, err := s.consumerHost.ExposeService(ipc.ServiceDef{
		Name: "ConsumerPort",
		Methods: []ipc.MethodEntry{
			{Name: "EnableTracing", Handler: s.handleEnableTracing},
			{Name: "DisableTracing", Handler: s.handleDisableTracing},
			{Name: "ReadBuffers", Handler: s.handleReadBuffers},
			{Name: "FreeBuffers", Handler: s.handleFreeBuffers},
			{Name: "Flush", Handler: s.handleFlush},
			{Name: "QueryServiceState", Handler: s.handleQueryServiceState},
		},
	}); err != nil {
		return WrapError("Serve", KindProgrammer, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.taskRunner.Run(gctx) })
	g.Go(func() error { return s.producerHost.Serve(gctx) })
	g.Go(func() error { return s.consumerHost.Serve(gctx) })

	err := g.Wait()
	s.metrics.Stop()
	return err
}

// Close stops the cooperative task runner; the two host accept loops stop
// via the context passed to Serve.
func (s *Service) Close() error {
	s.taskRunner.Stop()
	return nil
}

func (s *Service) onProducerConnect(clientID uint64, conn *ipc.Conn) {
	s.mu.Lock()
	id := ProducerID(s.producerIDs.Next())
	s.producers[id] = &producerEndpoint{id: id, conn: conn, dataSources: make(map[DataSourceID]DataSourceDescriptor)}
	s.clientToProducer[clientID] = id
	s.mu.Unlock()
	s.log.Info("producer connected", "producer", id)
}

func (s *Service) onProducerDisconnect(clientID uint64, err error) {
	s.mu.Lock()
	id, ok := s.clientToProducer[clientID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clientToProducer, clientID)
	p := s.producers[id]
	delete(s.producers, id)
	removed := s.registry.UnregisterProducer(uint64(id))
	if p != nil && p.shmem != nil {
		p.shmem.Close()
	}
	s.mu.Unlock()

	for _, entry := range removed {
		s.stopInstancesForDataSource(ProducerID(entry.ProducerID), DataSourceID(entry.DataSourceID))
	}
	s.log.Info("producer disconnected", "producer", id, "err", err)
}

func (s *Service) onConsumerConnect(clientID uint64, conn *ipc.Conn) {
	s.mu.Lock()
	id := ConsumerID(s.consumerIDs.Next())
	s.consumers[id] = &consumerEndpoint{id: id, conn: conn}
	s.clientToConsumer[clientID] = id
	s.mu.Unlock()
	s.log.Info("consumer connected", "consumer", id)
}

func (s *Service) onConsumerDisconnect(clientID uint64, err error) {
	s.mu.Lock()
	id, ok := s.clientToConsumer[clientID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clientToConsumer, clientID)
	c := s.consumers[id]
	delete(s.consumers, id)
	s.mu.Unlock()

	if c != nil && c.session != nil {
		s.disableSession(c.session, "consumer disconnected")
	}
	s.log.Info("consumer disconnected", "consumer", id, "err", err)
}

func (s *Service) producerForClient(clientID uint64) (*producerEndpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.clientToProducer[clientID]
	if !ok {
		return nil, false
	}
	return s.producers[id], true
}

func (s *Service) consumerForClient(clientID uint64) (*consumerEndpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.clientToConsumer[clientID]
	if !ok {
		return nil, false
	}
	return s.consumers[id], true
}

// chunksLayoutFor returns the largest legal page_layout whose chunk count
// divides pageSize evenly and leaves room for the per-chunk header, the
// same "fit the biggest layout that still leaves headroom" policy a
// producer's own shared-memory writer would use.
func chunksLayoutFor(pageSize int) uint8 {
	best := uint8(0)
	for layout, n := range constants.ValidChunksPerPage {
		if int(n) == 0 {
			continue
		}
		if pageSize/int(n) > 64 {
			best = uint8(layout)
		}
	}
	return best
}

