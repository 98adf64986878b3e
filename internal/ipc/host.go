package ipc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/tracedsvc/internal/logging"
	"github.com/ehrlich-b/tracedsvc/internal/wire"
)

// ReplySink is handed to a MethodHandler so it can answer a single
// InvokeMethod request, possibly with a stream of replies.
type ReplySink interface {
	// Send delivers one successful reply. hasMore=true keeps the request
	// open for further Send/Fail calls; hasMore=false retires it.
	Send(payload []byte, hasMore bool) error
	// Fail delivers a single failure reply and retires the request.
	Fail(msg string) error
	// RequestID returns the request_id this sink answers, for handlers
	// that must build a reply frame themselves (InitializeConnectionReply
	// rides an SCM_RIGHTS fd, which Send has no way to carry).
	RequestID() uint64
}

// connCtxKey is the context key handleInvokeMethod uses to hand a
// handler its raw *Conn — needed only by handlers that must attach
// ancillary data (a shared-memory fd) to their reply, which ReplySink's
// payload-only Send cannot express.
type connCtxKey struct{}

// ConnFromContext returns the *Conn serving the request ctx was derived
// from, if any.
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connCtxKey{}).(*Conn)
	return c, ok
}

// MethodHandler implements one exposed method. It owns the decision of
// how many times (and with what) to reply via sink; it must not block the
// caller's goroutine on unrelated I/O.
type MethodHandler func(ctx context.Context, clientID uint64, args []byte, sink ReplySink)

// ServiceDef describes one ExposeService registration: a name and its
// method table, in the table order method ids are assigned (1-based).
type ServiceDef struct {
	Name    string
	Methods []MethodEntry
}

// MethodEntry names one callable method and its handler.
type MethodEntry struct {
	Name    string
	Handler MethodHandler
}

type boundService struct {
	id            uint32
	methodsByID   map[uint32]MethodHandler
	wireMethods   []wire.Method
}

// Host accepts connections on a listener and dispatches BindService and
// InvokeMethod frames against its registered services. One Host serves
// exactly one well-known socket (the producer or the consumer port); the
// daemon runs two.
type Host struct {
	listener net.Listener
	log      logging.Logger

	maxPayload uint32

	mu            sync.RWMutex
	servicesByName map[string]*boundService
	nextServiceID  uint32

	clientsMu sync.Mutex
	nextClientID uint64
	clients      map[uint64]*Conn

	// OnConnect/OnDisconnect let the owning service layer track
	// producer/consumer endpoint lifecycle without Host knowing about
	// sessions, data sources, or anything domain-specific.
	OnConnect    func(clientID uint64, conn *Conn)
	OnDisconnect func(clientID uint64, err error)
}

// NewHost wraps an already-bound listener.
func NewHost(listener net.Listener, maxPayload uint32, log logging.Logger) *Host {
	if log == nil {
		log = logging.Discard{}
	}
	return &Host{
		listener:       listener,
		log:            log,
		maxPayload:     maxPayload,
		servicesByName: make(map[string]*boundService),
		clients:        make(map[uint64]*Conn),
	}
}

// ExposeService registers def, assigning it the next service_id. Returns
// an error if the name is already registered — names are unique per host.
func (h *Host) ExposeService(def ServiceDef) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.servicesByName[def.Name]; exists {
		return 0, errDuplicateService(def.Name)
	}
	h.nextServiceID++
	id := h.nextServiceID
	bs := &boundService{
		id:          id,
		methodsByID: make(map[uint32]MethodHandler, len(def.Methods)),
	}
	for i, m := range def.Methods {
		methodID := uint32(i + 1)
		bs.methodsByID[methodID] = m.Handler
		bs.wireMethods = append(bs.wireMethods, wire.Method{Name: m.Name, ID: methodID})
	}
	h.servicesByName[def.Name] = bs
	return id, nil
}

// Serve runs the accept loop until ctx is cancelled or the listener
// errors. Each accepted connection is served on its own goroutine.
func (h *Host) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		h.listener.Close()
	}()

	for {
		raw, err := h.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		clientID := h.registerClient(raw)
		go h.serveConn(ctx, clientID)
	}
}

func (h *Host) registerClient(raw net.Conn) uint64 {
	conn := NewConn(raw, h.maxPayload, h.log)
	h.clientsMu.Lock()
	h.nextClientID++
	id := h.nextClientID
	h.clients[id] = conn
	h.clientsMu.Unlock()

	if h.OnConnect != nil {
		h.OnConnect(id, conn)
	}
	return id
}

func (h *Host) serveConn(ctx context.Context, clientID uint64) {
	h.clientsMu.Lock()
	conn := h.clients[clientID]
	h.clientsMu.Unlock()

	var loopErr error
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			loopErr = err
			break
		}
		h.dispatch(ctx, clientID, conn, frame)
	}

	h.clientsMu.Lock()
	delete(h.clients, clientID)
	h.clientsMu.Unlock()
	conn.Close()

	if h.OnDisconnect != nil {
		h.OnDisconnect(clientID, loopErr)
	}
}

func (h *Host) dispatch(ctx context.Context, clientID uint64, conn *Conn, frame *wire.Frame) {
	switch frame.Kind {
	case wire.KindBindService:
		h.handleBindService(clientID, conn, frame)
	case wire.KindInvokeMethod:
		h.handleInvokeMethod(ctx, clientID, conn, frame)
	default:
		h.log.Warn("ipc: unrecognized frame kind, dropping", "kind", frame.Kind, "client", clientID)
	}
}

func (h *Host) handleBindService(clientID uint64, conn *Conn, frame *wire.Frame) {
	h.mu.RLock()
	bs, ok := h.servicesByName[frame.ServiceName]
	h.mu.RUnlock()

	reply := &wire.Frame{RequestID: frame.RequestID, Kind: wire.KindBindServiceReply}
	if !ok {
		reply.Success = false
	} else {
		reply.Success = true
		reply.ServiceID = bs.id
		reply.Methods = bs.wireMethods
	}
	if err := conn.WriteFrame(reply); err != nil {
		h.log.Warn("ipc: failed to write BindServiceReply", "err", err, "client", clientID)
	}
}

func (h *Host) handleInvokeMethod(ctx context.Context, clientID uint64, conn *Conn, frame *wire.Frame) {
	h.mu.RLock()
	var handler MethodHandler
	for _, bs := range h.servicesByName {
		if bs.id != frame.InvokeServiceID {
			continue
		}
		handler = bs.methodsByID[frame.MethodID]
		break
	}
	h.mu.RUnlock()

	sink := &replySink{conn: conn, requestID: frame.RequestID}
	if handler == nil {
		_ = sink.Fail("unknown service or method")
		return
	}
	ctx = context.WithValue(ctx, connCtxKey{}, conn)
	handler(ctx, clientID, frame.Args, sink)
}

// replySink adapts one (conn, request_id) pair to the ReplySink interface.
type replySink struct {
	conn      *Conn
	requestID uint64
	retired   atomic.Bool
}

func (s *replySink) Send(payload []byte, hasMore bool) error {
	if s.retired.Load() {
		return ErrClosed
	}
	if !hasMore {
		s.retired.Store(true)
	}
	return s.conn.WriteFrame(&wire.Frame{
		RequestID: s.requestID,
		Kind:      wire.KindInvokeMethodReply,
		HasMore:   hasMore,
		Success:   true,
		Reply:     payload,
	})
}

func (s *replySink) RequestID() uint64 { return s.requestID }

func (s *replySink) Fail(msg string) error {
	s.retired.Store(true)
	return s.conn.WriteFrame(&wire.Frame{
		RequestID:    s.requestID,
		Kind:         wire.KindInvokeMethodReply,
		Success:      false,
		ErrorMessage: msg,
	})
}

type duplicateServiceError string

func (e duplicateServiceError) Error() string { return "ipc: service already registered: " + string(e) }

func errDuplicateService(name string) error { return duplicateServiceError(name) }
