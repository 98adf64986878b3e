package ipc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/tracedsvc/internal/logging"
	"github.com/ehrlich-b/tracedsvc/internal/wire"
)

// InvokeHandler receives replies for one BeginInvoke call; it may be
// called more than once when has_more is true, and is always called at
// least once (a final reply, a failure, or a connection-error report).
// fd is the SCM_RIGHTS descriptor attached to this reply, or -1 if none —
// only InitializeConnectionReply ever carries one.
type InvokeHandler func(payload []byte, hasMore bool, fd int, err error)

// Client connects to one of the daemon's well-known sockets and issues
// BindService/InvokeMethod requests, tracking pending requests by
// request_id exactly as the IPC fabric design specifies.
type Client struct {
	conn       *Conn
	maxPayload uint32
	log        logging.Logger

	reqMu   sync.Mutex
	nextReq uint64

	pendingMu sync.Mutex
	pending   map[uint64]InvokeHandler
	bindWait  map[uint64]chan *wire.Frame

	closed atomic.Bool
}

// Connect dials network/addr and starts the client's read loop.
func Connect(ctx context.Context, network, addr string, maxPayload uint32, log logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.Discard{}
	}
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: connect %s %s: %w", network, addr, err)
	}
	c := &Client{
		conn:       NewConn(raw, maxPayload, log),
		maxPayload: maxPayload,
		log:        log,
		pending:    make(map[uint64]InvokeHandler),
		bindWait:   make(map[uint64]chan *wire.Frame),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) nextRequestID() uint64 {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.nextReq++
	return c.nextReq
}

func (c *Client) readLoop() {
	for {
		frame, fd, err := c.conn.ReadFrameWithFD()
		if err != nil {
			c.failAllPending(err)
			return
		}
		c.dispatchReply(frame, fd)
	}
}

func (c *Client) dispatchReply(frame *wire.Frame, fd int) {
	switch frame.Kind {
	case wire.KindBindServiceReply:
		c.pendingMu.Lock()
		ch, ok := c.bindWait[frame.RequestID]
		if ok {
			delete(c.bindWait, frame.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- frame
		}
	case wire.KindInvokeMethodReply:
		c.pendingMu.Lock()
		handler, ok := c.pending[frame.RequestID]
		if ok && !frame.HasMore {
			delete(c.pending, frame.RequestID)
		}
		c.pendingMu.Unlock()
		if !ok {
			c.log.Warn("ipc: reply for unknown request_id, dropping", "request_id", frame.RequestID)
			return
		}
		if !frame.Success {
			handler(nil, false, -1, fmt.Errorf("ipc: %s", frame.ErrorMessage))
			return
		}
		handler(frame.Reply, frame.HasMore, fd, nil)
	default:
		c.log.Warn("ipc: unrecognized reply frame kind", "kind", frame.Kind)
	}
}

func (c *Client) failAllPending(cause error) {
	c.pendingMu.Lock()
	pending := c.pending
	binds := c.bindWait
	c.pending = nil
	c.bindWait = nil
	c.pendingMu.Unlock()

	for _, h := range pending {
		h(nil, false, -1, cause)
	}
	for _, ch := range binds {
		close(ch)
	}
}

// Proxy is a successfully bound handle to one remote service.
type Proxy struct {
	client    *Client
	serviceID uint32
	methods   map[string]uint32
}

// BindService sends BindService{name} and waits for the reply.
func (c *Client) BindService(ctx context.Context, name string) (*Proxy, error) {
	reqID := c.nextRequestID()
	ch := make(chan *wire.Frame, 1)

	c.pendingMu.Lock()
	if c.bindWait == nil {
		c.pendingMu.Unlock()
		return nil, ErrClosed
	}
	c.bindWait[reqID] = ch
	c.pendingMu.Unlock()

	if err := c.conn.WriteFrame(&wire.Frame{RequestID: reqID, Kind: wire.KindBindService, ServiceName: name}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if !reply.Success {
			return nil, fmt.Errorf("ipc: failed to bind service %q", name)
		}
		methods := make(map[string]uint32, len(reply.Methods))
		for _, m := range reply.Methods {
			methods[m.Name] = m.ID
		}
		return &Proxy{client: c, serviceID: reply.ServiceID, methods: methods}, nil
	}
}

// BeginInvoke sends InvokeMethod{method, args} and registers handler
// against the new request_id. Replies (possibly many, if streaming)
// arrive asynchronously on the client's read loop.
func (p *Proxy) BeginInvoke(method string, args []byte, handler InvokeHandler) (uint64, error) {
	methodID, ok := p.methods[method]
	if !ok {
		return 0, fmt.Errorf("ipc: unknown method %q on bound service", method)
	}
	reqID := p.client.nextRequestID()

	p.client.pendingMu.Lock()
	if p.client.pending == nil {
		p.client.pendingMu.Unlock()
		return 0, ErrClosed
	}
	p.client.pending[reqID] = handler
	p.client.pendingMu.Unlock()

	err := p.client.conn.WriteFrame(&wire.Frame{
		RequestID:       reqID,
		Kind:            wire.KindInvokeMethod,
		InvokeServiceID: p.serviceID,
		MethodID:        methodID,
		Args:            args,
	})
	if err != nil {
		p.client.pendingMu.Lock()
		delete(p.client.pending, reqID)
		p.client.pendingMu.Unlock()
		return 0, err
	}
	return reqID, nil
}

// Notify sends an InvokeMethod without registering a reply handler, for
// calls the fabric design marks fire-and-forget (NotifySharedMemoryUpdate).
// Any reply the peer nonetheless sends is dropped by dispatchReply as an
// unknown request_id.
func (p *Proxy) Notify(method string, args []byte) error {
	methodID, ok := p.methods[method]
	if !ok {
		return fmt.Errorf("ipc: unknown method %q on bound service", method)
	}
	return p.client.conn.WriteFrame(&wire.Frame{
		RequestID:       p.client.nextRequestID(),
		Kind:            wire.KindInvokeMethod,
		InvokeServiceID: p.serviceID,
		MethodID:        methodID,
		Args:            args,
	})
}

// Abandon drops a pending request's handler; any reply that later arrives
// for it is discarded rather than delivered.
func (p *Proxy) Abandon(requestID uint64) {
	p.client.pendingMu.Lock()
	delete(p.client.pending, requestID)
	p.client.pendingMu.Unlock()
}

// Close closes the underlying connection. Any pending requests are
// delivered a final error via their handler.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
