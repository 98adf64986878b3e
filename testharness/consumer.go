package testharness

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/tracedsvc"
	"github.com/ehrlich-b/tracedsvc/internal/ipc"
)

// ConsumerClient is a minimal synchronous ConsumerPort caller, the
// counterpart to sdk.TraceWriter on the producer side — kept here rather
// than promoted to its own package since, unlike TraceWriter, nothing in
// SPEC_FULL.md names a reusable consumer SDK; cmd/tracectl drives the same
// calls with its own small invoke helper instead of importing this one.
type ConsumerClient struct {
	client *ipc.Client
	proxy  *ipc.Proxy
}

// DialConsumer connects to addr's consumer port and binds ConsumerPort.
func DialConsumer(ctx context.Context, addr string, maxFramePayload uint32) (*ConsumerClient, error) {
	client, err := ipc.Connect(ctx, "unix", addr, maxFramePayload, nil)
	if err != nil {
		return nil, err
	}
	proxy, err := client.BindService(ctx, "ConsumerPort")
	if err != nil {
		client.Close()
		return nil, err
	}
	return &ConsumerClient{client: client, proxy: proxy}, nil
}

func (c *ConsumerClient) Close() error { return c.client.Close() }

func (c *ConsumerClient) invoke(method string, args []byte) ([]byte, error) {
	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	_, err := c.proxy.BeginInvoke(method, args, func(payload []byte, hasMore bool, fd int, err error) {
		done <- result{payload, err}
	})
	if err != nil {
		return nil, err
	}
	r := <-done
	return r.payload, r.err
}

// invokeStream collects every reply of a (possibly streaming) call.
func (c *ConsumerClient) invokeStream(method string, args []byte) ([][]byte, error) {
	type item struct {
		payload []byte
		last    bool
		err     error
	}
	ch := make(chan item, 8)
	_, err := c.proxy.BeginInvoke(method, args, func(payload []byte, hasMore bool, fd int, err error) {
		ch <- item{payload, !hasMore, err}
	})
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for {
		it := <-ch
		if it.err != nil {
			return nil, it.err
		}
		out = append(out, it.payload)
		if it.last {
			return out, nil
		}
	}
}

// EnableTracing issues EnableTracing and decodes its TracingSessionID reply.
func (c *ConsumerClient) EnableTracing(cfg tracedsvc.TraceConfig) (tracedsvc.TracingSessionID, error) {
	reply, err := c.invoke("EnableTracing", tracedsvc.EncodeEnableTracingArgs(cfg))
	if err != nil {
		return 0, err
	}
	id, ok := tracedsvc.DecodeTracingSessionIDReply(reply)
	if !ok {
		return 0, fmt.Errorf("testharness: malformed EnableTracing reply")
	}
	return id, nil
}

func (c *ConsumerClient) DisableTracing(id tracedsvc.TracingSessionID) error {
	_, err := c.invoke("DisableTracing", tracedsvc.EncodeSessionIDArgs(id))
	return err
}

func (c *ConsumerClient) FreeBuffers(id tracedsvc.TracingSessionID) error {
	_, err := c.invoke("FreeBuffers", tracedsvc.EncodeSessionIDArgs(id))
	return err
}

// Flush issues Flush and blocks until the service answers (every producer
// acked, or its timeout fired).
func (c *ConsumerClient) Flush(id tracedsvc.TracingSessionID, timeoutMs int64) error {
	_, err := c.invoke("Flush", tracedsvc.EncodeFlushArgs(id, timeoutMs))
	return err
}

// ReadBuffersPage is one decoded page from a ReadBuffers reply stream.
type ReadBuffersPage struct {
	BufferID tracedsvc.BufferID
	Page     []byte
}

// ReadBuffers drains every buffer in the session and decodes each
// streamed page.
func (c *ConsumerClient) ReadBuffers(id tracedsvc.TracingSessionID) ([]ReadBuffersPage, error) {
	replies, err := c.invokeStream("ReadBuffers", tracedsvc.EncodeSessionIDArgs(id))
	if err != nil {
		return nil, err
	}
	var out []ReadBuffersPage
	for _, r := range replies {
		if len(r) == 0 {
			continue
		}
		bufID, page, ok := tracedsvc.DecodeReadBuffersPage(r)
		if !ok {
			return nil, fmt.Errorf("testharness: malformed ReadBuffers page")
		}
		out = append(out, ReadBuffersPage{BufferID: bufID, Page: page})
	}
	return out, nil
}

// QueryServiceState returns the names of every currently registered data
// source.
func (c *ConsumerClient) QueryServiceState() ([]string, error) {
	reply, err := c.invoke("QueryServiceState", nil)
	if err != nil {
		return nil, err
	}
	names, ok := tracedsvc.DecodeQueryServiceStateReply(reply)
	if !ok {
		return nil, fmt.Errorf("testharness: malformed QueryServiceState reply")
	}
	return names, nil
}
