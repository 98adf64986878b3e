// Package testharness spins up a real tracedsvc.Service over real unix
// sockets in a scratch directory and drives it with real ipc.Client
// connections, the same in-process "exercise the whole stack without a
// separately-built binary" style go-ublk's test helpers use around its
// mockBackend. Nothing here is a mock: every message crosses the same
// wire codec and shared-memory ABI production code does.
package testharness

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/ehrlich-b/tracedsvc"
)

// Harness owns one running Service and the scratch directory its sockets
// live in.
type Harness struct {
	Service *tracedsvc.Service
	Dir     string

	ProducerSocket string
	ConsumerSocket string

	cancel context.CancelFunc
	done   chan error
}

// Start builds a Service from DefaultConfig (applying opts, if any),
// binds it to fresh unix sockets under a temp directory, and waits until
// both ports accept connections. The caller must call Stop.
func Start(opts ...func(*tracedsvc.Config)) (*Harness, error) {
	dir, err := os.MkdirTemp("", "tracedsvc-harness-*")
	if err != nil {
		return nil, fmt.Errorf("testharness: mkdir temp: %w", err)
	}

	cfg := tracedsvc.DefaultConfig()
	cfg.ProducerSocket = filepath.Join(dir, "producer.sock")
	cfg.ConsumerSocket = filepath.Join(dir, "consumer.sock")
	for _, opt := range opts {
		opt(cfg)
	}

	svc := tracedsvc.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	h := &Harness{
		Service:        svc,
		Dir:            dir,
		ProducerSocket: cfg.ProducerSocket,
		ConsumerSocket: cfg.ConsumerSocket,
		cancel:         cancel,
		done:           done,
	}
	if err := h.waitReady(2 * time.Second); err != nil {
		h.Stop()
		return nil, err
	}
	return h, nil
}

func (h *Harness) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, sock := range []string{h.ProducerSocket, h.ConsumerSocket} {
		for {
			conn, err := net.DialTimeout("unix", sock, 50*time.Millisecond)
			if err == nil {
				conn.Close()
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("testharness: socket %s never became ready: %w", sock, err)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return nil
}

// Stop cancels the service context and removes the scratch directory.
func (h *Harness) Stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
	}
	os.RemoveAll(h.Dir)
}
