package ipc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestHost(t *testing.T) (*Host, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := NewHost(l, 64*1024*1024, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Serve(ctx)

	return h, l.Addr().String()
}

func TestBindServiceUnknownNameFails(t *testing.T) {
	_, addr := startTestHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, "tcp", addr, 64*1024*1024, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.BindService(ctx, "NoSuchService")
	require.Error(t, err)
}

func TestBindAndInvokeSingleReply(t *testing.T) {
	h, addr := startTestHost(t)
	_, err := h.ExposeService(ServiceDef{
		Name: "ConsumerPort",
		Methods: []MethodEntry{
			{Name: "EnableTracing", Handler: func(ctx context.Context, clientID uint64, args []byte, sink ReplySink) {
				sink.Send([]byte("ok"), false)
			}},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, "tcp", addr, 64*1024*1024, nil)
	require.NoError(t, err)
	defer client.Close()

	proxy, err := client.BindService(ctx, "ConsumerPort")
	require.NoError(t, err)

	replies := make(chan string, 4)
	_, err = proxy.BeginInvoke("EnableTracing", nil, func(payload []byte, hasMore bool, fd int, err error) {
		require.NoError(t, err)
		replies <- string(payload)
	})
	require.NoError(t, err)

	select {
	case got := <-replies:
		require.Equal(t, "ok", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestInvokeStreamingReplies(t *testing.T) {
	h, addr := startTestHost(t)
	_, err := h.ExposeService(ServiceDef{
		Name: "ConsumerPort",
		Methods: []MethodEntry{
			{Name: "ReadBuffers", Handler: func(ctx context.Context, clientID uint64, args []byte, sink ReplySink) {
				sink.Send([]byte("page1"), true)
				sink.Send([]byte("page2"), true)
				sink.Send(nil, false)
			}},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, "tcp", addr, 64*1024*1024, nil)
	require.NoError(t, err)
	defer client.Close()

	proxy, err := client.BindService(ctx, "ConsumerPort")
	require.NoError(t, err)

	var got []string
	done := make(chan struct{})
	_, err = proxy.BeginInvoke("ReadBuffers", nil, func(payload []byte, hasMore bool, fd int, err error) {
		require.NoError(t, err)
		got = append(got, string(payload))
		if !hasMore {
			close(done)
		}
	})
	require.NoError(t, err)

	select {
	case <-done:
		require.Equal(t, []string{"page1", "page2", ""}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream to complete")
	}
}

func TestInvokeUnknownMethodFails(t *testing.T) {
	h, addr := startTestHost(t)
	_, err := h.ExposeService(ServiceDef{Name: "ConsumerPort"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, "tcp", addr, 64*1024*1024, nil)
	require.NoError(t, err)
	defer client.Close()

	proxy, err := client.BindService(ctx, "ConsumerPort")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	_, err = proxy.BeginInvoke("NoSuchMethod", nil, func(payload []byte, hasMore bool, fd int, err error) {
		errCh <- err
	})
	require.Error(t, err, "method is not in the bound method table at all")

	select {
	case <-errCh:
		t.Fatal("handler should not have been registered for an unbound method")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExposeServiceRejectsDuplicateName(t *testing.T) {
	h, _ := startTestHost(t)
	_, err := h.ExposeService(ServiceDef{Name: "ConsumerPort"})
	require.NoError(t, err)

	_, err = h.ExposeService(ServiceDef{Name: "ConsumerPort"})
	require.Error(t, err)
}

func TestDisconnectNotifiesHost(t *testing.T) {
	h, addr := startTestHost(t)
	disconnected := make(chan uint64, 1)
	h.OnDisconnect = func(clientID uint64, err error) { disconnected <- clientID }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, "tcp", addr, 64*1024*1024, nil)
	require.NoError(t, err)

	require.NoError(t, client.Close())

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnDisconnect")
	}
}
