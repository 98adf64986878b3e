// +build integration

package integration

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/tracedsvc"
	"github.com/ehrlich-b/tracedsvc/sdk"
	"github.com/ehrlich-b/tracedsvc/testharness"
)

// TestShortSessionAutoDisable covers scenario 1: a 50ms session with one
// data source advertised before EnableTracing; after the deadline the
// service auto-disables and everything written in between is readable.
func TestShortSessionAutoDisable(t *testing.T) {
	h, err := testharness.Start()
	require.NoError(t, err)
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tw, err := sdk.Connect(ctx, "unix", h.ProducerSocket, 64*1024*1024, 0)
	require.NoError(t, err)
	defer tw.Close()
	_, err = tw.RegisterDataSource(tracedsvc.DataSourceDescriptor{Name: "test"})
	require.NoError(t, err)

	consumer, err := testharness.DialConsumer(ctx, h.ConsumerSocket, 64*1024*1024)
	require.NoError(t, err)
	defer consumer.Close()

	sessionID, err := consumer.EnableTracing(tracedsvc.TraceConfig{
		DataSources: []tracedsvc.DataSourceConfig{{Name: "test", TargetBufferIndex: 0}},
		Buffers:     []tracedsvc.BufferSpec{{SizeBytes: 4 * 4096, PageSize: 4096}},
		DurationMs:  50,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pw, err := tw.NewTracePacket("test")
		if err != nil {
			return false
		}
		pw.Write([]byte("packet-before-disable"))
		require.NoError(t, pw.Flush())
		return true
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond) // well past duration_ms=50

	pages, err := consumer.ReadBuffers(sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, pages)
	require.True(t, bytes.Contains(pages[0].Page, []byte("packet-before-disable")))

	require.NoError(t, consumer.FreeBuffers(sessionID))
}

// TestLateProducer covers scenario 2: the producer registers its data
// source only after EnableTracing already requested it by name.
func TestLateProducer(t *testing.T) {
	h, err := testharness.Start()
	require.NoError(t, err)
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer, err := testharness.DialConsumer(ctx, h.ConsumerSocket, 64*1024*1024)
	require.NoError(t, err)
	defer consumer.Close()

	sessionID, err := consumer.EnableTracing(tracedsvc.TraceConfig{
		DataSources: []tracedsvc.DataSourceConfig{{Name: "test", TargetBufferIndex: 0}},
		Buffers:     []tracedsvc.BufferSpec{{SizeBytes: 4 * 4096, PageSize: 4096}},
	})
	require.NoError(t, err)

	tw, err := sdk.Connect(ctx, "unix", h.ProducerSocket, 64*1024*1024, 0)
	require.NoError(t, err)
	defer tw.Close()
	_, err = tw.RegisterDataSource(tracedsvc.DataSourceDescriptor{Name: "test"})
	require.NoError(t, err)

	var pw *sdk.PacketWriter
	require.Eventually(t, func() bool {
		pw, err = tw.NewTracePacket("test")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "late producer never received StartDataSource")
	pw.Write([]byte("late-producer-packet"))
	require.NoError(t, pw.Flush())

	var pages []testharness.ReadBuffersPage
	require.Eventually(t, func() bool {
		pages, err = consumer.ReadBuffers(sessionID)
		return err == nil && len(pages) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, bytes.Contains(pages[0].Page, []byte("late-producer-packet")))

	require.NoError(t, consumer.FreeBuffers(sessionID))
}

// TestProducerDisconnectMidSession covers scenario 3: two producers both
// serving "test"; one disconnects mid-session and the other keeps going.
func TestProducerDisconnectMidSession(t *testing.T) {
	h, err := testharness.Start()
	require.NoError(t, err)
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer, err := testharness.DialConsumer(ctx, h.ConsumerSocket, 64*1024*1024)
	require.NoError(t, err)
	defer consumer.Close()

	sessionID, err := consumer.EnableTracing(tracedsvc.TraceConfig{
		DataSources: []tracedsvc.DataSourceConfig{{Name: "test", TargetBufferIndex: 0}},
		Buffers:     []tracedsvc.BufferSpec{{SizeBytes: 4 * 4096, PageSize: 4096}},
	})
	require.NoError(t, err)

	twA, err := sdk.Connect(ctx, "unix", h.ProducerSocket, 64*1024*1024, 0)
	require.NoError(t, err)
	_, err = twA.RegisterDataSource(tracedsvc.DataSourceDescriptor{Name: "test"})
	require.NoError(t, err)

	twB, err := sdk.Connect(ctx, "unix", h.ProducerSocket, 64*1024*1024, 0)
	require.NoError(t, err)
	defer twB.Close()
	_, err = twB.RegisterDataSource(tracedsvc.DataSourceDescriptor{Name: "test"})
	require.NoError(t, err)

	writeOnce := func(tw *sdk.TraceWriter, payload string) {
		require.Eventually(t, func() bool {
			pw, err := tw.NewTracePacket("test")
			if err != nil {
				return false
			}
			pw.Write([]byte(payload))
			require.NoError(t, pw.Flush())
			return true
		}, 2*time.Second, 10*time.Millisecond)
	}

	writeOnce(twA, "from-A-before-disconnect")
	writeOnce(twB, "from-B-before-disconnect")

	require.NoError(t, twA.Close())
	time.Sleep(100 * time.Millisecond) // let the service process the disconnect

	writeOnce(twB, "from-B-after-disconnect")

	pages, err := consumer.ReadBuffers(sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, pages)

	var all []byte
	for _, p := range pages {
		all = append(all, p.Page...)
	}
	require.True(t, bytes.Contains(all, []byte("from-A-before-disconnect")))
	require.True(t, bytes.Contains(all, []byte("from-B-before-disconnect")))
	require.True(t, bytes.Contains(all, []byte("from-B-after-disconnect")))

	require.NoError(t, consumer.FreeBuffers(sessionID))
}

// TestTwoSessionsOnOneConsumerRejected covers scenario 6: a second
// EnableTracing on the same consumer connection fails with AlreadyEnabled
// and leaves the first session untouched.
func TestTwoSessionsOnOneConsumerRejected(t *testing.T) {
	h, err := testharness.Start()
	require.NoError(t, err)
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer, err := testharness.DialConsumer(ctx, h.ConsumerSocket, 64*1024*1024)
	require.NoError(t, err)
	defer consumer.Close()

	cfg := tracedsvc.TraceConfig{
		DataSources: []tracedsvc.DataSourceConfig{{Name: "test", TargetBufferIndex: 0}},
		Buffers:     []tracedsvc.BufferSpec{{SizeBytes: 4 * 4096, PageSize: 4096}},
	}
	sessionID, err := consumer.EnableTracing(cfg)
	require.NoError(t, err)

	_, err = consumer.EnableTracing(cfg)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "already owns a session"), "unexpected error: %v", err)

	require.NoError(t, consumer.DisableTracing(sessionID))
	require.NoError(t, consumer.FreeBuffers(sessionID))
}

// TestFlushHandshake exercises §12.2: Flush fans out to every producer
// with a live instance and only completes once each one acknowledges.
func TestFlushHandshake(t *testing.T) {
	h, err := testharness.Start()
	require.NoError(t, err)
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer, err := testharness.DialConsumer(ctx, h.ConsumerSocket, 64*1024*1024)
	require.NoError(t, err)
	defer consumer.Close()

	sessionID, err := consumer.EnableTracing(tracedsvc.TraceConfig{
		DataSources: []tracedsvc.DataSourceConfig{{Name: "test", TargetBufferIndex: 0}},
		Buffers:     []tracedsvc.BufferSpec{{SizeBytes: 4 * 4096, PageSize: 4096}},
	})
	require.NoError(t, err)

	tw, err := sdk.Connect(ctx, "unix", h.ProducerSocket, 64*1024*1024, 0)
	require.NoError(t, err)
	defer tw.Close()
	_, err = tw.RegisterDataSource(tracedsvc.DataSourceDescriptor{Name: "test"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pw, err := tw.NewTracePacket("test")
		if err != nil {
			return false
		}
		pw.Write([]byte("flush-me"))
		require.NoError(t, pw.Flush())
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, consumer.Flush(sessionID, 1000))
	require.NoError(t, consumer.FreeBuffers(sessionID))
}
