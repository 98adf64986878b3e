package sdk_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/tracedsvc"
	"github.com/ehrlich-b/tracedsvc/sdk"
	"github.com/ehrlich-b/tracedsvc/testharness"
)

func TestProducerRoundTrip(t *testing.T) {
	h, err := testharness.Start()
	require.NoError(t, err)
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	consumer, err := testharness.DialConsumer(ctx, h.ConsumerSocket, 64*1024*1024)
	require.NoError(t, err)
	defer consumer.Close()

	sessionID, err := consumer.EnableTracing(tracedsvc.TraceConfig{
		DataSources: []tracedsvc.DataSourceConfig{{Name: "net.http", TargetBufferIndex: 0}},
		Buffers:     []tracedsvc.BufferSpec{{SizeBytes: 4 * 4096, PageSize: 4096}},
	})
	require.NoError(t, err)

	tw, err := sdk.Connect(ctx, "unix", h.ProducerSocket, 64*1024*1024, 0)
	require.NoError(t, err)
	defer tw.Close()

	_, err = tw.RegisterDataSource(tracedsvc.DataSourceDescriptor{Name: "net.http"})
	require.NoError(t, err)

	var pw *sdk.PacketWriter
	require.Eventually(t, func() bool {
		pw, err = tw.NewTracePacket("net.http")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "producer never received StartDataSource for net.http")

	_, err = pw.Write([]byte("hello from producer"))
	require.NoError(t, err)
	require.NoError(t, pw.Flush())

	var pages []testharness.ReadBuffersPage
	require.Eventually(t, func() bool {
		pages, err = consumer.ReadBuffers(sessionID)
		return err == nil && len(pages) > 0
	}, 2*time.Second, 10*time.Millisecond, "no pages drained from buffer 0")

	require.True(t, bytes.Contains(pages[0].Page, []byte("hello from producer")))
}

func TestNewTracePacketUnknownDataSource(t *testing.T) {
	h, err := testharness.Start()
	require.NoError(t, err)
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tw, err := sdk.Connect(ctx, "unix", h.ProducerSocket, 64*1024*1024, 0)
	require.NoError(t, err)
	defer tw.Close()

	_, err = tw.NewTracePacket("never.registered")
	require.ErrorIs(t, err, sdk.ErrUnknownDataSource)
}
