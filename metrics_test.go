package tracedsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsObserverCounters(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveFrameReceived(128)
	obs.ObserveFrameReceived(64)
	obs.ObserveFrameDropped("oversized")
	obs.ObserveChunkAcquired()
	obs.ObserveChunkCompleted(4096)
	obs.ObserveChunkRead(4096, int64(time.Millisecond))
	obs.ObserveSessionEnabled()
	obs.ObserveSessionDisabled()

	snap := m.Snapshot()
	require.EqualValues(t, 2, snap.FramesReceived)
	require.EqualValues(t, 1, snap.FramesDropped)
	require.EqualValues(t, 1, snap.ChunksAcquired)
	require.EqualValues(t, 1, snap.ChunksCompleted)
	require.EqualValues(t, 1, snap.ChunksRead)
	require.EqualValues(t, 4096, snap.BytesRead)
	require.EqualValues(t, 1, snap.SessionsEnabled)
	require.EqualValues(t, 1, snap.SessionsDisabled)
	require.EqualValues(t, time.Millisecond, snap.AvgLatencyNs)
}

func TestMetricsPercentiles(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	for i := 0; i < 50; i++ {
		obs.ObserveChunkRead(4096, 500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		obs.ObserveChunkRead(4096, 5_000_000) // 5ms
	}
	obs.ObserveChunkRead(4096, 50_000_000) // 50ms, ~P99

	snap := m.Snapshot()
	require.EqualValues(t, 100, snap.ChunksRead)
	require.GreaterOrEqual(t, snap.LatencyP50Ns, uint64(100_000))
	require.LessOrEqual(t, snap.LatencyP50Ns, uint64(1_000_000))
	require.GreaterOrEqual(t, snap.LatencyP99Ns, uint64(5_000_000))
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(5 * time.Millisecond)

	snap := m.Snapshot()
	require.GreaterOrEqual(t, snap.UptimeNs, uint64(5*time.Millisecond))

	m.Stop()
	frozen := m.Snapshot().UptimeNs
	time.Sleep(5 * time.Millisecond)
	require.InDelta(t, frozen, m.Snapshot().UptimeNs, float64(time.Millisecond))
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var obs NoOpObserver
	require.NotPanics(t, func() {
		obs.ObserveFrameReceived(1)
		obs.ObserveFrameDropped("x")
		obs.ObserveChunkAcquired()
		obs.ObserveChunkCompleted(1)
		obs.ObserveChunkRead(1, 1)
		obs.ObserveSessionEnabled()
		obs.ObserveSessionDisabled()
	})
}
