package tracedsvc

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the page-drain latency histogram buckets in
// nanoseconds, logarithmically spaced from 1us to 10s — unchanged from the
// teacher's I/O-latency buckets, since the shape (many sub-millisecond
// samples, a long tail) is the same for copying a page as it is for an I/O.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for the daemon.
// Every counter is atomic so the single loop goroutine and any number of
// per-connection I/O goroutines can update it without coordination.
type Metrics struct {
	FramesReceived atomic.Uint64
	FramesDropped  atomic.Uint64

	ChunksAcquired  atomic.Uint64
	ChunksCompleted atomic.Uint64
	ChunksRead      atomic.Uint64
	BytesRead       atomic.Uint64

	SessionsEnabled  atomic.Uint64
	SessionsDisabled atomic.Uint64

	TotalLatencyNs atomic.Uint64
	LatencySamples atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new, running Metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordLatency(latencyNs int64) {
	if latencyNs < 0 {
		latencyNs = 0
	}
	ns := uint64(latencyNs)
	m.TotalLatencyNs.Add(ns)
	m.LatencySamples.Add(1)
	for i, bucket := range LatencyBuckets {
		if ns <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the daemon as stopped, fixing the uptime used by Snapshot.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics suitable
// for logging or serving over an introspection endpoint.
type MetricsSnapshot struct {
	FramesReceived uint64
	FramesDropped  uint64

	ChunksAcquired  uint64
	ChunksCompleted uint64
	ChunksRead      uint64
	BytesRead       uint64

	SessionsEnabled  uint64
	SessionsDisabled uint64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
	UptimeNs         uint64
}

// Snapshot copies the current counters and derives percentile estimates.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		FramesReceived:   m.FramesReceived.Load(),
		FramesDropped:    m.FramesDropped.Load(),
		ChunksAcquired:   m.ChunksAcquired.Load(),
		ChunksCompleted:  m.ChunksCompleted.Load(),
		ChunksRead:       m.ChunksRead.Load(),
		BytesRead:        m.BytesRead.Load(),
		SessionsEnabled:  m.SessionsEnabled.Load(),
		SessionsDisabled: m.SessionsDisabled.Load(),
	}

	samples := m.LatencySamples.Load()
	if samples > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / samples
		snap.LatencyP50Ns = m.percentile(0.50)
		snap.LatencyP99Ns = m.percentile(0.99)
		snap.LatencyP999Ns = m.percentile(0.999)
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	for i := range LatencyBuckets {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	return snap
}

// percentile estimates the latency at the given percentile (0.0-1.0) by
// linear interpolation between histogram buckets, identical in method to
// go-ublk's calculatePercentile.
func (m *Metrics) percentile(p float64) uint64 {
	total := m.LatencySamples.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			frac := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(frac*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer is the pluggable metrics-collection interface components report
// through; it mirrors internal/interfaces.Observer exactly so the root
// package can implement it without importing internal/interfaces (which
// would be a cycle — interfaces has no dependency on the root package, and
// it stays that way).
type Observer interface {
	ObserveFrameReceived(bytes int)
	ObserveFrameDropped(reason string)
	ObserveChunkAcquired()
	ObserveChunkCompleted(bytes int)
	ObserveChunkRead(bytes int, latencyNs int64)
	ObserveSessionEnabled()
	ObserveSessionDisabled()
}

// NoOpObserver discards every observation; the zero-configuration default.
type NoOpObserver struct{}

func (NoOpObserver) ObserveFrameReceived(int)       {}
func (NoOpObserver) ObserveFrameDropped(string)     {}
func (NoOpObserver) ObserveChunkAcquired()          {}
func (NoOpObserver) ObserveChunkCompleted(int)      {}
func (NoOpObserver) ObserveChunkRead(int, int64)    {}
func (NoOpObserver) ObserveSessionEnabled()         {}
func (NoOpObserver) ObserveSessionDisabled()        {}

// MetricsObserver reports observations into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{metrics: m} }

func (o *MetricsObserver) ObserveFrameReceived(bytes int) {
	o.metrics.FramesReceived.Add(1)
	_ = bytes
}

func (o *MetricsObserver) ObserveFrameDropped(reason string) {
	o.metrics.FramesDropped.Add(1)
	_ = reason
}

func (o *MetricsObserver) ObserveChunkAcquired() { o.metrics.ChunksAcquired.Add(1) }

func (o *MetricsObserver) ObserveChunkCompleted(bytes int) {
	o.metrics.ChunksCompleted.Add(1)
	_ = bytes
}

func (o *MetricsObserver) ObserveChunkRead(bytes int, latencyNs int64) {
	o.metrics.ChunksRead.Add(1)
	o.metrics.BytesRead.Add(uint64(bytes))
	o.metrics.recordLatency(latencyNs)
}

func (o *MetricsObserver) ObserveSessionEnabled()  { o.metrics.SessionsEnabled.Add(1) }
func (o *MetricsObserver) ObserveSessionDisabled() { o.metrics.SessionsDisabled.Add(1) }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
