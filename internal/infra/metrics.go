package infra

import (
	"sync/atomic"
	"time"

	"circuit_go/internal/domain"
)

// Metrics provides lightweight observability of the ingest pipeline.
// Uses atomic operations for thread-safety; exported through MetricsCollector.
type Metrics struct {
	// Counters
	batchesProcessed  atomic.Uint64
	batchesFailed     atomic.Uint64
	snapshotsAccepted atomic.Uint64
	snapshotsRejected atomic.Uint64
	duplicates        atomic.Uint64
	lowerChanges      atomic.Uint64
	upperChanges      atomic.Uint64
	bothChanges       atomic.Uint64
	baselinesSeeded   atomic.Uint64
	retries           atomic.Uint64
	fallbackTrade     atomic.Uint64
	fallbackBatch     atomic.Uint64
	fallbackClock     atomic.Uint64
	errorsTotal       atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	lastBatchUnix     atomic.Int64
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// TimestampTier names which link of the timestamp fallback chain was used.
type TimestampTier int

const (
	TierPrimary TimestampTier = iota
	TierLastTrade
	TierBatch
	TierWallClock
)

// String returns the label used in logs and metrics.
func (t TimestampTier) String() string {
	switch t {
	case TierPrimary:
		return "timestamp"
	case TierLastTrade:
		return "last_trade_time"
	case TierBatch:
		return "batch"
	case TierWallClock:
		return "wall_clock"
	default:
		return "unknown"
	}
}

// RecordBatch records a committed batch with its latency.
func (m *Metrics) RecordBatch(latencyNs int64, accepted, rejected, duplicates int) {
	m.batchesProcessed.Add(1)
	m.snapshotsAccepted.Add(uint64(accepted))
	m.snapshotsRejected.Add(uint64(rejected))
	m.duplicates.Add(uint64(duplicates))
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
	m.lastBatchUnix.Store(time.Now().Unix())
}

// RecordBatchFailed records a batch that was rolled back.
func (m *Metrics) RecordBatchFailed() {
	m.batchesFailed.Add(1)
	m.errorsTotal.Add(1)
}

// RecordChange records a ledger entry of the given type.
func (m *Metrics) RecordChange(ct domain.ChangeType) {
	switch ct {
	case domain.ChangeLower:
		m.lowerChanges.Add(1)
	case domain.ChangeUpper:
		m.upperChanges.Add(1)
	case domain.ChangeBoth:
		m.bothChanges.Add(1)
	}
}

// RecordSeeded records baselines copied from a prior session.
func (m *Metrics) RecordSeeded(n int) {
	m.baselinesSeeded.Add(uint64(n))
}

// RecordRetry records one retried persistence attempt.
func (m *Metrics) RecordRetry() {
	m.retries.Add(1)
}

// RecordFallback records a timestamp resolved below the primary tier.
func (m *Metrics) RecordFallback(tier TimestampTier) {
	switch tier {
	case TierLastTrade:
		m.fallbackTrade.Add(1)
	case TierBatch:
		m.fallbackBatch.Add(1)
	case TierWallClock:
		m.fallbackClock.Add(1)
	}
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// IncrementConnections increments active source connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active source connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	BatchesProcessed  uint64
	BatchesFailed     uint64
	SnapshotsAccepted uint64
	SnapshotsRejected uint64
	Duplicates        uint64
	LowerChanges      uint64
	UpperChanges      uint64
	BothChanges       uint64
	BaselinesSeeded   uint64
	Retries           uint64
	FallbackLastTrade uint64
	FallbackBatch     uint64
	FallbackWallClock uint64
	ErrorsTotal       uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	LastBatch         time.Time
	Timestamp         time.Time
}

// ChangesTotal sums the ledger entries of every type.
func (s MetricsSnapshot) ChangesTotal() uint64 {
	return s.LowerChanges + s.UpperChanges + s.BothChanges
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	var lastBatch time.Time
	if ts := m.lastBatchUnix.Load(); ts > 0 {
		lastBatch = time.Unix(ts, 0)
	}

	return MetricsSnapshot{
		BatchesProcessed:  m.batchesProcessed.Load(),
		BatchesFailed:     m.batchesFailed.Load(),
		SnapshotsAccepted: m.snapshotsAccepted.Load(),
		SnapshotsRejected: m.snapshotsRejected.Load(),
		Duplicates:        m.duplicates.Load(),
		LowerChanges:      m.lowerChanges.Load(),
		UpperChanges:      m.upperChanges.Load(),
		BothChanges:       m.bothChanges.Load(),
		BaselinesSeeded:   m.baselinesSeeded.Load(),
		Retries:           m.retries.Load(),
		FallbackLastTrade: m.fallbackTrade.Load(),
		FallbackBatch:     m.fallbackBatch.Load(),
		FallbackWallClock: m.fallbackClock.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		LastBatch:         lastBatch,
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.batchesProcessed, &m.batchesFailed, &m.snapshotsAccepted, &m.snapshotsRejected,
		&m.duplicates, &m.lowerChanges, &m.upperChanges, &m.bothChanges, &m.baselinesSeeded,
		&m.retries, &m.fallbackTrade, &m.fallbackBatch, &m.fallbackClock, &m.errorsTotal,
		&m.latencyCount,
	} {
		c.Store(0)
	}
	m.latencySumNs.Store(0)
	m.activeConnections.Store(0)
	m.lastBatchUnix.Store(0)
}
