package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "circuit"

// MetricsCollector exposes a Metrics instance to Prometheus. Values are read
// from the atomic counters on every scrape.
type MetricsCollector struct {
	m *Metrics

	batches     *prometheus.Desc
	snapshots   *prometheus.Desc
	duplicates  *prometheus.Desc
	changes     *prometheus.Desc
	seeded      *prometheus.Desc
	retries     *prometheus.Desc
	fallbacks   *prometheus.Desc
	errors      *prometheus.Desc
	latency     *prometheus.Desc
	connections *prometheus.Desc
	lastBatch   *prometheus.Desc
}

// NewMetricsCollector creates a collector over m.
func NewMetricsCollector(m *Metrics) *MetricsCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "ingest", name), help, labels, nil)
	}
	return &MetricsCollector{
		m:           m,
		batches:     desc("batches_total", "Ingest batches by outcome", "outcome"),
		snapshots:   desc("snapshots_total", "Snapshots by outcome", "outcome"),
		duplicates:  desc("duplicates_total", "Snapshots already present in history"),
		changes:     desc("changes_total", "Circuit-limit change events written", "type"),
		seeded:      desc("baselines_seeded_total", "Baselines copied from a prior session close"),
		retries:     desc("retries_total", "Retried persistence attempts"),
		fallbacks:   desc("timestamp_fallbacks_total", "Snapshots whose timestamp came from a fallback", "tier"),
		errors:      desc("errors_total", "Errors observed by the pipeline"),
		latency:     desc("batch_latency_avg_seconds", "Average batch processing latency"),
		connections: desc("source_connections", "Active quote source connections"),
		lastBatch:   desc("last_batch_timestamp_seconds", "Unix time of the last committed batch"),
	}
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.batches, c.snapshots, c.duplicates, c.changes, c.seeded, c.retries,
		c.fallbacks, c.errors, c.latency, c.connections, c.lastBatch,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.batches, s.BatchesProcessed, "committed")
	counter(c.batches, s.BatchesFailed, "failed")
	counter(c.snapshots, s.SnapshotsAccepted, "accepted")
	counter(c.snapshots, s.SnapshotsRejected, "rejected")
	counter(c.duplicates, s.Duplicates)
	counter(c.changes, s.LowerChanges, "LC_CHANGE")
	counter(c.changes, s.UpperChanges, "UC_CHANGE")
	counter(c.changes, s.BothChanges, "BOTH_CHANGE")
	counter(c.seeded, s.BaselinesSeeded)
	counter(c.retries, s.Retries)
	counter(c.fallbacks, s.FallbackLastTrade, TierLastTrade.String())
	counter(c.fallbacks, s.FallbackBatch, TierBatch.String())
	counter(c.fallbacks, s.FallbackWallClock, TierWallClock.String())
	counter(c.errors, s.ErrorsTotal)
	gauge(c.latency, float64(s.AvgLatencyNs)/1e9)
	gauge(c.connections, float64(s.ActiveConnections))

	var last float64
	if !s.LastBatch.IsZero() {
		last = float64(s.LastBatch.Unix())
	}
	gauge(c.lastBatch, last)
}
