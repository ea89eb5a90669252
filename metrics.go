package blockstore

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with other monitoring systems;
// PrometheusCollector covers Prometheus.
type MetricsCollector interface {
	// RecordPut is called after each put.
	// duration is the total time taken, err is nil if successful.
	RecordPut(duration time.Duration, err error)

	// RecordGet is called after each point read.
	RecordGet(duration time.Duration, err error)

	// RecordDelete is called after each delete of an id or a payload.
	RecordDelete(duration time.Duration, err error)

	// RecordScan is called after each range scan with the number of items
	// returned.
	RecordScan(items int, duration time.Duration, err error)

	// RecordFlush is called after each flush.
	RecordFlush(duration time.Duration, err error)

	// RecordLoad is called once per Open with the load mode used.
	RecordLoad(mode string, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPut(time.Duration, error)          {}
func (NoopMetricsCollector) RecordGet(time.Duration, error)          {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)       {}
func (NoopMetricsCollector) RecordScan(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordFlush(time.Duration, error)        {}
func (NoopMetricsCollector) RecordLoad(string, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PutCount        atomic.Int64
	PutErrors       atomic.Int64
	PutTotalNanos   atomic.Int64
	GetCount        atomic.Int64
	GetErrors       atomic.Int64
	GetTotalNanos   atomic.Int64
	DeleteCount     atomic.Int64
	DeleteErrors    atomic.Int64
	ScanCount       atomic.Int64
	ScanItems       atomic.Int64
	ScanErrors      atomic.Int64
	FlushCount      atomic.Int64
	FlushErrors     atomic.Int64
	FlushTotalNanos atomic.Int64
	LazyLoads       atomic.Int64
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(duration time.Duration, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PutErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(duration time.Duration, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(_ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordScan implements MetricsCollector.
func (b *BasicMetricsCollector) RecordScan(items int, _ time.Duration, err error) {
	b.ScanCount.Add(1)
	b.ScanItems.Add(int64(items))
	if err != nil {
		b.ScanErrors.Add(1)
	}
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(duration time.Duration, err error) {
	b.FlushCount.Add(1)
	b.FlushTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// RecordLoad implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLoad(mode string, _ time.Duration, _ error) {
	if mode == "lazy" {
		b.LazyLoads.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PutCount:      b.PutCount.Load(),
		PutErrors:     b.PutErrors.Load(),
		PutAvgNanos:   avg(b.PutTotalNanos.Load(), b.PutCount.Load()),
		GetCount:      b.GetCount.Load(),
		GetErrors:     b.GetErrors.Load(),
		GetAvgNanos:   avg(b.GetTotalNanos.Load(), b.GetCount.Load()),
		DeleteCount:   b.DeleteCount.Load(),
		DeleteErrors:  b.DeleteErrors.Load(),
		ScanCount:     b.ScanCount.Load(),
		ScanItems:     b.ScanItems.Load(),
		ScanErrors:    b.ScanErrors.Load(),
		FlushCount:    b.FlushCount.Load(),
		FlushErrors:   b.FlushErrors.Load(),
		FlushAvgNanos: avg(b.FlushTotalNanos.Load(), b.FlushCount.Load()),
		LazyLoads:     b.LazyLoads.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PutCount      int64
	PutErrors     int64
	PutAvgNanos   int64
	GetCount      int64
	GetErrors     int64
	GetAvgNanos   int64
	DeleteCount   int64
	DeleteErrors  int64
	ScanCount     int64
	ScanItems     int64
	ScanErrors    int64
	FlushCount    int64
	FlushErrors   int64
	FlushAvgNanos int64
	LazyLoads     int64
}

// PrometheusCollector exports operation latencies and counters to Prometheus.
type PrometheusCollector struct {
	opLatency *prometheus.HistogramVec
	ops       *prometheus.CounterVec
	scanItems prometheus.Counter
	loads     *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector and registers it with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusCollector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blockstore_operation_latency_seconds",
			Help:    "Latency of tree operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockstore_operations_total",
			Help: "Total tree operations",
		}, []string{"op", "status"}),
		scanItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockstore_scan_items_total",
			Help: "Total items returned by range scans",
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockstore_loads_total",
			Help: "Tree loads by mode",
		}, []string{"mode", "status"}),
	}
	for _, c := range []prometheus.Collector{p.opLatency, p.ops, p.scanItems, p.loads} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (p *PrometheusCollector) observe(op string, d time.Duration, err error) {
	s := status(err)
	p.opLatency.WithLabelValues(op, s).Observe(d.Seconds())
	p.ops.WithLabelValues(op, s).Inc()
}

// RecordPut implements MetricsCollector.
func (p *PrometheusCollector) RecordPut(d time.Duration, err error) { p.observe("put", d, err) }

// RecordGet implements MetricsCollector.
func (p *PrometheusCollector) RecordGet(d time.Duration, err error) { p.observe("get", d, err) }

// RecordDelete implements MetricsCollector.
func (p *PrometheusCollector) RecordDelete(d time.Duration, err error) { p.observe("delete", d, err) }

// RecordFlush implements MetricsCollector.
func (p *PrometheusCollector) RecordFlush(d time.Duration, err error) { p.observe("flush", d, err) }

// RecordScan implements MetricsCollector.
func (p *PrometheusCollector) RecordScan(items int, d time.Duration, err error) {
	p.observe("scan", d, err)
	p.scanItems.Add(float64(items))
}

// RecordLoad implements MetricsCollector.
func (p *PrometheusCollector) RecordLoad(mode string, d time.Duration, err error) {
	p.observe("load", d, err)
	p.loads.WithLabelValues(mode, status(err)).Inc()
}
