package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// PoolMetrics instruments the memory pool.
type PoolMetrics struct {
	AdmittedCounter          metric.Int64Counter
	EvictionsCounter         metric.Int64Counter
	FailedEvictionsCounter   metric.Int64Counter
	ResidentItemsUpDown      metric.Int64UpDownCounter
	EvictionLatencyHistogram metric.Int64Histogram
}

// NewPoolMetrics creates and registers the pool instruments.
func NewPoolMetrics(meter metric.Meter) (*PoolMetrics, error) {
	admitted, err := meter.Int64Counter(
		"geoindex.pool.admitted_total",
		metric.WithDescription("Payloads admitted to the pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"geoindex.pool.evictions_total",
		metric.WithDescription("Payloads discarded to stay within budget."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter(
		"geoindex.pool.failed_evictions_total",
		metric.WithDescription("Evictions abandoned because the discard failed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	resident, err := meter.Int64UpDownCounter(
		"geoindex.pool.resident_items",
		metric.WithDescription("Items currently resident in the pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"geoindex.pool.eviction.duration",
		metric.WithDescription("Time spent discarding one payload."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	return &PoolMetrics{
		AdmittedCounter:          admitted,
		EvictionsCounter:         evictions,
		FailedEvictionsCounter:   failed,
		ResidentItemsUpDown:      resident,
		EvictionLatencyHistogram: latency,
	}, nil
}
