package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// ManagerMetrics instruments the operations of an index manager.
type ManagerMetrics struct {
	OpsStartedCounter      metric.Int64Counter
	OpsHandledCounter      metric.Int64Counter
	OpLatencyHistogram     metric.Int64Histogram
	ActiveOpsUpDownCounter metric.Int64UpDownCounter
	SnapshotBytesCounter   metric.Int64Counter
}

// NewManagerMetrics creates and registers the index manager instruments.
func NewManagerMetrics(meter metric.Meter) (*ManagerMetrics, error) {
	started, err := meter.Int64Counter(
		"geoindex.manager.started_total",
		metric.WithDescription("Index manager operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	handled, err := meter.Int64Counter(
		"geoindex.manager.handled_total",
		metric.WithDescription("Index manager operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"geoindex.manager.duration",
		metric.WithDescription("The latency of index manager operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"geoindex.manager.active_ops",
		metric.WithDescription("Index manager operations in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	snapshotBytes, err := meter.Int64Counter(
		"geoindex.manager.snapshot_bytes_total",
		metric.WithDescription("Bytes written to prepared snapshots."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &ManagerMetrics{
		OpsStartedCounter:      started,
		OpsHandledCounter:      handled,
		OpLatencyHistogram:     latency,
		ActiveOpsUpDownCounter: active,
		SnapshotBytesCounter:   snapshotBytes,
	}, nil
}
