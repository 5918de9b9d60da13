package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// BlockServerMetrics holds the instruments of the remote block store server.
type BlockServerMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
	DuplicateCreatesCounter metric.Int64Counter
}

// NewBlockServerMetrics creates and registers all the metrics for the block server.
func NewBlockServerMetrics(meter metric.Meter) (*BlockServerMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"geoindex.blockserver.started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"geoindex.blockserver.handled_total",
		metric.WithDescription("Total number of RPCs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"geoindex.blockserver.duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"geoindex.blockserver.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	duplicateCreatesCounter, err := meter.Int64Counter(
		"geoindex.blockserver.duplicate_creates_total",
		metric.WithDescription("StoreNewBlock retries answered from the idempotency cache."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &BlockServerMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
		DuplicateCreatesCounter: duplicateCreatesCounter,
	}, nil
}
