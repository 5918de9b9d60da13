package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// IndexMetrics instruments a spatial index.
type IndexMetrics struct {
	InsertsCounter        metric.Int64Counter
	SplitsCounter         metric.Int64Counter
	PushDownsCounter      metric.Int64Counter
	PushUpsCounter        metric.Int64Counter
	InflatesCounter       metric.Int64Counter
	QueriesCounter        metric.Int64Counter
	StoreFailuresCounter  metric.Int64Counter
	QueryLatencyHistogram metric.Int64Histogram
}

// NewIndexMetrics creates and registers the index instruments.
func NewIndexMetrics(meter metric.Meter) (*IndexMetrics, error) {
	inserts, err := meter.Int64Counter(
		"geoindex.index.inserts_total",
		metric.WithDescription("Items inserted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	splits, err := meter.Int64Counter(
		"geoindex.index.splits_total",
		metric.WithDescription("Nodes split into children."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pushDowns, err := meter.Int64Counter(
		"geoindex.index.push_downs_total",
		metric.WithDescription("Leaves pushed one level down to keep the tree balanced."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pushUps, err := meter.Int64Counter(
		"geoindex.index.push_ups_total",
		metric.WithDescription("Roots pushed up to grow the index extent."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	inflates, err := meter.Int64Counter(
		"geoindex.index.inflates_total",
		metric.WithDescription("Payloads loaded back from the block store."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	queries, err := meter.Int64Counter(
		"geoindex.index.queries_total",
		metric.WithDescription("Queries executed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	storeFailures, err := meter.Int64Counter(
		"geoindex.index.store_failures_total",
		metric.WithDescription("Block store calls that failed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"geoindex.index.query.duration",
		metric.WithDescription("The latency of queries."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &IndexMetrics{
		InsertsCounter:        inserts,
		SplitsCounter:         splits,
		PushDownsCounter:      pushDowns,
		PushUpsCounter:        pushUps,
		InflatesCounter:       inflates,
		QueriesCounter:        queries,
		StoreFailuresCounter:  storeFailures,
		QueryLatencyHistogram: latency,
	}, nil
}
