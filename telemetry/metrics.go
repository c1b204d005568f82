package telemetry

// Histogram bucket definitions
var (
	// DispatchBuckets covers one event fan-out: registry paging + deliveries
	DispatchBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// BatchBuckets covers one change-log batch
	BatchBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}
)

// Pipeline metrics
var (
	// RecordsTotal counts change records by result (dispatched, skipped, failed)
	RecordsTotal CounterVec = noopCounterVec{}

	// SubscriberOutcomesTotal counts per-subscriber outcomes by kind
	SubscriberOutcomesTotal CounterVec = noopCounterVec{}

	// PagesFetchedTotal counts subscriber pages resolved from the registry
	PagesFetchedTotal Counter = NoopStat{}

	// DispatchDurationSeconds measures the fan-out of a single event
	DispatchDurationSeconds Histogram = NoopStat{}

	// BatchesTotal counts handled batches by source and result (success, retry)
	BatchesTotal CounterVec = noopCounterVec{}

	// BatchDurationSeconds measures handling of one batch by source
	BatchDurationSeconds HistogramVec = noopHistogramVec{}

	// ChangeLogLag tracks records appended but not yet consumed, per consumer
	ChangeLogLag GaugeVec = noopGaugeVec{}
)

// Engine metrics
var (
	// OperationCacheTotal counts compiled-operation cache lookups by result (hit, miss)
	OperationCacheTotal CounterVec = noopCounterVec{}
)

// Gateway metrics
var (
	// GatewayConnections tracks live WebSocket connections on this node
	GatewayConnections Gauge = NoopStat{}

	// GatewayMessagesTotal counts WebSocket messages by direction and type
	GatewayMessagesTotal CounterVec = noopCounterVec{}
)

// InitMetrics registers every metric with the Prometheus registry.
func InitMetrics() {
	RecordsTotal = NewCounterVec(
		"records_total",
		"Change records processed by result",
		[]string{"result"},
	)
	SubscriberOutcomesTotal = NewCounterVec(
		"subscriber_outcomes_total",
		"Per-subscriber dispatch outcomes by kind",
		[]string{"outcome"},
	)
	PagesFetchedTotal = NewCounter(
		"pages_fetched_total",
		"Subscriber pages fetched from the registry",
	)
	DispatchDurationSeconds = NewHistogramWithBuckets(
		"dispatch_duration_seconds",
		"Duration of one event fan-out in seconds",
		DispatchBuckets,
	)
	BatchesTotal = NewCounterVec(
		"batches_total",
		"Change-log batches handled by source and result",
		[]string{"source", "result"},
	)
	BatchDurationSeconds = NewHistogramVec(
		"batch_duration_seconds",
		"Duration of one change-log batch in seconds",
		[]string{"source"},
		BatchBuckets,
	)
	ChangeLogLag = NewGaugeVec(
		"changelog_lag_records",
		"Records appended to the change log but not yet consumed",
		[]string{"consumer"},
	)
	OperationCacheTotal = NewCounterVec(
		"operation_cache_total",
		"Compiled operation cache lookups by result",
		[]string{"result"},
	)
	GatewayConnections = NewGauge(
		"gateway_connections",
		"Live WebSocket connections on this node",
	)
	GatewayMessagesTotal = NewCounterVec(
		"gateway_messages_total",
		"WebSocket messages by direction and type",
		[]string{"direction", "type"},
	)
}
