package metrics

import "quoteflow/logger"

// ServeMetric identifies the metric emitted for each way a quote request
// gets answered.
type ServeMetric string

const (
	// ServeMetricMemoryHit records symbols answered from the in-process cache.
	ServeMetricMemoryHit ServeMetric = "serve_memory_hit"
	// ServeMetricPersistHit records symbols answered from the durable cache.
	ServeMetricPersistHit ServeMetric = "serve_persist_hit"
	// ServeMetricVendorFill records symbols answered by a live vendor fetch.
	ServeMetricVendorFill ServeMetric = "serve_vendor_fill"
	// ServeMetricDegraded records symbols answered with stale last-known data.
	ServeMetricDegraded ServeMetric = "serve_degraded"
	// ServeMetricAbsent records symbols nothing could answer.
	ServeMetricAbsent ServeMetric = "serve_absent"
)

// EmitServeMetric emits one serving-outcome event. The value is always one
// so callers invoke it per symbol. Optional metadata (market, vendor, kind)
// is attached when provided, which enables per-market and per-vendor
// aggregation downstream.
func EmitServeMetric(log *logger.Log, metric ServeMetric, market, vendorName, kind string) {
	fields := logger.Fields{}
	if market != "" {
		fields["market"] = market
	}
	if vendorName != "" {
		fields["vendor"] = vendorName
	}
	if kind != "" {
		fields["kind"] = kind
	}

	EmitMetric(log, "orchestrator", string(metric), 1, "counter", fields)
}
