package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Routing metrics
	RoutesTotal  *prometheus.CounterVec
	RouteErrors  *prometheus.CounterVec
	RouteRetries *prometheus.CounterVec

	// Topology metrics
	TopologyUpdates   *prometheus.CounterVec
	TopologyRefreshes *prometheus.CounterVec
	TopologyRev       *prometheus.GaugeVec
	TopologyNodes     *prometheus.GaugeVec

	// Durability metrics
	DurabilityOutcomes *prometheus.CounterVec
	DurabilityDuration *prometheus.HistogramVec
	DurabilityRounds   *prometheus.HistogramVec
	ObserveCalls       *prometheus.CounterVec
	ObserveDuration    *prometheus.HistogramVec
	Reresolutions      *prometheus.CounterVec

	// Mutation metrics
	MutationsTotal *prometheus.CounterVec

	// Async confirmation metrics
	AsyncQueueDepth prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics on reg. Passing a
// fresh registry keeps tests independent of the global default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RoutesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_routes_total",
				Help: "Total number of key routing lookups",
			},
			[]string{"bucket", "kind"},
		),

		RouteErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_route_errors_total",
				Help: "Total number of failed routing lookups",
			},
			[]string{"bucket", "code"},
		),

		RouteRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_route_retries_total",
				Help: "Routing lookups retried after a topology refresh",
			},
			[]string{"bucket"},
		),

		TopologyUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_topology_updates_total",
				Help: "Snapshots offered to the topology holder",
			},
			[]string{"bucket", "result"},
		),

		TopologyRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_topology_refreshes_total",
				Help: "Explicit topology refresh requests",
			},
			[]string{"bucket", "result"},
		),

		TopologyRev: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "locator_topology_rev",
				Help: "Revision of the current snapshot",
			},
			[]string{"bucket"},
		),

		TopologyNodes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "locator_topology_nodes",
				Help: "Number of nodes in the current snapshot",
			},
			[]string{"bucket"},
		),

		DurabilityOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_durability_outcomes_total",
				Help: "Durability confirmations by final state and reason",
			},
			[]string{"bucket", "state", "reason"},
		),

		DurabilityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "locator_durability_duration_seconds",
				Help:    "Time to reach a final durability state",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"bucket", "state"},
		),

		DurabilityRounds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "locator_durability_rounds",
				Help:    "Observe rounds per durability confirmation",
				Buckets: prometheus.LinearBuckets(1, 2, 10),
			},
			[]string{"bucket"},
		),

		ObserveCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_observe_calls_total",
				Help: "Observe calls by node role and result",
			},
			[]string{"bucket", "role", "result"},
		),

		ObserveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "locator_observe_duration_seconds",
				Help:    "Latency of single observe calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"bucket"},
		),

		Reresolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_durability_reresolutions_total",
				Help: "Observe targets re-resolved after stale routing",
			},
			[]string{"bucket"},
		),

		MutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locator_mutations_total",
				Help: "Mutations sent through the locator by kind and status",
			},
			[]string{"bucket", "kind", "status"},
		),

		AsyncQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "locator_async_confirmations_queued",
				Help: "Asynchronous durability confirmations waiting for a worker",
			},
		),
	}
}

// RecordRoute records a routing lookup
func (m *Metrics) RecordRoute(bucket, kind string) {
	m.RoutesTotal.WithLabelValues(bucket, kind).Inc()
}

// RecordRouteError records a failed routing lookup
func (m *Metrics) RecordRouteError(bucket, code string) {
	m.RouteErrors.WithLabelValues(bucket, code).Inc()
}

// RecordRouteRetry records a routing retry after refresh
func (m *Metrics) RecordRouteRetry(bucket string) {
	m.RouteRetries.WithLabelValues(bucket).Inc()
}

// RecordTopologyUpdate records whether an offered snapshot was applied
func (m *Metrics) RecordTopologyUpdate(bucket, result string) {
	m.TopologyUpdates.WithLabelValues(bucket, result).Inc()
}

// RecordTopologyRefresh records an explicit refresh attempt
func (m *Metrics) RecordTopologyRefresh(bucket, result string) {
	m.TopologyRefreshes.WithLabelValues(bucket, result).Inc()
}

// SetTopology publishes the current snapshot's revision and size
func (m *Metrics) SetTopology(bucket string, rev int64, nodes int) {
	m.TopologyRev.WithLabelValues(bucket).Set(float64(rev))
	m.TopologyNodes.WithLabelValues(bucket).Set(float64(nodes))
}

// RecordDurability records a finished confirmation
func (m *Metrics) RecordDurability(bucket, state, reason string, seconds float64, rounds int) {
	m.DurabilityOutcomes.WithLabelValues(bucket, state, reason).Inc()
	m.DurabilityDuration.WithLabelValues(bucket, state).Observe(seconds)
	m.DurabilityRounds.WithLabelValues(bucket).Observe(float64(rounds))
}

// RecordObserve records one observe call
func (m *Metrics) RecordObserve(bucket, role, result string, seconds float64) {
	m.ObserveCalls.WithLabelValues(bucket, role, result).Inc()
	m.ObserveDuration.WithLabelValues(bucket).Observe(seconds)
}

// RecordReresolution records a re-resolution after NotMyPartition
func (m *Metrics) RecordReresolution(bucket string) {
	m.Reresolutions.WithLabelValues(bucket).Inc()
}

// RecordMutation records a mutation result
func (m *Metrics) RecordMutation(bucket, kind, status string) {
	m.MutationsTotal.WithLabelValues(bucket, kind, status).Inc()
}

// UpdateAsyncQueueDepth sets the async confirmation backlog
func (m *Metrics) UpdateAsyncQueueDepth(depth int) {
	m.AsyncQueueDepth.Set(float64(depth))
}
