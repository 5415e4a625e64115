package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by the router, normalizer,
// resolver and enforcer. A nil *Metrics is valid and records nothing.
type Metrics struct {
	OperationsTotal    *prometheus.CounterVec
	CommandsTotal      *prometheus.CounterVec
	CommandAttempts    prometheus.Histogram
	MigrationDocuments *prometheus.CounterVec
	ResolverLookups    *prometheus.CounterVec
	InvalidationsTotal prometheus.Counter
	InFlightDispatches prometheus.Gauge
}

// New creates and registers all collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsplit_operations_total",
			Help: "Business operations by terminal or synchronous status",
		}, []string{"boundary", "status"}),
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsplit_cross_boundary_commands_total",
			Help: "Cross-boundary command deliveries by outcome",
		}, []string{"target", "outcome"}),
		CommandAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "erpsplit_cross_boundary_command_attempts",
			Help:    "Delivery attempts per cross-boundary command",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		MigrationDocuments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsplit_migration_documents_total",
			Help: "Documents processed by migration steps by outcome",
		}, []string{"step", "outcome"}),
		ResolverLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsplit_reference_lookups_total",
			Help: "Reference resolutions by result",
		}, []string{"entity_type", "result"}),
		InvalidationsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "erpsplit_cache_invalidations_total",
			Help: "Invalidation notices applied to the reference cache",
		}),
		InFlightDispatches: f.NewGauge(prometheus.GaugeOpts{
			Name: "erpsplit_dispatches_in_flight",
			Help: "Operations whose cross-boundary commands are still being delivered",
		}),
	}
}

func (m *Metrics) ObserveOperation(boundary, status string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(boundary, status).Inc()
}

func (m *Metrics) ObserveCommand(target, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(target, outcome).Inc()
	m.CommandAttempts.Observe(float64(attempts))
}

func (m *Metrics) ObserveMigration(step, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MigrationDocuments.WithLabelValues(step, outcome).Add(float64(n))
}

func (m *Metrics) ObserveLookup(entityType, result string) {
	if m == nil {
		return
	}
	m.ResolverLookups.WithLabelValues(entityType, result).Inc()
}

func (m *Metrics) IncrementInvalidations() {
	if m == nil {
		return
	}
	m.InvalidationsTotal.Inc()
}

func (m *Metrics) DispatchStarted() {
	if m == nil {
		return
	}
	m.InFlightDispatches.Inc()
}

func (m *Metrics) DispatchFinished() {
	if m == nil {
		return
	}
	m.InFlightDispatches.Dec()
}
