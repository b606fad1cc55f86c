package diagnostics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

// Metrics exports per-operation counters derived from each aggregated capture.
// A nil *Metrics records nothing.
type Metrics struct {
	captures   prometheus.Counter
	operations *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	errors     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers the diagnostics collectors with reg. Collectors that
// are already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := []string{"connection", "type"}
	m := &Metrics{
		captures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvscope",
			Subsystem: "diagnostics",
			Name:      "captures_total",
			Help:      "Count of stored diagnostics captures",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvscope",
			Subsystem: "diagnostics",
			Name:      "operations_total",
			Help:      "Count of key-value operations observed inside capture windows",
		}, labels),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvscope",
			Subsystem: "diagnostics",
			Name:      "duplicates_total",
			Help:      "Count of operations flagged as duplicate reads",
		}, labels),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvscope",
			Subsystem: "diagnostics",
			Name:      "errors_total",
			Help:      "Count of failed key-value operations",
		}, labels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kvscope",
			Subsystem: "diagnostics",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution of key-value operations",
			Buckets:   durationBuckets,
		}, labels),
	}

	m.captures = register(reg, m.captures).(prometheus.Counter)
	m.operations = register(reg, m.operations).(*prometheus.CounterVec)
	m.duplicates = register(reg, m.duplicates).(*prometheus.CounterVec)
	m.errors = register(reg, m.errors).(*prometheus.CounterVec)
	m.duration = register(reg, m.duration).(*prometheus.HistogramVec)
	return m
}

func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}

// Observe records every operation of an aggregate.
func (m *Metrics) Observe(agg *AggregateMetadata) {
	if m == nil || agg == nil {
		return
	}
	for _, conn := range agg.OrderedConnections() {
		for _, op := range conn.Ordered() {
			opType := op.Type
			if opType == "" {
				opType = "unknown"
			}
			labels := prometheus.Labels{"connection": conn.ID, "type": opType}
			m.operations.With(labels).Inc()
			m.duration.With(labels).Observe(op.Duration.Seconds())
			if op.IsDuplicate {
				m.duplicates.With(labels).Inc()
			}
			if op.Failed() {
				m.errors.With(labels).Inc()
			}
		}
	}
}

func (m *Metrics) captureStored() {
	if m == nil {
		return
	}
	m.captures.Inc()
}
