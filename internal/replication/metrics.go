package replication

import "github.com/prometheus/client_golang/prometheus"

// Gauge is a subset of a prometheus Gauge
type Gauge interface {
	Inc()
	Dec()
}

// Counter is a subset of a prometheus Counter
type Counter interface {
	Inc()
}

// Histogram is a subset of a prometheus Histogram
type Histogram interface {
	Observe(float64)
}

// Metrics bundles the instrumentation of one replication action.
type Metrics struct {
	// OperationsInFlight tracks replicated operations between primary
	// permit acquisition and response.
	OperationsInFlight Gauge
	// OperationLatency observes seconds from routing start to completion.
	OperationLatency Histogram
	// Retries counts routing retries scheduled on cluster state changes.
	Retries Counter
}

// RegisterMetrics creates and registers the replication metrics for one
// action name.
func RegisterMetrics(action string, latencyBuckets []float64) (*Metrics, error) {
	if len(latencyBuckets) == 0 {
		latencyBuckets = prometheus.DefBuckets
	}

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "indexd",
		Subsystem:   "replication",
		Name:        "operations_in_flight",
		Help:        "Replicated operations currently holding a primary permit",
		ConstLabels: prometheus.Labels{"action": action},
	})
	if err := prometheus.Register(inFlight); err != nil {
		return nil, err
	}

	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "indexd",
		Subsystem:   "replication",
		Name:        "operation_latency",
		Help:        "Seconds from routing start to completion",
		Buckets:     latencyBuckets,
		ConstLabels: prometheus.Labels{"action": action},
	})
	if err := prometheus.Register(latency); err != nil {
		return nil, err
	}

	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "indexd",
		Subsystem:   "replication",
		Name:        "retries_total",
		Help:        "Routing retries scheduled on cluster state changes",
		ConstLabels: prometheus.Labels{"action": action},
	})
	if err := prometheus.Register(retries); err != nil {
		return nil, err
	}

	return &Metrics{
		OperationsInFlight: inFlight,
		OperationLatency:   latency,
		Retries:            retries,
	}, nil
}

type nullGauge struct{}

func (nullGauge) Inc() {}
func (nullGauge) Dec() {}

type nullCounter struct{}

func (nullCounter) Inc() {}

type nullHistogram struct{}

func (nullHistogram) Observe(float64) {}

func nullMetrics() *Metrics {
	return &Metrics{
		OperationsInFlight: nullGauge{},
		OperationLatency:   nullHistogram{},
		Retries:            nullCounter{},
	}
}
