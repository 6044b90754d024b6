package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	ActorRequests  *prometheus.CounterVec
	ActorLatency   *prometheus.HistogramVec
	SagaOperations *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			ActorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actor_requests_total",
				Help:      "Total requests dispatched to entity actors by kind, method and status.",
			}, []string{"kind", "method", "status"}),
			ActorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "actor_request_duration_seconds",
				Help:      "Latency distribution for actor request handling.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			SagaOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_operations_total",
				Help:      "Total cross-actor team operations by operation and terminal state.",
			}, []string{"operation", "outcome"}),
			StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total storage and schema initialization failures by actor kind.",
			}, []string{"kind"}),
		}

		prometheus.MustRegister(
			metricsInstance.ActorRequests,
			metricsInstance.ActorLatency,
			metricsInstance.SagaOperations,
			metricsInstance.StoreErrors,
		)
	})
	return metricsInstance
}
