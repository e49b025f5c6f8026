package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway client.
type Metrics struct {
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    prometheus.Counter
	RefreshTotal    *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers on a caller-supplied registry. Tests use this to avoid
// duplicate registration on the global registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studygate_client_request_duration_seconds",
			Help:    "Latency of gateway calls, including the refresh retry when one happens.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "studygate_client_retries_total",
			Help: "Requests re-dispatched after a token refresh.",
		}),
		RefreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studygate_client_token_refreshes_total",
			Help: "Token refresh attempts by result.",
		}, []string{"result"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studygate_client_errors_total",
			Help: "Terminal call failures by taxonomy kind.",
		}, []string{"kind"}),
	}
}

// ObserveRequest records one settled gateway call.
func (m *Metrics) ObserveRequest(method string, d time.Duration) {
	m.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// IncrementRetries counts a refresh-and-retry re-dispatch.
func (m *Metrics) IncrementRetries() {
	m.RetriesTotal.Inc()
}

// IncrementRefresh counts a refresh attempt. Result is "success", "rejected"
// or "transport".
func (m *Metrics) IncrementRefresh(result string) {
	m.RefreshTotal.WithLabelValues(result).Inc()
}

// IncrementErrors counts a terminal failure surfaced to the caller.
func (m *Metrics) IncrementErrors(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
