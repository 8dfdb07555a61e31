package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of a Service. A nil *Metrics records
// nothing.
type Metrics struct {
	// Operation metrics
	RequestsTotal   *prometheus.CounterVec   // harbor_gateway_requests_total{operation,result}
	RequestDuration *prometheus.HistogramVec // harbor_gateway_request_duration_seconds{operation}

	// Transfer metrics
	BytesWritten prometheus.Counter // harbor_gateway_bytes_written_total
	BytesRead    prometheus.Counter // harbor_gateway_bytes_read_total

	NodesCreated *prometheus.CounterVec // harbor_gateway_nodes_created_total{kind}
	Listings     *prometheus.CounterVec // harbor_gateway_listings_total{strategy}
}

// NewMetrics registers gateway metrics with registry, or with the default
// registerer when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &Metrics{
		RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_gateway_requests_total",
			Help: "Total gateway operations by operation and result kind",
		}, []string{"operation", "result"}),

		RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harbor_gateway_request_duration_seconds",
			Help:    "Gateway operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		BytesWritten: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "harbor_gateway_bytes_written_total",
			Help: "Total bytes written to the backing store by chunk writes",
		}),

		BytesRead: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "harbor_gateway_bytes_read_total",
			Help: "Total bytes read from the backing store",
		}),

		NodesCreated: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_gateway_nodes_created_total",
			Help: "Directories and files created",
		}, []string{"kind"}),

		Listings: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_gateway_listings_total",
			Help: "Directory listings by query strategy",
		}, []string{"strategy"}),
	}
}

func (m *Metrics) recordRequest(operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, result).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) recordUpload(bytes int64) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(bytes))
}

func (m *Metrics) recordDownload(bytes int64) {
	if m == nil {
		return
	}
	m.BytesRead.Add(float64(bytes))
}

func (m *Metrics) recordNodeCreated(kind string) {
	if m == nil {
		return
	}
	m.NodesCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordListing(strategy string) {
	if m == nil {
		return
	}
	m.Listings.WithLabelValues(strategy).Inc()
}
