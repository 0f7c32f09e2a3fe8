package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the pipeline updates as it
// works. Register attaches them to a registry; the api server exposes that
// registry on the metrics path.
type Metrics struct {
	ItemsProcessed  *prometheus.CounterVec
	BatchDuration   prometheus.Histogram
	QueueDepth      *prometheus.GaugeVec
	OldestQueuedAge prometheus.Gauge
}

// NewMetrics constructs the collector set.
func NewMetrics() *Metrics {
	return &Metrics{
		ItemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_items_processed_total",
			Help: "Queue items processed, labeled by outcome.",
		}, []string{"outcome"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_batch_duration_seconds",
			Help:    "Wall-clock duration of dispatch cycles.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_queue_items",
			Help: "Queue items by status.",
		}, []string{"status"}),
		OldestQueuedAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_oldest_queued_age_seconds",
			Help: "Age of the oldest queued item.",
		}),
	}
}

// Register adds all collectors to the registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.ItemsProcessed, m.BatchDuration, m.QueueDepth, m.OldestQueuedAge,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveOutcome counts one processed item.
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ItemsProcessed.WithLabelValues(outcome).Inc()
}

// ObserveBatch records one dispatch cycle duration.
func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(d.Seconds())
}
