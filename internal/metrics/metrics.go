// Package metrics holds the Prometheus collectors for the scan engine.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	scans        *prometheus.CounterVec
	scanDuration prometheus.Histogram
	storeRetries prometheus.Counter
	subscribers  prometheus.Gauge
	dropped      prometheus.Counter
	queued       *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "scans_total",
			Help:      "Processed scans by terminal result.",
		}, []string{"result"}),
		scanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendance",
			Name:      "scan_duration_seconds",
			Help:      "Time from receipt to terminal outcome.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		storeRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "store_retries_total",
			Help:      "Scan transactions retried after a busy store.",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "attendance",
			Name:      "stream_subscribers",
			Help:      "Connected live event subscribers.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "stream_subscribers_dropped_total",
			Help:      "Subscribers evicted because their queue was full.",
		}),
		queued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "queued_scans_total",
			Help:      "Asynchronous scans by stage.",
		}, []string{"stage"}),
	}
}

func (m *Metrics) ObserveScan(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(result).Inc()
	m.scanDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) StoreRetry() {
	if m == nil {
		return
	}
	m.storeRetries.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// Queued counts async scans: stage is "enqueued", "consumed" or "malformed".
func (m *Metrics) Queued(stage string) {
	if m == nil {
		return
	}
	m.queued.WithLabelValues(stage).Inc()
}
