package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/worker"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	DeliveriesSent   *prometheus.CounterVec
	DeliveriesFailed *prometheus.CounterVec
	SendLatency      *prometheus.HistogramVec
	BatchClaimed     *prometheus.HistogramVec
	RunDuration      *prometheus.HistogramVec
	RunsSkipped      *prometheus.CounterVec
	DevicesPruned    prometheus.Counter
	Requeued         *prometheus.CounterVec
	LeasesExpired    *prometheus.CounterVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveriesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_sent_total",
			Help: "Total number of delivery records accepted by a provider.",
		}, []string{"channel"}),

		DeliveriesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_failed_total",
			Help: "Total number of failed delivery attempts, by failure kind.",
		}, []string{"channel", "reason"}),

		SendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delivery_send_seconds",
			Help:    "Provider call latency per delivery attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),

		BatchClaimed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delivery_batch_claimed",
			Help:    "Number of records claimed per queue run.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}, []string{"channel"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delivery_run_seconds",
			Help:    "Wall time of one queue run.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"channel"}),

		RunsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_runs_skipped_total",
			Help: "Queue runs skipped because the channel was already running.",
		}, []string{"channel"}),

		DevicesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "device_endpoints_pruned_total",
			Help: "Device endpoints removed after the push service reported them gone.",
		}),

		Requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_requeued_total",
			Help: "Failed records moved back to pending by the retry policy.",
		}, []string{"channel"}),

		LeasesExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_leases_expired_total",
			Help: "Processing records failed after their lease expired.",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		m.DeliveriesSent,
		m.DeliveriesFailed,
		m.SendLatency,
		m.BatchClaimed,
		m.RunDuration,
		m.RunsSkipped,
		m.DevicesPruned,
		m.Requeued,
		m.LeasesExpired,
	)

	return m
}

// WorkerHooks returns the metric callbacks the worker package calls into.
// Keeps prometheus out of the worker package.
func (m *Metrics) WorkerHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnSent: func(ch domain.Channel, latency time.Duration) {
			m.DeliveriesSent.WithLabelValues(string(ch)).Inc()
			m.SendLatency.WithLabelValues(string(ch)).Observe(latency.Seconds())
		},
		OnFailed: func(ch domain.Channel, kind domain.FailureKind, latency time.Duration) {
			m.DeliveriesFailed.WithLabelValues(string(ch), string(kind)).Inc()
			m.SendLatency.WithLabelValues(string(ch)).Observe(latency.Seconds())
		},
		OnClaimed: func(ch domain.Channel, n int) {
			m.BatchClaimed.WithLabelValues(string(ch)).Observe(float64(n))
		},
		OnRunFinished: func(ch domain.Channel, elapsed time.Duration) {
			m.RunDuration.WithLabelValues(string(ch)).Observe(elapsed.Seconds())
		},
		OnRunSkipped: func(ch domain.Channel) {
			m.RunsSkipped.WithLabelValues(string(ch)).Inc()
		},
		OnDevicePruned: func() {
			m.DevicesPruned.Inc()
		},
		OnRequeued: func(ch domain.Channel) {
			m.Requeued.WithLabelValues(string(ch)).Inc()
		},
		OnLeaseExpired: func(ch domain.Channel) {
			m.LeasesExpired.WithLabelValues(string(ch)).Inc()
		},
	}
}
