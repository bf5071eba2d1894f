package services

import (
	"mailpush/internal/pingsync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports scheduler activity to Prometheus. It implements
// pingsync.Observer.
type Metrics struct {
	events       *prometheus.CounterVec
	syncs        *prometheus.CounterVec
	pingOutcomes *prometheus.CounterVec
	retryDelay   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailpush",
			Name:      "scheduler_events_total",
			Help:      "Scheduler transitions by event type.",
		}, []string{"type"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailpush",
			Name:      "syncs_total",
			Help:      "Finished syncs by result.",
		}, []string{"result"}),
		pingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailpush",
			Name:      "pings_ended_total",
			Help:      "Ended ping workers by outcome.",
		}, []string{"outcome"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mailpush",
			Name:      "retry_delay_seconds",
			Help:      "Delay of scheduled ping retries after failed syncs.",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800},
		}),
	}
	reg.MustRegister(m.events, m.syncs, m.pingOutcomes, m.retryDelay)
	return m
}

// TrackSynchronizer exports gauges read from the synchronizer's state.
func (m *Metrics) TrackSynchronizer(reg prometheus.Registerer, s *pingsync.Synchronizer) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "mailpush",
			Name:      "tracked_accounts",
			Help:      "Accounts with scheduler state.",
		}, func() float64 {
			return float64(len(s.Snapshot()))
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "mailpush",
			Name:      "active_pings",
			Help:      "Accounts holding a ping.",
		}, func() float64 {
			n := 0
			for _, snap := range s.Snapshot() {
				if snap.PingWorker != "" {
					n++
				}
			}
			return float64(n)
		}),
	)
}

// Observe implements pingsync.Observer.
func (m *Metrics) Observe(e pingsync.Event) {
	m.events.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case pingsync.EventSyncEnded:
		result := "ok"
		if e.HadError {
			result = "error"
		}
		m.syncs.WithLabelValues(result).Inc()
	case pingsync.EventSyncAborted:
		m.syncs.WithLabelValues("aborted").Inc()
	case pingsync.EventPingEnded:
		m.pingOutcomes.WithLabelValues(e.Outcome).Inc()
	case pingsync.EventRetryScheduled:
		m.retryDelay.Observe(e.RetryIn.Seconds())
	}
}
