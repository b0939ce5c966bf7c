// Package metrics holds the Prometheus collectors for the monitoring service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "proctorwatch"

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of candidate monitoring sessions currently running",
		},
	)

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_cycles_total",
			Help:      "Total number of monitoring cycles by outcome",
		},
		[]string{"outcome"}, // analyzed, no_camera, no_frames, no_source, capture_error, fault
	)

	analyzerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyzer_duration_seconds",
			Help:      "Duration of individual analyzer invocations in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"kind", "status"},
	)

	fanoutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Wall-clock duration of one five-analyzer fan-out",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5},
		},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Total number of incidents emitted by tag and final level",
		},
		[]string{"tag", "level"},
	)

	persistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Evidence or cheating-log writes that failed",
		},
		[]string{"store"},
	)

	broadcastDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Messages dropped because a participant's send buffer was full",
		},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the given registerer. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			sessionsActive,
			cyclesTotal,
			analyzerDuration,
			fanoutDuration,
			incidentsTotal,
			persistenceFailures,
			broadcastDrops,
		)
	})
}

func SessionStarted() { sessionsActive.Inc() }

func SessionStopped() { sessionsActive.Dec() }

func RecordCycle(outcome string) {
	cyclesTotal.WithLabelValues(outcome).Inc()
}

func RecordAnalyzer(kind, status string, d time.Duration) {
	analyzerDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}

func RecordFanout(d time.Duration) {
	fanoutDuration.Observe(d.Seconds())
}

func RecordIncident(tag, level string) {
	incidentsTotal.WithLabelValues(tag, level).Inc()
}

func RecordPersistenceFailure(store string) {
	persistenceFailures.WithLabelValues(store).Inc()
}

func RecordBroadcastDrop() {
	broadcastDrops.Inc()
}
