package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AptsimActiveRuns tracks runs currently in the running state
	AptsimActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aptsim_active_runs",
			Help: "Number of simulation runs currently executing",
		},
	)

	// AptsimRunsTotal tracks runs by terminal status
	AptsimRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aptsim_runs_total",
			Help: "Total number of simulation runs by terminal status",
		},
		[]string{"status"},
	)

	// AptsimEventsTotal tracks generated events per stage
	AptsimEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aptsim_events_total",
			Help: "Total number of simulation events generated",
		},
		[]string{"stage"},
	)

	// AptsimDetectionsTotal tracks detections per alert severity
	AptsimDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aptsim_detections_total",
			Help: "Total number of detection log entries emitted",
		},
		[]string{"severity"},
	)
)

func init() {
	// Register metrics with the default registry
	prometheus.MustRegister(AptsimActiveRuns)
	prometheus.MustRegister(AptsimRunsTotal)
	prometheus.MustRegister(AptsimEventsTotal)
	prometheus.MustRegister(AptsimDetectionsTotal)
}
