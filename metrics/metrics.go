package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestRequests counts ingestion calls.
	// Labels: family, kind ("single" or "zip"), outcome ("ok" or an error code)
	IngestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulebox_ingest_requests_total",
			Help: "Total number of rule ingestion requests",
		},
		[]string{"family", "kind", "outcome"},
	)

	// RulesIngested counts parsed rules by persistence result ("stored" or "skipped")
	RulesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulebox_rules_ingested_total",
			Help: "Total number of parsed rules processed by ingestion",
		},
		[]string{"family", "result"},
	)

	ScanRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulebox_scan_requests_total",
			Help: "Total number of scan requests",
		},
		[]string{"family", "outcome"},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulebox_alerts_generated_total",
			Help: "Total number of normalized alerts returned by scans",
		},
		[]string{"family"},
	)

	// EngineDuration measures a single engine invocation, including rule load or export
	EngineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rulebox_engine_duration_seconds",
			Help:    "Time taken by detection engine invocations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		},
		[]string{"family"},
	)

	EngineFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulebox_engine_failures_total",
			Help: "Total number of detection engine failures",
		},
		[]string{"family", "reason"},
	)

	// SandboxJobsActive tracks scan job directories currently on disk
	SandboxJobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rulebox_sandbox_jobs_active",
			Help: "Number of scan sandboxes currently allocated",
		},
	)
)
