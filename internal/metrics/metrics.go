// Package metrics holds the Prometheus collectors shared by the scan engine and its adapters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan metrics
var (
	// ScansTotal tracks scans reaching a terminal or paused state.
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_scans_total",
			Help: "Total number of scan runs by outcome status",
		},
		[]string{"status"},
	)

	// ScansInProgress tracks scan runs currently executing in this process.
	ScansInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_scans_in_progress",
			Help: "Number of scan runs currently executing",
		},
	)

	// ScanRunDuration tracks the wall time of one run (start or resume until halt).
	ScanRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_scan_run_duration_seconds",
			Help:    "Scan run duration in seconds",
			Buckets: []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	// ScanControlRequests tracks pause/resume/stop requests by outcome.
	ScanControlRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_scan_control_requests_total",
			Help: "Total number of scan control requests",
		},
		[]string{"action", "result"},
	)

	// ScansRecovered tracks scans re-enqueued by the recovery job.
	ScansRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_scans_recovered_total",
			Help: "Total number of stuck scans re-enqueued",
		},
	)
)

// Finding metrics
var (
	// FindingsAnalyzed tracks recorded analyses by verdict and issue kind.
	FindingsAnalyzed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_findings_analyzed_total",
			Help: "Total number of findings analyzed by verdict",
		},
		[]string{"verdict", "kind"},
	)

	// FindingFailures tracks findings degraded to needs_human_review by failure stage.
	FindingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_finding_failures_total",
			Help: "Total number of findings that could not be classified",
		},
		[]string{"stage"},
	)

	// ClassificationDuration tracks one classifier round-trip.
	ClassificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triage_classification_duration_seconds",
			Help:    "Classifier call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
)

// Adapter metrics
var (
	// SourceFetches tracks source retrieval by result (hit, fetched, failed).
	SourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_source_fetches_total",
			Help: "Total number of source file retrievals by result",
		},
		[]string{"result"},
	)

	// ConnectionTests tracks connection tests by service and result.
	ConnectionTests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_connection_tests_total",
			Help: "Total number of connection tests by service and result",
		},
		[]string{"service", "result"},
	)
)

// Notification metrics
var (
	// NotificationsSent tracks scan outcome notifications by provider and result.
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_notifications_sent_total",
			Help: "Total number of scan outcome notifications by provider and result",
		},
		[]string{"provider", "result"},
	)
)

// Failure stages for FindingFailures.
const (
	StageRetrieval      = "retrieval"
	StageClassification = "classification"
)
