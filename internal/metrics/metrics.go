package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LinesProcessed counts log lines consumed, by log kind and outcome
	// (applied, skipped, malformed, matched, unmatched).
	LinesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadside_lines_processed_total",
			Help: "Log lines consumed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadside_deathlog_files_total",
			Help: "Death-log files handled by mode and result",
		},
		[]string{"mode", "result"}, // steady|backfill, completed|live|failed|duplicate
	)

	Ticks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadside_ticks_total",
			Help: "Per-server scheduler units by activity and result",
		},
		[]string{"activity", "result"}, // deathlog|eventlog|reconcile, ok|error|skipped_busy
	)

	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deadside_tick_duration_seconds",
			Help:    "Time to process one server for one activity",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		},
		[]string{"activity"},
	)

	IsolationViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deadside_isolation_violations_total",
			Help: "Writes rejected because the record scope did not match",
		},
	)

	ReconcileCorrections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deadside_reconcile_corrections_total",
			Help: "Player rows whose kill count was rewritten by reconciliation",
		},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadside_connection_errors_total",
			Help: "Remote sessions that failed after retries",
		},
		[]string{"host"},
	)

	Rotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deadside_eventlog_rotations_total",
			Help: "Event log rotations detected",
		},
	)

	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadside_notifications_total",
			Help: "Notifications handed to sinks",
		},
		[]string{"sink", "type"},
	)

	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deadside_workers_active",
			Help: "Scheduler pool slots in use",
		},
	)
)
