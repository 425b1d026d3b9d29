// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturePacketsTotal counts packets read from a capture source
	CapturePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_capture_packets_total",
			Help: "Total number of packets read from capture sources",
		},
		[]string{"source"},
	)

	// CaptureDropsTotal counts packets dropped before inspection
	CaptureDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_capture_drops_total",
			Help: "Total number of packets dropped before inspection",
		},
		[]string{"stage"},
	)

	// WorkerLatencySeconds measures per-packet worker processing latency
	WorkerLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_worker_latency_seconds",
			Help:    "Latency of worker packet processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1us to ~1s
		},
		[]string{"proto"},
	)

	// FlowsActive tracks flows held by each worker
	FlowsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_flows_active",
			Help: "Current number of flows tracked per worker",
		},
		[]string{"worker"},
	)

	// StreamGapsTotal counts sequence gaps skipped by stream reassembly
	StreamGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_stream_gaps_total",
			Help: "Total number of gaps skipped in reassembled streams",
		},
	)

	// ParseErrorsTotal counts application layer messages that failed to parse
	ParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_parse_errors_total",
			Help: "Total number of application layer parse errors",
		},
		[]string{"proto"},
	)

	// WindowsTotal counts frame window extraction outcomes
	WindowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_detect_windows_total",
			Help: "Frame inspection window extractions by result",
		},
		[]string{"result"},
	)

	// StateEntriesTotal counts signature verdicts recorded on transactions
	StateEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_detect_state_entries_total",
			Help: "Signature entries appended to transaction detect state",
		},
		[]string{"direction"},
	)

	// StateRejectedTotal counts detect state appends that were refused
	StateRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_detect_state_rejected_total",
			Help: "Detect state appends rejected by reason",
		},
		[]string{"reason"},
	)

	// FileStorePrunedTotal counts transaction directions whose file storage was disabled
	FileStorePrunedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_detect_filestore_pruned_total",
			Help: "Transaction directions with file storage disabled early",
		},
		[]string{"direction"},
	)

	// InstanceCapTotal counts multi-instance iterations cut short by the cap
	InstanceCapTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_detect_instance_cap_total",
			Help: "Multi-instance buffer iterations stopped by the instance cap",
		},
		[]string{"buffer"},
	)

	// FrameAlertsTotal counts frame signature matches
	FrameAlertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_detect_frame_alerts_total",
			Help: "Total number of frame signature matches",
		},
	)

	// AlertsTotal counts alerts written by signature id
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_total",
			Help: "Total number of alerts by signature id",
		},
		[]string{"sid"},
	)

	// FilesTotal counts files tracked by the file store by outcome
	FilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_files_total",
			Help: "Files tracked by the file store by outcome",
		},
		[]string{"result"},
	)
)
