package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session Metrics
var (
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpuflow_provider",
		Subsystem: "session",
		Name:      "state",
		Help:      "Control channel state (0 disconnected, 1 connecting, 2 connected, 3 closing)",
	})

	SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gpuflow_provider",
		Subsystem: "session",
		Name:      "reconnects_total",
		Help:      "Total number of scheduled reconnect attempts",
	})

	SessionMalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gpuflow_provider",
		Subsystem: "session",
		Name:      "malformed_messages_total",
		Help:      "Inbound control messages dropped because they could not be parsed",
	})
)

// Job Metrics
var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpuflow_provider",
		Subsystem: "job",
		Name:      "total",
		Help:      "Jobs driven to a terminal state, by outcome",
	}, []string{"outcome"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gpuflow_provider",
		Subsystem: "job",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of sandbox executions",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 300, 600, 1800},
	})

	JobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpuflow_provider",
		Subsystem: "job",
		Name:      "queue_depth",
		Help:      "Jobs waiting behind the in-flight job",
	})

	StatusReportErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gpuflow_provider",
		Subsystem: "job",
		Name:      "status_report_errors_total",
		Help:      "Status reports that could not be delivered to the control plane",
	})
)

// Sandbox Metrics
var (
	SandboxActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpuflow_provider",
		Subsystem: "sandbox",
		Name:      "active",
		Help:      "Number of sandbox containers currently created and not yet removed",
	})

	SandboxCreateErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gpuflow_provider",
		Subsystem: "sandbox",
		Name:      "create_errors_total",
		Help:      "Total number of sandbox create or start errors",
	})
)

// Event Metrics
var (
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gpuflow_provider",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Log or status events dropped because the event buffer was full",
	})
)
