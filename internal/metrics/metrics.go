// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// registry holds the wiretap collectors plus Go runtime and process metrics.
var registry = prometheus.NewRegistry()

var factory = promauto.With(registry)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

var (
	// SessionsTotal counts capture sessions by terminal outcome
	SessionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiretap_sessions_total",
			Help: "Total number of capture sessions by outcome",
		},
		[]string{"outcome"},
	)

	// SessionState tracks the current session state (1 for the active state)
	SessionState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wiretap_session_state",
			Help: "Current capture session state (1 = active state)",
		},
		[]string{"state"},
	)

	// PacketsTotal counts packet events emitted by interface and protocol
	PacketsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiretap_packets_total",
			Help: "Total number of packet events emitted",
		},
		[]string{"interface", "protocol"},
	)

	// LinesDroppedTotal counts capture output lines that produced no packet
	LinesDroppedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiretap_lines_dropped_total",
			Help: "Total number of capture output lines dropped",
		},
		[]string{"reason"},
	)

	// CredentialRequestsTotal counts operator prompts by kind and outcome
	CredentialRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiretap_credential_requests_total",
			Help: "Total number of operator prompts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// TerminationSeconds measures how long stopping the capture process took
	TerminationSeconds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wiretap_termination_seconds",
			Help:    "Time taken to terminate the capture process",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	// SinkErrorsTotal counts sink delivery errors
	SinkErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiretap_sink_errors_total",
			Help: "Total number of sink delivery errors",
		},
		[]string{"sink"},
	)

	// SubscribersActive tracks event bus subscribers
	SubscribersActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "wiretap_subscribers_active",
			Help: "Number of active event subscribers",
		},
	)

	// EventsDroppedTotal counts events discarded for slow subscribers
	EventsDroppedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wiretap_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		},
		[]string{"subscriber"},
	)
)

// Line drop reasons.
const (
	DropDecoration = "decoration"
	DropUnparsed   = "unparsed"
	DropOverflow   = "overflow"
)

var sessionStates = []string{
	"idle", "requesting-elevation", "awaiting-credential", "spawning",
	"running", "stopping", "stopped", "error",
}

// SetSessionState marks state as the only active session state.
func SetSessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
