// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MalformedTotal counts frames dropped because a header failed to parse
	MalformedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satcat5_malformed_total",
			Help: "Total number of frames dropped with a malformed header",
		},
		[]string{"layer"},
	)

	// SwitchFramesTotal counts frames by forwarding outcome
	SwitchFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satcat5_switch_frames_total",
			Help: "Total number of frames processed by the switch, by outcome",
		},
		[]string{"port", "result"},
	)

	// BufferOverflowTotal counts frames lost to a full buffer
	BufferOverflowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satcat5_buffer_overflow_total",
			Help: "Total number of frames dropped because a buffer was full",
		},
		[]string{"buffer"},
	)

	// ArpQueriesTotal counts outgoing ARP requests and their outcomes
	ArpQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satcat5_arp_queries_total",
			Help: "Total number of ARP queries by outcome (sent, resolved, unreachable)",
		},
		[]string{"result"},
	)

	// PtpMeasurementsTotal counts completed four-timestamp measurements
	PtpMeasurementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "satcat5_ptp_measurements_total",
			Help: "Total number of completed PTP measurements",
		},
	)

	// PtpStateChangesTotal counts client state transitions
	PtpStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satcat5_ptp_state_changes_total",
			Help: "Total number of PTP client state transitions, by new state",
		},
		[]string{"state"},
	)

	// PtpOffsetSeconds tracks the latest offset from master
	PtpOffsetSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "satcat5_ptp_offset_seconds",
			Help: "Most recent PTP offset from master in seconds",
		},
	)

	// PtpPathDelaySeconds tracks the latest mean path delay
	PtpPathDelaySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "satcat5_ptp_path_delay_seconds",
			Help: "Most recent PTP mean path delay in seconds",
		},
	)
)
