// Package metrics holds the gateway's Prometheus collectors. They register
// with the default registry and are served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_http_requests_total",
		Help: "HTTP requests by route and status class",
	}, []string{"route", "status"})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_connections_active",
		Help: "Open /v1/call websocket connections",
	})

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_calls_active",
		Help: "Calls currently past ringing and not yet torn down",
	})

	CallsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_calls_rejected_total",
		Help: "Call connections refused at admission by reason",
	}, []string{"reason"})

	CallsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_calls_started_total",
		Help: "Calls placed",
	})

	CallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_calls_ended_total",
		Help: "Calls torn down by end reason",
	}, []string{"reason"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "companion_call_duration_seconds",
		Help:    "Connected call duration",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_tool_calls_total",
		Help: "Tool calls dispatched by tool and outcome",
	}, []string{"tool", "status"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_errors_total",
		Help: "Call errors by type",
	}, []string{"error_type"})

	InboundFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_inbound_frames_total",
		Help: "Client media frames by kind and outcome",
	}, []string{"kind", "outcome"})

	AudioChunksOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_audio_chunks_out_total",
		Help: "Paced audio chunks written to clients",
	})

	OutboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_outbound_dropped_total",
		Help: "Server messages dropped on a full outbound queue",
	})

	MediaGrantDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "companion_media_grant_duration_seconds",
		Help:    "Time from media_request to the client's answer",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind", "outcome"})

	AnalysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "companion_analysis_duration_seconds",
		Help:    "Out-of-band analysis latency",
		Buckets: []float64{0.1, 0.2, 0.5, 1, 2, 5, 10},
	}, []string{"task"})
)
