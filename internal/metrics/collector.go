// Package metrics provides the Prometheus series for call bridging.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records session, audio, function-call and dispatch metrics.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Sessions
	sessionsActive          prometheus.Gauge
	sessionStateTransitions *prometheus.CounterVec
	agentConnectAttempts    *prometheus.CounterVec

	// Functions
	functionCallsTotal *prometheus.CounterVec

	// Audio
	audioFramesTotal     *prometheus.CounterVec
	transcodeErrorsTotal *prometheus.CounterVec

	// Dispatch
	callsPlacedTotal   *prometheus.CounterVec
	ticketsPolledTotal prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the series under namespace on reg. A nil reg uses
// the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.sessionsActive = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of voice agent sessions not yet closed",
		},
	)

	c.sessionStateTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	c.agentConnectAttempts = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_connect_attempts_total",
			Help:      "Total number of voice agent connection attempts",
		},
		[]string{"result"},
	)

	c.functionCallsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Total number of agent function calls",
		},
		[]string{"function", "status"},
	)

	c.audioFramesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Total number of audio frames relayed",
		},
		[]string{"direction"}, // inbound: telephony to agent, outbound: agent to telephony
	)

	c.transcodeErrorsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_errors_total",
			Help:      "Total number of dropped audio frames",
		},
		[]string{"direction"},
	)

	c.callsPlacedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_placed_total",
			Help:      "Total number of outbound calls placed",
		},
		[]string{"result"},
	)

	c.ticketsPolledTotal = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_polled_total",
			Help:      "Total number of tickets examined by the dispatcher",
		},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SessionOpened increments the active session gauge.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

// RecordStateTransition records a session moving between states.
func (c *Collector) RecordStateTransition(from, to string) {
	if c == nil {
		return
	}
	c.sessionStateTransitions.WithLabelValues(from, to).Inc()
}

// RecordConnectAttempt records an agent dial attempt; result is "success",
// "error" or "handshake_failed".
func (c *Collector) RecordConnectAttempt(result string) {
	if c == nil {
		return
	}
	c.agentConnectAttempts.WithLabelValues(result).Inc()
}

// RecordFunctionCall records a dispatched function call.
func (c *Collector) RecordFunctionCall(function, status string) {
	if c == nil {
		return
	}
	c.functionCallsTotal.WithLabelValues(function, status).Inc()
}

// RecordAudioFrame records a relayed frame.
func (c *Collector) RecordAudioFrame(direction string) {
	if c == nil {
		return
	}
	c.audioFramesTotal.WithLabelValues(direction).Inc()
}

// RecordTranscodeError records a dropped frame.
func (c *Collector) RecordTranscodeError(direction string) {
	if c == nil {
		return
	}
	c.transcodeErrorsTotal.WithLabelValues(direction).Inc()
}

// RecordCallPlaced records an outbound call attempt.
func (c *Collector) RecordCallPlaced(result string) {
	if c == nil {
		return
	}
	c.callsPlacedTotal.WithLabelValues(result).Inc()
}

// RecordTicketsPolled adds n examined tickets.
func (c *Collector) RecordTicketsPolled(n int) {
	if c == nil {
		return
	}
	c.ticketsPolledTotal.Add(float64(n))
}
