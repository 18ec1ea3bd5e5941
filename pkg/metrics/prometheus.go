package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the agent. Every instance owns its
// registry so several agents (or tests) can live in one process. All methods
// are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics (control API)
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Backend REST Metrics
	backendRequestsTotal   *prometheus.CounterVec
	backendRequestDuration *prometheus.HistogramVec
	breakerState           *prometheus.GaugeVec

	// Redis Metrics
	redisCommandsTotal   *prometheus.CounterVec
	redisCommandDuration *prometheus.HistogramVec
	redisErrorsTotal     *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections     *prometheus.GaugeVec
	websocketMessagesTotal   *prometheus.CounterVec
	websocketDroppedTotal    *prometheus.CounterVec
	websocketReconnectsTotal *prometheus.CounterVec
	websocketGiveUpsTotal    *prometheus.CounterVec

	// Call Metrics
	callTransitionsTotal *prometheus.CounterVec
	callsActive          prometheus.Gauge
	callsDuration        *prometheus.HistogramVec
	callsFailedTotal     *prometheus.CounterVec
	callsBusyTotal       prometheus.Counter
	permissionNeeded     prometheus.Gauge

	// Message Metrics
	messagesSentTotal     *prometheus.CounterVec
	messagesReceivedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on a fresh registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of control API requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Control API request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of control API requests currently being processed",
				ConstLabels: labels,
			},
		),

		// Backend REST Metrics
		backendRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "backend_requests_total",
				Help:        "Total number of backend REST requests",
				ConstLabels: labels,
			},
			[]string{"endpoint", "status"},
		),
		backendRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "backend_request_duration_seconds",
				Help:        "Backend REST request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "circuit_breaker_state",
				Help:        "Circuit breaker state (0=closed, 1=half-open, 2=open)",
				ConstLabels: labels,
			},
			[]string{"breaker"},
		),

		// Redis Metrics
		redisCommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_commands_total",
				Help:        "Total number of Redis commands",
				ConstLabels: labels,
			},
			[]string{"command"},
		),
		redisCommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "redis_command_duration_seconds",
				Help:        "Redis command latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		redisErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_errors_total",
				Help:        "Total number of Redis errors",
				ConstLabels: labels,
			},
			[]string{"command"},
		),

		// WebSocket Metrics
		websocketConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of open signaling connections",
				ConstLabels: labels,
			},
			[]string{"channel"},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket frames",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_frames_dropped_total",
				Help:        "Inbound frames dropped before dispatch",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		websocketReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_reconnect_attempts_total",
				Help:        "Scheduled reconnect attempts",
				ConstLabels: labels,
			},
			[]string{"channel"},
		),
		websocketGiveUpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_reconnect_giveups_total",
				Help:        "Connections abandoned after exhausting reconnect attempts",
				ConstLabels: labels,
			},
			[]string{"channel"},
		),

		// Call Metrics
		callTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_total",
				Help:        "Call state transitions",
				ConstLabels: labels,
			},
			[]string{"from", "to"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "1 while a non-idle call session exists",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Connected call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_setup_failures_total",
				Help:        "Call setups that unwound to idle, by stage",
				ConstLabels: labels,
			},
			[]string{"type", "stage"},
		),
		callsBusyTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "calls_busy_rejected_total",
				Help:        "Offers auto-rejected because a call was already in progress",
				ConstLabels: labels,
			},
		),
		permissionNeeded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "call_permission_needed",
				Help:        "1 while a restored call waits for a user-initiated join",
				ConstLabels: labels,
			},
		),

		// Message Metrics
		messagesSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "messages_sent_total",
				Help:        "Chat messages sent, by path",
				ConstLabels: labels,
			},
			[]string{"path"},
		),
		messagesReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "messages_received_total",
				Help:        "Chat events received",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
	}

	return m
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// Backend Metrics Methods

// RecordBackendRequest records one REST round-trip. status is the HTTP status,
// or 0 when the request never got a response.
func (m *Metrics) RecordBackendRequest(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	label := strconv.Itoa(status)
	if status == 0 {
		label = "error"
	}
	m.backendRequestsTotal.WithLabelValues(endpoint, label).Inc()
	m.backendRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// Redis Metrics Methods

func (m *Metrics) RecordRedisCommand(command string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.redisCommandsTotal.WithLabelValues(command).Inc()
	m.redisCommandDuration.WithLabelValues(command).Observe(duration.Seconds())
	if err != nil {
		m.redisErrorsTotal.WithLabelValues(command).Inc()
	}
}

// WebSocket Metrics Methods

func (m *Metrics) WebSocketOpened(channel string) {
	if m == nil {
		return
	}
	m.websocketConnections.WithLabelValues(channel).Inc()
}

func (m *Metrics) WebSocketClosed(channel string) {
	if m == nil {
		return
	}
	m.websocketConnections.WithLabelValues(channel).Dec()
}

func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

func (m *Metrics) RecordWebSocketDropped(reason string) {
	if m == nil {
		return
	}
	m.websocketDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReconnectAttempt(channel string) {
	if m == nil {
		return
	}
	m.websocketReconnectsTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordReconnectGiveUp(channel string) {
	if m == nil {
		return
	}
	m.websocketGiveUpsTotal.WithLabelValues(channel).Inc()
}

// Call Metrics Methods

func (m *Metrics) RecordCallTransition(from, to string) {
	if m == nil {
		return
	}
	m.callTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SetActiveCalls(count int) {
	if m == nil {
		return
	}
	m.callsActive.Set(float64(count))
}

func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

func (m *Metrics) RecordCallFailure(callType, stage string) {
	if m == nil {
		return
	}
	m.callsFailedTotal.WithLabelValues(callType, stage).Inc()
}

func (m *Metrics) RecordBusyReject() {
	if m == nil {
		return
	}
	m.callsBusyTotal.Inc()
}

func (m *Metrics) SetPermissionNeeded(needed bool) {
	if m == nil {
		return
	}
	if needed {
		m.permissionNeeded.Set(1)
		return
	}
	m.permissionNeeded.Set(0)
}

// Message Metrics Methods

func (m *Metrics) RecordMessageSent(path string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(path).Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceivedTotal.WithLabelValues(msgType).Inc()
}
