package signaling

import (
	"time"

	"github.com/gorilla/websocket"

	"crowdbank-realtime/pkg/constants"
	"crowdbank-realtime/pkg/metrics"
)

type options struct {
	backoff      Backoff
	dialer       *websocket.Dialer
	pingInterval time.Duration
	metrics      *metrics.Metrics
}

// Option configures a RoomClient or UserClient
type Option func(*options)

// WithBackoff replaces the reconnect policy
func WithBackoff(b Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// WithDialer replaces the websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithPingInterval sets the keepalive ping period
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

// WithMetrics records connection and frame metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(defaultBackoff Backoff, opts []Option) options {
	o := options{
		backoff: defaultBackoff,
		dialer: &websocket.Dialer{
			HandshakeTimeout: constants.WebSocketHandshakeTimeout,
		},
		pingInterval: constants.WebSocketPingInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
