// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// NotifyTimeout bounds best-effort backend notifications (reject/end)
	NotifyTimeout = 5 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// WebSocket constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketPongWait is how long a read may block without any frame or pong
	WebSocketPongWait = WebSocketPingInterval * 10 / 9

	// WebSocketWriteWait is the deadline for a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketHandshakeTimeout bounds the opening handshake
	WebSocketHandshakeTimeout = 15 * time.Second

	// MaxInboundFrameSize is the largest inbound frame accepted (bytes)
	MaxInboundFrameSize = 512 * 1024
)

// Reconnect policy for room signaling connections
const (
	// ReconnectBaseDelay is the first reconnect delay; it doubles per attempt
	ReconnectBaseDelay = 1 * time.Second

	// ReconnectMaxDelay caps the reconnect delay
	ReconnectMaxDelay = 10 * time.Second

	// ReconnectMaxAttempts is the number of consecutive failed attempts before giving up
	ReconnectMaxAttempts = 5

	// UserChannelReconnectDelay is the fixed delay for the per-user device channel
	UserChannelReconnectDelay = 3 * time.Second
)

// Call-related constants
const (
	// CallTickInterval is the period of the connected-call duration ticker
	CallTickInterval = 1 * time.Second

	// CallStateTTL bounds how long a persisted in-progress call snapshot is kept
	CallStateTTL = 24 * time.Hour

	// MaxCallHistory is the number of history entries the backend returns
	MaxCallHistory = 50
)

// Message constants
const (
	// MaxMessageLength is the longest body the backend accepts
	MaxMessageLength = 2000
)
