package signaling

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"crowdbank-realtime/internal/domain"
	"crowdbank-realtime/pkg/constants"
)

// FrameDeviceTerminated is pushed on the user channel when a device session is revoked
const FrameDeviceTerminated = "device_terminated"

// UserHandlers receives events from the per-user channel
type UserHandlers struct {
	OnDeviceTerminated func(domain.DeviceTerminated)
}

// UserClient owns the per-user channel at <wsBase>/ws/user/?token=<token>.
// It redials at a fixed interval for as long as it is connected.
type UserClient struct {
	handlers UserHandlers
	sock     *socket
}

// NewUserClient prepares the user channel client
func NewUserClient(wsBase, token string, handlers UserHandlers, opts ...Option) *UserClient {
	o := buildOptions(ConstantBackoff{Interval: constants.UserChannelReconnectDelay}, opts)
	c := &UserClient{handlers: handlers}
	c.sock = newSocket(UserURL(wsBase, token), "user", o, c.dispatch)
	return c
}

// UserURL builds the user channel URL
func UserURL(wsBase, token string) string {
	return fmt.Sprintf("%s/ws/user/?token=%s", strings.TrimRight(wsBase, "/"), url.QueryEscape(token))
}

// Connect opens the channel
func (c *UserClient) Connect() {
	c.sock.connect()
}

// Disconnect closes the channel and stops reconnecting
func (c *UserClient) Disconnect() {
	c.sock.disconnect()
}

// State returns the current connection state
func (c *UserClient) State() State {
	return c.sock.currentState()
}

func (c *UserClient) dispatch(data []byte) {
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sock.metrics.RecordWebSocketDropped("malformed")
		return
	}

	switch frame.Type {
	case FrameDeviceTerminated:
		if err := deliver(data, c.handlers.OnDeviceTerminated); err != nil {
			c.sock.metrics.RecordWebSocketDropped("invalid_payload")
			c.sock.log.Debug("Dropping invalid device_terminated frame", zap.Error(err))
			return
		}
		c.sock.metrics.RecordWebSocketMessage(frame.Type, "in")
	default:
		c.sock.metrics.RecordWebSocketDropped("unknown_type")
	}
}
