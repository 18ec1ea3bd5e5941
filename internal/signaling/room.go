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

// Inbound frame types on a room channel
const (
	FrameMessage        = "message"
	FrameMessageUpdated = "message_updated"
	FrameMessageDeleted = "message_deleted"
	FrameTyping         = "typing"
	FrameCallSignal     = "call_signal"
	FrameReadReceipt    = "read_receipt"
)

// Outbound frame types
const (
	frameOutMessage  = "message"
	frameOutTyping   = "typing"
	frameOutMarkRead = "mark_read"
)

// Handlers receives parsed room events. Nil handlers are skipped. All handlers
// of one RoomClient run on the same goroutine, in frame order.
type Handlers struct {
	OnMessage        func(domain.Message)
	OnMessageUpdated func(domain.Message)
	OnMessageDeleted func(domain.Message)
	OnTyping         func(domain.Typing)
	OnCallSignal     func(domain.Signal)
	OnReadReceipt    func(domain.ReadReceipt)
	// OnOpen runs after every successful (re)connect
	OnOpen func()
}

type inboundFrame struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	Signal  json.RawMessage `json:"signal,omitempty"`
}

type outboundFrame struct {
	Type string `json:"type"`
	Body string `json:"body,omitempty"`
}

// RoomClient owns the signaling connection of one chat room
type RoomClient struct {
	roomID   domain.ID
	handlers Handlers
	sock     *socket
}

// NewRoomClient prepares a client for <wsBase>/ws/chat/<roomID>/?token=<token>.
// Nothing is dialed until Connect.
func NewRoomClient(wsBase string, roomID domain.ID, token string, handlers Handlers, opts ...Option) *RoomClient {
	o := buildOptions(ExponentialBackoff{
		Base:        constants.ReconnectBaseDelay,
		Max:         constants.ReconnectMaxDelay,
		MaxAttempts: constants.ReconnectMaxAttempts,
	}, opts)

	c := &RoomClient{roomID: roomID, handlers: handlers}
	c.sock = newSocket(RoomURL(wsBase, roomID, token), "room", o, c.dispatch)
	c.sock.log = c.sock.log.With(zap.String("room_id", roomID.String()))
	c.sock.onOpen = handlers.OnOpen
	return c
}

// RoomURL builds the room channel URL
func RoomURL(wsBase string, roomID domain.ID, token string) string {
	return fmt.Sprintf("%s/ws/chat/%s/?token=%s",
		strings.TrimRight(wsBase, "/"), url.PathEscape(roomID.String()), url.QueryEscape(token))
}

// RoomID returns the room this client is bound to
func (c *RoomClient) RoomID() domain.ID {
	return c.roomID
}

// Connect opens the connection; no-op while one is live or being dialed
func (c *RoomClient) Connect() {
	c.sock.connect()
}

// Disconnect stops reconnecting and closes the connection. Safe to call repeatedly.
func (c *RoomClient) Disconnect() {
	c.sock.disconnect()
}

// State returns the current connection state
func (c *RoomClient) State() State {
	return c.sock.currentState()
}

// Attempt returns the current reconnect attempt counter
func (c *RoomClient) Attempt() int {
	return c.sock.currentAttempt()
}

// SendChatMessage sends a chat message frame. It reports false, without
// error, when the connection is not open so the caller can fall back to REST.
func (c *RoomClient) SendChatMessage(body string) bool {
	if err := c.sendFrame(outboundFrame{Type: frameOutMessage, Body: body}); err != nil {
		return false
	}
	return true
}

// SendTyping sends a typing indicator; dropped when not connected
func (c *RoomClient) SendTyping() {
	_ = c.sendFrame(outboundFrame{Type: frameOutTyping})
}

// SendMarkRead asks the server to mark the room read and broadcast a receipt
func (c *RoomClient) SendMarkRead() bool {
	return c.sendFrame(outboundFrame{Type: frameOutMarkRead}) == nil
}

func (c *RoomClient) sendFrame(f outboundFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := c.sock.write(data); err != nil {
		return err
	}
	c.sock.metrics.RecordWebSocketMessage(f.Type, "out")
	return nil
}

func (c *RoomClient) dispatch(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sock.metrics.RecordWebSocketDropped("malformed")
		c.sock.log.Debug("Dropping malformed frame", zap.Error(err))
		return
	}

	var err error
	switch frame.Type {
	case FrameMessage:
		err = deliverMessage(frame.Message, c.handlers.OnMessage)
	case FrameMessageUpdated:
		err = deliverMessage(frame.Message, c.handlers.OnMessageUpdated)
	case FrameMessageDeleted:
		err = deliverMessage(frame.Message, c.handlers.OnMessageDeleted)
	case FrameTyping:
		err = deliver(data, c.handlers.OnTyping)
	case FrameReadReceipt:
		err = deliver(data, c.handlers.OnReadReceipt)
	case FrameCallSignal:
		var sig domain.Signal
		if sig, err = domain.ParseSignal(frame.Signal); err == nil && c.handlers.OnCallSignal != nil {
			c.handlers.OnCallSignal(sig)
		}
	default:
		c.sock.metrics.RecordWebSocketDropped("unknown_type")
		return
	}

	if err != nil {
		c.sock.metrics.RecordWebSocketDropped("invalid_payload")
		c.sock.log.Debug("Dropping invalid frame payload", zap.String("type", frame.Type), zap.Error(err))
		return
	}
	c.sock.metrics.RecordWebSocketMessage(frame.Type, "in")
}

func deliverMessage(raw json.RawMessage, fn func(domain.Message)) error {
	return deliver([]byte(raw), fn)
}

func deliver[T any](raw []byte, fn func(T)) error {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	if fn != nil {
		fn(v)
	}
	return nil
}
