package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crowdbank-realtime/pkg/constants"
	"crowdbank-realtime/pkg/logger"
	"crowdbank-realtime/pkg/metrics"
)

// ErrNotOpen is returned by writes attempted while no connection is open
var ErrNotOpen = errors.New("signaling connection not open")

// State is the connection state of a socket
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

const sendBufferSize = 64

// socket is a single logical websocket connection that redials on
// unexpected close according to its backoff. Inbound frames are handed to
// onFrame from the reader goroutine, one at a time and in arrival order.
type socket struct {
	url          string
	channel      string
	backoff      Backoff
	dialer       *websocket.Dialer
	pingInterval time.Duration
	metrics      *metrics.Metrics
	log          *zap.Logger
	onFrame      func([]byte)
	onOpen       func()

	mu         sync.Mutex
	state      State
	attempt    int
	stopped    bool
	gen        uint64
	conn       *websocket.Conn
	send       chan []byte
	timer      *time.Timer
	cancelDial context.CancelFunc
}

func newSocket(rawURL, channel string, o options, onFrame func([]byte)) *socket {
	return &socket{
		url:          rawURL,
		channel:      channel,
		backoff:      o.backoff,
		dialer:       o.dialer,
		pingInterval: o.pingInterval,
		metrics:      o.metrics,
		log: logger.With(
			zap.String("channel", channel),
			zap.String("conn_id", uuid.NewString()),
			logger.URL("url", rawURL),
		),
		onFrame: onFrame,
	}
}

// connect opens the connection unless one is live or being dialed.
// A pending reconnect is short-circuited; a client that gave up starts over
// with a fresh attempt counter.
func (s *socket) connect() {
	s.mu.Lock()
	if s.state == StateOpen || (s.state == StateConnecting && s.timer == nil) {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	} else {
		s.attempt = 0
	}
	s.stopped = false
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.mu.Unlock()

	go s.run(gen)
}

// disconnect stops reconnecting and closes any open connection. Idempotent.
func (s *socket) disconnect() {
	s.mu.Lock()
	s.stopped = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	conn := s.conn
	wasOpen := s.state == StateOpen
	s.conn = nil
	s.send = nil
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if wasOpen {
		s.metrics.WebSocketClosed(s.channel)
		s.log.Info("Signaling connection closed by client")
	}
}

// write queues a frame on the open connection
func (s *socket) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen || s.send == nil {
		return ErrNotOpen
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return errors.New("signaling send buffer full")
	}
}

func (s *socket) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *socket) currentAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *socket) run(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketHandshakeTimeout)
	s.mu.Lock()
	if s.gen != gen || s.stopped {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelDial = cancel
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	cancel()

	s.mu.Lock()
	s.cancelDial = nil
	if s.gen != gen || s.stopped {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.log.Warn("Signaling dial failed", zap.Int("attempt", s.attempt), zap.Error(err))
		s.scheduleReconnectLocked(gen)
		s.mu.Unlock()
		return
	}

	send := make(chan []byte, sendBufferSize)
	s.conn = conn
	s.send = send
	s.state = StateOpen
	s.attempt = 0
	onOpen := s.onOpen
	s.mu.Unlock()

	s.metrics.WebSocketOpened(s.channel)
	s.log.Info("Signaling connection open")
	if onOpen != nil {
		onOpen()
	}

	done := make(chan struct{})
	go s.writePump(conn, send, done)
	s.readPump(conn)
	close(done)

	s.mu.Lock()
	owned := s.gen == gen && s.conn == conn
	if owned {
		s.conn = nil
		s.send = nil
		s.state = StateClosed
		s.scheduleReconnectLocked(gen)
	}
	s.mu.Unlock()

	_ = conn.Close()
	if owned {
		s.metrics.WebSocketClosed(s.channel)
	}
}

// scheduleReconnectLocked arms the reconnect timer or gives up. Caller holds mu.
func (s *socket) scheduleReconnectLocked(gen uint64) {
	if s.stopped {
		s.state = StateClosed
		return
	}
	delay, ok := s.backoff.Delay(s.attempt)
	if !ok {
		s.state = StateClosed
		s.metrics.RecordReconnectGiveUp(s.channel)
		s.log.Warn("Signaling reconnect attempts exhausted", zap.Int("attempts", s.attempt))
		return
	}
	s.attempt++
	s.state = StateConnecting
	s.metrics.RecordReconnectAttempt(s.channel)
	s.log.Info("Signaling reconnect scheduled",
		zap.Int("attempt", s.attempt),
		zap.Duration("delay", delay),
	)
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.gen != gen || s.stopped {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		s.run(gen)
	})
}

func (s *socket) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(constants.MaxInboundFrameSize)
	pongWait := s.pingInterval * 10 / 9
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("Signaling connection lost", zap.Error(err))
			} else {
				s.log.Debug("Signaling connection closed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			s.metrics.RecordWebSocketDropped("binary")
			continue
		}
		s.onFrame(data)
	}
}

func (s *socket) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Warn("Signaling write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
