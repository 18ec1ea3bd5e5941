package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"crowdbank-realtime/internal/domain"
	"crowdbank-realtime/internal/signaling"
	"crowdbank-realtime/pkg/constants"
	apperrors "crowdbank-realtime/pkg/errors"
	"crowdbank-realtime/pkg/logger"
	"crowdbank-realtime/pkg/metrics"
)

// Send paths reported in results and metrics
const (
	PathSocket = "socket"
	PathREST   = "rest"
)

const subscriberBuffer = 64

// Room is the signaling connection of one chat room
type Room interface {
	Connect()
	Disconnect()
	State() signaling.State
	SendChatMessage(body string) bool
	SendTyping()
	SendMarkRead() bool
}

// RoomDialer builds a room connection wired to handlers. Nothing is dialed
// until Connect.
type RoomDialer func(roomID domain.ID, handlers signaling.Handlers) Room

// NewRoomDialer returns a RoomDialer backed by signaling.RoomClient
func NewRoomDialer(wsBase, token string, opts ...signaling.Option) RoomDialer {
	return func(roomID domain.ID, handlers signaling.Handlers) Room {
		return signaling.NewRoomClient(wsBase, roomID, token, handlers, opts...)
	}
}

// MessageAPI is the REST fallback for sending
type MessageAPI interface {
	SendMessage(ctx context.Context, roomID domain.ID, body string) (*domain.Message, error)
}

// SignalHandler receives call signals carried on room channels
type SignalHandler interface {
	HandleSignal(ctx context.Context, sig domain.Signal)
}

// SendResult describes how a message left the agent
type SendResult struct {
	Path    string          `json:"path"`
	Message *domain.Message `json:"message,omitempty"`
}

// RoomStatus is the connection state of a joined room
type RoomStatus struct {
	RoomID domain.ID `json:"room_id"`
	State  string    `json:"state"`
}

// Service keeps one signaling connection per joined room, fans inbound chat
// events out to subscribers and forwards call signals to the call service.
type Service struct {
	dial    RoomDialer
	api     MessageAPI
	calls   SignalHandler
	metrics *metrics.Metrics
	log     *zap.Logger

	mu      sync.Mutex
	rooms   map[domain.ID]Room
	subs    map[domain.ID]map[int]chan domain.ChatEvent
	nextSub int
}

// NewService creates a new chat service
func NewService(dial RoomDialer, api MessageAPI, calls SignalHandler, m *metrics.Metrics) *Service {
	return &Service{
		dial:    dial,
		api:     api,
		calls:   calls,
		metrics: m,
		log:     logger.With(zap.String("component", "chat")),
		rooms:   make(map[domain.ID]Room),
		subs:    make(map[domain.ID]map[int]chan domain.ChatEvent),
	}
}

// Join connects to roomID. Joining a room already held reconnects it if its
// connection gave up.
func (s *Service) Join(roomID domain.ID) error {
	if roomID.IsZero() {
		return apperrors.MissingFieldError("room_id")
	}

	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		room = s.dial(roomID, s.handlers(roomID))
		s.rooms[roomID] = room
	}
	s.mu.Unlock()

	room.Connect()
	if !ok {
		s.log.Info("Joined room", zap.String("room_id", roomID.String()))
	}
	return nil
}

// Leave disconnects from roomID; subscribers stay registered
func (s *Service) Leave(roomID domain.ID) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()

	if ok {
		room.Disconnect()
		s.log.Info("Left room", zap.String("room_id", roomID.String()))
	}
}

// LeaveAll disconnects every room
func (s *Service) LeaveAll() {
	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[domain.ID]Room)
	s.mu.Unlock()

	for _, room := range rooms {
		room.Disconnect()
	}
}

// Rooms lists joined rooms ordered by id
func (s *Service) Rooms() []RoomStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RoomStatus, 0, len(s.rooms))
	for id, room := range s.rooms {
		out = append(out, RoomStatus{RoomID: id, State: room.State().String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Send delivers body over the room channel when it is open, otherwise over
// the REST endpoint. A REST-sent message is also published to subscribers
// since no channel will echo it.
func (s *Service) Send(ctx context.Context, roomID domain.ID, body string) (*SendResult, error) {
	body = strings.TrimSpace(body)
	switch {
	case roomID.IsZero():
		return nil, apperrors.MissingFieldError("room_id")
	case body == "":
		return nil, apperrors.MissingFieldError("body")
	case utf8.RuneCountInString(body) > constants.MaxMessageLength:
		return nil, apperrors.ValidationError("message body is too long")
	}

	if room := s.room(roomID); room != nil && room.SendChatMessage(body) {
		s.metrics.RecordMessageSent(PathSocket)
		return &SendResult{Path: PathSocket}, nil
	}

	msg, err := s.api.SendMessage(ctx, roomID, body)
	if err != nil {
		s.log.Warn("Failed to send message over REST", zap.String("room_id", roomID.String()), zap.Error(err))
		return nil, err
	}
	s.metrics.RecordMessageSent(PathREST)
	if msg.RoomID.IsZero() {
		msg.RoomID = roomID
	}
	s.publish(domain.ChatEvent{Type: domain.ChatEventMessage, RoomID: roomID, Message: msg})
	return &SendResult{Path: PathREST, Message: msg}, nil
}

// Typing announces that the user is typing in roomID
func (s *Service) Typing(roomID domain.ID) error {
	room := s.room(roomID)
	if room == nil || room.State() != signaling.StateOpen {
		return apperrors.NotConnectedError("room is not connected")
	}
	room.SendTyping()
	return nil
}

// MarkRead marks roomID read; the server broadcasts the receipt
func (s *Service) MarkRead(roomID domain.ID) error {
	room := s.room(roomID)
	if room == nil || !room.SendMarkRead() {
		return apperrors.NotConnectedError("room is not connected")
	}
	return nil
}

// Subscribe returns events of roomID. Events are dropped for a subscriber
// whose buffer is full. cancel closes the channel.
func (s *Service) Subscribe(roomID domain.ID) (<-chan domain.ChatEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan domain.ChatEvent, subscriberBuffer)
	if s.subs[roomID] == nil {
		s.subs[roomID] = make(map[int]chan domain.ChatEvent)
	}
	s.subs[roomID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[roomID][id]; ok {
				close(c)
				delete(s.subs[roomID], id)
				if len(s.subs[roomID]) == 0 {
					delete(s.subs, roomID)
				}
			}
		})
	}
}

// Close disconnects every room and closes all subscriptions
func (s *Service) Close() {
	s.LeaveAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	for roomID, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subs, roomID)
	}
}

func (s *Service) room(roomID domain.ID) Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID]
}

func (s *Service) handlers(roomID domain.ID) signaling.Handlers {
	message := func(typ domain.ChatEventType) func(domain.Message) {
		return func(m domain.Message) {
			s.publish(domain.ChatEvent{Type: typ, RoomID: roomID, Message: &m})
		}
	}

	return signaling.Handlers{
		OnMessage:        message(domain.ChatEventMessage),
		OnMessageUpdated: message(domain.ChatEventMessageUpdated),
		OnMessageDeleted: message(domain.ChatEventMessageDeleted),
		OnTyping: func(t domain.Typing) {
			s.publish(domain.ChatEvent{Type: domain.ChatEventTyping, RoomID: roomID, Typing: &t})
		},
		OnReadReceipt: func(r domain.ReadReceipt) {
			if r.RoomID.IsZero() {
				r.RoomID = roomID
			}
			s.publish(domain.ChatEvent{Type: domain.ChatEventReadReceipt, RoomID: roomID, Receipt: &r})
		},
		OnCallSignal: func(sig domain.Signal) {
			if s.calls != nil {
				s.calls.HandleSignal(context.Background(), sig)
			}
		},
		OnOpen: func() {
			s.log.Debug("Room connected", zap.String("room_id", roomID.String()))
		},
	}
}

func (s *Service) publish(ev domain.ChatEvent) {
	s.metrics.RecordMessageReceived(string(ev.Type))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[ev.RoomID] {
		select {
		case ch <- ev:
		default:
			s.metrics.RecordWebSocketDropped("slow_subscriber")
		}
	}
}
