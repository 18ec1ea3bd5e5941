package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"crowdbank-realtime/internal/domain"
	"crowdbank-realtime/internal/media"
	"crowdbank-realtime/internal/repository/memory"
)

// eventLog records release and notification order across doubles
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) has(e string) bool {
	for _, got := range l.list() {
		if got == e {
			return true
		}
	}
	return false
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// MockCallAPI is a mock implementation of CallAPI
type MockCallAPI struct {
	mock.Mock
	log *eventLog
}

func (m *MockCallAPI) StartCall(ctx context.Context, req domain.StartCallRequest) (*domain.StartCallResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StartCallResponse), args.Error(1)
}

func (m *MockCallAPI) AnswerCall(ctx context.Context, callID domain.ID) (*domain.JoinCredentials, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.JoinCredentials), args.Error(1)
}

func (m *MockCallAPI) RejectCall(ctx context.Context, callID domain.ID) error {
	args := m.Called(ctx, callID)
	m.log.add("reject:" + callID.String())
	return args.Error(0)
}

func (m *MockCallAPI) EndCall(ctx context.Context, callID domain.ID, reason domain.CallStatus) error {
	args := m.Called(ctx, callID, reason)
	m.log.add("end:" + callID.String() + ":" + string(reason))
	return args.Error(0)
}

func (m *MockCallAPI) ActiveCall(ctx context.Context) (*domain.CallRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRecord), args.Error(1)
}

func (m *MockCallAPI) CallHistory(ctx context.Context) ([]domain.CallRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.CallRecord), args.Error(1)
}

// MockEngine is a mock implementation of media.Engine
type MockEngine struct {
	mock.Mock
	log *eventLog

	mu           sync.Mutex
	onTrack      func(media.RemoteTrack)
	onDisconnect func(error)
}

func (m *MockEngine) Join(ctx context.Context, req media.JoinRequest) error {
	args := m.Called(ctx, req)
	if args.Error(0) == nil {
		m.log.add("join")
	}
	return args.Error(0)
}

func (m *MockEngine) Publish(ctx context.Context, tracks ...media.LocalTrack) error {
	args := m.Called(ctx, tracks)
	return args.Error(0)
}

func (m *MockEngine) Leave(ctx context.Context) error {
	args := m.Called(ctx)
	m.log.add("leave")
	return args.Error(0)
}

func (m *MockEngine) Joined() bool { return false }

func (m *MockEngine) OnRemoteTrack(fn func(media.RemoteTrack)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

func (m *MockEngine) OnDisconnect(fn func(error)) {
	m.mu.Lock()
	m.onDisconnect = fn
	m.mu.Unlock()
}

func (m *MockEngine) emitTrack(t media.RemoteTrack) {
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	fn(t)
}

func (m *MockEngine) emitDisconnect(err error) {
	m.mu.Lock()
	fn := m.onDisconnect
	m.mu.Unlock()
	fn(err)
}

// MockDevices is a mock implementation of media.Devices
type MockDevices struct {
	mock.Mock
}

func (m *MockDevices) OpenMicrophone(ctx context.Context) (media.LocalTrack, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(media.LocalTrack), args.Error(1)
}

func (m *MockDevices) OpenCamera(ctx context.Context) (media.LocalTrack, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(media.LocalTrack), args.Error(1)
}

type fakeTrack struct {
	kind    media.Kind
	log     *eventLog
	enabled atomic.Bool
	closed  atomic.Bool
	closes  atomic.Int32
}

func newFakeTrack(kind media.Kind, log *eventLog) *fakeTrack {
	t := &fakeTrack{kind: kind, log: log}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string            { return string(t.kind) + "-1" }
func (t *fakeTrack) Kind() media.Kind      { return t.kind }
func (t *fakeTrack) SetEnabled(on bool)    { t.enabled.Store(on) }
func (t *fakeTrack) Enabled() bool         { return t.enabled.Load() }
func (t *fakeTrack) Closed() bool          { return t.closed.Load() }
func (t *fakeTrack) Close() error {
	t.closes.Add(1)
	if t.closed.CompareAndSwap(false, true) {
		t.log.add("close:" + string(t.kind))
	}
	return nil
}

type fakeRemoteTrack struct{ id string }

func (r fakeRemoteTrack) ID() string       { return r.id }
func (r fakeRemoteTrack) StreamID() string { return "peer" }
func (r fakeRemoteTrack) Kind() media.Kind { return media.KindAudio }

type fakeTarget struct {
	mu       sync.Mutex
	attached []string
}

func (f *fakeTarget) Attach(t media.RemoteTrack) error {
	f.mu.Lock()
	f.attached = append(f.attached, t.ID())
	f.mu.Unlock()
	return nil
}

func (f *fakeTarget) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attached...)
}

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

type tickerFactory struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (f *tickerFactory) new(time.Duration) Ticker {
	t := &fakeTicker{ch: make(chan time.Time)}
	f.mu.Lock()
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()
	return t
}

func (f *tickerFactory) all() []*fakeTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTicker(nil), f.tickers...)
}

func (f *tickerFactory) last() *fakeTicker {
	all := f.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

const selfID domain.ID = "1"

type harness struct {
	api     *MockCallAPI
	engine  *MockEngine
	devices *MockDevices
	store   *memory.StateRepository
	log     *eventLog
	tickers *tickerFactory
	svc     *Service
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	log := &eventLog{}
	h := &harness{
		api:     &MockCallAPI{log: log},
		engine:  &MockEngine{log: log},
		devices: &MockDevices{},
		store:   memory.NewStateRepository(time.Hour),
		log:     log,
		tickers: &tickerFactory{},
	}
	h.engine.On("Leave", mock.Anything).Return(nil).Maybe()

	if cfg.SelfID == "" {
		cfg.SelfID = selfID
	}
	opts = append([]Option{WithTicker(h.tickers.new)}, opts...)
	h.svc = NewService(cfg, h.api, h.engine, h.devices, h.store, nil, opts...)
	t.Cleanup(h.svc.Close)
	return h
}

// expectMedia wires devices and engine for a successful join
func (h *harness) expectMedia(video bool) (mic, cam *fakeTrack) {
	mic = newFakeTrack(media.KindAudio, h.log)
	h.devices.On("OpenMicrophone", mock.Anything).Return(mic, nil)
	if video {
		cam = newFakeTrack(media.KindVideo, h.log)
		h.devices.On("OpenCamera", mock.Anything).Return(cam, nil)
	}
	h.engine.On("Join", mock.Anything, mock.Anything).Return(nil)
	h.engine.On("Publish", mock.Anything, mock.Anything).Return(nil)
	return mic, cam
}

func (h *harness) offer(callID domain.ID, kind domain.CallKind) {
	h.svc.HandleSignal(context.Background(), domain.Signal{
		Type:           domain.SignalCallOffer,
		CallID:         callID,
		RoomID:         "3",
		CallerID:       "2",
		CallerUsername: "bob",
		CallerAvatar:   "avatars/bob.png",
		CalleeID:       selfID,
		CallType:       kind,
		MediaChannel:   "call_3_" + callID.String(),
	})
}

func (h *harness) signal(typ domain.SignalType, callID domain.ID) {
	h.svc.HandleSignal(context.Background(), domain.Signal{Type: typ, CallID: callID})
}
