// Package call owns the lifecycle of the user's single voice/video call: the
// REST handshake with the backend, local capture tracks, the media channel
// membership and the duration timer.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"crowdbank-realtime/internal/domain"
	"crowdbank-realtime/internal/media"
	"crowdbank-realtime/pkg/constants"
	"crowdbank-realtime/pkg/logger"
	"crowdbank-realtime/pkg/metrics"
)

// ErrSessionSuperseded is returned by an operation whose session was ended or
// replaced while one of its blocking steps was in flight. Whatever that step
// acquired has already been released.
var ErrSessionSuperseded = errors.New("call session superseded")

// CallAPI is the backend surface the service drives
type CallAPI interface {
	StartCall(ctx context.Context, req domain.StartCallRequest) (*domain.StartCallResponse, error)
	AnswerCall(ctx context.Context, callID domain.ID) (*domain.JoinCredentials, error)
	RejectCall(ctx context.Context, callID domain.ID) error
	EndCall(ctx context.Context, callID domain.ID, reason domain.CallStatus) error
	ActiveCall(ctx context.Context) (*domain.CallRecord, error)
	CallHistory(ctx context.Context) ([]domain.CallRecord, error)
}

// StateStore persists the in-progress call across restarts
type StateStore interface {
	SaveCall(ctx context.Context, call domain.StoredCall) error
	LoadCall(ctx context.Context) (*domain.StoredCall, error)
	ClearCall(ctx context.Context) error
}

// Config tunes the service
type Config struct {
	SelfID domain.ID
	// RingTimeout ends unanswered calls; zero rings forever
	RingTimeout time.Duration
	// NotifyTimeout bounds best-effort backend notifications
	NotifyTimeout time.Duration
	// RequireGesture makes restored calls wait for JoinCall instead of
	// acquiring devices on their own
	RequireGesture bool
	TickInterval   time.Duration
}

// Ticker is the subset of time.Ticker the duration timer needs
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// Option customizes a Service
type Option func(*Service)

// WithTicker replaces the duration ticker factory
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(s *Service) { s.newTicker = fn }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRoomWatcher registers fn to run with the room of every new session, so
// the room channel carrying its signals can be opened. fn runs without the
// service lock held.
func WithRoomWatcher(fn func(roomID domain.ID)) Option {
	return func(s *Service) { s.watchRoom = fn }
}

// Snapshot is an immutable view of the call state for the UI
type Snapshot struct {
	Status           domain.CallStatus   `json:"status"`
	Call             *domain.CallSession `json:"call,omitempty"`
	Duration         string              `json:"duration"`
	Muted            bool                `json:"muted"`
	VideoEnabled     bool                `json:"video_enabled"`
	PermissionNeeded bool                `json:"permission_needed"`
	Ending           bool                `json:"ending,omitempty"`
	LastOutcome      domain.CallStatus   `json:"last_outcome,omitempty"`
}

// session is the mutable call record. Fields are guarded by Service.mu.
type session struct {
	domain.CallSession
	selfIsCaller bool
	ending       bool
	settingUp    bool
	setupDone    bool
	answered     bool
	joined       bool
	audio        media.LocalTrack
	video        media.LocalTrack
	stopTick     func()
	ringTimer    *time.Timer
	cancelSetup  context.CancelFunc
}

// Service is the call session state machine. Construct one per logged-in
// user and share it by reference.
type Service struct {
	cfg       Config
	api       CallAPI
	engine    media.Engine
	devices   media.Devices
	store     StateStore
	metrics   *metrics.Metrics
	log       *zap.Logger
	newTicker func(time.Duration) Ticker
	now       func() time.Time
	watchRoom func(domain.ID)

	// mediaMu serializes engine membership changes
	mediaMu sync.Mutex

	mu               sync.Mutex
	sess             *session
	gen              uint64
	permissionNeeded bool
	lastOutcome      domain.CallStatus
	renderTarget     media.RenderTarget
	pendingTracks    []media.RemoteTrack
	subs             map[int]chan Snapshot
	nextSub          int

	persistCh chan *domain.StoredCall
	stop      chan struct{}
	stopOnce  sync.Once
	bg        sync.WaitGroup
	// bgMu orders goBackground against Close
	bgMu    sync.Mutex
	stopped bool
}

// NewService wires the state machine to its collaborators and starts the
// background persister. Call Close when done.
func NewService(cfg Config, api CallAPI, engine media.Engine, devices media.Devices, store StateStore, m *metrics.Metrics, opts ...Option) *Service {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = constants.NotifyTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = constants.CallTickInterval
	}

	s := &Service{
		cfg:       cfg,
		api:       api,
		engine:    engine,
		devices:   devices,
		store:     store,
		metrics:   m,
		log:       logger.With(zap.String("component", "call"), zap.String("self_id", cfg.SelfID.String())),
		newTicker: func(d time.Duration) Ticker { return stdTicker{time.NewTicker(d)} },
		now:       time.Now,
		subs:      make(map[int]chan Snapshot),
		persistCh: make(chan *domain.StoredCall, 1),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine.OnRemoteTrack(s.onRemoteTrack)
	engine.OnDisconnect(s.onMediaLost)

	s.bg.Add(1)
	go s.persistLoop()
	return s
}

// Close stops background work and closes subscriber channels. It does not
// end the call; call EndCall first.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		s.bgMu.Lock()
		s.stopped = true
		s.bgMu.Unlock()

		close(s.stop)
		s.bg.Wait()

		s.mu.Lock()
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.mu.Unlock()
	})
}

// Snapshot returns the current state
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel that always holds the latest snapshot. Slow
// readers skip intermediate states. cancel closes the channel.
func (s *Service) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- s.snapshotLocked()
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
		})
	}
}

// History returns recent calls from the backend
func (s *Service) History(ctx context.Context) ([]domain.CallRecord, error) {
	return s.api.CallHistory(ctx)
}

func (s *Service) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:           domain.CallStatusIdle,
		Duration:         domain.FormatDuration(0),
		PermissionNeeded: s.permissionNeeded,
		LastOutcome:      s.lastOutcome,
	}
	if s.sess == nil {
		return snap
	}

	call := s.sess.CallSession
	call.Media.JoinToken = ""
	if call.StartedAt != nil {
		started := *call.StartedAt
		call.StartedAt = &started
	}
	snap.Status = call.Status
	snap.Call = &call
	snap.Duration = domain.FormatDuration(call.DurationSeconds)
	snap.Muted = s.sess.audio != nil && !s.sess.audio.Enabled()
	snap.VideoEnabled = s.sess.video != nil && s.sess.video.Enabled()
	snap.Ending = s.sess.ending
	return snap
}

// publishLocked pushes the current snapshot to every subscriber, replacing
// any snapshot the subscriber has not read yet.
func (s *Service) publishLocked() {
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		offerLatest(ch, snap)
	}
}

func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// persistLocked queues the current session for the store; nil clears it
func (s *Service) persistLocked() {
	if s.store == nil {
		return
	}
	var rec *domain.StoredCall
	if s.sess != nil && !s.sess.ID.IsZero() {
		rec = &domain.StoredCall{
			CallID:       s.sess.ID,
			RoomID:       s.sess.RoomID,
			Kind:         s.sess.Kind,
			Status:       s.sess.Status,
			Media:        s.sess.Media,
			SelfIsCaller: s.sess.selfIsCaller,
			SavedAt:      s.now(),
		}
	}
	offerLatest(s.persistCh, rec)
}

func (s *Service) persistLoop() {
	defer s.bg.Done()
	for {
		select {
		case <-s.stop:
			return
		case rec := <-s.persistCh:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
			var err error
			if rec == nil {
				err = s.store.ClearCall(ctx)
			} else {
				err = s.store.SaveCall(ctx, *rec)
			}
			cancel()
			if err != nil {
				s.log.Warn("Failed to persist call state", zap.Error(err))
			}
		}
	}
}

// setStatusLocked moves the session to status and records the transition
func (s *Service) setStatusLocked(status domain.CallStatus) {
	from := domain.CallStatusIdle
	if s.sess != nil {
		from = s.sess.Status
		s.sess.Status = status
	}
	if from == status {
		return
	}
	s.metrics.RecordCallTransition(string(from), string(status))
	s.log.Info("Call state changed",
		zap.String("from", string(from)),
		zap.String("to", string(status)),
	)
}

// beginLocked installs a new session and invalidates anything in flight
func (s *Service) beginLocked(sess *session) uint64 {
	s.gen++
	s.sess = sess
	s.permissionNeeded = false
	s.lastOutcome = ""
	s.pendingTracks = nil
	s.metrics.SetActiveCalls(1)
	s.metrics.SetPermissionNeeded(false)
	s.metrics.RecordCallTransition(string(domain.CallStatusIdle), string(sess.Status))
	s.log.Info("Call session created",
		zap.String("call_id", sess.ID.String()),
		zap.String("status", string(sess.Status)),
		zap.Bool("self_is_caller", sess.selfIsCaller),
	)
	return s.gen
}

// currentLocked returns the session if gen still identifies it
func (s *Service) currentLocked(gen uint64) *session {
	if s.sess == nil || s.sess.ending || s.gen != gen {
		return nil
	}
	return s.sess
}

// connectLocked enters connected and starts the duration timer
func (s *Service) connectLocked(gen uint64) {
	sess := s.sess
	s.stopRingTimerLocked()
	if sess.StartedAt == nil {
		now := s.now()
		sess.StartedAt = &now
	}
	s.setStatusLocked(domain.CallStatusConnected)
	s.startTickerLocked(gen)
	s.publishLocked()
	s.persistLocked()
}

// startTickerLocked starts the single duration ticker of the session
func (s *Service) startTickerLocked(gen uint64) {
	sess := s.sess
	if sess.stopTick != nil {
		return
	}
	t := s.newTicker(s.cfg.TickInterval)
	done := make(chan struct{})
	var once sync.Once
	sess.stopTick = func() {
		once.Do(func() {
			t.Stop()
			close(done)
		})
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case <-t.C():
				s.tick(gen)
			}
		}
	}()
}

func (s *Service) tick(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.currentLocked(gen)
	if sess == nil || sess.Status != domain.CallStatusConnected {
		return
	}
	sess.DurationSeconds++
	s.publishLocked()
}

func (s *Service) armRingTimerLocked(gen uint64) {
	if s.cfg.RingTimeout <= 0 || s.sess.ringTimer != nil {
		return
	}
	s.sess.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() { s.ringTimeout(gen) })
}

func (s *Service) stopRingTimerLocked() {
	if s.sess.ringTimer != nil {
		s.sess.ringTimer.Stop()
		s.sess.ringTimer = nil
	}
}

// ringTimeout ends a call nobody answered. The caller tells the backend; the
// callee only drops its local view.
func (s *Service) ringTimeout(gen uint64) {
	s.mu.Lock()
	sess := s.currentLocked(gen)
	if sess == nil || (sess.Status != domain.CallStatusCalling && sess.Status != domain.CallStatusRinging) || sess.answered {
		s.mu.Unlock()
		return
	}
	callID, caller := sess.ID, sess.selfIsCaller
	s.mu.Unlock()

	s.log.Info("Call not answered in time", zap.String("call_id", callID.String()))
	var notify notifyFunc
	if caller && !callID.IsZero() {
		notify = s.endNotifier(callID, domain.CallStatusMissed)
	}
	s.teardown(context.Background(), gen, domain.CallStatusMissed, notify)
}

// goBackground runs fn on a tracked goroutine. After Close fn is dropped.
func (s *Service) goBackground(fn func()) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.stopped {
		s.log.Debug("Service closed, dropping background work")
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
}

// notifyRoom hands the room of a new session to the room watcher
func (s *Service) notifyRoom(roomID domain.ID) {
	if s.watchRoom == nil || roomID.IsZero() {
		return
	}
	s.watchRoom(roomID)
}
