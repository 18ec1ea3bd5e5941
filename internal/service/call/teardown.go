package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"crowdbank-realtime/internal/domain"
)

// notifyFunc is a best-effort backend notification run during teardown
type notifyFunc func(ctx context.Context) error

func (s *Service) endNotifier(callID domain.ID, reason domain.CallStatus) notifyFunc {
	return func(ctx context.Context) error {
		return s.api.EndCall(ctx, callID, reason)
	}
}

func (s *Service) rejectNotifier(callID domain.ID) notifyFunc {
	return func(ctx context.Context) error {
		return s.api.RejectCall(ctx, callID)
	}
}

// notifyContext detaches ctx from caller cancellation and bounds it
func (s *Service) notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
}

// teardown releases the session identified by gen (0 means whatever session
// is current) and returns to idle with the given outcome. Release order is
// fixed: duration timer, audio track, video track, media channel, backend
// notification, idle. It reports false when there was nothing to tear down,
// which makes every caller idempotent.
func (s *Service) teardown(ctx context.Context, gen uint64, outcome domain.CallStatus, notify notifyFunc) bool {
	s.mu.Lock()
	sess := s.sess
	if sess == nil || sess.ending || (gen != 0 && s.gen != gen) {
		s.mu.Unlock()
		return false
	}
	sess.ending = true
	s.gen++

	if sess.stopTick != nil {
		sess.stopTick()
		sess.stopTick = nil
	}
	s.stopRingTimerLocked()
	if sess.cancelSetup != nil {
		sess.cancelSetup()
	}

	audio, video, joined := sess.audio, sess.video, sess.joined
	sess.audio, sess.video, sess.joined = nil, nil, false
	callID, kind, from, startedAt := sess.ID, sess.Kind, sess.Status, sess.StartedAt
	s.publishLocked()
	s.mu.Unlock()

	log := s.log.With(zap.String("call_id", callID.String()), zap.String("outcome", string(outcome)))

	if audio != nil {
		if err := audio.Close(); err != nil {
			log.Warn("Failed to close microphone track", zap.Error(err))
		}
	}
	if video != nil {
		if err := video.Close(); err != nil {
			log.Warn("Failed to close camera track", zap.Error(err))
		}
	}
	if joined {
		leaveCtx, cancel := s.notifyContext(ctx)
		s.mediaMu.Lock()
		err := s.engine.Leave(leaveCtx)
		s.mediaMu.Unlock()
		cancel()
		if err != nil {
			log.Warn("Failed to leave media channel", zap.Error(err))
		}
	}
	if notify != nil {
		notifyCtx, cancel := s.notifyContext(ctx)
		err := notify(notifyCtx)
		cancel()
		if err != nil {
			log.Warn("Failed to notify backend of call end", zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if startedAt != nil {
		s.metrics.RecordCallDuration(string(kind), s.now().Sub(*startedAt))
	}
	s.sess = nil
	s.lastOutcome = outcome
	s.pendingTracks = nil
	if s.permissionNeeded {
		s.permissionNeeded = false
		s.metrics.SetPermissionNeeded(false)
	}
	s.metrics.RecordCallTransition(string(from), string(domain.CallStatusIdle))
	s.metrics.SetActiveCalls(0)
	s.persistLocked()
	s.publishLocked()
	log.Info("Call session released")
	return true
}

// releaseMedia drops the local tracks and channel of the session identified
// by gen but keeps the session itself.
func (s *Service) releaseMedia(ctx context.Context, gen uint64) {
	s.mu.Lock()
	sess := s.currentLocked(gen)
	if sess == nil {
		s.mu.Unlock()
		return
	}
	audio, video, joined := sess.audio, sess.video, sess.joined
	sess.audio, sess.video, sess.joined = nil, nil, false
	s.publishLocked()
	s.mu.Unlock()

	if audio != nil {
		_ = audio.Close()
	}
	if video != nil {
		_ = video.Close()
	}
	if joined {
		leaveCtx, cancel := s.notifyContext(ctx)
		defer cancel()
		s.mediaMu.Lock()
		defer s.mediaMu.Unlock()
		if err := s.engine.Leave(leaveCtx); err != nil {
			s.log.Warn("Failed to leave media channel", zap.Error(err))
		}
	}
}

// endStale tells the backend about a call whose local session is gone
func (s *Service) endStale(ctx context.Context, callID domain.ID) {
	notifyCtx, cancel := s.notifyContext(ctx)
	defer cancel()
	if err := s.api.EndCall(notifyCtx, callID, domain.CallStatusEnded); err != nil {
		s.log.Warn("Failed to end superseded call", zap.String("call_id", callID.String()), zap.Error(err))
	}
}

// onMediaLost handles the media channel dropping under a live session
func (s *Service) onMediaLost(cause error) {
	s.mu.Lock()
	sess := s.sess
	if sess == nil || sess.ending || !sess.joined {
		s.mu.Unlock()
		return
	}
	// the engine has already released the channel
	sess.joined = false
	gen, callID, kind := s.gen, sess.ID, sess.Kind
	s.mu.Unlock()

	s.log.Warn("Media channel lost during call", zap.String("call_id", callID.String()), zap.Error(cause))
	s.metrics.RecordCallFailure(string(kind), "media")

	var notify notifyFunc
	if !callID.IsZero() {
		notify = s.endNotifier(callID, domain.CallStatusFailed)
	}
	s.goBackground(func() {
		s.teardown(context.Background(), gen, domain.CallStatusFailed, notify)
	})
}

func elapsedSeconds(since time.Time, now time.Time) int {
	d := now.Sub(since)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
