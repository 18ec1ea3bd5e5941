package call

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"crowdbank-realtime/internal/domain"
	apperrors "crowdbank-realtime/pkg/errors"
)

// StartCall places a call to callee in roomID. On success the session is
// calling with media published, waiting for the callee to answer. Any failure
// unwinds to idle before returning.
func (s *Service) StartCall(ctx context.Context, roomID domain.ID, callee domain.Participant, kind domain.CallKind) (Snapshot, error) {
	switch {
	case roomID.IsZero():
		return s.Snapshot(), apperrors.MissingFieldError("room_id")
	case callee.ID.IsZero():
		return s.Snapshot(), apperrors.MissingFieldError("callee_id")
	case !kind.Valid():
		return s.Snapshot(), apperrors.ValidationError("call_type must be voice or video")
	case callee.ID == s.cfg.SelfID:
		return s.Snapshot(), apperrors.ValidationError("cannot call yourself")
	}

	setupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.sess != nil {
		s.mu.Unlock()
		return s.Snapshot(), apperrors.InvalidStateError("a call is already in progress")
	}
	sess := &session{
		CallSession: domain.CallSession{
			RoomID: roomID,
			Caller: domain.Participant{ID: s.cfg.SelfID},
			Callee: callee,
			Kind:   kind,
			Status: domain.CallStatusCalling,
		},
		selfIsCaller: true,
		settingUp:    true,
		cancelSetup:  cancel,
	}
	gen := s.beginLocked(sess)
	s.publishLocked()
	s.mu.Unlock()
	s.notifyRoom(roomID)

	resp, err := s.api.StartCall(setupCtx, domain.StartCallRequest{RoomID: roomID, CalleeID: callee.ID, CallType: kind})
	if err != nil {
		return s.Snapshot(), s.failSetup(ctx, gen, kind, stageStart, err)
	}

	s.mu.Lock()
	if s.currentLocked(gen) == nil {
		s.mu.Unlock()
		s.endStale(ctx, resp.CallID)
		return s.Snapshot(), ErrSessionSuperseded
	}
	sess.ID = resp.CallID
	sess.Media = domain.MediaChannel{Name: resp.MediaChannel, JoinToken: resp.JoinToken}
	s.armRingTimerLocked(gen)
	s.persistLocked()
	s.publishLocked()
	mc := sess.Media
	s.mu.Unlock()

	s.log.Info("Call started",
		zap.String("call_id", resp.CallID.String()),
		zap.String("callee_id", callee.ID.String()),
		zap.String("call_type", string(kind)),
	)

	if stage, err := s.joinMedia(setupCtx, gen, kind == domain.CallKindVideo, mc); err != nil {
		if errors.Is(err, ErrSessionSuperseded) {
			return s.Snapshot(), err
		}
		return s.Snapshot(), s.failSetup(ctx, gen, kind, stage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentLocked(gen) == nil {
		return s.snapshotLocked(), ErrSessionSuperseded
	}
	sess.settingUp = false
	sess.setupDone = true
	sess.cancelSetup = nil
	if sess.answered && sess.Status == domain.CallStatusCalling {
		s.connectLocked(gen)
	}
	return s.snapshotLocked(), nil
}

// AnswerCall accepts the ringing call. The backend mints a callee credential
// which is used to join and publish.
func (s *Service) AnswerCall(ctx context.Context) (Snapshot, error) {
	setupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	sess := s.sess
	if sess == nil || sess.ending || sess.Status != domain.CallStatusRinging {
		s.mu.Unlock()
		return s.Snapshot(), apperrors.InvalidStateError("no incoming call to answer")
	}
	gen := s.gen
	s.stopRingTimerLocked()
	s.setStatusLocked(domain.CallStatusConnecting)
	sess.settingUp = true
	sess.cancelSetup = cancel
	callID, kind := sess.ID, sess.Kind
	s.persistLocked()
	s.publishLocked()
	s.mu.Unlock()

	creds, err := s.api.AnswerCall(setupCtx, callID)
	if err != nil {
		return s.Snapshot(), s.failSetup(ctx, gen, kind, stageAnswer, err)
	}

	s.mu.Lock()
	if s.currentLocked(gen) == nil {
		s.mu.Unlock()
		return s.Snapshot(), ErrSessionSuperseded
	}
	if creds.MediaChannel != "" {
		sess.Media.Name = creds.MediaChannel
	}
	sess.Media.JoinToken = creds.JoinToken
	mc := sess.Media
	s.persistLocked()
	s.mu.Unlock()

	if stage, err := s.joinMedia(setupCtx, gen, kind == domain.CallKindVideo, mc); err != nil {
		if errors.Is(err, ErrSessionSuperseded) {
			return s.Snapshot(), err
		}
		return s.Snapshot(), s.failSetup(ctx, gen, kind, stage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentLocked(gen) == nil {
		return s.snapshotLocked(), ErrSessionSuperseded
	}
	sess.settingUp = false
	sess.setupDone = true
	sess.cancelSetup = nil
	s.connectLocked(gen)
	s.log.Info("Call answered", zap.String("call_id", callID.String()))
	return s.snapshotLocked(), nil
}

// RejectCall declines the ringing call
func (s *Service) RejectCall(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	sess := s.sess
	if sess == nil || sess.ending || sess.Status != domain.CallStatusRinging {
		s.mu.Unlock()
		return s.Snapshot(), apperrors.InvalidStateError("no incoming call to reject")
	}
	gen, callID := s.gen, sess.ID
	s.mu.Unlock()

	s.teardown(ctx, gen, domain.CallStatusRejected, s.rejectNotifier(callID))
	return s.Snapshot(), nil
}

// EndCall hangs up whatever session exists. A ringing callee hanging up
// rejects. Ending while idle is a no-op.
func (s *Service) EndCall(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	sess := s.sess
	if sess == nil || sess.ending {
		s.mu.Unlock()
		return s.Snapshot(), nil
	}
	gen, callID := s.gen, sess.ID
	outcome := domain.CallStatusEnded
	var notify notifyFunc
	switch {
	case callID.IsZero():
	case sess.Status == domain.CallStatusRinging && !sess.selfIsCaller:
		outcome = domain.CallStatusRejected
		notify = s.rejectNotifier(callID)
	default:
		notify = s.endNotifier(callID, domain.CallStatusEnded)
	}
	s.mu.Unlock()

	s.teardown(ctx, gen, outcome, notify)
	return s.Snapshot(), nil
}

// ToggleMute flips the microphone track; a no-op without one
func (s *Service) ToggleMute() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil && !s.sess.ending && s.sess.audio != nil {
		s.sess.audio.SetEnabled(!s.sess.audio.Enabled())
		s.publishLocked()
	}
	return s.snapshotLocked()
}

// ToggleVideo flips the camera track; a no-op without one
func (s *Service) ToggleVideo() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil && !s.sess.ending && s.sess.video != nil {
		s.sess.video.SetEnabled(!s.sess.video.Enabled())
		s.publishLocked()
	}
	return s.snapshotLocked()
}
