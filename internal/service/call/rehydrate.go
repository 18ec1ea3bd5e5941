package call

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"crowdbank-realtime/internal/domain"
	"crowdbank-realtime/internal/media"
	apperrors "crowdbank-realtime/pkg/errors"
)

// Rehydrate restores a call the backend still considers active, typically
// after a restart. The session goes straight to the local view of the
// reported status; media is rejoined unless a user gesture is required.
// Rejoin failures keep the restored session.
func (s *Service) Rehydrate(ctx context.Context) error {
	rec, err := s.api.ActiveCall(ctx)
	if err != nil {
		return err
	}

	var stored *domain.StoredCall
	if s.store != nil {
		if stored, err = s.store.LoadCall(ctx); err != nil {
			s.log.Warn("Failed to load stored call", zap.Error(err))
			stored = nil
		}
	}

	s.mu.Lock()
	if s.sess != nil {
		s.mu.Unlock()
		return nil
	}
	if rec == nil || !rec.Status.IsActive() {
		s.persistLocked()
		s.mu.Unlock()
		return nil
	}

	sess, rejoin := s.restoredSession(rec, stored)
	gen := s.beginLocked(sess)
	roomID := sess.RoomID
	switch sess.Status {
	case domain.CallStatusConnected:
		s.connectLocked(gen)
	case domain.CallStatusCalling, domain.CallStatusRinging:
		s.armRingTimerLocked(gen)
	}
	if !rejoin {
		sess.setupDone = true
	}
	s.persistLocked()
	s.publishLocked()

	s.log.Info("Call restored",
		zap.String("call_id", sess.ID.String()),
		zap.String("status", string(sess.Status)),
		zap.Bool("rejoin", rejoin),
	)

	if !rejoin || s.cfg.RequireGesture {
		if rejoin {
			s.enterPermissionNeededLocked()
		}
		s.mu.Unlock()
		s.notifyRoom(roomID)
		return nil
	}
	s.mu.Unlock()
	s.notifyRoom(roomID)

	if err := s.rejoin(ctx, gen); err != nil && !errors.Is(err, ErrSessionSuperseded) {
		s.log.Warn("Failed to rejoin restored call", zap.String("call_id", sess.ID.String()), zap.Error(err))
	}
	return nil
}

// restoredSession maps a server call record onto the local view
func (s *Service) restoredSession(rec *domain.CallRecord, stored *domain.StoredCall) (*session, bool) {
	selfIsCaller := rec.Caller.ID == s.cfg.SelfID

	mc := domain.MediaChannel{Name: rec.MediaChannel, JoinToken: rec.JoinToken}
	if stored != nil && stored.CallID == rec.ID {
		if mc.Name == "" {
			mc.Name = stored.Media.Name
		}
		if mc.JoinToken == "" {
			mc.JoinToken = stored.Media.JoinToken
		}
	}

	kind := rec.CallType
	if !kind.Valid() {
		kind = domain.CallKindVoice
	}

	sess := &session{
		CallSession: domain.CallSession{
			ID:     rec.ID,
			RoomID: rec.RoomID,
			Caller: rec.Caller,
			Callee: rec.Callee,
			Kind:   kind,
			Media:  mc,
		},
		selfIsCaller: selfIsCaller,
	}

	rejoin := true
	switch rec.Status {
	case domain.CallStatusCalling, domain.CallStatusRinging:
		if selfIsCaller {
			sess.Status = domain.CallStatusCalling
		} else {
			sess.Status = domain.CallStatusRinging
			rejoin = false
		}
	case domain.CallStatusConnecting:
		sess.Status = domain.CallStatusConnecting
	default:
		sess.Status = domain.CallStatusConnected
		if rec.StartedAt != nil {
			started := *rec.StartedAt
			sess.StartedAt = &started
			sess.DurationSeconds = elapsedSeconds(started, s.now())
		}
	}
	return sess, rejoin
}

// JoinCall is the user-initiated media join for a restored session, used
// after a permission failure or when gestures are required. Failures keep
// the session.
func (s *Service) JoinCall(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	sess := s.sess
	if sess == nil || sess.ending {
		s.mu.Unlock()
		return s.Snapshot(), apperrors.InvalidStateError("no call to join")
	}
	if sess.settingUp || (!s.permissionNeeded && (sess.joined || sess.Status == domain.CallStatusRinging)) {
		s.mu.Unlock()
		return s.Snapshot(), apperrors.InvalidStateError("call media is already being handled")
	}
	gen := s.gen
	s.mu.Unlock()

	err := s.rejoin(ctx, gen)
	return s.Snapshot(), err
}

// rejoin acquires devices and joins the current session's channel
func (s *Service) rejoin(ctx context.Context, gen uint64) error {
	setupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	sess := s.currentLocked(gen)
	if sess == nil {
		s.mu.Unlock()
		return ErrSessionSuperseded
	}
	sess.settingUp = true
	sess.cancelSetup = cancel
	video := sess.Kind == domain.CallKindVideo
	mc := sess.Media
	s.mu.Unlock()

	stage, err := s.joinMedia(setupCtx, gen, video, mc)

	s.mu.Lock()
	if cur := s.currentLocked(gen); cur != nil {
		cur.settingUp = false
		cur.cancelSetup = nil
	}
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrSessionSuperseded) {
			return err
		}
		s.releaseMedia(ctx, gen)
		s.metrics.RecordCallFailure(string(sess.Kind), stage)

		if errors.Is(err, media.ErrPermissionDenied) {
			s.mu.Lock()
			if s.currentLocked(gen) != nil {
				s.enterPermissionNeededLocked()
			}
			s.mu.Unlock()
			return apperrors.PermissionNeededError(err)
		}
		return apperrors.CallSetupError(stage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.currentLocked(gen)
	if cur == nil {
		return ErrSessionSuperseded
	}
	if s.permissionNeeded {
		s.permissionNeeded = false
		s.metrics.SetPermissionNeeded(false)
	}
	cur.setupDone = true
	switch {
	case cur.Status == domain.CallStatusConnecting:
		s.connectLocked(gen)
	case cur.Status == domain.CallStatusCalling && cur.answered:
		s.connectLocked(gen)
	default:
		s.publishLocked()
	}
	s.log.Info("Rejoined call media", zap.String("call_id", cur.ID.String()))
	return nil
}

func (s *Service) enterPermissionNeededLocked() {
	s.permissionNeeded = true
	s.metrics.SetPermissionNeeded(true)
	s.publishLocked()
	s.log.Info("Waiting for user action to access media devices")
}
