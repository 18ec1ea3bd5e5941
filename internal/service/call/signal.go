package call

import (
	"context"

	"go.uber.org/zap"

	"crowdbank-realtime/internal/domain"
)

// HandleSignal applies an inbound call_signal. Signals for a call other than
// the current one are ignored, except offers addressed to this user.
func (s *Service) HandleSignal(ctx context.Context, sig domain.Signal) {
	if err := sig.Validate(); err != nil {
		s.log.Debug("Dropping call signal", zap.Error(err))
		return
	}

	log := s.log.With(zap.String("signal", string(sig.Type)), zap.String("call_id", sig.CallID.String()))

	switch sig.Type {
	case domain.SignalCallOffer:
		s.handleOffer(ctx, sig, log)

	case domain.SignalCallAnswer:
		s.mu.Lock()
		defer s.mu.Unlock()
		sess := s.sess
		if sess == nil || sess.ending || sess.ID != sig.CallID || !sess.selfIsCaller || sess.Status != domain.CallStatusCalling {
			log.Debug("Ignoring call answer")
			return
		}
		s.stopRingTimerLocked()
		if !sess.setupDone {
			sess.answered = true
			return
		}
		s.connectLocked(s.gen)

	case domain.SignalCallReject, domain.SignalCallEnd:
		s.mu.Lock()
		sess := s.sess
		if sess == nil || sess.ending || sess.ID != sig.CallID {
			s.mu.Unlock()
			log.Debug("Ignoring call end for another call")
			return
		}
		gen := s.gen
		s.mu.Unlock()

		outcome := domain.CallStatusRejected
		if sig.Type == domain.SignalCallEnd {
			outcome = domain.CallStatusEnded
			if sig.Reason.IsTerminal() {
				outcome = sig.Reason
			}
		}
		log.Info("Call ended by peer", zap.String("outcome", string(outcome)))
		s.teardown(ctx, gen, outcome, nil)
	}
}

func (s *Service) handleOffer(ctx context.Context, sig domain.Signal, log *zap.Logger) {
	if sig.CalleeID != s.cfg.SelfID {
		log.Debug("Ignoring offer for another user")
		return
	}

	s.mu.Lock()
	if cur := s.sess; cur != nil {
		s.mu.Unlock()
		if cur.ID == sig.CallID {
			log.Debug("Ignoring duplicate offer")
			return
		}
		log.Info("Rejecting offer while busy", zap.String("caller_id", sig.CallerID.String()))
		s.metrics.RecordBusyReject()
		s.goBackground(func() {
			notifyCtx, cancel := s.notifyContext(ctx)
			defer cancel()
			if err := s.api.EndCall(notifyCtx, sig.CallID, domain.CallStatusBusy); err != nil {
				log.Warn("Failed to reject offer as busy", zap.Error(err))
			}
		})
		return
	}

	sess := &session{
		CallSession: domain.CallSession{
			ID:     sig.CallID,
			RoomID: sig.RoomID,
			Caller: sig.Caller(),
			Callee: domain.Participant{ID: s.cfg.SelfID},
			Kind:   sig.CallType,
			Status: domain.CallStatusRinging,
			Media:  domain.MediaChannel{Name: sig.MediaChannel},
		},
	}
	gen := s.beginLocked(sess)
	s.armRingTimerLocked(gen)
	s.persistLocked()
	s.publishLocked()
	s.mu.Unlock()
	s.notifyRoom(sig.RoomID)

	log.Info("Incoming call", zap.String("caller_id", sig.CallerID.String()), zap.String("call_type", string(sig.CallType)))
}
