package call

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"crowdbank-realtime/internal/domain"
	"crowdbank-realtime/internal/media"
	apperrors "crowdbank-realtime/pkg/errors"
)

// Setup stages reported in CALL_SETUP_FAILED details and metrics
const (
	stageStart      = "start"
	stageAnswer     = "answer"
	stageMicrophone = "microphone"
	stageCamera     = "camera"
	stageJoin       = "join"
	stagePublish    = "publish"
)

var errNoMediaChannel = errors.New("backend returned no media channel")

// joinMedia acquires local tracks, joins mc and publishes. Each acquired
// resource is committed to the session as soon as it exists, so teardown can
// release it; a step that finds its session gone releases what it holds.
func (s *Service) joinMedia(ctx context.Context, gen uint64, video bool, mc domain.MediaChannel) (string, error) {
	if !mc.Joinable() {
		return stageJoin, errNoMediaChannel
	}

	mic, err := s.devices.OpenMicrophone(ctx)
	if err != nil {
		return stageMicrophone, err
	}
	if !s.commitTrack(gen, mic) {
		_ = mic.Close()
		return stageMicrophone, ErrSessionSuperseded
	}

	if video {
		cam, err := s.devices.OpenCamera(ctx)
		if err != nil {
			return stageCamera, err
		}
		if !s.commitTrack(gen, cam) {
			_ = cam.Close()
			return stageCamera, ErrSessionSuperseded
		}
	}

	if err := s.joinChannel(ctx, gen, video, mc); err != nil {
		return stageJoin, err
	}

	s.mu.Lock()
	sess := s.currentLocked(gen)
	if sess == nil {
		s.mu.Unlock()
		return stagePublish, ErrSessionSuperseded
	}
	tracks := make([]media.LocalTrack, 0, 2)
	if sess.audio != nil {
		tracks = append(tracks, sess.audio)
	}
	if sess.video != nil {
		tracks = append(tracks, sess.video)
	}
	s.mu.Unlock()

	if err := s.engine.Publish(ctx, tracks...); err != nil {
		return stagePublish, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentLocked(gen) == nil {
		return stagePublish, ErrSessionSuperseded
	}
	return "", nil
}

func (s *Service) commitTrack(gen uint64, track media.LocalTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.currentLocked(gen)
	if sess == nil {
		return false
	}
	if track.Kind() == media.KindVideo {
		sess.video = track
	} else {
		sess.audio = track
	}
	s.publishLocked()
	return true
}

func (s *Service) joinChannel(ctx context.Context, gen uint64, video bool, mc domain.MediaChannel) error {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()

	err := s.engine.Join(ctx, media.JoinRequest{
		Channel: mc.Name,
		Token:   mc.JoinToken,
		UserID:  s.cfg.SelfID.String(),
		Video:   video,
	})
	if errors.Is(err, media.ErrAlreadyJoined) {
		s.log.Info("Media channel already joined", zap.String("channel", mc.Name))
		err = nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	sess := s.currentLocked(gen)
	if sess != nil {
		sess.joined = true
	}
	s.mu.Unlock()

	if sess == nil {
		leaveCtx, cancel := s.notifyContext(ctx)
		defer cancel()
		if err := s.engine.Leave(leaveCtx); err != nil {
			s.log.Warn("Failed to leave superseded media channel", zap.Error(err))
		}
		return ErrSessionSuperseded
	}
	return nil
}

// failSetup unwinds a failed start/answer to idle and builds the error
func (s *Service) failSetup(ctx context.Context, gen uint64, kind domain.CallKind, stage string, cause error) error {
	s.metrics.RecordCallFailure(string(kind), stage)

	s.mu.Lock()
	var callID domain.ID
	if sess := s.currentLocked(gen); sess != nil {
		callID = sess.ID
	}
	s.mu.Unlock()

	s.log.Warn("Call setup failed",
		zap.String("call_id", callID.String()),
		zap.String("stage", stage),
		zap.Error(cause),
	)

	var notify notifyFunc
	if !callID.IsZero() {
		notify = s.endNotifier(callID, domain.CallStatusFailed)
	}
	if !s.teardown(ctx, gen, domain.CallStatusFailed, notify) {
		return ErrSessionSuperseded
	}
	return apperrors.CallSetupError(stage, fmt.Errorf("%s: %w", stage, cause))
}
