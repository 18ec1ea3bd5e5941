package call

import (
	"go.uber.org/zap"

	"crowdbank-realtime/internal/media"
)

// SetRenderTarget installs the sink for remote tracks. Tracks that arrived
// before a target existed are attached now. A nil target detaches.
func (s *Service) SetRenderTarget(target media.RenderTarget) {
	s.mu.Lock()
	s.renderTarget = target
	var pending []media.RemoteTrack
	if target != nil {
		pending = s.pendingTracks
		s.pendingTracks = nil
	}
	s.mu.Unlock()

	for _, track := range pending {
		s.attach(target, track)
	}
}

func (s *Service) onRemoteTrack(track media.RemoteTrack) {
	s.mu.Lock()
	if s.sess == nil || s.sess.ending {
		s.mu.Unlock()
		return
	}
	target := s.renderTarget
	if target == nil {
		s.pendingTracks = append(s.pendingTracks, track)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.attach(target, track)
}

func (s *Service) attach(target media.RenderTarget, track media.RemoteTrack) {
	if err := target.Attach(track); err != nil {
		s.log.Warn("Failed to attach remote track",
			zap.String("track_id", track.ID()),
			zap.String("kind", string(track.Kind())),
			zap.Error(err),
		)
	}
}
