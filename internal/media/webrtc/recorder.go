package webrtc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"

	"crowdbank-realtime/internal/media"
	"crowdbank-realtime/pkg/logger"
)

type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// Recorder is a headless render target: each remote track is written to a
// file under Dir until the track ends.
type Recorder struct {
	Dir string

	wg sync.WaitGroup
}

// NewRecorder creates dir if needed
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{Dir: dir}, nil
}

// Attach starts draining track into a file named after its stream and id
func (r *Recorder) Attach(track media.RemoteTrack) error {
	remote, ok := track.(*RemoteTrack)
	if !ok {
		return fmt.Errorf("recorder: unsupported track type %T", track)
	}

	name := safeName(remote.StreamID()) + "-" + safeName(remote.ID())
	codec := remote.track.Codec().MimeType

	var (
		w   rtpWriter
		err error
	)
	switch {
	case strings.EqualFold(codec, webrtc.MimeTypeOpus):
		w, err = oggwriter.New(filepath.Join(r.Dir, name+".ogg"), opusClockRate, 2)
	case strings.EqualFold(codec, webrtc.MimeTypeVP8):
		w, err = ivfwriter.New(filepath.Join(r.Dir, name+".ivf"))
	default:
		return fmt.Errorf("recorder: unsupported codec %q", codec)
	}
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}

	log := logger.With(zap.String("track_id", remote.ID()), zap.String("codec", codec))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := w.Close(); err != nil {
				log.Warn("Failed to finalize recording", zap.Error(err))
			}
		}()
		for {
			packet, _, err := remote.track.ReadRTP()
			if err != nil {
				log.Debug("Remote track ended", zap.Error(err))
				return
			}
			if err := w.WriteRTP(packet); err != nil {
				log.Warn("Failed to write remote packet", zap.Error(err))
				return
			}
		}
	}()
	log.Info("Recording remote track")
	return nil
}

// Wait blocks until every attached track has ended
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
