package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"

	"crowdbank-realtime/internal/media"
	"crowdbank-realtime/pkg/logger"
)

const (
	opusClockRate   = 48000
	oggPageDuration = 20 * time.Millisecond
)

var (
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2}
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// FileDevices captures from media files: Ogg/Opus for the microphone and
// IVF/VP8 for the camera. Files loop until the track is closed. An empty path
// yields a track that publishes nothing.
type FileDevices struct {
	MicrophonePath string
	CameraPath     string
}

// OpenMicrophone opens the audio source
func (d FileDevices) OpenMicrophone(ctx context.Context) (media.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := newTrack(media.KindAudio, opusCapability)
	if err != nil {
		return nil, err
	}
	if d.MicrophonePath == "" {
		close(track.done)
		return track, nil
	}

	f, err := openDevice("microphone", d.MicrophonePath)
	if err != nil {
		return nil, err
	}
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("microphone %s: %w", d.MicrophonePath, err)
	}
	track.release = f.Close

	go pumpOgg(track, f, ogg)
	return track, nil
}

// OpenCamera opens the video source
func (d FileDevices) OpenCamera(ctx context.Context) (media.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := newTrack(media.KindVideo, vp8Capability)
	if err != nil {
		return nil, err
	}
	if d.CameraPath == "" {
		close(track.done)
		return track, nil
	}

	f, err := openDevice("camera", d.CameraPath)
	if err != nil {
		return nil, err
	}
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("camera %s: %w", d.CameraPath, err)
	}
	var frameDuration time.Duration
	if header.TimebaseDenominator > 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	if frameDuration <= 0 {
		_ = f.Close()
		return nil, fmt.Errorf("camera %s: invalid timebase", d.CameraPath)
	}
	track.release = f.Close

	go pumpIVF(track, f, ivf, frameDuration)
	return track, nil
}

func openDevice(name, path string) (*os.File, error) {
	f, err := os.Open(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%s %s: %w: %w", name, path, media.ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%s %s: %w: %w", name, path, media.ErrDeviceUnavailable, err)
	default:
		return nil, fmt.Errorf("%s %s: %w", name, path, err)
	}
}

func pumpOgg(t *Track, f *os.File, ogg *oggreader.OggReader) {
	defer close(t.done)
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return
			}
			if ogg, _, err = oggreader.NewWith(f); err != nil {
				logger.Warn("Microphone source cannot restart", zap.Error(err))
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			logger.Warn("Microphone source read failed", zap.Error(err))
			return
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))
		if err := t.write(pmedia.Sample{Data: page, Duration: duration}); err != nil {
			logger.Debug("Dropping audio sample", zap.Error(err))
		}
	}
}

func pumpIVF(t *Track, f *os.File, ivf *ivfreader.IVFReader, frameDuration time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return
			}
			if ivf, _, err = ivfreader.NewWith(f); err != nil {
				logger.Warn("Camera source cannot restart", zap.Error(err))
				return
			}
			continue
		}
		if err != nil {
			logger.Warn("Camera source read failed", zap.Error(err))
			return
		}
		if err := t.write(pmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			logger.Debug("Dropping video sample", zap.Error(err))
		}
	}
}
