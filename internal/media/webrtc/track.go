package webrtc

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"

	"crowdbank-realtime/internal/media"
)

// Track is a local sample track fed by a capture source. While disabled the
// source keeps running and samples are discarded.
type Track struct {
	kind    media.Kind
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	closed  atomic.Bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	release   func() error
}

func newTrack(kind media.Kind, codec webrtc.RTPCodecCapability) (*Track, error) {
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+id, "agent-"+id)
	if err != nil {
		return nil, err
	}
	t := &Track{
		kind:  kind,
		local: local,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string       { return t.local.ID() }
func (t *Track) Kind() media.Kind { return t.kind }
func (t *Track) Enabled() bool    { return t.enabled.Load() }
func (t *Track) Closed() bool     { return t.closed.Load() }

// SetEnabled mutes or unmutes the track
func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Close stops the capture source and releases the device
func (t *Track) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.stop)
		<-t.done
		if t.release != nil {
			err = t.release()
		}
	})
	return err
}

// write forwards one sample unless the track is muted
func (t *Track) write(s pmedia.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}
