// Package media defines the capture and transport contracts the call service
// drives. Implementations live in subpackages.
package media

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when a capture device exists but may not be opened
	ErrPermissionDenied = errors.New("media device permission denied")
	// ErrDeviceUnavailable is returned when a capture device does not exist
	ErrDeviceUnavailable = errors.New("media device unavailable")
	// ErrAlreadyJoined is returned when the engine already holds a channel
	ErrAlreadyJoined = errors.New("already joined media channel")
	// ErrNotJoined is returned by operations that need a joined channel
	ErrNotJoined = errors.New("not joined to a media channel")
)

// Kind is the media kind of a track
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// LocalTrack is a captured track owned by whoever opened it
type LocalTrack interface {
	ID() string
	Kind() Kind
	// SetEnabled mutes or unmutes the track without releasing the device
	SetEnabled(enabled bool)
	Enabled() bool
	// Close releases the device. Safe to call more than once.
	Close() error
	Closed() bool
}

// RemoteTrack is a track received from the peer. It is borrowed from the
// engine and must not be closed by consumers.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() Kind
}

// RenderTarget receives remote tracks for playback
type RenderTarget interface {
	Attach(track RemoteTrack) error
}

// Devices opens capture devices
type Devices interface {
	OpenMicrophone(ctx context.Context) (LocalTrack, error)
	OpenCamera(ctx context.Context) (LocalTrack, error)
}

// JoinRequest describes the channel to join and the credential for it
type JoinRequest struct {
	Channel string
	Token   string
	UserID  string
	Video   bool
}

// Engine is a media session with a remote channel. One channel at a time.
type Engine interface {
	Join(ctx context.Context, req JoinRequest) error
	Publish(ctx context.Context, tracks ...LocalTrack) error
	// Leave releases the channel; a no-op when not joined
	Leave(ctx context.Context) error
	Joined() bool
	OnRemoteTrack(fn func(RemoteTrack))
	// OnDisconnect fires when a joined channel is lost without Leave
	OnDisconnect(fn func(error))
}
