package domain

import (
	"fmt"
	"time"
)

// CallKind is the media kind of a call
type CallKind string

const (
	CallKindVoice CallKind = "voice"
	CallKindVideo CallKind = "video"
)

// Valid reports whether k is a known call kind
func (k CallKind) Valid() bool {
	return k == CallKindVoice || k == CallKindVideo
}

// CallStatus is the lifecycle state of a call session
type CallStatus string

const (
	CallStatusIdle       CallStatus = "idle"
	CallStatusCalling    CallStatus = "calling"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
	CallStatusRejected   CallStatus = "rejected"
	CallStatusMissed     CallStatus = "missed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusFailed     CallStatus = "failed"
)

// IsActive reports whether the status belongs to a live session
func (s CallStatus) IsActive() bool {
	switch s {
	case CallStatusCalling, CallStatusRinging, CallStatusConnecting, CallStatusConnected:
		return true
	}
	return false
}

// IsTerminal reports whether the status describes how a session ended
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusRejected, CallStatusMissed, CallStatusBusy, CallStatusFailed:
		return true
	}
	return false
}

// ValidEndReason reports whether s may be sent as the reason of POST /calls/{id}/end/
func ValidEndReason(s CallStatus) bool {
	switch s {
	case CallStatusEnded, CallStatusFailed, CallStatusMissed, CallStatusBusy:
		return true
	}
	return false
}

// Participant is one side of a call
type Participant struct {
	ID          ID     `json:"id"`
	DisplayName string `json:"username,omitempty"`
	AvatarRef   string `json:"avatar_url,omitempty"`
}

// MediaChannel identifies a media session and the credential to join it
type MediaChannel struct {
	Name      string `json:"media_channel"`
	JoinToken string `json:"join_token,omitempty"`
}

// Joinable reports whether the channel carries enough to attempt a join
func (m MediaChannel) Joinable() bool {
	return m.Name != ""
}

// CallSession represents one voice/video call as seen by this user
type CallSession struct {
	ID              ID           `json:"id"`
	RoomID          ID           `json:"room_id"`
	Caller          Participant  `json:"caller"`
	Callee          Participant  `json:"callee"`
	Kind            CallKind     `json:"call_type"`
	Status          CallStatus   `json:"status"`
	Media           MediaChannel `json:"media"`
	DurationSeconds int          `json:"duration_seconds"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
}

// IsCaller reports whether self placed the call
func (s *CallSession) IsCaller(self ID) bool {
	return s.Caller.ID == self
}

// Peer returns the participant on the other side from self
func (s *CallSession) Peer(self ID) Participant {
	if s.IsCaller(self) {
		return s.Callee
	}
	return s.Caller
}

// FormatDuration renders seconds as MM:SS; hours roll into minutes.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// StartCallRequest is the body of POST /calls/start/
type StartCallRequest struct {
	RoomID   ID       `json:"room_id"`
	CalleeID ID       `json:"callee_id"`
	CallType CallKind `json:"call_type"`
}

// StartCallResponse is returned by POST /calls/start/
type StartCallResponse struct {
	CallID       ID     `json:"call_id"`
	MediaChannel string `json:"media_channel"`
	JoinToken    string `json:"join_token"`
}

// JoinCredentials is returned by POST /calls/{id}/answer/
type JoinCredentials struct {
	MediaChannel string `json:"media_channel"`
	JoinToken    string `json:"join_token"`
}

// EndCallRequest is the body of POST /calls/{id}/end/
type EndCallRequest struct {
	Reason CallStatus `json:"reason"`
}

// CallRecord is the backend's call descriptor, returned by GET /calls/active/
// and GET /calls/history/. Active lookups carry a freshly minted join token.
type CallRecord struct {
	ID           ID          `json:"id"`
	RoomID       ID          `json:"room_id"`
	Caller       Participant `json:"caller"`
	Callee       Participant `json:"callee"`
	CallType     CallKind    `json:"call_type"`
	Status       CallStatus  `json:"status"`
	MediaChannel string      `json:"media_channel,omitempty"`
	JoinToken    string      `json:"join_token,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	EndedAt      *time.Time  `json:"ended_at,omitempty"`
	Duration     int         `json:"duration,omitempty"`
	CreatedAt    *time.Time  `json:"created_at,omitempty"`
}

// StoredCall is the locally persisted view of an in-progress call. It keeps
// the last known media credential so a restart can rejoin when the backend
// does not mint a fresh one.
type StoredCall struct {
	CallID       ID           `json:"call_id"`
	RoomID       ID           `json:"room_id"`
	Kind         CallKind     `json:"call_type"`
	Status       CallStatus   `json:"status"`
	Media        MediaChannel `json:"media"`
	SelfIsCaller bool         `json:"self_is_caller"`
	SavedAt      time.Time    `json:"saved_at"`
}
