package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SignalType discriminates call signaling payloads
type SignalType string

const (
	SignalCallOffer  SignalType = "call_offer"
	SignalCallAnswer SignalType = "call_answer"
	SignalCallReject SignalType = "call_reject"
	SignalCallEnd    SignalType = "call_end"
)

var (
	// ErrUnknownSignal is returned for a signal type outside the known set
	ErrUnknownSignal = errors.New("unknown signal type")
	// ErrInvalidSignal is returned when a known signal lacks required fields
	ErrInvalidSignal = errors.New("invalid signal")
)

// Signal is the payload of a call_signal frame
type Signal struct {
	Type           SignalType `json:"type"`
	CallID         ID         `json:"call_id"`
	RoomID         ID         `json:"room_id"`
	CallerID       ID         `json:"caller_id"`
	CallerUsername string     `json:"caller_username,omitempty"`
	CallerAvatar   string     `json:"caller_avatar,omitempty"`
	CalleeID       ID         `json:"callee_id"`
	CallType       CallKind   `json:"call_type,omitempty"`
	MediaChannel   string     `json:"media_channel,omitempty"`
	JoinToken      string     `json:"join_token,omitempty"`
	Reason         CallStatus `json:"reason,omitempty"`
	Duration       *int       `json:"duration,omitempty"`
}

// Validate checks the variant and the fields each variant needs
func (s Signal) Validate() error {
	switch s.Type {
	case SignalCallOffer:
		if s.CallerID.IsZero() || s.CalleeID.IsZero() {
			return fmt.Errorf("%w: offer without caller/callee", ErrInvalidSignal)
		}
		if !s.CallType.Valid() {
			return fmt.Errorf("%w: offer with call_type %q", ErrInvalidSignal, s.CallType)
		}
	case SignalCallAnswer, SignalCallReject, SignalCallEnd:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, s.Type)
	}
	if s.CallID.IsZero() {
		return fmt.Errorf("%w: %s without call_id", ErrInvalidSignal, s.Type)
	}
	return nil
}

// ParseSignal decodes and validates a call_signal payload
func ParseSignal(raw []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// Caller returns the calling participant described by an offer
func (s Signal) Caller() Participant {
	return Participant{ID: s.CallerID, DisplayName: s.CallerUsername, AvatarRef: s.CallerAvatar}
}
