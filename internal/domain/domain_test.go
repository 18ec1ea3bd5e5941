package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_UnmarshalNumberStringNull(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 42, "b": "c-9", "c": null}`), &v))

	assert.Equal(t, ID("42"), v.A)
	assert.Equal(t, ID("c-9"), v.B)
	assert.True(t, v.C.IsZero())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"42","b":"c-9","c":""}`, string(out))
}

func TestID_RejectsObjects(t *testing.T) {
	var id ID
	assert.Error(t, json.Unmarshal([]byte(`{"x":1}`), &id))
}

func TestParseSignal_Offer(t *testing.T) {
	raw := []byte(`{"type":"call_offer","call_id":"15","room_id":3,"caller_id":1,
		"caller_username":"alice","callee_id":2,"call_type":"video","media_channel":"call_3_ab12cd34"}`)

	s, err := ParseSignal(raw)

	require.NoError(t, err)
	assert.Equal(t, SignalCallOffer, s.Type)
	assert.Equal(t, ID("15"), s.CallID)
	assert.Equal(t, Participant{ID: "1", DisplayName: "alice"}, s.Caller())
	assert.Equal(t, CallKindVideo, s.CallType)
}

func TestParseSignal_Errors(t *testing.T) {
	_, err := ParseSignal([]byte(`{"type":"call_hold","call_id":"1"}`))
	assert.ErrorIs(t, err, ErrUnknownSignal)

	_, err = ParseSignal([]byte(`{"type":"call_end"}`))
	assert.ErrorIs(t, err, ErrInvalidSignal)

	_, err = ParseSignal([]byte(`{"type":"call_offer","call_id":"1","caller_id":1,"callee_id":2,"call_type":"hologram"}`))
	assert.ErrorIs(t, err, ErrInvalidSignal)

	_, err = ParseSignal([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidSignal)
}

func TestCallStatusPredicates(t *testing.T) {
	assert.True(t, CallStatusRinging.IsActive())
	assert.False(t, CallStatusIdle.IsActive())
	assert.True(t, CallStatusBusy.IsTerminal())
	assert.False(t, CallStatusConnected.IsTerminal())
	assert.True(t, ValidEndReason(CallStatusMissed))
	assert.False(t, ValidEndReason(CallStatusRejected))
}

func TestCallSession_Peer(t *testing.T) {
	s := &CallSession{Caller: Participant{ID: "1"}, Callee: Participant{ID: "2"}}
	assert.Equal(t, ID("2"), s.Peer("1").ID)
	assert.Equal(t, ID("1"), s.Peer("2").ID)
	assert.True(t, s.IsCaller("1"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", FormatDuration(0))
	assert.Equal(t, "01:05", FormatDuration(65))
	assert.Equal(t, "65:03", FormatDuration(3903))
	assert.Equal(t, "00:00", FormatDuration(-4))
}
