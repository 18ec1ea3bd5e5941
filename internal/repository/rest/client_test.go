package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbank-realtime/internal/domain"
	apperrors "crowdbank-realtime/pkg/errors"
	"crowdbank-realtime/pkg/resilience"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

type fakeBackend struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(w http.ResponseWriter, r *http.Request)
}

func newFakeBackend(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{respond: respond}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.requests = append(fb.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
		fb.mu.Unlock()
		fb.respond(w, r)
	}))
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBackend) recorded() []recordedRequest {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]recordedRequest(nil), fb.requests...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(fb *fakeBackend) *Client {
	return NewClient(Config{BaseURL: fb.URL + "/", AccessToken: "access-1", ResetTimeout: time.Hour})
}

func TestStartCall(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"call_id":"15","media_channel":"call_3_ab12","join_token":"jt"}`)
	})
	c := newTestClient(fb)

	resp, err := c.StartCall(context.Background(), domain.StartCallRequest{RoomID: "3", CalleeID: "2", CallType: domain.CallKindVideo})

	require.NoError(t, err)
	assert.Equal(t, domain.ID("15"), resp.CallID)
	assert.Equal(t, "call_3_ab12", resp.MediaChannel)
	assert.Equal(t, "jt", resp.JoinToken)

	reqs := fb.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/calls/start/", reqs[0].Path)
	assert.Equal(t, "Bearer access-1", reqs[0].Auth)
	assert.JSONEq(t, `{"room_id":"3","callee_id":"2","call_type":"video"}`, reqs[0].Body)
}

func TestStartCall_MissingCallID(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"media_channel":"x"}`)
	})

	_, err := newTestClient(fb).StartCall(context.Background(), domain.StartCallRequest{})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBackend))
}

func TestCallActions_Paths(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/calls/start/":
			_, _ = io.WriteString(w, `{"call_id":"15","media_channel":"call_3_ab12","join_token":"jt"}`)
		case "/calls/15/answer/":
			_, _ = io.WriteString(w, `{"media_channel":"call_3_ab12","join_token":"fresh"}`)
		case "/calls/history/":
			_, _ = io.WriteString(w, `[]`)
		case "/calls/active/":
			_, _ = io.WriteString(w, `null`)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	c := newTestClient(fb)
	ctx := context.Background()

	_, err := c.StartCall(ctx, domain.StartCallRequest{RoomID: "3", CalleeID: "2", CallType: domain.CallKindVoice})
	require.NoError(t, err)
	creds, err := c.AnswerCall(ctx, "15")
	require.NoError(t, err)
	assert.Equal(t, "fresh", creds.JoinToken)
	require.NoError(t, c.RejectCall(ctx, "15"))
	require.NoError(t, c.EndCall(ctx, "15", domain.CallStatusBusy))
	_, err = c.ActiveCall(ctx)
	require.NoError(t, err)
	_, err = c.CallHistory(ctx)
	require.NoError(t, err)

	reqs := fb.recorded()
	require.Len(t, reqs, 6)
	paths := make([]string, 0, len(reqs))
	for _, r := range reqs {
		paths = append(paths, r.Method+" "+r.Path)
	}
	assert.Equal(t, []string{
		"POST /calls/start/",
		"POST /calls/15/answer/",
		"POST /calls/15/reject/",
		"POST /calls/15/end/",
		"GET /calls/active/",
		"GET /calls/history/",
	}, paths)
	assert.JSONEq(t, `{"reason":"busy"}`, reqs[3].Body)
}

func TestEndCall_RejectsUnknownReason(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	err := newTestClient(fb).EndCall(context.Background(), "15", domain.CallStatusRejected)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
	assert.Empty(t, fb.recorded())
}

func TestActiveCall(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantID domain.ID
	}{
		{name: "null", body: `null`},
		{name: "empty body", body: ``},
		{name: "empty object", body: `{}`},
		{
			name:   "active",
			body:   `{"id":"15","room_id":3,"caller":{"id":1,"username":"alice"},"callee":{"id":2},"call_type":"voice","status":"connected","media_channel":"call_3_ab12","join_token":"fresh","started_at":"2026-10-19T10:00:00Z"}`,
			wantID: "15",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			})

			rec, err := newTestClient(fb).ActiveCall(context.Background())

			require.NoError(t, err)
			if tt.wantID == "" {
				assert.Nil(t, rec)
				return
			}
			require.NotNil(t, rec)
			assert.Equal(t, tt.wantID, rec.ID)
			assert.Equal(t, domain.CallStatusConnected, rec.Status)
			assert.Equal(t, "alice", rec.Caller.DisplayName)
			require.NotNil(t, rec.StartedAt)
		})
	}
}

func TestCallHistory(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"1","status":"ended","call_type":"voice","duration":42},{"id":"2","status":"missed","call_type":"video"}]`)
	})

	records, err := newTestClient(fb).CallHistory(context.Background())

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 42, records[0].Duration)
	assert.Equal(t, domain.CallStatusMissed, records[1].Status)
}

func TestSendMessageAndDevices(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat/rooms/3/send_message/" {
			writeJSON(w, http.StatusCreated, map[string]any{"id": 99, "room": 3, "sender_id": 1, "body": "hello"})
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(fb)
	ctx := context.Background()

	msg, err := c.SendMessage(ctx, "3", "hello")
	require.NoError(t, err)
	assert.Equal(t, domain.ID("99"), msg.ID)

	require.NoError(t, c.RegisterDevice(ctx, domain.RegisterDeviceRequest{DeviceID: "agent-1", DeviceName: "agent", RefreshToken: "r"}))
	require.NoError(t, c.DeactivateDevice(ctx, "agent-1"))

	reqs := fb.recorded()
	require.Len(t, reqs, 3)
	assert.JSONEq(t, `{"body":"hello"}`, reqs[0].Body)
	assert.Equal(t, "/devices", reqs[1].Path)
	assert.JSONEq(t, `{"device_id":"agent-1","device_name":"agent","refresh_token":"r"}`, reqs[1].Body)
	assert.Equal(t, "/devices/deactivate", reqs[2].Path)
	assert.JSONEq(t, `{"device_id":"agent-1"}`, reqs[2].Body)
}

func TestBackendErrorMapping(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/calls/1/answer/":
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Call not found"})
		case "/calls/2/answer/":
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Not the callee"})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	c := newTestClient(fb)

	_, err := c.AnswerCall(context.Background(), "1")
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeBackend, appErr.Code)
	assert.Equal(t, http.StatusNotFound, appErr.StatusCode)
	assert.Equal(t, "Call not found", appErr.Message)

	_, err = c.AnswerCall(context.Background(), "2")
	assert.Equal(t, "Not the callee", apperrors.GetAppError(err).Message)

	_, err = c.AnswerCall(context.Background(), "3")
	assert.Equal(t, http.StatusText(http.StatusBadRequest), apperrors.GetAppError(err).Message)
}

func TestBreaker_OpensOnServerErrorsOnly(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/calls/404/reject/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := NewClient(Config{BaseURL: fb.URL, FailureThreshold: 2, ResetTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, c.RejectCall(ctx, "404"))
	}
	assert.Equal(t, resilience.CircuitBreakerClosed, c.BreakerState())

	assert.Error(t, c.RejectCall(ctx, "1"))
	assert.Error(t, c.RejectCall(ctx, "1"))
	assert.Equal(t, resilience.CircuitBreakerOpen, c.BreakerState())

	err := c.RejectCall(ctx, "1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBackendUnavailable))
	assert.Len(t, fb.recorded(), 5)
}

func TestTransportError(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	url := fb.URL
	fb.Close()

	c := NewClient(Config{BaseURL: url, Timeout: time.Second})
	err := c.RejectCall(context.Background(), "1")

	require.Error(t, err)
	assert.False(t, apperrors.IsAppError(err))
}
