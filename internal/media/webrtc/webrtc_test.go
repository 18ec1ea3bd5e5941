package webrtc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbank-realtime/internal/media"
)

// mediaServer answers join offers with a real peer connection
type mediaServer struct {
	*httptest.Server

	mu        sync.Mutex
	status    int
	conflicts int
	joins     int
	deletes   int
	stale     int
	auth      string
	uid       string
	replace   string
	pcs       []*webrtc.PeerConnection
}

func newMediaServer(t *testing.T) *mediaServer {
	t.Helper()
	ms := &mediaServer{}
	ms.Server = httptest.NewServer(http.HandlerFunc(ms.handle))
	t.Cleanup(func() {
		ms.Close()
		ms.mu.Lock()
		defer ms.mu.Unlock()
		for _, pc := range ms.pcs {
			_ = pc.Close()
		}
	})
	return ms
}

func (ms *mediaServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/join"):
		ms.mu.Lock()
		ms.joins++
		ms.auth = r.Header.Get("Authorization")
		ms.uid = r.URL.Query().Get("uid")
		ms.replace = r.URL.Query().Get("replace")
		status := ms.status
		if status == 0 && ms.conflicts > 0 {
			ms.conflicts--
			status = http.StatusConflict
		}
		ms.mu.Unlock()
		if status == http.StatusConflict {
			w.Header().Set("Location", "/sessions/stale")
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}

		offer, _ := io.ReadAll(r.Body)
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		ms.mu.Lock()
		ms.pcs = append(ms.pcs, pc)
		ms.mu.Unlock()

		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		gathered := webrtc.GatheringCompletePromise(pc)
		if err := pc.SetLocalDescription(answer); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		<-gathered

		w.Header().Set("Content-Type", "application/sdp")
		w.Header().Set("Location", "/sessions/1")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, pc.LocalDescription().SDP)

	case r.Method == http.MethodDelete && r.URL.Path == "/sessions/stale":
		ms.mu.Lock()
		ms.stale++
		ms.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodDelete && r.URL.Path == "/sessions/1":
		ms.mu.Lock()
		ms.deletes++
		ms.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (ms *mediaServer) counts() (joins, deletes int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.joins, ms.deletes
}

func newTestEngine(t *testing.T, ms *mediaServer) *Engine {
	t.Helper()
	e, err := NewEngine(Config{BaseURL: ms.URL})
	require.NoError(t, err)
	return e
}

func TestNewEngine_RequiresURL(t *testing.T) {
	_, err := NewEngine(Config{})
	assert.Error(t, err)
}

func TestEngine_JoinPublishLeave(t *testing.T) {
	ms := newMediaServer(t)
	e := newTestEngine(t, ms)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, e.Join(ctx, media.JoinRequest{Channel: "call_3_ab12", Token: "opaque", UserID: "7", Video: true}))
	assert.True(t, e.Joined())

	ms.mu.Lock()
	assert.Equal(t, "Bearer opaque", ms.auth)
	assert.Equal(t, "7", ms.uid)
	ms.mu.Unlock()

	devices := FileDevices{}
	mic, err := devices.OpenMicrophone(ctx)
	require.NoError(t, err)
	cam, err := devices.OpenCamera(ctx)
	require.NoError(t, err)
	defer mic.Close()
	defer cam.Close()

	require.NoError(t, e.Publish(ctx, mic, cam))

	err = e.Join(ctx, media.JoinRequest{Channel: "call_3_ab12"})
	assert.ErrorIs(t, err, media.ErrAlreadyJoined)

	require.NoError(t, e.Leave(ctx))
	assert.False(t, e.Joined())
	joins, deletes := ms.counts()
	assert.Equal(t, 1, joins)
	assert.Equal(t, 1, deletes)

	require.NoError(t, e.Leave(ctx))
	_, deletes = ms.counts()
	assert.Equal(t, 1, deletes)
}

func TestEngine_PublishVideoWithoutVideoSender(t *testing.T) {
	ms := newMediaServer(t)
	e := newTestEngine(t, ms)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, e.Join(ctx, media.JoinRequest{Channel: "voice"}))
	defer e.Leave(ctx)

	cam, err := FileDevices{}.OpenCamera(ctx)
	require.NoError(t, err)
	defer cam.Close()

	assert.Error(t, e.Publish(ctx, cam))
}

func TestEngine_ConflictReplacesStaleSession(t *testing.T) {
	ms := newMediaServer(t)
	ms.conflicts = 1
	e := newTestEngine(t, ms)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, e.Join(ctx, media.JoinRequest{Channel: "c", UserID: "7"}))
	defer e.Leave(ctx)

	assert.True(t, e.Joined())
	ms.mu.Lock()
	defer ms.mu.Unlock()
	assert.Equal(t, 2, ms.joins)
	assert.Equal(t, 1, ms.stale)
	assert.Equal(t, "1", ms.replace)
	assert.Equal(t, "7", ms.uid)
}

func TestEngine_PersistentConflict(t *testing.T) {
	ms := newMediaServer(t)
	ms.status = http.StatusConflict
	e := newTestEngine(t, ms)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.Join(ctx, media.JoinRequest{Channel: "c"})

	assert.ErrorIs(t, err, ErrSessionConflict)
	assert.NotErrorIs(t, err, media.ErrAlreadyJoined)
	assert.False(t, e.Joined())
	joins, _ := ms.counts()
	assert.Equal(t, 2, joins)
}

func TestEngine_RejectedCredential(t *testing.T) {
	ms := newMediaServer(t)
	ms.status = http.StatusForbidden
	e := newTestEngine(t, ms)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.Join(ctx, media.JoinRequest{Channel: "c", Token: "bad"})

	require.Error(t, err)
	assert.NotErrorIs(t, err, media.ErrAlreadyJoined)
	assert.False(t, e.Joined())
}

func TestEngine_ExpiredTokenFailsFast(t *testing.T) {
	ms := newMediaServer(t)
	e := newTestEngine(t, ms)

	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	err = e.Join(context.Background(), media.JoinRequest{Channel: "c", Token: token})

	assert.ErrorIs(t, err, ErrTokenExpired)
	joins, _ := ms.counts()
	assert.Zero(t, joins)
}

func TestEngine_NotJoined(t *testing.T) {
	ms := newMediaServer(t)
	e := newTestEngine(t, ms)

	mic, err := FileDevices{}.OpenMicrophone(context.Background())
	require.NoError(t, err)
	defer mic.Close()

	assert.ErrorIs(t, e.Publish(context.Background(), mic), media.ErrNotJoined)
	assert.NoError(t, e.Leave(context.Background()))
	assert.Error(t, e.Join(context.Background(), media.JoinRequest{}))
}

func TestFileDevices_SilentTracks(t *testing.T) {
	d := FileDevices{}

	mic, err := d.OpenMicrophone(context.Background())
	require.NoError(t, err)
	cam, err := d.OpenCamera(context.Background())
	require.NoError(t, err)

	assert.Equal(t, media.KindAudio, mic.Kind())
	assert.Equal(t, media.KindVideo, cam.Kind())
	assert.NotEqual(t, mic.ID(), cam.ID())

	assert.True(t, mic.Enabled())
	mic.SetEnabled(false)
	assert.False(t, mic.Enabled())
	mic.SetEnabled(true)
	assert.True(t, mic.Enabled())

	assert.NoError(t, mic.Close())
	assert.NoError(t, mic.Close())
	assert.True(t, mic.Closed())
	assert.False(t, cam.Closed())
	assert.NoError(t, cam.Close())
}

func TestFileDevices_MissingFile(t *testing.T) {
	d := FileDevices{MicrophonePath: filepath.Join(t.TempDir(), "absent.ogg")}

	_, err := d.OpenMicrophone(context.Background())

	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)
	assert.NotErrorIs(t, err, media.ErrPermissionDenied)
}

func TestFileDevices_PermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}
	path := filepath.Join(t.TempDir(), "locked.ivf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o000))

	_, err := FileDevices{CameraPath: path}.OpenCamera(context.Background())

	assert.ErrorIs(t, err, media.ErrPermissionDenied)
}

func TestFileDevices_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FileDevices{}.OpenMicrophone(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileDevices_OggMicrophone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.ogg")
	w, err := oggwriter.New(path, opusClockRate, 2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xf8, 0xff, 0xfe},
		}))
	}
	require.NoError(t, w.Close())

	mic, err := FileDevices{MicrophonePath: path}.OpenMicrophone(context.Background())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.NoError(t, mic.Close())
	assert.True(t, mic.Closed())
}

func TestFileDevices_NotAnOggFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.ogg")
	require.NoError(t, os.WriteFile(path, []byte("definitely not ogg"), 0o600))

	_, err := FileDevices{MicrophonePath: path}.OpenMicrophone(context.Background())
	assert.Error(t, err)
}

type foreignTrack struct{}

func (foreignTrack) ID() string       { return "t" }
func (foreignTrack) StreamID() string { return "s" }
func (foreignTrack) Kind() media.Kind { return media.KindAudio }

func TestRecorder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	r, err := NewRecorder(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Error(t, r.Attach(foreignTrack{}))
	r.Wait()

	assert.Equal(t, "stream_1-a_b", safeName("stream/1")+"-"+safeName("a b"))
}
