// Package webrtc implements the media contracts on top of pion/webrtc. A
// channel join is a single offer/answer exchange with the media server over
// HTTP; the server hosts the channel and forwards the peer's tracks.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"crowdbank-realtime/internal/media"
	"crowdbank-realtime/pkg/jwt"
	"crowdbank-realtime/pkg/logger"
)

// ErrTokenExpired is returned by Join when the join token's exp is in the past
var ErrTokenExpired = errors.New("media join token expired")

// ErrSessionConflict is returned by Join when the media server still reports
// a session for this user after the stale one was replaced
var ErrSessionConflict = errors.New("media server holds another session for this user")

const maxAnswerSize = 256 * 1024

// Config configures an Engine
type Config struct {
	// BaseURL of the media server, e.g. https://media.example.com
	BaseURL    string
	ICEServers []string
	HTTPClient *http.Client
}

// Engine joins one media channel at a time
type Engine struct {
	baseURL    string
	iceServers []webrtc.ICEServer
	api        *webrtc.API
	client     *http.Client
	log        *zap.Logger

	mu           sync.Mutex
	joining      bool
	pc           *webrtc.PeerConnection
	senders      map[media.Kind]*webrtc.RTPSender
	location     string
	token        string
	onTrack      func(media.RemoteTrack)
	onDisconnect func(error)
}

// NewEngine builds the pion API with the default codecs and interceptors
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("media server URL is required")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	var ice []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	return &Engine{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		iceServers: ice,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
		),
		client: client,
		log:    logger.With(zap.String("component", "media")),
	}, nil
}

// OnRemoteTrack registers the callback for tracks sent by the peer
func (e *Engine) OnRemoteTrack(fn func(media.RemoteTrack)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

// OnDisconnect registers the callback for a lost channel
func (e *Engine) OnDisconnect(fn func(error)) {
	e.mu.Lock()
	e.onDisconnect = fn
	e.mu.Unlock()
}

// Joined reports whether a channel is held
func (e *Engine) Joined() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pc != nil
}

// Join negotiates a session for req.Channel. The engine must not already hold
// a channel; a second Join returns media.ErrAlreadyJoined. A 409 from the
// media server means it still holds a session of ours from before a restart:
// that session is released and the offer is posted once more with replace set.
func (e *Engine) Join(ctx context.Context, req media.JoinRequest) error {
	if req.Channel == "" {
		return errors.New("media channel name is required")
	}
	if req.Token != "" && jwt.IsTokenExpired(req.Token, time.Now()) {
		return ErrTokenExpired
	}

	e.mu.Lock()
	if e.pc != nil || e.joining {
		e.mu.Unlock()
		return media.ErrAlreadyJoined
	}
	e.joining = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.joining = false
		e.mu.Unlock()
	}()

	log := e.log.With(zap.String("channel", req.Channel))

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	senders := make(map[media.Kind]*webrtc.RTPSender, 2)
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if req.Video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		tr, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		senders[kindOf(kind)] = tr.Sender()
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.mu.Lock()
		fn, owned := e.onTrack, e.pc == pc
		e.mu.Unlock()
		log.Info("Remote track received",
			zap.String("track_id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		if owned && fn != nil {
			fn(&RemoteTrack{track: track})
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("Peer connection state changed", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			e.lost(pc, state)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = pc.Close()
		return ctx.Err()
	}

	localSDP := pc.LocalDescription().SDP
	answer, location, err := e.exchange(ctx, req, localSDP, false)
	if errors.Is(err, ErrSessionConflict) {
		log.Warn("Media server holds a stale session, replacing it")
		answer, location, err = e.exchange(ctx, req, localSDP, true)
	}
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = pc.Close()
		e.deleteSession(context.Background(), location, req.Token)
		return fmt.Errorf("set remote description: %w", err)
	}

	e.mu.Lock()
	e.pc = pc
	e.senders = senders
	e.location = location
	e.token = req.Token
	e.mu.Unlock()

	log.Info("Joined media channel", zap.Bool("video", req.Video))
	return nil
}

// exchange posts the local offer and returns the answer and the session URL.
// On 409 the stale session named by Location, if any, is deleted and
// ErrSessionConflict returned.
func (e *Engine) exchange(ctx context.Context, req media.JoinRequest, offer string, replace bool) (string, string, error) {
	query := url.Values{}
	if req.UserID != "" {
		query.Set("uid", req.UserID)
	}
	if replace {
		query.Set("replace", "1")
	}
	endpoint := fmt.Sprintf("%s/channels/%s/join", e.baseURL, url.PathEscape(req.Channel))
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return "", "", err
	}
	httpReq.Header.Set("Content-Type", "application/sdp")
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("media join request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerSize))
	if err != nil {
		return "", "", fmt.Errorf("read media answer: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		e.deleteSession(ctx, e.resolve(resp.Header.Get("Location")), req.Token)
		return "", "", ErrSessionConflict
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", "", fmt.Errorf("media server rejected join credential (status %d)", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", "", fmt.Errorf("media join failed with status %d", resp.StatusCode)
	}

	return string(body), e.resolve(resp.Header.Get("Location")), nil
}

func (e *Engine) resolve(location string) string {
	if location == "" {
		return ""
	}
	base, err := url.Parse(e.baseURL + "/")
	if err != nil {
		return location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}

// Publish attaches local tracks to the negotiated senders
func (e *Engine) Publish(_ context.Context, tracks ...media.LocalTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pc == nil {
		return media.ErrNotJoined
	}
	for _, t := range tracks {
		track, ok := t.(*Track)
		if !ok {
			return fmt.Errorf("track %s: unsupported track type %T", t.ID(), t)
		}
		sender := e.senders[track.Kind()]
		if sender == nil {
			return fmt.Errorf("no %s sender negotiated", track.Kind())
		}
		if err := sender.ReplaceTrack(track.local); err != nil {
			return fmt.Errorf("publish %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

// Leave closes the peer connection and releases the server session
func (e *Engine) Leave(ctx context.Context) error {
	e.mu.Lock()
	pc, location, token := e.pc, e.location, e.token
	e.detachLocked()
	e.mu.Unlock()

	if pc == nil {
		return nil
	}
	err := pc.Close()
	e.deleteSession(ctx, location, token)
	e.log.Info("Left media channel")
	return err
}

func (e *Engine) detachLocked() {
	e.pc = nil
	e.senders = nil
	e.location = ""
	e.token = ""
}

// lost handles a peer connection that failed or closed without Leave
func (e *Engine) lost(pc *webrtc.PeerConnection, state webrtc.PeerConnectionState) {
	e.mu.Lock()
	if e.pc != pc {
		e.mu.Unlock()
		return
	}
	location, token, fn := e.location, e.token, e.onDisconnect
	e.detachLocked()
	e.mu.Unlock()

	e.log.Warn("Media channel lost", zap.String("state", state.String()))
	go func() {
		_ = pc.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.deleteSession(ctx, location, token)
	}()
	if fn != nil {
		fn(fmt.Errorf("peer connection %s", state))
	}
}

func (e *Engine) deleteSession(ctx context.Context, location, token string) {
	if location == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, location, nil)
	if err != nil {
		return
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Warn("Failed to release media session", logger.URL("location", location), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
}

func kindOf(k webrtc.RTPCodecType) media.Kind {
	if k == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

// RemoteTrack wraps a pion remote track
type RemoteTrack struct {
	track *webrtc.TrackRemote
}

func (r *RemoteTrack) ID() string       { return r.track.ID() }
func (r *RemoteTrack) StreamID() string { return r.track.StreamID() }
func (r *RemoteTrack) Kind() media.Kind { return kindOf(r.track.Kind()) }
