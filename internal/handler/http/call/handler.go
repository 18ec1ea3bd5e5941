// Package call exposes the call session to the local UI over HTTP.
package call

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"crowdbank-realtime/internal/domain"
	callsvc "crowdbank-realtime/internal/service/call"
	"crowdbank-realtime/pkg/response"
)

// Service is the part of the call service the handler drives
type Service interface {
	Snapshot() callsvc.Snapshot
	Subscribe() (<-chan callsvc.Snapshot, func())
	History(ctx context.Context) ([]domain.CallRecord, error)
	StartCall(ctx context.Context, roomID domain.ID, callee domain.Participant, kind domain.CallKind) (callsvc.Snapshot, error)
	AnswerCall(ctx context.Context) (callsvc.Snapshot, error)
	RejectCall(ctx context.Context) (callsvc.Snapshot, error)
	EndCall(ctx context.Context) (callsvc.Snapshot, error)
	JoinCall(ctx context.Context) (callsvc.Snapshot, error)
	ToggleMute() callsvc.Snapshot
	ToggleVideo() callsvc.Snapshot
}

// Handler handles call control HTTP requests
type Handler struct {
	callService Service
}

// NewHandler creates a new call handler
func NewHandler(callService Service) *Handler {
	return &Handler{callService: callService}
}

// RegisterRoutes mounts the call routes on rg
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/call")
	calls.GET("", h.GetCall)
	calls.GET("/events", h.Events)
	calls.GET("/history", h.History)
	calls.POST("/start", h.StartCall)
	calls.POST("/answer", h.AnswerCall)
	calls.POST("/reject", h.RejectCall)
	calls.POST("/end", h.EndCall)
	calls.POST("/join", h.JoinCall)
	calls.POST("/mute", h.ToggleMute)
	calls.POST("/video", h.ToggleVideo)
}

// StartCallRequest represents call start request
type StartCallRequest struct {
	RoomID     string `json:"room_id" binding:"required"`
	CalleeID   string `json:"callee_id" binding:"required"`
	CalleeName string `json:"callee_name"`
	CallType   string `json:"call_type" binding:"required,oneof=voice video"`
}

// GetCall returns the current snapshot
// GET /v1/call
func (h *Handler) GetCall(c *gin.Context) {
	response.Success(c, http.StatusOK, h.callService.Snapshot())
}

// Events streams snapshots as server-sent events. The subscription already
// holds the current snapshot, so it is the first event sent.
// GET /v1/call/events
func (h *Handler) Events(c *gin.Context) {
	updates, cancel := h.callService.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("call", snap)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// History lists recent calls
// GET /v1/call/history
func (h *Handler) History(c *gin.Context) {
	records, err := h.callService.History(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	if records == nil {
		records = []domain.CallRecord{}
	}
	response.Success(c, http.StatusOK, gin.H{"calls": records})
}

// StartCall places an outgoing call
// POST /v1/call/start
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callee := domain.Participant{
		ID:          domain.ID(strings.TrimSpace(req.CalleeID)),
		DisplayName: req.CalleeName,
	}
	snap, err := h.callService.StartCall(c.Request.Context(), domain.ID(strings.TrimSpace(req.RoomID)), callee, domain.CallKind(req.CallType))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, snap)
}

// AnswerCall accepts the ringing call
// POST /v1/call/answer
func (h *Handler) AnswerCall(c *gin.Context) {
	h.act(c, h.callService.AnswerCall)
}

// RejectCall declines the ringing call
// POST /v1/call/reject
func (h *Handler) RejectCall(c *gin.Context) {
	h.act(c, h.callService.RejectCall)
}

// EndCall hangs up. Ending with no call is not an error.
// POST /v1/call/end
func (h *Handler) EndCall(c *gin.Context) {
	h.act(c, h.callService.EndCall)
}

// JoinCall retries media for a restored call after a user gesture
// POST /v1/call/join
func (h *Handler) JoinCall(c *gin.Context) {
	h.act(c, h.callService.JoinCall)
}

// ToggleMute flips the microphone
// POST /v1/call/mute
func (h *Handler) ToggleMute(c *gin.Context) {
	response.Success(c, http.StatusOK, h.callService.ToggleMute())
}

// ToggleVideo flips the camera
// POST /v1/call/video
func (h *Handler) ToggleVideo(c *gin.Context) {
	response.Success(c, http.StatusOK, h.callService.ToggleVideo())
}

func (h *Handler) act(c *gin.Context, fn func(context.Context) (callsvc.Snapshot, error)) {
	snap, err := fn(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}
