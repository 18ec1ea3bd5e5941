// Package chat exposes room channels to the local UI over HTTP.
package chat

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"crowdbank-realtime/internal/domain"
	chatsvc "crowdbank-realtime/internal/service/chat"
	"crowdbank-realtime/pkg/response"
)

// Service is the part of the chat service the handler drives
type Service interface {
	Join(roomID domain.ID) error
	Leave(roomID domain.ID)
	Rooms() []chatsvc.RoomStatus
	Send(ctx context.Context, roomID domain.ID, body string) (*chatsvc.SendResult, error)
	Typing(roomID domain.ID) error
	MarkRead(roomID domain.ID) error
	Subscribe(roomID domain.ID) (<-chan domain.ChatEvent, func())
}

// Handler handles chat HTTP requests
type Handler struct {
	chatService Service
}

// NewHandler creates a new chat handler
func NewHandler(chatService Service) *Handler {
	return &Handler{chatService: chatService}
}

// RegisterRoutes mounts the room routes on rg
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/rooms", h.ListRooms)

	rooms := rg.Group("/rooms/:id")
	rooms.POST("/connect", h.Connect)
	rooms.POST("/disconnect", h.Disconnect)
	rooms.POST("/messages", h.SendMessage)
	rooms.POST("/typing", h.Typing)
	rooms.POST("/read", h.MarkRead)
	rooms.GET("/events", h.Events)
}

// SendMessageRequest represents send message request
type SendMessageRequest struct {
	Body string `json:"body" binding:"required"`
}

// ListRooms lists joined rooms and their connection state
// GET /v1/rooms
func (h *Handler) ListRooms(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"rooms": h.chatService.Rooms()})
}

// Connect opens the room channel
// POST /v1/rooms/:id/connect
func (h *Handler) Connect(c *gin.Context) {
	roomID := domain.ID(c.Param("id"))
	if err := h.chatService.Join(roomID); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"room_id": roomID})
}

// Disconnect closes the room channel
// POST /v1/rooms/:id/disconnect
func (h *Handler) Disconnect(c *gin.Context) {
	roomID := domain.ID(c.Param("id"))
	h.chatService.Leave(roomID)
	response.Success(c, http.StatusOK, gin.H{"room_id": roomID})
}

// SendMessage posts a message, over the channel when open and REST otherwise
// POST /v1/rooms/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	result, err := h.chatService.Send(c.Request.Context(), domain.ID(c.Param("id")), req.Body)
	if err != nil {
		response.FromError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Path == chatsvc.PathREST {
		status = http.StatusCreated
	}
	response.Success(c, status, result)
}

// Typing sends a typing indicator
// POST /v1/rooms/:id/typing
func (h *Handler) Typing(c *gin.Context) {
	if err := h.chatService.Typing(domain.ID(c.Param("id"))); err != nil {
		response.FromError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkRead marks the room read
// POST /v1/rooms/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	if err := h.chatService.MarkRead(domain.ID(c.Param("id"))); err != nil {
		response.FromError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Events streams chat events of the room as server-sent events
// GET /v1/rooms/:id/events
func (h *Handler) Events(c *gin.Context) {
	events, cancel := h.chatService.Subscribe(domain.ID(c.Param("id")))
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
