package domain

import "time"

// Message is a chat message as delivered by the room channel
type Message struct {
	ID             ID         `json:"id"`
	RoomID         ID         `json:"room"`
	SenderID       ID         `json:"sender_id"`
	SenderUsername string     `json:"sender_username,omitempty"`
	ReplyTo        *ID        `json:"reply_to,omitempty"`
	Body           string     `json:"body"`
	ImageURL       string     `json:"image_url,omitempty"`
	AudioURL       string     `json:"audio_url,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	IsRead         bool       `json:"is_read"`
	IsDeleted      bool       `json:"is_deleted"`
	IsEdited       bool       `json:"is_edited"`
}

// Typing is a typing indicator from another room member
type Typing struct {
	UserID   ID     `json:"user_id"`
	Username string `json:"username"`
}

// ReadReceipt reports that a member read the room up to now
type ReadReceipt struct {
	RoomID   ID `json:"room_id"`
	ReaderID ID `json:"reader_id"`
}

// SendMessageRequest is the body of the REST send fallback
type SendMessageRequest struct {
	Body string `json:"body"`
}

// ChatEventType names events fanned out to chat subscribers
type ChatEventType string

const (
	ChatEventMessage        ChatEventType = "message"
	ChatEventMessageUpdated ChatEventType = "message_updated"
	ChatEventMessageDeleted ChatEventType = "message_deleted"
	ChatEventTyping         ChatEventType = "typing"
	ChatEventReadReceipt    ChatEventType = "read_receipt"
)

// ChatEvent is one inbound room event, exactly one payload field is set
type ChatEvent struct {
	Type    ChatEventType `json:"type"`
	RoomID  ID            `json:"room_id"`
	Message *Message      `json:"message,omitempty"`
	Typing  *Typing       `json:"typing,omitempty"`
	Receipt *ReadReceipt  `json:"receipt,omitempty"`
}
