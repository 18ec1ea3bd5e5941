package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"crowdbank-realtime/internal/domain"
)

// SendMessage posts a chat message through the REST fallback path
func (c *Client) SendMessage(ctx context.Context, roomID domain.ID, body string) (*domain.Message, error) {
	path := fmt.Sprintf("/chat/rooms/%s/send_message/", url.PathEscape(roomID.String()))
	var msg domain.Message
	if err := c.do(ctx, http.MethodPost, path, "chat.send_message", domain.SendMessageRequest{Body: body}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
