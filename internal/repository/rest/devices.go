package rest

import (
	"context"
	"net/http"

	"crowdbank-realtime/internal/domain"
)

// RegisterDevice records this device's session with the backend
func (c *Client) RegisterDevice(ctx context.Context, req domain.RegisterDeviceRequest) error {
	return c.do(ctx, http.MethodPost, "/devices", "devices.register", req, nil)
}

// DeactivateDevice ends this device's session
func (c *Client) DeactivateDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/devices/deactivate", "devices.deactivate",
		domain.DeactivateDeviceRequest{DeviceID: deviceID}, nil)
}
