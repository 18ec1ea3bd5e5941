package domain

// RegisterDeviceRequest is the body of POST /devices
type RegisterDeviceRequest struct {
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	RefreshToken string `json:"refresh_token"`
}

// DeactivateDeviceRequest is the body of POST /devices/deactivate
type DeactivateDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

// DeviceTerminated is pushed on the user channel when a session is revoked remotely
type DeviceTerminated struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
}
