// Package memory holds process-local repository implementations used when no
// Redis is configured.
package memory

import (
	"context"
	"time"

	"crowdbank-realtime/internal/domain"
	"crowdbank-realtime/pkg/cache"
)

const (
	callKey   = "call"
	deviceKey = "device"
)

// StateRepository keeps agent state in a TTL cache
type StateRepository struct {
	cache   *cache.MemoryCache
	callTTL time.Duration
}

// NewStateRepository creates an in-memory state repository
func NewStateRepository(callTTL time.Duration) *StateRepository {
	return &StateRepository{
		cache:   cache.NewMemoryCache(-1, 0),
		callTTL: callTTL,
	}
}

// SaveCall stores the call snapshot
func (r *StateRepository) SaveCall(_ context.Context, call domain.StoredCall) error {
	r.cache.Set(callKey, call, r.callTTL)
	return nil
}

// LoadCall returns the stored call snapshot, or nil when absent or expired
func (r *StateRepository) LoadCall(_ context.Context) (*domain.StoredCall, error) {
	v, ok := r.cache.Get(callKey)
	if !ok {
		return nil, nil
	}
	call := v.(domain.StoredCall)
	return &call, nil
}

// ClearCall removes the stored call snapshot
func (r *StateRepository) ClearCall(_ context.Context) error {
	r.cache.Delete(callKey)
	return nil
}

// DeviceID returns the stored device id
func (r *StateRepository) DeviceID(_ context.Context) (string, error) {
	v, ok := r.cache.Get(deviceKey)
	if !ok {
		return "", nil
	}
	return v.(string), nil
}

// SaveDeviceID stores the device id without expiry
func (r *StateRepository) SaveDeviceID(_ context.Context, deviceID string) error {
	r.cache.Set(deviceKey, deviceID, -1)
	return nil
}
