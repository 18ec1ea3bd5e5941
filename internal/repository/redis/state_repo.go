package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crowdbank-realtime/internal/database"
	"crowdbank-realtime/internal/domain"
)

// StateRepository persists per-user agent state in Redis: the in-progress
// call snapshot (with TTL) and the stable device id.
type StateRepository struct {
	client *database.RedisClient
	userID string
	ttl    time.Duration
}

// NewStateRepository creates a repository scoped to userID
func NewStateRepository(client *database.RedisClient, userID string, ttl time.Duration) *StateRepository {
	return &StateRepository{client: client, userID: userID, ttl: ttl}
}

func (r *StateRepository) callKey() string {
	return fmt.Sprintf("agent:%s:call", r.userID)
}

func (r *StateRepository) deviceKey() string {
	return fmt.Sprintf("agent:%s:device", r.userID)
}

// SaveCall stores the call snapshot, replacing any previous one
func (r *StateRepository) SaveCall(ctx context.Context, call domain.StoredCall) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to marshal call state: %w", err)
	}
	if err := r.client.SafeSet(ctx, r.callKey(), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save call state: %w", err)
	}
	return nil
}

// LoadCall returns the stored call snapshot, or nil when there is none
func (r *StateRepository) LoadCall(ctx context.Context) (*domain.StoredCall, error) {
	data, err := r.client.SafeGet(ctx, r.callKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load call state: %w", err)
	}

	var call domain.StoredCall
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call state: %w", err)
	}
	return &call, nil
}

// ClearCall removes the stored call snapshot
func (r *StateRepository) ClearCall(ctx context.Context) error {
	if err := r.client.SafeDel(ctx, r.callKey()).Err(); err != nil {
		return fmt.Errorf("failed to clear call state: %w", err)
	}
	return nil
}

// DeviceID returns the stored device id, or "" when none was saved
func (r *StateRepository) DeviceID(ctx context.Context) (string, error) {
	id, err := r.client.SafeGet(ctx, r.deviceKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load device id: %w", err)
	}
	return id, nil
}

// SaveDeviceID stores the device id without expiry
func (r *StateRepository) SaveDeviceID(ctx context.Context, deviceID string) error {
	if err := r.client.SafeSet(ctx, r.deviceKey(), deviceID, 0).Err(); err != nil {
		return fmt.Errorf("failed to save device id: %w", err)
	}
	return nil
}
