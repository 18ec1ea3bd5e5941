// Package device registers this agent as a device session with the backend
// and reacts when that session is revoked remotely.
package device

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crowdbank-realtime/internal/domain"
	"crowdbank-realtime/pkg/constants"
	"crowdbank-realtime/pkg/logger"
)

// IDPrefix prefixes generated device ids
const IDPrefix = "agent-"

// API is the backend device surface
type API interface {
	RegisterDevice(ctx context.Context, req domain.RegisterDeviceRequest) error
	DeactivateDevice(ctx context.Context, deviceID string) error
}

// Store persists the generated device id
type Store interface {
	DeviceID(ctx context.Context) (string, error)
	SaveDeviceID(ctx context.Context, deviceID string) error
}

// Config identifies this device
type Config struct {
	// DeviceID overrides the stored or generated id
	DeviceID     string
	DeviceName   string
	RefreshToken string
}

// Hooks are run, in order, on a forced logout
type Hooks struct {
	EndCall         func(ctx context.Context) error
	DisconnectRooms func()
}

// Service handles device registration and forced logout
type Service struct {
	cfg   Config
	api   API
	store Store
	hooks Hooks
	log   *zap.Logger

	mu       sync.Mutex
	deviceID string

	logoutOnce sync.Once
	done       chan struct{}
}

// NewService creates a new device service
func NewService(cfg Config, api API, store Store, hooks Hooks) *Service {
	if cfg.DeviceName == "" {
		cfg.DeviceName = "call-agent"
	}
	return &Service{
		cfg:   cfg,
		api:   api,
		store: store,
		hooks: hooks,
		log:   logger.With(zap.String("component", "device")),
		done:  make(chan struct{}),
	}
}

// ResolveID returns the device id: configured, else stored, else newly
// generated and stored.
func (s *Service) ResolveID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID != "" {
		return s.deviceID, nil
	}
	if id := strings.TrimSpace(s.cfg.DeviceID); id != "" {
		s.deviceID = id
		return id, nil
	}

	id, err := s.store.DeviceID(ctx)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if id == "" {
		id = IDPrefix + uuid.NewString()
		if err := s.store.SaveDeviceID(ctx, id); err != nil {
			return "", fmt.Errorf("save device id: %w", err)
		}
		s.log.Info("Generated device id", zap.String("device_id", id))
	}
	s.deviceID = id
	return id, nil
}

// Register announces this device to the backend
func (s *Service) Register(ctx context.Context) error {
	id, err := s.ResolveID(ctx)
	if err != nil {
		return err
	}
	if err := s.api.RegisterDevice(ctx, domain.RegisterDeviceRequest{
		DeviceID:     id,
		DeviceName:   s.cfg.DeviceName,
		RefreshToken: s.cfg.RefreshToken,
	}); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	s.log.Info("Device registered", zap.String("device_id", id), zap.String("device_name", s.cfg.DeviceName))
	return nil
}

// Deactivate ends this device's session with the backend
func (s *Service) Deactivate(ctx context.Context) error {
	id, err := s.ResolveID(ctx)
	if err != nil {
		return err
	}
	if err := s.api.DeactivateDevice(ctx, id); err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	return nil
}

// HandleTerminated reacts to device_terminated. Only a termination of this
// device logs out; others are ignored.
func (s *Service) HandleTerminated(ev domain.DeviceTerminated) {
	s.mu.Lock()
	self := s.deviceID
	s.mu.Unlock()

	if self == "" || ev.DeviceID != self {
		s.log.Debug("Ignoring termination of another device", zap.String("device_id", ev.DeviceID))
		return
	}
	s.log.Warn("Device session terminated remotely", zap.String("device_id", self))
	s.Logout(context.Background())
}

// Logout ends any call, disconnects rooms, deactivates the device and
// signals Done. Only the first call has an effect.
func (s *Service) Logout(ctx context.Context) {
	s.logoutOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.NotifyTimeout)
		defer cancel()

		// 1. End the active call
		if s.hooks.EndCall != nil {
			if err := s.hooks.EndCall(ctx); err != nil {
				s.log.Warn("Failed to end call on logout", zap.Error(err))
			}
		}

		// 2. Close room channels
		if s.hooks.DisconnectRooms != nil {
			s.hooks.DisconnectRooms()
		}

		// 3. Deactivate (best effort)
		if err := s.Deactivate(ctx); err != nil {
			s.log.Warn("Failed to deactivate device", zap.Error(err))
		}

		close(s.done)
	})
}

// Done is closed after a logout
func (s *Service) Done() <-chan struct{} {
	return s.done
}
