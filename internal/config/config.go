package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"crowdbank-realtime/pkg/constants"
	"crowdbank-realtime/pkg/env"
	"crowdbank-realtime/pkg/jwt"
)

// Config holds everything the call agent reads from its environment
type Config struct {
	Env string

	// Backend
	APIURL       string
	WSURL        string
	AccessToken  string
	RefreshToken string
	SelfUserID   string

	// Device
	DeviceID   string
	DeviceName string

	// Media
	MediaURL       string
	MicFile        string
	CameraFile     string
	RecordDir      string
	RequireGesture bool
	ICEServers     []string

	// Call policy
	RingTimeout   time.Duration
	NotifyTimeout time.Duration

	// Signaling
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	PingInterval      time.Duration

	// Local state
	StateBackend  string
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Control API
	ControlPort    int
	ControlToken   string
	ControlOrigins []string
}

// Load reads an optional .env file and then the process environment
func Load() (*Config, error) {
	if err := env.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Env: env.GetString("ENV", "development"),

		APIURL:       strings.TrimRight(env.GetString("API_URL", "http://localhost:8000/api"), "/"),
		WSURL:        strings.TrimRight(env.GetString("WS_URL", ""), "/"),
		AccessToken:  env.GetStringFromFile("ACCESS_TOKEN", ""),
		RefreshToken: env.GetStringFromFile("REFRESH_TOKEN", ""),
		SelfUserID:   env.GetString("SELF_USER_ID", ""),

		DeviceID:   env.GetString("DEVICE_ID", ""),
		DeviceName: env.GetString("DEVICE_NAME", "call-agent"),

		MediaURL:       strings.TrimRight(env.GetString("MEDIA_URL", ""), "/"),
		MicFile:        env.GetString("MEDIA_MIC_FILE", ""),
		CameraFile:     env.GetString("MEDIA_CAMERA_FILE", ""),
		RecordDir:      env.GetString("MEDIA_RECORD_DIR", ""),
		RequireGesture: env.GetBool("MEDIA_REQUIRE_GESTURE", false),
		ICEServers:     env.GetStringSlice("MEDIA_ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),

		RingTimeout:   env.GetDuration("CALL_RING_TIMEOUT", 0),
		NotifyTimeout: env.GetDuration("CALL_NOTIFY_TIMEOUT", constants.NotifyTimeout),

		ReconnectBase:     env.GetDuration("WS_RECONNECT_BASE", constants.ReconnectBaseDelay),
		ReconnectMax:      env.GetDuration("WS_RECONNECT_MAX", constants.ReconnectMaxDelay),
		ReconnectAttempts: env.GetInt("WS_RECONNECT_ATTEMPTS", constants.ReconnectMaxAttempts),
		PingInterval:      env.GetDuration("WS_PING_INTERVAL", constants.WebSocketPingInterval),

		StateBackend:  env.GetString("STATE_BACKEND", "memory"),
		RedisHost:     env.GetString("REDIS_HOST", "localhost"),
		RedisPort:     env.GetInt("REDIS_PORT", 6379),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),
		RedisDB:       env.GetInt("REDIS_DB", 0),

		ControlPort:    env.GetInt("CONTROL_PORT", 8090),
		ControlToken:   env.GetStringFromFile("CONTROL_TOKEN", ""),
		ControlOrigins: env.GetStringSlice("CONTROL_CORS_ORIGINS", nil),
	}

	if cfg.WSURL == "" {
		derived, err := DeriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, err
		}
		cfg.WSURL = derived
	}

	if cfg.SelfUserID == "" && cfg.AccessToken != "" {
		if id, err := jwt.ExtractUserID(cfg.AccessToken); err == nil {
			cfg.SelfUserID = id
		}
	}

	if cfg.MediaURL == "" {
		cfg.MediaURL = cfg.APIURL + "/media"
	}

	return cfg, nil
}

// Validate reports the first missing or inconsistent setting
func (c *Config) Validate() error {
	switch {
	case c.AccessToken == "":
		return fmt.Errorf("ACCESS_TOKEN is required")
	case c.SelfUserID == "":
		return fmt.Errorf("SELF_USER_ID is required when the access token carries no user_id")
	case c.StateBackend != "memory" && c.StateBackend != "redis":
		return fmt.Errorf("STATE_BACKEND must be memory or redis, got %q", c.StateBackend)
	case c.ReconnectAttempts < 0:
		return fmt.Errorf("WS_RECONNECT_ATTEMPTS must not be negative")
	case c.RingTimeout < 0:
		return fmt.Errorf("CALL_RING_TIMEOUT must not be negative")
	}
	return nil
}

// IsProduction reports whether the agent runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RedisAddr returns host:port for the Redis state backend
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// DeriveWSURL maps the REST base URL onto the websocket origin:
// http→ws, https→wss, path dropped (sockets live at /ws/... on the same host).
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid API_URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid API_URL scheme %q", u.Scheme)
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}
