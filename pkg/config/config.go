// Package config implements the webchat core's configuration (spec §6):
// JSON defaults overlaid with environment variables via
// github.com/caarlos0/env/v11, the same load/overlay shape the teacher's
// own pkg/config uses for its much larger option surface.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/weni/webchat-core/pkg/errs"
)

// ConnectOn determines when the Connection Engine opens its socket.
type ConnectOn string

const (
	ConnectOnMount  ConnectOn = "mount"
	ConnectOnManual ConnectOn = "manual"
	ConnectOnDemand ConnectOn = "demand"
)

// Storage selects the backend the Session Engine persists through
// (spec §4.1, §4.3).
type Storage string

const (
	StorageLocal   Storage = "local"
	StorageSession Storage = "session"
)

// Config enumerates every option spec §6 documents, one env tag per field.
type Config struct {
	SocketURL   string `json:"socketUrl" env:"WEBCHAT_SOCKET_URL"`
	ChannelUUID string `json:"channelUuid" env:"WEBCHAT_CHANNEL_UUID"`
	Host        string `json:"host" env:"WEBCHAT_HOST"`
	ClientID    string `json:"clientId" env:"WEBCHAT_CLIENT_ID"`

	SessionToken string `json:"sessionToken" env:"WEBCHAT_SESSION_TOKEN"`
	SessionID    string `json:"sessionId" env:"WEBCHAT_SESSION_ID"`

	ConnectOn ConnectOn `json:"connectOn" env:"WEBCHAT_CONNECT_ON"`
	Storage   Storage   `json:"storage" env:"WEBCHAT_STORAGE"`

	AutoReconnect        bool          `json:"autoReconnect" env:"WEBCHAT_AUTO_RECONNECT"`
	MaxReconnectAttempts int           `json:"maxReconnectAttempts" env:"WEBCHAT_MAX_RECONNECT_ATTEMPTS"`
	ReconnectInterval    time.Duration `json:"reconnectInterval" env:"WEBCHAT_RECONNECT_INTERVAL"`
	PingInterval         time.Duration `json:"pingInterval" env:"WEBCHAT_PING_INTERVAL"`

	MessageDelay          time.Duration `json:"messageDelay" env:"WEBCHAT_MESSAGE_DELAY"`
	TypingDelay           time.Duration `json:"typingDelay" env:"WEBCHAT_TYPING_DELAY"`
	TypingTimeout         time.Duration `json:"typingTimeout" env:"WEBCHAT_TYPING_TIMEOUT"`
	EnableTypingIndicator bool          `json:"enableTypingIndicator" env:"WEBCHAT_ENABLE_TYPING_INDICATOR"`

	AutoClearCache bool          `json:"autoClearCache" env:"WEBCHAT_AUTO_CLEAR_CACHE"`
	CacheTimeout   time.Duration `json:"cacheTimeout" env:"WEBCHAT_CACHE_TIMEOUT"`

	// ContactTimeout resolves the §9 open question (ms vs. minutes variants
	// in source) as a time.Duration, like every other duration option here:
	// the env value uses Go duration syntax (e.g. "24h") and a JSON value is
	// a count of nanoseconds. A single timeout fires this long after
	// lastMessageSentAt.
	ContactTimeout time.Duration `json:"contactTimeout" env:"WEBCHAT_CONTACT_TIMEOUT"`
}

// DefaultConfig returns the documented defaults from spec §6. SocketURL and
// ChannelUUID are required and left empty; callers must set them.
func DefaultConfig() *Config {
	return &Config{
		ConnectOn:             ConnectOnMount,
		Storage:               StorageLocal,
		AutoReconnect:         true,
		MaxReconnectAttempts:  30,
		ReconnectInterval:     3000 * time.Millisecond,
		PingInterval:          50000 * time.Millisecond,
		MessageDelay:          1000 * time.Millisecond,
		TypingDelay:           2000 * time.Millisecond,
		TypingTimeout:         50000 * time.Millisecond,
		EnableTypingIndicator: true,
		AutoClearCache:        false,
		CacheTimeout:          30 * time.Minute,
		ContactTimeout:        24 * time.Hour,
	}
}

// Load reads JSON defaults from path (if present) over DefaultConfig, then
// overlays environment variables, mirroring the teacher's LoadConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, env.Parse(cfg)
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON to path, creating parent directories as
// needed (mirrors the teacher's SaveConfig).
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate enforces the invariant-breaking configuration errors spec §7
// names: socketUrl and channelUuid are required.
func (c *Config) Validate() error {
	if c.SocketURL == "" {
		return errs.NewValidationError("socketUrl", "required")
	}
	if c.ChannelUUID == "" {
		return errs.NewValidationError("channelUuid", "required")
	}
	return nil
}
