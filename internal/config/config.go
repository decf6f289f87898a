package config

import "time"

// ClientConfig is the root configuration for a chatlink client.
type ClientConfig struct {
	Identity   IdentityConfig   `yaml:"identity"`
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Log        LogConfig        `yaml:"log"`
}

// IdentityConfig identifies the local user.
type IdentityConfig struct {
	Username string `yaml:"username"`
	Token    string `yaml:"token"` // Bearer token issued by the login service
}

// ServerConfig holds the chat server address.
type ServerConfig struct {
	URL string `yaml:"url"`
}

// ConnectionConfig holds Connection Manager timings.
type ConnectionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LivenessThreshold time.Duration `yaml:"liveness_threshold"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	ReadLimit         int64         `yaml:"read_limit"`
	BufferSize        int           `yaml:"buffer_size"`
}

// ReconnectConfig holds caller-level reconnection settings.
type ReconnectConfig struct {
	Enabled   *bool         `yaml:"enabled"` // nil = default (true)
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level          string        `yaml:"level"` // debug, info, warn, error
	StatusInterval time.Duration `yaml:"status_interval"`
}

// ReconnectEnabled reports whether reconnection is on.
func (r ReconnectConfig) ReconnectEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}
