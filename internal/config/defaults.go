package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServerURL         = "ws://localhost:4321"
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultLivenessThreshold = 12 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultHandshakeTimeout  = 15 * time.Second
	DefaultReadLimit         = 1 << 20
	DefaultBufferSize        = 256
	DefaultReconnectBase     = 1 * time.Second
	DefaultReconnectMax      = 60 * time.Second
	DefaultLogLevel          = "info"
	DefaultStatusInterval    = 30 * time.Second
)

func (c *ClientConfig) applyDefaults() {
	if c.Server.URL == "" {
		c.Server.URL = DefaultServerURL
	}

	// Connection defaults
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connection.LivenessThreshold == 0 {
		c.Connection.LivenessThreshold = DefaultLivenessThreshold
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.ReadLimit == 0 {
		c.Connection.ReadLimit = DefaultReadLimit
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBase
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMax
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.StatusInterval == 0 {
		c.Log.StatusInterval = DefaultStatusInterval
	}
}
