package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPort           = 8080
	DefaultPath           = "/ws"
	DefaultPingInterval   = 30 * time.Second
	DefaultReadTimeout    = 60 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxMessageSize = 512 * 1024
	DefaultSendBufferSize = 256
	DefaultSweepInterval  = 60 * time.Second
	DefaultDBPort         = 5432
	DefaultDBSSLMode      = "prefer"
	DefaultMaxConns       = 10
	DefaultMinConns       = 2
	DefaultBatchSize      = 500
	DefaultFlushInterval  = 1 * time.Second
	DefaultBufferSize     = 1000
	DefaultHealthPort     = 9090
	DefaultHealthPath     = "/health"
)

func (c *RelayConfig) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultPath
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultPingInterval
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Server.SendBufferSize == 0 {
		c.Server.SendBufferSize = DefaultSendBufferSize
	}

	// Registry defaults
	if c.Registry.SweepInterval == 0 {
		c.Registry.SweepInterval = DefaultSweepInterval
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// History defaults
	if c.History.BatchSize == 0 {
		c.History.BatchSize = DefaultBatchSize
	}
	if c.History.FlushInterval == 0 {
		c.History.FlushInterval = DefaultFlushInterval
	}
	if c.History.BufferSize == 0 {
		c.History.BufferSize = DefaultBufferSize
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}
