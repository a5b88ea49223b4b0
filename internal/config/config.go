package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	Database DatabaseConfig `yaml:"database"`
	History  HistoryConfig  `yaml:"history"`
	Health   HealthConfig   `yaml:"health"`
}

// ServerConfig holds the websocket listener settings.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBufferSize int           `yaml:"send_buffer_size"`
}

// RegistryConfig holds Connection Registry settings.
type RegistryConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DatabaseConfig holds the Postgres connection for the optional
// pairing-event history.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HistoryConfig holds the pairing-event writer settings.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// HealthConfig holds the health/stats endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
