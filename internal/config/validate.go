package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.PingInterval >= c.Server.ReadTimeout {
		return errors.New("server.ping_interval must be shorter than server.read_timeout")
	}
	if c.Server.SendBufferSize < 1 {
		return errors.New("server.send_buffer_size must be >= 1")
	}

	if c.Registry.SweepInterval <= 0 {
		return errors.New("registry.sweep_interval must be positive")
	}

	if c.History.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.History.BatchSize < 1 {
			return errors.New("history.batch_size must be >= 1")
		}
		if c.History.BufferSize < 1 {
			return errors.New("history.buffer_size must be >= 1")
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}
	if c.Health.Port == c.Server.Port {
		return errors.New("health.port must differ from server.port")
	}

	return nil
}

func (db *DatabaseConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
