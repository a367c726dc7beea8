package config

import (
	"fmt"
	"strings"
)

const (
	// DefaultSandboxListen is the default sandbox listen address.
	DefaultSandboxListen = ":8585"

	// DefaultPollsUntilDone is how many polls a sandbox report stays RUNNING.
	DefaultPollsUntilDone = 1

	// DefaultSandboxRequestsPerMinute is the default per-key rate limit.
	DefaultSandboxRequestsPerMinute = 120

	// DefaultSandboxSQLitePath is the default sandbox database file.
	DefaultSandboxSQLitePath = "ercxoor-sandbox.db"
)

// SandboxConfig configures the local stand-in for the remote API.
type SandboxConfig struct {
	Listen         string                `yaml:"listen" mapstructure:"listen"`
	Fixture        string                `yaml:"fixture" mapstructure:"fixture"`
	CORSOrigins    []string              `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	APIKeyHashes   []string              `yaml:"api_key_hashes,omitempty" mapstructure:"api_key_hashes"`
	PollsUntilDone int                   `yaml:"polls_until_done" mapstructure:"polls_until_done"`
	RateLimit      RateLimitConfig       `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Database       SandboxDatabaseConfig `yaml:"database" mapstructure:"database"`
}

// RateLimitConfig configures per-key rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// SandboxDatabaseConfig contains database connection settings.
type SandboxDatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

func (c *SandboxConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultSandboxListen
	}

	if c.PollsUntilDone < 0 {
		c.PollsUntilDone = 0
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = DefaultSandboxRequestsPerMinute
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	c.Database.Driver = strings.ToLower(c.Database.Driver)

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSandboxSQLitePath
	}

	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}
}

// Validate checks the sandbox settings.
func (c *SandboxConfig) Validate() error {
	if c.Fixture == "" {
		return fmt.Errorf("fixture is required")
	}

	if len(c.APIKeyHashes) == 0 {
		return fmt.Errorf("at least one api_key_hashes entry is required")
	}

	for i, h := range c.APIKeyHashes {
		if !strings.HasPrefix(h, "$2") {
			return fmt.Errorf("api_key_hashes[%d] is not a bcrypt hash", i)
		}
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	return nil
}

// Validate checks the database settings.
func (c *SandboxDatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres.host is required")
		}

		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}

	return nil
}
