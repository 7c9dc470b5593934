// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"time"
)

// ExecutionMode selects how the database manager acquires connections.
type ExecutionMode string

const (
	// ModePooled uses the shared long-lived connection pool. Default for
	// the server process.
	ModePooled ExecutionMode = "pooled"

	// ModeOneShot opens a dedicated connection per call and closes it
	// afterwards. Intended for short-lived worker processes where a shared
	// pool cannot be carried across the process boundary.
	ModeOneShot ExecutionMode = "oneshot"
)

// DatabaseConfig holds configuration for the database manager.
// Supports PostgreSQL (production, row-level security) and SQLite (tests,
// single-node development).
type DatabaseConfig struct {
	// Driver specifies the database driver: "postgres" or "sqlite".
	Driver string `yaml:"driver"`

	// Host is the database server hostname (not required for SQLite).
	Host string `yaml:"host,omitempty"`

	// Port is the database server port (not required for SQLite).
	Port int `yaml:"port,omitempty"`

	// Database is the database name (or file path for SQLite).
	Database string `yaml:"database"`

	// Username for database authentication.
	Username string `yaml:"username,omitempty"`

	// Password for database authentication.
	Password string `yaml:"password,omitempty"`

	// SSLMode for PostgreSQL connections.
	SSLMode string `yaml:"ssl_mode,omitempty"`

	// MinConns is the minimum number of idle connections kept open.
	MinConns int `yaml:"min_conns,omitempty"`

	// MaxConns is the maximum number of open connections.
	MaxConns int `yaml:"max_conns,omitempty"`

	// CommandTimeout bounds every statement execution.
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`

	// MaxConnLifetime recycles connections older than this.
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime,omitempty"`

	// MaxConnIdleTime closes connections idle longer than this.
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time,omitempty"`

	// RetryAttempts is the number of retries for transient errors.
	RetryAttempts int `yaml:"retry_attempts,omitempty"`

	// RetryDelayBase is the base delay for exponential retry backoff.
	RetryDelayBase time.Duration `yaml:"retry_delay_base,omitempty"`

	// HealthCheckInterval is the period of the background health probe.
	HealthCheckInterval time.Duration `yaml:"health_check_interval,omitempty"`

	// EnableQueryLogging logs every statement at debug level.
	EnableQueryLogging bool `yaml:"enable_query_logging,omitempty"`

	// Mode selects pooled or one-shot connection acquisition.
	Mode ExecutionMode `yaml:"mode,omitempty"`
}

// SetDefaults applies default values to the database config.
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.Port == 0 && c.Driver == "postgres" {
		c.Port = 5432
	}
	if c.Driver == "postgres" && c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MinConns == 0 {
		c.MinConns = 5
	}
	if c.MaxConns == 0 {
		c.MaxConns = 20
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 60 * time.Second
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelayBase == 0 {
		c.RetryDelayBase = time.Second
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.Mode == "" {
		c.Mode = ModePooled
	}
}

// Validate checks the database configuration.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "postgres", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("invalid driver %q (valid: postgres, sqlite)", c.Driver)
	}

	if c.Database == "" {
		return fmt.Errorf("database is required")
	}

	if c.Driver == "postgres" && c.Host == "" {
		return fmt.Errorf("host is required for postgres")
	}

	switch c.Mode {
	case ModePooled, ModeOneShot:
	default:
		return fmt.Errorf("invalid mode %q (valid: pooled, oneshot)", c.Mode)
	}

	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns (%d) must not exceed max_conns (%d)", c.MinConns, c.MaxConns)
	}

	return nil
}

// DriverName returns the database/sql driver name.
func (c *DatabaseConfig) DriverName() string {
	if c.Driver == "sqlite" || c.Driver == "sqlite3" {
		return "sqlite3"
	}
	return c.Driver
}

// DSN returns the data source name for the configured driver.
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s", c.Host, c.Port, c.Database, c.SSLMode)
		if c.Username != "" {
			dsn += fmt.Sprintf(" user=%s", c.Username)
		}
		if c.Password != "" {
			dsn += fmt.Sprintf(" password=%s", c.Password)
		}
		return dsn
	default:
		return c.Database
	}
}
