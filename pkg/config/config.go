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

// Package config holds the typed configuration for every bastion component.
//
// Each section follows the same contract: yaml tags for file loading,
// SetDefaults() to fill unset fields, Validate() to fail fast on
// misconfiguration. Environment variables referenced as ${VAR} or
// ${VAR:-default} in the YAML source are expanded before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the bastion server.
type Config struct {
	// Log configures logging level and format.
	Log LogConfig `yaml:"log"`

	// Database configures the shared database manager.
	Database DatabaseConfig `yaml:"database"`

	// Vector configures the vector index gateway.
	Vector VectorConfig `yaml:"vector"`

	// Redis configures the task result stash.
	Redis RedisConfig `yaml:"redis"`

	// Uploads configures the watched on-disk document tree.
	Uploads UploadsConfig `yaml:"uploads"`

	// Fabric configures the background task runtime.
	Fabric FabricConfig `yaml:"fabric"`

	// Orchestrator configures the streaming agent client.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// RSS configures feed polling and retention.
	RSS RSSConfig `yaml:"rss"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // simple or verbose
}

func (c *LogConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Log.SetDefaults()
	c.Database.SetDefaults()
	c.Vector.SetDefaults()
	c.Redis.SetDefaults()
	c.Uploads.SetDefaults()
	c.Fabric.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.RSS.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Vector.Validate(); err != nil {
		return fmt.Errorf("vector: %w", err)
	}
	if err := c.Uploads.Validate(); err != nil {
		return fmt.Errorf("uploads: %w", err)
	}
	if err := c.Fabric.Validate(); err != nil {
		return fmt.Errorf("fabric: %w", err)
	}
	if err := c.RSS.Validate(); err != nil {
		return fmt.Errorf("rss: %w", err)
	}
	return nil
}

// Load reads, expands, parses, defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse parses YAML config bytes after environment expansion.
func Parse(raw []byte) (*Config, error) {
	expanded := ExpandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references with
// environment values. Unset variables without a default expand to "".
func ExpandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name := groups[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if groups[2] != "" {
			return groups[3]
		}
		return ""
	})
}

// BoolPtr returns a pointer to the given bool. Useful for optional flags.
func BoolPtr(b bool) *bool { return &b }

// StringPtr returns a pointer to the given string.
func StringPtr(s string) *string { return &s }
