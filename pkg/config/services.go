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

// VectorConfig configures the vector index gateway.
type VectorConfig struct {
	// Host of the qdrant server.
	Host string `yaml:"host"`

	// Port of the qdrant gRPC endpoint.
	Port int `yaml:"port"`

	// APIKey for qdrant authentication.
	APIKey string `yaml:"api_key,omitempty"`

	// EnableTLS toggles TLS on the qdrant connection.
	EnableTLS *bool `yaml:"enable_tls,omitempty"`

	// GlobalCollection is the collection for shared/admin documents.
	GlobalCollection string `yaml:"global_collection,omitempty"`

	// ToolsCollection holds vectorized tool descriptions for routing.
	ToolsCollection string `yaml:"tools_collection,omitempty"`

	// VectorSize is the embedding dimension.
	VectorSize int `yaml:"vector_size,omitempty"`

	// BatchSize is the number of points upserted per request.
	BatchSize int `yaml:"batch_size,omitempty"`

	// BatchTimeout bounds a single upsert batch.
	BatchTimeout time.Duration `yaml:"batch_timeout,omitempty"`

	// StorageMaxRetries caps retries for a failing batch.
	StorageMaxRetries int `yaml:"storage_max_retries,omitempty"`

	// BatchDelay is the pause between consecutive batches.
	BatchDelay time.Duration `yaml:"batch_delay,omitempty"`

	// Embedder configures the embeddings provider.
	Embedder EmbedderConfig `yaml:"embedder,omitempty"`
}

// EmbedderConfig configures the OpenAI-compatible embeddings endpoint.
type EmbedderConfig struct {
	BaseURL string        `yaml:"base_url,omitempty"`
	Model   string        `yaml:"model,omitempty"`
	APIKey  string        `yaml:"api_key,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.GlobalCollection == "" {
		c.GlobalCollection = "global_documents"
	}
	if c.ToolsCollection == "" {
		c.ToolsCollection = "tools"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 1536
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.StorageMaxRetries == 0 {
		c.StorageMaxRetries = 3
	}
	if c.BatchDelay == 0 {
		c.BatchDelay = 100 * time.Millisecond
	}
}

func (c *VectorConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("vector_size must be positive")
	}
	return nil
}

// RedisConfig configures the task result stash.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`

	// ResultTTL is how long stashed task results are kept.
	ResultTTL time.Duration `yaml:"result_ttl,omitempty"`
}

func (c *RedisConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.ResultTTL == 0 {
		c.ResultTTL = time.Hour
	}
}

// UploadsConfig configures the watched document tree.
type UploadsConfig struct {
	// Root is the uploads directory containing Users/, Global/, Teams/.
	Root string `yaml:"root"`

	// DebounceWindow coalesces repeated file events for the same path.
	DebounceWindow time.Duration `yaml:"debounce_window,omitempty"`
}

func (c *UploadsConfig) SetDefaults() {
	if c.DebounceWindow == 0 {
		c.DebounceWindow = 2 * time.Second
	}
}

func (c *UploadsConfig) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	return nil
}

// FabricConfig configures the background task runtime.
type FabricConfig struct {
	// Workers is the number of concurrent task workers.
	Workers int `yaml:"workers,omitempty"`

	// QueueSize is the submission buffer size.
	QueueSize int `yaml:"queue_size,omitempty"`

	// SoftTimeLimit bounds a single task execution.
	SoftTimeLimit time.Duration `yaml:"soft_time_limit,omitempty"`
}

func (c *FabricConfig) SetDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.SoftTimeLimit == 0 {
		c.SoftTimeLimit = 10 * time.Minute
	}
}

func (c *FabricConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}

// OrchestratorConfig configures the streaming agent client.
type OrchestratorConfig struct {
	// Address of the agent orchestrator gRPC endpoint.
	Address string `yaml:"address"`

	// MaxMessageSize raises the send/recv limits for long responses.
	MaxMessageSize int `yaml:"max_message_size,omitempty"`

	// CallTimeout bounds a single orchestrator query.
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`
}

func (c *OrchestratorConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = "localhost:50051"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 100 * 1024 * 1024
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 10 * time.Minute
	}
}

// RSSConfig configures feed polling.
type RSSConfig struct {
	// DefaultInterval is the poll interval for feeds without one.
	DefaultInterval time.Duration `yaml:"default_interval,omitempty"`

	// StuckThreshold resets feeds left in polling state longer than this.
	StuckThreshold time.Duration `yaml:"stuck_threshold,omitempty"`

	// Retention is the article retention window for the purge task.
	Retention time.Duration `yaml:"retention,omitempty"`

	// FetchTimeout bounds a single feed fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout,omitempty"`
}

func (c *RSSConfig) SetDefaults() {
	if c.DefaultInterval == 0 {
		c.DefaultInterval = time.Hour
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = 30 * time.Minute
	}
	if c.Retention == 0 {
		c.Retention = 14 * 24 * time.Hour
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 60 * time.Second
	}
}

func (c *RSSConfig) Validate() error {
	if c.DefaultInterval < time.Minute {
		return fmt.Errorf("default_interval must be at least one minute")
	}
	return nil
}
