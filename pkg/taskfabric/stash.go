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

package taskfabric

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adamsih300u/bastion/pkg/config"
)

// stashKeyPrefix namespaces stashed payloads in redis.
const stashKeyPrefix = "orchestrator_result:"

// ResultStash holds oversized task results out-of-band with a bounded
// TTL, keeping the task state store small.
type ResultStash struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResultStash connects to redis and verifies the connection.
func NewResultStash(cfg *config.RedisConfig) (*ResultStash, error) {
	if cfg == nil {
		cfg = &config.RedisConfig{}
	}
	cfg.SetDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &ResultStash{client: client, ttl: cfg.ResultTTL}, nil
}

// Store serializes the payload under orchestrator_result:<task_id>.
func (s *ResultStash) Store(ctx context.Context, taskID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}
	if err := s.client.Set(ctx, stashKeyPrefix+taskID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to stash result: %w", err)
	}
	return nil
}

// Load reads a stashed payload into out. A missing or expired key
// returns ErrResultGone.
func (s *ResultStash) Load(ctx context.Context, taskID string, out any) error {
	data, err := s.client.Get(ctx, stashKeyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return ErrResultGone
	}
	if err != nil {
		return fmt.Errorf("failed to read stashed result: %w", err)
	}
	return json.Unmarshal(data, out)
}

// Close releases the redis connection.
func (s *ResultStash) Close() error {
	return s.client.Close()
}

// ErrResultGone marks a stashed result that expired or never existed.
var ErrResultGone = fmt.Errorf("stashed result not found")
