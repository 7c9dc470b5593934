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

package vector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Embedder computes embeddings for batches of texts. Providers are
// external; this package only defines the contract it consumes.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// RateLimitError is returned by embedders when the provider throttles.
// RetryAfter carries the server-recommended wait when advertised.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// rateLimitFloor is the minimum wait on a rate-limit response, applied
// even when the server recommends less.
const rateLimitFloor = 5 * time.Second

// RetryingEmbedder wraps an Embedder with input validation, batching,
// and rate-limit-aware retry.
type RetryingEmbedder struct {
	inner      Embedder
	batchSize  int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryingEmbedder wraps the given embedder. batchSize <= 0 uses 64.
func NewRetryingEmbedder(inner Embedder, batchSize int) *RetryingEmbedder {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &RetryingEmbedder{
		inner:      inner,
		batchSize:  batchSize,
		maxRetries: 5,
		baseDelay:  time.Second,
		maxDelay:   2 * time.Minute,
	}
}

// Dimension returns the wrapped embedder's dimension.
func (r *RetryingEmbedder) Dimension() int {
	return r.inner.Dimension()
}

// Embed validates and trims inputs, drops empties, and embeds in batches.
// The returned slice is aligned with the surviving (non-empty) inputs in
// order; use EmbedKeep to track which inputs survived.
func (r *RetryingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, _, err := r.EmbedKeep(ctx, texts)
	return vectors, err
}

// EmbedKeep is Embed plus the indexes of the inputs that were embedded.
func (r *RetryingEmbedder) EmbedKeep(ctx context.Context, texts []string) ([][]float32, []int, error) {
	var (
		kept    []string
		indexes []int
	)
	for i, t := range texts {
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			continue
		}
		kept = append(kept, trimmed)
		indexes = append(indexes, i)
	}
	if len(kept) == 0 {
		return nil, nil, nil
	}

	var vectors [][]float32
	for start := 0; start < len(kept); start += r.batchSize {
		end := start + r.batchSize
		if end > len(kept) {
			end = len(kept)
		}

		batch, err := r.embedWithRetry(ctx, kept[start:end])
		if err != nil {
			return nil, nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, indexes, nil
}

func (r *RetryingEmbedder) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		vectors, err := r.inner.Embed(ctx, batch)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		var delay time.Duration
		if rl, ok := err.(*RateLimitError); ok {
			// Honor the server-advertised wait, with a hard floor.
			delay = rl.RetryAfter
			if delay < rateLimitFloor {
				delay = rateLimitFloor
			}
		} else {
			delay = r.baseDelay * time.Duration(1<<attempt)
			if delay > r.maxDelay {
				delay = r.maxDelay
			}
		}

		slog.Warn("Embedding batch failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("embedding failed after %d retries: %w", r.maxRetries, lastErr)
}
