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

package db

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// transientFragments mark errors worth retrying with backoff. Everything
// else fails fast.
var transientFragments = []string{
	"connection was closed",
	"connection does not exist",
	"another operation is in progress",
	"server closed the connection unexpectedly",
	"timeout",
	"connection refused",
}

// IsTransient reports whether the error is a retryable connection-level failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// withRetry runs op, retrying transient errors with exponential backoff
// (RetryDelayBase * 2^attempt) up to RetryAttempts.
func (m *Manager) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= m.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := m.cfg.RetryDelayBase * time.Duration(1<<(attempt-1))
			slog.Warn("Retrying database operation",
				"attempt", attempt,
				"delay", delay,
				"error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
	}
	return err
}
