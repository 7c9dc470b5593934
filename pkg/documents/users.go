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

package documents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adamsih300u/bastion/pkg/db"
)

// GetUserIDByUsername resolves a filesystem directory name to a user id.
// Returns ("", nil) when the user does not exist.
func (r *Repository) GetUserIDByUsername(ctx context.Context, username string) (string, error) {
	row, err := r.mgr.FetchOne(ctx,
		r.q(`SELECT user_id FROM users WHERE username = $1`),
		[]any{username}, db.Admin())
	if err != nil {
		return "", fmt.Errorf("failed to look up user %s: %w", username, err)
	}
	if row == nil {
		return "", nil
	}
	return asString(row["user_id"]), nil
}

// GetUsernameByID is the inverse mapping, used to rebuild on-disk paths.
func (r *Repository) GetUsernameByID(ctx context.Context, userID string) (string, error) {
	row, err := r.mgr.FetchOne(ctx,
		r.q(`SELECT username FROM users WHERE user_id = $1`),
		[]any{userID}, db.Admin())
	if err != nil {
		return "", fmt.Errorf("failed to look up user id %s: %w", userID, err)
	}
	if row == nil {
		return "", nil
	}
	return asString(row["username"]), nil
}

// EnsureUser creates the user when missing and returns its id. The
// watcher calls this for per-user directories that appear on disk
// before any account record exists.
func (r *Repository) EnsureUser(ctx context.Context, username string) (string, error) {
	id, err := r.GetUserIDByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = strings.ReplaceAll(uuid.New().String(), "-", "")
	err = r.mgr.Exec(ctx,
		r.q(`INSERT INTO users (user_id, username, role, created_at)
VALUES ($1, $2, 'user', $3)
ON CONFLICT (username) DO NOTHING`),
		[]any{id, username, time.Now().UTC()}, db.Admin())
	if err != nil {
		return "", fmt.Errorf("failed to create user %s: %w", username, err)
	}

	// Re-read so a concurrent creator's id wins.
	id, err = r.GetUserIDByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("user %s missing after insert", username)
	}
	return id, nil
}

// EnsureTeam creates the team row when missing and returns its id. Team
// ids are derived from the directory name so reconciliation is stable.
func (r *Repository) EnsureTeam(ctx context.Context, name string) (string, error) {
	row, err := r.mgr.FetchOne(ctx,
		r.q(`SELECT team_id FROM teams WHERE name = $1`),
		[]any{name}, db.Admin())
	if err != nil {
		return "", fmt.Errorf("failed to look up team %s: %w", name, err)
	}
	if row != nil {
		return asString(row["team_id"]), nil
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	err = r.mgr.Exec(ctx,
		r.q(`INSERT INTO teams (team_id, name, created_at) VALUES ($1, $2, $3)`),
		[]any{id, name, time.Now().UTC()}, db.Admin())
	if err != nil {
		return "", fmt.Errorf("failed to create team %s: %w", name, err)
	}
	return id, nil
}
