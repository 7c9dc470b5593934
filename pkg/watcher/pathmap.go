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

package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adamsih300u/bastion/pkg/documents"
)

// ignoredDirs are operational directories never synced with the database.
var ignoredDirs = map[string]bool{
	"logs":         true,
	"processed":    true,
	"node_modules": true,
	".git":         true,
	".cursor":      true,
	"messaging":    true,
	"attachments":  true,
}

// imageExtensions are skipped inside team post subtrees.
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".bmp": true, ".svg": true, ".ico": true,
}

// PathContext is the parsed location of a path in the managed tree.
type PathContext struct {
	Scope      documents.Scope
	Username   string
	FolderPath []string // folder chain below the scope root
	Filename   string   // empty for directories
}

// UserResolver maps directory names to user/team ids. The repository
// satisfies it.
type UserResolver interface {
	EnsureUser(ctx context.Context, username string) (string, error)
	EnsureTeam(ctx context.Context, name string) (string, error)
}

// PathMapper parses disk paths into scope + folder chain. Its layout
// must agree exactly with the ingest service's DiskPath, or live sync
// and uploads would disagree about where files live.
type PathMapper struct {
	root  string
	users UserResolver
}

func NewPathMapper(root string, users UserResolver) *PathMapper {
	return &PathMapper{root: root, users: users}
}

// Resolve parses an absolute path. ok is false for paths outside the
// tree or inside an ignored subtree.
func (m *PathMapper) Resolve(ctx context.Context, path string, isDir bool) (pc *PathContext, ok bool, err error) {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, false, nil
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, part := range parts {
		if ignoredDirs[part] || strings.HasPrefix(part, ".") {
			return nil, false, nil
		}
	}

	switch parts[0] {
	case "Users":
		return m.resolveUser(ctx, parts, isDir)
	case "Global":
		return m.resolveGlobal(parts, isDir)
	case "Teams":
		return m.resolveTeam(ctx, parts, isDir)
	default:
		return nil, false, nil
	}
}

func (m *PathMapper) resolveUser(ctx context.Context, parts []string, isDir bool) (*PathContext, bool, error) {
	if len(parts) < 2 {
		return nil, false, nil
	}
	username := parts[1]

	uid, err := m.users.EnsureUser(ctx, username)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve user %s: %w", username, err)
	}

	folders, filename := splitTail(parts[2:], isDir)
	return &PathContext{
		Scope:      documents.UserScope(uid),
		Username:   username,
		FolderPath: folders,
		Filename:   filename,
	}, true, nil
}

func (m *PathMapper) resolveGlobal(parts []string, isDir bool) (*PathContext, bool, error) {
	folders, filename := splitTail(parts[1:], isDir)
	return &PathContext{
		Scope:      documents.GlobalScope(),
		FolderPath: folders,
		Filename:   filename,
	}, true, nil
}

func (m *PathMapper) resolveTeam(ctx context.Context, parts []string, isDir bool) (*PathContext, bool, error) {
	if len(parts) < 3 {
		return nil, false, nil
	}
	teamName := parts[1]

	switch parts[2] {
	case "documents":
		// Teams/<team>/documents/... is the managed subtree.
	case "posts":
		// Team posts carry text and document attachments; images are chat
		// decoration, not knowledge.
		if !isDir && imageExtensions[strings.ToLower(filepath.Ext(parts[len(parts)-1]))] {
			return nil, false, nil
		}
	default:
		return nil, false, nil
	}

	teamID, err := m.users.EnsureTeam(ctx, teamName)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve team %s: %w", teamName, err)
	}

	folders, filename := splitTail(parts[3:], isDir)
	return &PathContext{
		Scope:      documents.TeamScope(teamID),
		FolderPath: folders,
		Filename:   filename,
	}, true, nil
}

// splitTail separates the folder chain from a trailing filename.
func splitTail(parts []string, isDir bool) (folders []string, filename string) {
	if len(parts) == 0 {
		return nil, ""
	}
	if isDir {
		return parts, ""
	}
	return parts[:len(parts)-1], parts[len(parts)-1]
}
