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

const folderColumns = `folder_id, name, parent_folder_id, user_id, team_id, collection_type,
category, tags, inherit_tags, created_at, updated_at`

// FolderData is the input for create-or-get.
type FolderData struct {
	Name           string
	ParentFolderID *string
	Scope          Scope
	Category       string
	Tags           []string
	InheritTags    bool
}

// conflictTarget returns the ON CONFLICT clause matching the partial
// unique index that covers this folder shape (root vs child, user vs
// team vs global). The predicates must mirror schema.go exactly, or the
// UPSERT degenerates into duplicate rows under concurrency.
func conflictTarget(data FolderData) string {
	root := data.ParentFolderID == nil
	switch {
	case root && data.Scope.TeamID != nil:
		return `(team_id, name, collection_type) WHERE parent_folder_id IS NULL AND team_id IS NOT NULL`
	case root && data.Scope.UserID != nil:
		return `(user_id, name, collection_type) WHERE parent_folder_id IS NULL AND user_id IS NOT NULL`
	case root:
		return `(name, collection_type) WHERE parent_folder_id IS NULL AND user_id IS NULL AND team_id IS NULL`
	case data.Scope.TeamID != nil:
		return `(team_id, name, parent_folder_id, collection_type) WHERE parent_folder_id IS NOT NULL AND team_id IS NOT NULL`
	case data.Scope.UserID != nil:
		return `(user_id, name, parent_folder_id, collection_type) WHERE parent_folder_id IS NOT NULL AND user_id IS NOT NULL`
	default:
		return `(name, parent_folder_id, collection_type) WHERE parent_folder_id IS NOT NULL AND user_id IS NULL AND team_id IS NULL`
	}
}

// CreateOrGetFolder inserts the folder or, on conflict with the partial
// unique index for its shape, touches updated_at and returns the existing
// row. Concurrent callers converge on a single folder id.
func (r *Repository) CreateOrGetFolder(ctx context.Context, data FolderData, rls *db.RLSContext) (*Folder, error) {
	if data.Name == "" {
		return nil, fmt.Errorf("folder name is required")
	}

	now := time.Now().UTC()
	id := strings.ReplaceAll(uuid.New().String(), "-", "")

	query := `INSERT INTO document_folders (` + folderColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT ` + conflictTarget(data) + `
DO UPDATE SET updated_at = excluded.updated_at
RETURNING ` + folderColumns

	row, err := r.mgr.FetchOne(ctx, r.q(query), []any{
		id, data.Name, data.ParentFolderID, data.Scope.UserID, data.Scope.TeamID, string(data.Scope.Kind),
		data.Category, marshalTags(data.Tags), data.InheritTags, now, now,
	}, rls)
	if err != nil {
		return nil, fmt.Errorf("failed to create or get folder: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("folder upsert returned no row")
	}
	return folderFromRow(row), nil
}

// GetFolder fetches a folder by id.
func (r *Repository) GetFolder(ctx context.Context, id string, rls *db.RLSContext) (*Folder, error) {
	row, err := r.mgr.FetchOne(ctx,
		r.q(`SELECT `+folderColumns+` FROM document_folders WHERE folder_id = $1`),
		[]any{id}, rls)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch folder: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return folderFromRow(row), nil
}

// ResolvePath resolves a folder-name chain level by level within a scope.
// It returns (nil, nil) when any component is missing.
func (r *Repository) ResolvePath(ctx context.Context, scope Scope, components []string, rls *db.RLSContext) (*Folder, error) {
	var current *Folder

	for _, name := range components {
		var parentID *string
		if current != nil {
			parentID = &current.ID
		}

		folder, err := r.findFolder(ctx, scope, name, parentID, rls)
		if err != nil {
			return nil, err
		}
		if folder == nil {
			return nil, nil
		}
		current = folder
	}
	return current, nil
}

// EnsurePath creates any missing component of the chain idempotently and
// returns the leaf folder. Safe under concurrent drops into the same new
// directory: each level converges through CreateOrGetFolder.
func (r *Repository) EnsurePath(ctx context.Context, scope Scope, components []string, rls *db.RLSContext) (*Folder, error) {
	var current *Folder

	for _, name := range components {
		var parentID *string
		if current != nil {
			parentID = &current.ID
		}

		folder, err := r.CreateOrGetFolder(ctx, FolderData{
			Name:           name,
			ParentFolderID: parentID,
			Scope:          scope,
		}, rls)
		if err != nil {
			return nil, err
		}
		current = folder
	}
	return current, nil
}

// FolderPath reconstructs the name chain for a folder, root first.
func (r *Repository) FolderPath(ctx context.Context, folderID string, rls *db.RLSContext) ([]string, error) {
	var components []string

	id := folderID
	for depth := 0; depth < 64; depth++ {
		folder, err := r.GetFolder(ctx, id, rls)
		if err != nil {
			return nil, err
		}
		if folder == nil {
			return nil, fmt.Errorf("folder %s not found", id)
		}
		components = append([]string{folder.Name}, components...)
		if folder.ParentFolderID == nil {
			return components, nil
		}
		id = *folder.ParentFolderID
	}
	return nil, fmt.Errorf("folder chain for %s exceeds maximum depth", folderID)
}

// DeleteFolder removes a folder; children and documents cascade in the
// database. Callers are responsible for requesting vector-store cleanup
// for the documents that disappear.
func (r *Repository) DeleteFolder(ctx context.Context, id string, rls *db.RLSContext) error {
	err := r.mgr.Exec(ctx,
		r.q(`DELETE FROM document_folders WHERE folder_id = $1`),
		[]any{id}, rls)
	if err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}

// ListFolders returns every folder of a scope, parents before children.
func (r *Repository) ListFolders(ctx context.Context, scope Scope, rls *db.RLSContext) ([]*Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM document_folders WHERE collection_type = $1`
	args := []any{string(scope.Kind)}

	if scope.UserID != nil {
		args = append(args, *scope.UserID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	} else {
		query += ` AND user_id IS NULL`
	}
	if scope.TeamID != nil {
		args = append(args, *scope.TeamID)
		query += fmt.Sprintf(` AND team_id = $%d`, len(args))
	} else {
		query += ` AND team_id IS NULL`
	}

	query += ` ORDER BY created_at ASC`

	rows, err := r.mgr.FetchAll(ctx, r.q(query), args, rls)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	folders := make([]*Folder, 0, len(rows))
	for _, row := range rows {
		folders = append(folders, folderFromRow(row))
	}
	return folders, nil
}

// ListAllFolders returns every folder row (reconciler pass, admin RLS).
func (r *Repository) ListAllFolders(ctx context.Context, rls *db.RLSContext) ([]*Folder, error) {
	rows, err := r.mgr.FetchAll(ctx,
		r.q(`SELECT `+folderColumns+` FROM document_folders ORDER BY created_at ASC`),
		nil, rls)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	folders := make([]*Folder, 0, len(rows))
	for _, row := range rows {
		folders = append(folders, folderFromRow(row))
	}
	return folders, nil
}

func (r *Repository) findFolder(ctx context.Context, scope Scope, name string, parentID *string, rls *db.RLSContext) (*Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM document_folders WHERE name = $1 AND collection_type = $2`
	args := []any{name, string(scope.Kind)}

	if parentID != nil {
		args = append(args, *parentID)
		query += fmt.Sprintf(` AND parent_folder_id = $%d`, len(args))
	} else {
		query += ` AND parent_folder_id IS NULL`
	}

	if scope.UserID != nil {
		args = append(args, *scope.UserID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	} else {
		query += ` AND user_id IS NULL`
	}
	if scope.TeamID != nil {
		args = append(args, *scope.TeamID)
		query += fmt.Sprintf(` AND team_id = $%d`, len(args))
	} else {
		query += ` AND team_id IS NULL`
	}

	row, err := r.mgr.FetchOne(ctx, r.q(query), args, rls)
	if err != nil {
		return nil, fmt.Errorf("failed to find folder: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return folderFromRow(row), nil
}

func folderFromRow(row db.Row) *Folder {
	return &Folder{
		ID:             asString(row["folder_id"]),
		Name:           asString(row["name"]),
		ParentFolderID: asStringPtr(row["parent_folder_id"]),
		UserID:         asStringPtr(row["user_id"]),
		TeamID:         asStringPtr(row["team_id"]),
		CollectionKind: CollectionKind(asString(row["collection_type"])),
		Category:       asString(row["category"]),
		Tags:           unmarshalTags(asString(row["tags"])),
		InheritTags:    asBool(row["inherit_tags"]),
		CreatedAt:      asTime(row["created_at"]),
		UpdatedAt:      asTime(row["updated_at"]),
	}
}
