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
)

const createDocumentsTableSQL = `
CREATE TABLE IF NOT EXISTS document_metadata (
    document_id VARCHAR(32) PRIMARY KEY,
    filename VARCHAR(512) NOT NULL,
    title VARCHAR(512),
    description TEXT,
    doc_type VARCHAR(32) NOT NULL,
    file_size BIGINT NOT NULL DEFAULT 0,
    file_hash VARCHAR(64) NOT NULL,
    processing_status VARCHAR(32) NOT NULL,
    uploaded_at TIMESTAMP NOT NULL,
    quality_metrics TEXT,
    page_count INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    entity_count INTEGER NOT NULL DEFAULT 0,
    category VARCHAR(64),
    tags TEXT,
    author VARCHAR(256),
    language VARCHAR(16),
    publication_date TIMESTAMP,
    folder_id VARCHAR(32),
    user_id VARCHAR(64),
    team_id VARCHAR(64),
    collection_type VARCHAR(16) NOT NULL DEFAULT 'user',
    submission_status VARCHAR(32),
    submitted_by VARCHAR(64),
    submitted_at TIMESTAMP,
    reviewed_by VARCHAR(64),
    reviewed_at TIMESTAMP,
    parent_document_id VARCHAR(32),
    original_zip_path TEXT,
    inherit_metadata BOOLEAN NOT NULL DEFAULT FALSE,
    FOREIGN KEY (folder_id) REFERENCES document_folders(folder_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_documents_file_hash ON document_metadata(file_hash);
CREATE INDEX IF NOT EXISTS idx_documents_context ON document_metadata(filename, user_id, folder_id, collection_type);
CREATE INDEX IF NOT EXISTS idx_documents_status ON document_metadata(processing_status);
CREATE INDEX IF NOT EXISTS idx_documents_folder ON document_metadata(folder_id);
`

const createFoldersTableSQL = `
CREATE TABLE IF NOT EXISTS document_folders (
    folder_id VARCHAR(32) PRIMARY KEY,
    name VARCHAR(256) NOT NULL,
    parent_folder_id VARCHAR(32),
    user_id VARCHAR(64),
    team_id VARCHAR(64),
    collection_type VARCHAR(16) NOT NULL DEFAULT 'user',
    category VARCHAR(64),
    tags TEXT,
    inherit_tags BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    FOREIGN KEY (parent_folder_id) REFERENCES document_folders(folder_id) ON DELETE CASCADE
);
`

// Partial unique indexes backing the create-or-get UPSERT. The predicates
// must match the ON CONFLICT targets in folders.go exactly.
const createFolderIndexesSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS uq_folders_root_team
    ON document_folders(team_id, name, collection_type)
    WHERE parent_folder_id IS NULL AND team_id IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS uq_folders_root_user
    ON document_folders(user_id, name, collection_type)
    WHERE parent_folder_id IS NULL AND user_id IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS uq_folders_root_global
    ON document_folders(name, collection_type)
    WHERE parent_folder_id IS NULL AND user_id IS NULL AND team_id IS NULL;

CREATE UNIQUE INDEX IF NOT EXISTS uq_folders_child_team
    ON document_folders(team_id, name, parent_folder_id, collection_type)
    WHERE parent_folder_id IS NOT NULL AND team_id IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS uq_folders_child_user
    ON document_folders(user_id, name, parent_folder_id, collection_type)
    WHERE parent_folder_id IS NOT NULL AND user_id IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS uq_folders_child_global
    ON document_folders(name, parent_folder_id, collection_type)
    WHERE parent_folder_id IS NOT NULL AND user_id IS NULL AND team_id IS NULL;
`

const createUsersTablesSQL = `
CREATE TABLE IF NOT EXISTS users (
    user_id VARCHAR(64) PRIMARY KEY,
    username VARCHAR(128) NOT NULL UNIQUE,
    role VARCHAR(32) NOT NULL DEFAULT 'user',
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS teams (
    team_id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(256) NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// RLS is expected on document_metadata and intentionally disabled on
// document_folders (folders are shared navigation structure).
const enableRLSSQL = `
ALTER TABLE document_metadata ENABLE ROW LEVEL SECURITY;

DO $$ BEGIN
    CREATE POLICY document_metadata_scope ON document_metadata
        USING (
            current_setting('app.current_user_role', true) = 'admin'
            OR user_id IS NULL
            OR user_id = current_setting('app.current_user_id', true)
        );
EXCEPTION WHEN duplicate_object THEN NULL;
END $$;
`

// InitSchema creates the document, folder, user, and team tables together
// with the partial unique indexes that the folder UPSERT depends on.
func (r *Repository) InitSchema(ctx context.Context) error {
	statements := []string{
		createFoldersTableSQL,
		createDocumentsTableSQL,
		createFolderIndexesSQL,
		createUsersTablesSQL,
	}

	for _, stmt := range statements {
		for _, single := range splitStatements(stmt) {
			if err := r.mgr.Exec(ctx, single, nil, nil); err != nil {
				return fmt.Errorf("failed to initialize schema: %w", err)
			}
		}
	}

	if r.mgr.Dialect() == "postgres" {
		if err := r.mgr.Exec(ctx, enableRLSSQL, nil, nil); err != nil {
			return fmt.Errorf("failed to enable row level security: %w", err)
		}
	}

	return nil
}

// splitStatements breaks a multi-statement DDL block on blank-line-separated
// semicolons. SQLite's driver executes one statement at a time.
func splitStatements(block string) []string {
	var out []string
	for _, stmt := range strings.Split(block, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
