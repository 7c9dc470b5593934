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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adamsih300u/bastion/pkg/db"
)

// Repository provides typed operations on document and folder rows.
// All SQL goes through the shared database manager.
type Repository struct {
	mgr *db.Manager
}

// NewRepository creates a repository over the given manager.
func NewRepository(mgr *db.Manager) *Repository {
	return &Repository{mgr: mgr}
}

// q rewrites $N placeholders to ? for the sqlite dialect.
func (r *Repository) q(query string) string {
	if r.mgr.Dialect() == "postgres" {
		return query
	}
	out := query
	for i := 30; i >= 1; i-- {
		out = strings.ReplaceAll(out, "$"+strconv.Itoa(i), "?")
	}
	return out
}

const documentColumns = `document_id, filename, title, description, doc_type, file_size, file_hash,
processing_status, uploaded_at, quality_metrics, page_count, chunk_count, entity_count,
category, tags, author, language, publication_date, folder_id, user_id, team_id,
collection_type, submission_status, submitted_by, submitted_at, reviewed_by, reviewed_at,
parent_document_id, original_zip_path, inherit_metadata`

// CreateWithFolder inserts a document row, carrying the folder id, in a
// single statement. A concurrent duplicate insert of the same id is a
// no-op (ON CONFLICT DO NOTHING), making create + assign atomic.
func (r *Repository) CreateWithFolder(ctx context.Context, doc *Document, folderID *string, rls *db.RLSContext) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if !doc.Status.Valid() {
		return fmt.Errorf("invalid processing status %q", doc.Status)
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	doc.FolderID = folderID

	query := `INSERT INTO document_metadata (` + documentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
ON CONFLICT (document_id) DO NOTHING`

	err := r.mgr.Exec(ctx, r.q(query), []any{
		doc.ID, doc.Filename, doc.Title, doc.Description, string(doc.DocType), doc.FileSize, doc.FileHash,
		string(doc.Status), doc.UploadedAt, marshalJSON(doc.QualityMetrics), doc.PageCount, doc.ChunkCount, doc.EntityCount,
		doc.Category, marshalTags(doc.Tags), doc.Author, doc.Language, doc.PublicationDate, doc.FolderID, doc.UserID, doc.TeamID,
		string(doc.CollectionKind), doc.SubmissionStatus, doc.SubmittedBy, doc.SubmittedAt, doc.ReviewedBy, doc.ReviewedAt,
		doc.ParentDocumentID, doc.OriginalZipPath, doc.InheritMetadata,
	}, rls)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID fetches a single document.
func (r *Repository) GetByID(ctx context.Context, id string, rls *db.RLSContext) (*Document, error) {
	row, err := r.mgr.FetchOne(ctx,
		r.q(`SELECT `+documentColumns+` FROM document_metadata WHERE document_id = $1`),
		[]any{id}, rls)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return docFromRow(row), nil
}

// FindByHash looks up a document by content hash for deduplication.
func (r *Repository) FindByHash(ctx context.Context, hash string, rls *db.RLSContext) (*Document, error) {
	row, err := r.mgr.FetchOne(ctx,
		r.q(`SELECT `+documentColumns+` FROM document_metadata WHERE file_hash = $1`),
		[]any{hash}, rls)
	if err != nil {
		return nil, fmt.Errorf("failed to find document by hash: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return docFromRow(row), nil
}

// FindByFilenameAndContext detects duplicates keyed on the scoping tuple.
// NULL user and folder ids are matched with IS NULL, never with equality.
func (r *Repository) FindByFilenameAndContext(ctx context.Context, filename string, userID *string, kind CollectionKind, folderID *string, rls *db.RLSContext) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM document_metadata WHERE filename = $1 AND collection_type = $2`
	args := []any{filename, string(kind)}

	if userID != nil {
		args = append(args, *userID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	} else {
		query += ` AND user_id IS NULL`
	}

	if folderID != nil {
		args = append(args, *folderID)
		query += fmt.Sprintf(` AND folder_id = $%d`, len(args))
	} else {
		query += ` AND folder_id IS NULL`
	}

	row, err := r.mgr.FetchOne(ctx, r.q(query), args, rls)
	if err != nil {
		return nil, fmt.Errorf("failed to find document by context: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return docFromRow(row), nil
}

// UpdateStatus advances the document lifecycle state.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status ProcessingStatus, rls *db.RLSContext) error {
	if !status.Valid() {
		return fmt.Errorf("invalid processing status %q", status)
	}
	err := r.mgr.Exec(ctx,
		r.q(`UPDATE document_metadata SET processing_status = $1 WHERE document_id = $2`),
		[]any{string(status), id}, rls)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// UpdateCounts records page/chunk/entity counts after processing.
func (r *Repository) UpdateCounts(ctx context.Context, id string, pages, chunks, entities int, rls *db.RLSContext) error {
	err := r.mgr.Exec(ctx,
		r.q(`UPDATE document_metadata SET page_count = $1, chunk_count = $2, entity_count = $3 WHERE document_id = $4`),
		[]any{pages, chunks, entities, id}, rls)
	if err != nil {
		return fmt.Errorf("failed to update counts: %w", err)
	}
	return nil
}

// MetadataPatch carries the mutable descriptive fields of a document.
type MetadataPatch struct {
	Title    *string
	Author   *string
	Category *string
	Tags     []string
}

// UpdateMetadata patches the descriptive fields present in the patch.
func (r *Repository) UpdateMetadata(ctx context.Context, id string, patch MetadataPatch, rls *db.RLSContext) error {
	sets := []string{}
	args := []any{}

	if patch.Title != nil {
		args = append(args, *patch.Title)
		sets = append(sets, fmt.Sprintf("title = $%d", len(args)))
	}
	if patch.Author != nil {
		args = append(args, *patch.Author)
		sets = append(sets, fmt.Sprintf("author = $%d", len(args)))
	}
	if patch.Category != nil {
		args = append(args, *patch.Category)
		sets = append(sets, fmt.Sprintf("category = $%d", len(args)))
	}
	if patch.Tags != nil {
		args = append(args, marshalTags(patch.Tags))
		sets = append(sets, fmt.Sprintf("tags = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE document_metadata SET %s WHERE document_id = $%d`, strings.Join(sets, ", "), len(args))
	if err := r.mgr.Exec(ctx, r.q(query), args, rls); err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return nil
}

// UpdateFilename renames the document (plain on-disk rename).
func (r *Repository) UpdateFilename(ctx context.Context, id, filename string, rls *db.RLSContext) error {
	err := r.mgr.Exec(ctx,
		r.q(`UPDATE document_metadata SET filename = $1 WHERE document_id = $2`),
		[]any{filename, id}, rls)
	if err != nil {
		return fmt.Errorf("failed to update filename: %w", err)
	}
	return nil
}

// UpdateFolder moves the document to another folder (nil means scope root).
func (r *Repository) UpdateFolder(ctx context.Context, id string, folderID *string, rls *db.RLSContext) error {
	err := r.mgr.Exec(ctx,
		r.q(`UPDATE document_metadata SET folder_id = $1 WHERE document_id = $2`),
		[]any{folderID, id}, rls)
	if err != nil {
		return fmt.Errorf("failed to update folder: %w", err)
	}
	return nil
}

// Delete removes the document row. The row is the authoritative record:
// once it is gone the document is gone for all reconciliation purposes.
func (r *Repository) Delete(ctx context.Context, id string, rls *db.RLSContext) error {
	err := r.mgr.Exec(ctx,
		r.q(`DELETE FROM document_metadata WHERE document_id = $1`),
		[]any{id}, rls)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// ListByFolder returns a folder's documents. A nil folderID selects the
// root-level documents of the given scope.
func (r *Repository) ListByFolder(ctx context.Context, folderID *string, userID *string, rls *db.RLSContext) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM document_metadata WHERE `
	args := []any{}

	if folderID != nil {
		args = append(args, *folderID)
		query += fmt.Sprintf(`folder_id = $%d`, len(args))
	} else {
		query += `folder_id IS NULL`
	}

	if userID != nil {
		args = append(args, *userID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	} else {
		query += ` AND user_id IS NULL`
	}

	query += ` ORDER BY filename ASC`

	rows, err := r.mgr.FetchAll(ctx, r.q(query), args, rls)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docsFromRows(rows), nil
}

// ListAll returns documents page by page, ordered by id, for the
// startup reconciler (admin RLS context).
func (r *Repository) ListAll(ctx context.Context, limit, offset int, rls *db.RLSContext) ([]*Document, error) {
	rows, err := r.mgr.FetchAll(ctx,
		r.q(`SELECT `+documentColumns+` FROM document_metadata ORDER BY document_id LIMIT $1 OFFSET $2`),
		[]any{limit, offset}, rls)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docsFromRows(rows), nil
}

func docsFromRows(rows []db.Row) []*Document {
	docs := make([]*Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, docFromRow(row))
	}
	return docs
}

func docFromRow(row db.Row) *Document {
	doc := &Document{
		ID:               asString(row["document_id"]),
		Filename:         asString(row["filename"]),
		Title:            asString(row["title"]),
		Description:      asString(row["description"]),
		DocType:          DocType(asString(row["doc_type"])),
		FileSize:         asInt64(row["file_size"]),
		FileHash:         asString(row["file_hash"]),
		Status:           ProcessingStatus(asString(row["processing_status"])),
		UploadedAt:       asTime(row["uploaded_at"]),
		QualityMetrics:   unmarshalJSON(asString(row["quality_metrics"])),
		PageCount:        int(asInt64(row["page_count"])),
		ChunkCount:       int(asInt64(row["chunk_count"])),
		EntityCount:      int(asInt64(row["entity_count"])),
		Category:         asString(row["category"]),
		Tags:             unmarshalTags(asString(row["tags"])),
		Author:           asString(row["author"]),
		Language:         asString(row["language"]),
		PublicationDate:  asTimePtr(row["publication_date"]),
		FolderID:         asStringPtr(row["folder_id"]),
		UserID:           asStringPtr(row["user_id"]),
		TeamID:           asStringPtr(row["team_id"]),
		CollectionKind:   CollectionKind(asString(row["collection_type"])),
		SubmissionStatus: asString(row["submission_status"]),
		SubmittedBy:      asStringPtr(row["submitted_by"]),
		SubmittedAt:      asTimePtr(row["submitted_at"]),
		ReviewedBy:       asStringPtr(row["reviewed_by"]),
		ReviewedAt:       asTimePtr(row["reviewed_at"]),
		ParentDocumentID: asStringPtr(row["parent_document_id"]),
		OriginalZipPath:  asString(row["original_zip_path"]),
		InheritMetadata:  asBool(row["inherit_metadata"]),
	}
	return doc
}

func marshalTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func unmarshalTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

func marshalJSON(m map[string]any) string {
	if m == nil {
		return ""
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalJSON(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func asStringPtr(v any) *string {
	s := asString(v)
	if v == nil || s == "" {
		return nil
	}
	return &s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	}
	return 0
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case string:
		return b == "true" || b == "1" || b == "t"
	}
	return false
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

func asTimePtr(v any) *time.Time {
	if v == nil {
		return nil
	}
	t := asTime(v)
	if t.IsZero() {
		return nil
	}
	return &t
}
