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

	"github.com/adamsih300u/bastion/pkg/db"
)

// FilterDocuments composes a dynamic WHERE clause from the optional
// predicates of the filter and returns matching documents. Sort keys are
// restricted to a whitelisted column set.
func (r *Repository) FilterDocuments(ctx context.Context, f DocumentFilter, rls *db.RLSContext) ([]*Document, error) {
	var (
		clauses []string
		args    []any
	)

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Search != "" {
		pattern := "%" + strings.ToLower(f.Search) + "%"
		args = append(args, pattern)
		n := len(args)
		clauses = append(clauses, fmt.Sprintf(
			`(LOWER(filename) LIKE $%d OR LOWER(title) LIKE $%d OR LOWER(description) LIKE $%d OR LOWER(author) LIKE $%d)`,
			n, n, n, n))
	}
	if f.Category != "" {
		add(`category = $%d`, f.Category)
	}
	if f.DocType != "" {
		add(`doc_type = $%d`, string(f.DocType))
	}
	if f.Status != "" {
		add(`processing_status = $%d`, string(f.Status))
	}
	if f.UploadedAfter != nil {
		add(`uploaded_at >= $%d`, *f.UploadedAfter)
	}
	if f.UploadedBefore != nil {
		add(`uploaded_at <= $%d`, *f.UploadedBefore)
	}
	if f.PublishedAfter != nil {
		add(`publication_date >= $%d`, *f.PublishedAfter)
	}
	if f.PublishedBefore != nil {
		add(`publication_date <= $%d`, *f.PublishedBefore)
	}
	if f.MinQualityScore != nil {
		// quality_metrics is a JSON blob carrying an overall score.
		if r.mgr.Dialect() == "postgres" {
			add(`(quality_metrics::jsonb ->> 'overall_score')::float >= $%d`, *f.MinQualityScore)
		} else {
			add(`CAST(json_extract(quality_metrics, '$.overall_score') AS REAL) >= $%d`, *f.MinQualityScore)
		}
	}

	// tags superset match: every requested tag must be present.
	for _, tag := range f.Tags {
		if r.mgr.Dialect() == "postgres" {
			add(`tags::jsonb @> $%d::jsonb`, marshalTags([]string{tag}))
		} else {
			add(`EXISTS (SELECT 1 FROM json_each(document_metadata.tags) WHERE json_each.value = $%d)`, tag)
		}
	}

	query := `SELECT ` + documentColumns + ` FROM document_metadata`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}

	sortCol, ok := sortableColumns[f.SortBy]
	if !ok {
		sortCol = "uploaded_at"
	}
	direction := "ASC"
	if f.SortDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(` ORDER BY %s %s`, sortCol, direction)

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
		if f.Offset > 0 {
			args = append(args, f.Offset)
			query += fmt.Sprintf(` OFFSET $%d`, len(args))
		}
	}

	rows, err := r.mgr.FetchAll(ctx, r.q(query), args, rls)
	if err != nil {
		return nil, fmt.Errorf("failed to filter documents: %w", err)
	}
	return docsFromRows(rows), nil
}
