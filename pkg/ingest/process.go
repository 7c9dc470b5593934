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

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adamsih300u/bastion/pkg/db"
	"github.com/adamsih300u/bastion/pkg/documents"
	"github.com/adamsih300u/bastion/pkg/vector"
)

// Process runs the async pipeline for one document: extract, chunk,
// embed, graph, complete. Status events are emitted on each transition;
// any failure lands the document in failed.
func (s *Service) Process(ctx context.Context, docID string) error {
	rls := db.Admin()

	doc, err := s.repo.GetByID(ctx, docID, rls)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %s not found", docID)
	}

	if err := s.process(ctx, doc, rls); err != nil {
		if statusErr := s.repo.UpdateStatus(ctx, doc.ID, documents.StatusFailed, rls); statusErr != nil {
			slog.Error("Failed to mark document failed", "document_id", doc.ID, "error", statusErr)
		}
		s.publishStatus(doc, documents.StatusFailed)
		return err
	}
	return nil
}

// Reprocess re-ingests a document whose bytes changed on disk. Stale
// vector points are deleted first; changed chunks land under new ids.
func (s *Service) Reprocess(ctx context.Context, docID string) error {
	rls := db.Admin()

	doc, err := s.repo.GetByID(ctx, docID, rls)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %s not found", docID)
	}

	if s.vectors != nil {
		if err := s.vectors.DeleteDocumentChunks(ctx, docID, doc.UserID); err != nil {
			slog.Warn("Failed to delete stale vector points", "document_id", docID, "error", err)
		}
	}

	if err := s.repo.UpdateStatus(ctx, docID, documents.StatusProcessing, rls); err != nil {
		return err
	}
	s.publishStatus(doc, documents.StatusProcessing)

	return s.Process(ctx, docID)
}

// Rename updates the filename on the row and mirrors it onto the vector
// payloads. Content is untouched so no re-embedding happens.
func (s *Service) Rename(ctx context.Context, docID, newFilename string, rls *db.RLSContext) error {
	doc, err := s.repo.GetByID(ctx, docID, rls)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %s not found", docID)
	}

	if err := s.repo.UpdateFilename(ctx, docID, newFilename, rls); err != nil {
		return err
	}

	if s.vectors != nil {
		patch := vector.PayloadPatch{Filename: &newFilename}
		if err := s.vectors.PatchDocumentPayload(ctx, docID, doc.UserID, patch); err != nil {
			slog.Warn("Failed to patch vector payloads", "document_id", docID, "error", err)
		}
	}
	return nil
}

func (s *Service) process(ctx context.Context, doc *documents.Document, rls *db.RLSContext) error {
	// Exempt types complete without chunks or vectors.
	if doc.DocType.NoVectorize() {
		if err := s.repo.UpdateStatus(ctx, doc.ID, documents.StatusCompleted, rls); err != nil {
			return err
		}
		s.publishStatus(doc, documents.StatusCompleted)
		return nil
	}

	path, err := s.DocumentPath(ctx, doc)
	if err != nil {
		return err
	}

	text, pages, quality, err := s.extract(ctx, path, doc)
	if err != nil {
		return err
	}

	pieces := s.chunker.Split(text)
	if len(pieces) == 0 {
		// Nothing to embed; the document is still complete.
		if err := s.repo.UpdateStatus(ctx, doc.ID, documents.StatusCompleted, rls); err != nil {
			return err
		}
		s.publishStatus(doc, documents.StatusCompleted)
		return nil
	}

	if err := s.repo.UpdateStatus(ctx, doc.ID, documents.StatusEmbedding, rls); err != nil {
		return err
	}
	s.publishStatus(doc, documents.StatusEmbedding)

	// uploaded_at in the chunk metadata feeds retrieval recency boosts.
	chunkMeta := map[string]any{"uploaded_at": doc.UploadedAt.UTC().Format(time.RFC3339)}
	chunks := make([]vector.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = vector.Chunk{
			ID:           fmt.Sprintf("%s_%d", doc.ID, i),
			DocumentID:   doc.ID,
			Index:        i,
			Text:         piece,
			Method:       "token_window",
			QualityScore: quality,
			Metadata:     chunkMeta,
		}
	}

	meta := &vector.DocumentMeta{
		Category: doc.Category,
		Tags:     doc.Tags,
		Title:    doc.Title,
		Author:   doc.Author,
		Filename: doc.Filename,
	}

	stored := 0
	if s.vectors != nil {
		stored, err = s.vectors.EmbedAndStoreChunks(ctx, doc.ID, doc.UserID, chunks, meta)
		if err != nil {
			return fmt.Errorf("failed to embed document %s: %w", doc.ID, err)
		}
	}

	entities := 0
	if s.entities != nil {
		domains := detectDomains(doc.Tags)
		count, err := s.entities.StoreEntities(ctx, doc.ID, text, domains)
		if err != nil {
			slog.Warn("Entity extraction failed", "document_id", doc.ID, "error", err)
		} else {
			entities = count
		}
	}

	if err := s.repo.UpdateCounts(ctx, doc.ID, pages, stored, entities, rls); err != nil {
		return err
	}
	if err := s.repo.UpdateStatus(ctx, doc.ID, documents.StatusCompleted, rls); err != nil {
		return err
	}
	s.publishStatus(doc, documents.StatusCompleted)

	slog.Info("Document processed",
		"document_id", doc.ID,
		"filename", doc.Filename,
		"pages", pages,
		"chunks", stored)
	return nil
}

// LoadContent returns a document's title and full extracted text,
// re-running extraction against the on-disk file. Retrieval pipelines
// use this when they pull whole documents instead of chunks.
func (s *Service) LoadContent(ctx context.Context, docID string, userID *string) (string, string, error) {
	rls := db.Admin()
	if userID != nil && *userID != "" {
		rls = db.ForUser(*userID)
	}

	doc, err := s.repo.GetByID(ctx, docID, rls)
	if err != nil {
		return "", "", err
	}
	if doc == nil {
		return "", "", fmt.Errorf("document %s not found", docID)
	}

	path, err := s.DocumentPath(ctx, doc)
	if err != nil {
		return "", "", err
	}
	text, _, _, err := s.extract(ctx, path, doc)
	if err != nil {
		return "", "", fmt.Errorf("failed to extract document %s: %w", docID, err)
	}

	title := doc.Title
	if title == "" {
		title = doc.Filename
	}
	return title, text, nil
}

// extract picks the extraction strategy; PDFs are classified first.
func (s *Service) extract(ctx context.Context, path string, doc *documents.Document) (text string, pages int, quality float64, err error) {
	if doc.DocType == documents.TypePDF {
		profile, err := ClassifyPDF(ctx, path)
		if err != nil {
			return "", 0, 0, err
		}

		slog.Debug("Classified PDF",
			"document_id", doc.ID,
			"class", profile.Class,
			"text_length", profile.TextLength,
			"quality", profile.QualityScore)

		switch profile.Class {
		case ClassEmpty, ClassScannedImage:
			// No usable text layer; an external OCR step would be needed.
			return "", profile.Pages, profile.QualityScore, nil
		default:
			// native_digital, ocr_candidate and unknown all use the
			// extracted text layer; quality travels with the chunks.
			return profile.Text, profile.Pages, profile.QualityScore, nil
		}
	}

	result, err := ExtractText(ctx, path, doc.DocType)
	if err != nil {
		return "", 0, 0, err
	}
	return result.Text, result.Pages, 1.0, nil
}
