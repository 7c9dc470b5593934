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

// Package ingest implements the document service: the upload pipeline
// that binds the metadata table, the vector index and the on-disk tree,
// plus the async parse/embed processing path.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adamsih300u/bastion/pkg/db"
	"github.com/adamsih300u/bastion/pkg/documents"
	"github.com/adamsih300u/bastion/pkg/notify"
	"github.com/adamsih300u/bastion/pkg/vector"
)

// VectorStore is the slice of the vector gateway the service consumes.
type VectorStore interface {
	EmbedAndStoreChunks(ctx context.Context, docID string, userID *string, chunks []vector.Chunk, meta *vector.DocumentMeta) (int, error)
	DeleteDocumentChunks(ctx context.Context, docID string, userID *string) error
	PatchDocumentPayload(ctx context.Context, docID string, userID *string, patch vector.PayloadPatch) error
}

// EntityStore is the knowledge-graph boundary. The service calls it
// best-effort; a nil store disables the graph steps.
type EntityStore interface {
	StoreEntities(ctx context.Context, docID, text string, domains []string) (int, error)
	DeleteEntities(ctx context.Context, docID string) error
	DeleteDomainEntities(ctx context.Context, docID string, domains []string) error
}

// Submitter hands async work to the task fabric. A nil submitter makes
// the service fall back to a plain goroutine.
type Submitter interface {
	Submit(name string, args map[string]any) (string, error)
}

// ProcessTaskName is the fabric task the upload path submits.
const ProcessTaskName = "document.process"

// Service orchestrates document ingestion.
type Service struct {
	repo     *documents.Repository
	vectors  VectorStore
	entities EntityStore
	notifier notify.Notifier
	fabric   Submitter
	chunker  *Chunker
	urls     *URLImporter
	root     string
}

// NewService wires the document service. entities and fabric may be nil.
func NewService(repo *documents.Repository, vectors VectorStore, notifier notify.Notifier, root string) *Service {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Service{
		repo:     repo,
		vectors:  vectors,
		notifier: notifier,
		chunker:  NewChunker(512, 64),
		urls:     NewURLImporter(0),
		root:     root,
	}
}

// WithEntityStore attaches the knowledge-graph boundary.
func (s *Service) WithEntityStore(store EntityStore) *Service {
	s.entities = store
	return s
}

// WithSubmitter attaches the task fabric for async processing.
func (s *Service) WithSubmitter(fabric Submitter) *Service {
	s.fabric = fabric
	return s
}

// UploadRequest carries one upload.
type UploadRequest struct {
	Filename     string
	Content      []byte
	DeclaredType documents.DocType // empty ⇒ infer from extension
	UserID       *string
	Username     string // on-disk directory name; defaults to UserID
	TeamID       *string
	FolderPath   []string
	Category     string
	Tags         []string

	// Metadata is free-form provenance (crawl source, original markup)
	// stored on the row's quality_metrics JSON.
	Metadata map[string]any
}

// UploadResult reports the outcome of an upload.
type UploadResult struct {
	DocumentID string
	Status     documents.ProcessingStatus
	Duplicate  bool
}

// scope derives the ownership tuple for the request.
func (req *UploadRequest) scope() documents.Scope {
	switch {
	case req.TeamID != nil:
		return documents.TeamScope(*req.TeamID)
	case req.UserID != nil:
		return documents.UserScope(*req.UserID)
	default:
		return documents.GlobalScope()
	}
}

func (req *UploadRequest) rls() *db.RLSContext {
	if req.UserID != nil {
		return db.ForUser(*req.UserID)
	}
	return db.Admin()
}

// NewDocumentID generates a fresh 32-char hex document id.
func NewDocumentID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// FileHash is the sha-256 hex digest used for content dedup.
func FileHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Upload runs the ingest pipeline: dedup, folder resolution, disk write,
// atomic row creation, fast paths and async processing handoff. A
// duplicate upload short-circuits and returns the existing document id.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if len(req.Content) == 0 {
		return nil, fmt.Errorf("content is empty")
	}
	return s.register(ctx, req, true)
}

// ImportDiskFile registers a file already present on disk, mirroring
// Upload without the write. Used by the watcher and the reconciler.
func (s *Service) ImportDiskFile(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	path := s.DiskPath(req.scope(), req.Username, req.FolderPath, req.Filename)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	req.Content = content
	return s.register(ctx, req, false)
}

func (s *Service) register(ctx context.Context, req UploadRequest, writeDisk bool) (*UploadResult, error) {
	rls := req.rls()
	hash := FileHash(req.Content)

	existing, err := s.repo.FindByHash(ctx, hash, rls)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		slog.Info("Duplicate upload detected",
			"filename", req.Filename,
			"existing_id", existing.ID)
		return &UploadResult{DocumentID: existing.ID, Status: existing.Status, Duplicate: true}, nil
	}

	docType := req.DeclaredType
	if docType == "" {
		inferred, ok := documents.TypeForFilename(req.Filename)
		if !ok {
			return nil, fmt.Errorf("unsupported file type for %s", req.Filename)
		}
		docType = inferred
	}

	scope := req.scope()

	var folder *documents.Folder
	if len(req.FolderPath) > 0 {
		folder, err = s.repo.EnsurePath(ctx, scope, req.FolderPath, rls)
		if err != nil {
			return nil, err
		}
	}

	if writeDisk {
		diskPath := s.DiskPath(scope, req.Username, req.FolderPath, req.Filename)
		if err := os.MkdirAll(filepath.Dir(diskPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(diskPath, req.Content, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write file: %w", err)
		}
	}

	doc := &documents.Document{
		ID:             NewDocumentID(),
		Filename:       req.Filename,
		DocType:        docType,
		FileSize:       int64(len(req.Content)),
		FileHash:       hash,
		Status:         documents.StatusProcessing,
		UploadedAt:     time.Now().UTC(),
		QualityMetrics: req.Metadata,
		Category:       req.Category,
		Tags:           req.Tags,
		UserID:         scope.UserID,
		TeamID:         scope.TeamID,
		CollectionKind: scope.Kind,
	}

	var folderID *string
	if folder != nil {
		folderID = &folder.ID
	}
	if err := s.repo.CreateWithFolder(ctx, doc, folderID, rls); err != nil {
		return nil, err
	}

	s.notifier.Publish(notify.Event{
		Kind:       notify.FileCreated,
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		FolderID:   folderID,
		UserID:     scope.UserID,
	})

	// Folder tag/category inheritance before the row becomes visible to
	// processing.
	if folder != nil && folder.InheritTags && (folder.Category != "" || len(folder.Tags) > 0) {
		patch := documents.MetadataPatch{}
		if folder.Category != "" && doc.Category == "" {
			patch.Category = &folder.Category
		}
		if len(folder.Tags) > 0 {
			patch.Tags = mergeTags(doc.Tags, folder.Tags)
		}
		if err := s.repo.UpdateMetadata(ctx, doc.ID, patch, rls); err != nil {
			return nil, err
		}
	}

	// Org files complete synchronously, no vectorization.
	if docType == documents.TypeOrg {
		if err := s.repo.UpdateStatus(ctx, doc.ID, documents.StatusCompleted, rls); err != nil {
			return nil, err
		}
		s.publishStatus(doc, documents.StatusCompleted)
		return &UploadResult{DocumentID: doc.ID, Status: documents.StatusCompleted}, nil
	}

	s.submitProcess(doc.ID)
	return &UploadResult{DocumentID: doc.ID, Status: documents.StatusProcessing}, nil
}

func (s *Service) submitProcess(docID string) {
	if s.fabric != nil {
		_, err := s.fabric.Submit(ProcessTaskName, map[string]any{"document_id": docID})
		if err == nil {
			return
		}
		slog.Warn("Task submission failed, processing inline", "document_id", docID, "error", err)
	}
	go func() {
		if err := s.Process(context.Background(), docID); err != nil {
			slog.Error("Document processing failed", "document_id", docID, "error", err)
		}
	}()
}

// UpdateMetadata patches the metadata row, mirrors the change onto the
// vector payloads, and runs the domain-change hooks.
func (s *Service) UpdateMetadata(ctx context.Context, docID string, patch documents.MetadataPatch, rls *db.RLSContext) error {
	before, err := s.repo.GetByID(ctx, docID, rls)
	if err != nil {
		return err
	}
	if before == nil {
		return fmt.Errorf("document %s not found", docID)
	}

	if err := s.repo.UpdateMetadata(ctx, docID, patch, rls); err != nil {
		return err
	}

	if s.vectors != nil {
		vp := vector.PayloadPatch{
			Category: patch.Category,
			Title:    patch.Title,
			Author:   patch.Author,
			Tags:     patch.Tags,
		}
		if err := s.vectors.PatchDocumentPayload(ctx, docID, before.UserID, vp); err != nil {
			slog.Warn("Failed to patch vector payloads", "document_id", docID, "error", err)
		}
	}

	if patch.Tags != nil {
		s.handleDomainChange(ctx, before, patch.Tags)
	}
	return nil
}

// handleDomainChange re-extracts or removes domain-scoped entities when
// the tag set crosses a domain boundary. Best-effort.
func (s *Service) handleDomainChange(ctx context.Context, doc *documents.Document, newTags []string) {
	if s.entities == nil {
		return
	}

	oldDomains := detectDomains(doc.Tags)
	newDomains := detectDomains(newTags)

	var added, removed []string
	for _, d := range newDomains {
		if !containsString(oldDomains, d) {
			added = append(added, d)
		}
	}
	for _, d := range oldDomains {
		if !containsString(newDomains, d) {
			removed = append(removed, d)
		}
	}

	if len(added) > 0 {
		if _, err := s.entities.StoreEntities(ctx, doc.ID, "", added); err != nil {
			slog.Warn("Domain entity extraction failed", "document_id", doc.ID, "error", err)
		}
	}
	if len(removed) > 0 {
		if err := s.entities.DeleteDomainEntities(ctx, doc.ID, removed); err != nil {
			slog.Warn("Domain entity removal failed", "document_id", doc.ID, "error", err)
		}
	}
}

// Delete removes a document everywhere: vector points first, then the
// authoritative metadata row, then the file, then graph entities. Later
// steps log and proceed; a missing row means gone.
func (s *Service) Delete(ctx context.Context, docID string, rls *db.RLSContext) error {
	doc, err := s.repo.GetByID(ctx, docID, rls)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}

	diskPath, pathErr := s.DocumentPath(ctx, doc)

	if s.vectors != nil {
		if err := s.vectors.DeleteDocumentChunks(ctx, docID, doc.UserID); err != nil {
			slog.Warn("Failed to delete vector points", "document_id", docID, "error", err)
		}
	}

	if err := s.repo.Delete(ctx, docID, rls); err != nil {
		return err
	}

	if pathErr == nil {
		if err := os.Remove(diskPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove file", "path", diskPath, "error", err)
		}
	}

	if s.entities != nil {
		if err := s.entities.DeleteEntities(ctx, docID); err != nil {
			slog.Warn("Failed to delete graph entities", "document_id", docID, "error", err)
		}
	}

	s.notifier.Publish(notify.Event{
		Kind:       notify.FileDeleted,
		DocumentID: docID,
		Filename:   doc.Filename,
		FolderID:   doc.FolderID,
		UserID:     doc.UserID,
	})
	return nil
}

// DiskPath builds the on-disk location for a scope + folder chain +
// filename. The layout must agree with the watcher's path parser.
func (s *Service) DiskPath(scope documents.Scope, username string, folderPath []string, filename string) string {
	parts := []string{s.root}
	switch scope.Kind {
	case documents.CollectionTeam:
		teamID := ""
		if scope.TeamID != nil {
			teamID = *scope.TeamID
		}
		parts = append(parts, "Teams", teamID, "documents")
	case documents.CollectionUser:
		if username == "" && scope.UserID != nil {
			username = *scope.UserID
		}
		parts = append(parts, "Users", username)
	default:
		parts = append(parts, "Global")
	}
	parts = append(parts, folderPath...)
	parts = append(parts, filename)
	return filepath.Join(parts...)
}

// DocumentPath reconstructs a document row's on-disk location.
func (s *Service) DocumentPath(ctx context.Context, doc *documents.Document) (string, error) {
	var folderPath []string
	if doc.FolderID != nil {
		var err error
		folderPath, err = s.repo.FolderPath(ctx, *doc.FolderID, db.Admin())
		if err != nil {
			return "", err
		}
	}

	username := ""
	if doc.UserID != nil {
		name, err := s.repo.GetUsernameByID(ctx, *doc.UserID)
		if err != nil {
			return "", err
		}
		if name == "" {
			name = *doc.UserID
		}
		username = name
	}

	scope := documents.Scope{Kind: doc.CollectionKind, UserID: doc.UserID, TeamID: doc.TeamID}
	return s.DiskPath(scope, username, folderPath, doc.Filename), nil
}

func (s *Service) publishStatus(doc *documents.Document, status documents.ProcessingStatus) {
	s.notifier.Publish(notify.Event{
		Kind:       notify.DocumentStatusUpdate,
		DocumentID: doc.ID,
		Status:     string(status),
		Filename:   doc.Filename,
		FolderID:   doc.FolderID,
		UserID:     doc.UserID,
	})
}

// entertainment-style domain tags that drive entity extraction scope.
var domainTags = []string{"movies", "tv", "music", "games", "books", "sports"}

func detectDomains(tags []string) []string {
	var out []string
	for _, tag := range tags {
		if containsString(domainTags, strings.ToLower(tag)) {
			out = append(out, strings.ToLower(tag))
		}
	}
	return out
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func mergeTags(base, extra []string) []string {
	merged := append([]string{}, base...)
	for _, tag := range extra {
		if !containsString(merged, tag) {
			merged = append(merged, tag)
		}
	}
	return merged
}
