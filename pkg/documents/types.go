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

// Package documents provides typed access to document and folder metadata
// and the folder hierarchy engine: idempotent path-to-folder resolution
// with concurrent-safe UPSERT semantics.
package documents

import (
	"path"
	"strings"
	"time"
)

// CollectionKind partitions documents and folders by ownership scope.
type CollectionKind string

const (
	CollectionUser   CollectionKind = "user"
	CollectionGlobal CollectionKind = "global"
	CollectionTeam   CollectionKind = "team"
)

// ProcessingStatus is the document lifecycle state.
type ProcessingStatus string

const (
	StatusUploading  ProcessingStatus = "uploading"
	StatusProcessing ProcessingStatus = "processing"
	StatusEmbedding  ProcessingStatus = "embedding"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusEmbedding, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// DocType is the declared document type.
type DocType string

const (
	TypePDF   DocType = "pdf"
	TypeMD    DocType = "md"
	TypeOrg   DocType = "org"
	TypeTxt   DocType = "txt"
	TypeDocx  DocType = "docx"
	TypeHTML  DocType = "html"
	TypeEpub  DocType = "epub"
	TypeEml   DocType = "eml"
	TypeImage DocType = "image"
	TypeAudio DocType = "audio"
	TypeURL   DocType = "url"
	TypeZip   DocType = "zip"
	TypeSrt   DocType = "srt"
	TypeVideo DocType = "video"
)

// typeByExtension maps file extensions to declared types.
var typeByExtension = map[string]DocType{
	".pdf":  TypePDF,
	".md":   TypeMD,
	".org":  TypeOrg,
	".txt":  TypeTxt,
	".docx": TypeDocx,
	".html": TypeHTML,
	".htm":  TypeHTML,
	".epub": TypeEpub,
	".eml":  TypeEml,
	".png":  TypeImage,
	".jpg":  TypeImage,
	".jpeg": TypeImage,
	".gif":  TypeImage,
	".webp": TypeImage,
	".mp3":  TypeAudio,
	".wav":  TypeAudio,
	".m4a":  TypeAudio,
	".ogg":  TypeAudio,
	".flac": TypeAudio,
	".zip":  TypeZip,
	".srt":  TypeSrt,
	".mp4":  TypeVideo,
	".mkv":  TypeVideo,
	".webm": TypeVideo,
	".mov":  TypeVideo,
}

// TypeForFilename infers the declared type from a filename extension.
func TypeForFilename(filename string) (DocType, bool) {
	t, ok := typeByExtension[strings.ToLower(path.Ext(filename))]
	return t, ok
}

// NoVectorize reports whether the type is exempt from embedding.
// Org files complete synchronously; images and audio carry no chunkable text.
func (t DocType) NoVectorize() bool {
	switch t {
	case TypeOrg, TypeImage, TypeAudio, TypeVideo:
		return true
	}
	return false
}

// Document mirrors a document_metadata row.
type Document struct {
	ID               string
	Filename         string
	Title            string
	Description      string
	DocType          DocType
	FileSize         int64
	FileHash         string
	Status           ProcessingStatus
	UploadedAt       time.Time
	QualityMetrics   map[string]any
	PageCount        int
	ChunkCount       int
	EntityCount      int
	Category         string
	Tags             []string
	Author           string
	Language         string
	PublicationDate  *time.Time
	FolderID         *string
	UserID           *string
	TeamID           *string
	CollectionKind   CollectionKind
	SubmissionStatus string
	SubmittedBy      *string
	SubmittedAt      *time.Time
	ReviewedBy       *string
	ReviewedAt       *time.Time

	// ZIP hierarchy: a child extracted from an archive points at its
	// parent document. The relation is a DAG; no back-pointer is stored.
	ParentDocumentID *string
	OriginalZipPath  string
	InheritMetadata  bool
}

// Folder mirrors a document_folders row. Folders form a tree per scope.
type Folder struct {
	ID             string
	Name           string
	ParentFolderID *string
	UserID         *string
	TeamID         *string
	CollectionKind CollectionKind
	Category       string
	Tags           []string
	InheritTags    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Scope is the ownership tuple partitioning folders and documents.
type Scope struct {
	Kind   CollectionKind
	UserID *string
	TeamID *string
}

// UserScope returns a user-owned scope.
func UserScope(userID string) Scope {
	return Scope{Kind: CollectionUser, UserID: &userID}
}

// GlobalScope returns the shared scope.
func GlobalScope() Scope {
	return Scope{Kind: CollectionGlobal}
}

// TeamScope returns a team-owned scope.
func TeamScope(teamID string) Scope {
	return Scope{Kind: CollectionTeam, TeamID: &teamID}
}

// DocumentFilter composes the optional predicates of FilterDocuments.
type DocumentFilter struct {
	Search          string // free-text over filename/title/description/author
	Category        string
	Tags            []string // result tags must be a superset
	DocType         DocType
	Status          ProcessingStatus
	UploadedAfter   *time.Time
	UploadedBefore  *time.Time
	PublishedAfter  *time.Time
	PublishedBefore *time.Time
	MinQualityScore *float64
	SortBy          string // one of sortableColumns
	SortDesc        bool
	Limit           int
	Offset          int
}

// sortableColumns restricts FilterDocuments sort keys to a known set.
var sortableColumns = map[string]string{
	"uploaded_at":      "uploaded_at",
	"filename":         "filename",
	"title":            "title",
	"file_size":        "file_size",
	"publication_date": "publication_date",
}
