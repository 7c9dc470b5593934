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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamsih300u/bastion/pkg/config"
	"github.com/adamsih300u/bastion/pkg/db"
	"github.com/adamsih300u/bastion/pkg/documents"
	"github.com/adamsih300u/bastion/pkg/notify"
	"github.com/adamsih300u/bastion/pkg/vector"
)

// fakeVectorStore records calls instead of talking to qdrant.
type fakeVectorStore struct {
	stored  map[string][]vector.Chunk
	deleted []string
	patched []string
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{stored: make(map[string][]vector.Chunk)}
}

func (f *fakeVectorStore) EmbedAndStoreChunks(_ context.Context, docID string, _ *string, chunks []vector.Chunk, _ *vector.DocumentMeta) (int, error) {
	f.stored[docID] = chunks
	return len(chunks), nil
}

func (f *fakeVectorStore) DeleteDocumentChunks(_ context.Context, docID string, _ *string) error {
	f.deleted = append(f.deleted, docID)
	return nil
}

func (f *fakeVectorStore) PatchDocumentPayload(_ context.Context, docID string, _ *string, _ vector.PayloadPatch) error {
	f.patched = append(f.patched, docID)
	return nil
}

// inlineSubmitter runs document processing synchronously so tests can
// observe the terminal state right after Upload returns.
type inlineSubmitter struct {
	svc   *Service
	names []string
}

func (s *inlineSubmitter) Submit(name string, args map[string]any) (string, error) {
	s.names = append(s.names, name)
	docID, _ := args["document_id"].(string)
	if err := s.svc.Process(context.Background(), docID); err != nil {
		return "", err
	}
	return "task-" + docID, nil
}

func newTestService(t *testing.T) (*Service, *fakeVectorStore, *documents.Repository) {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: ":memory:",
	}
	mgr, err := db.NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	repo := documents.NewRepository(mgr)
	require.NoError(t, repo.InitSchema(context.Background()))

	vectors := newFakeVectorStore()
	svc := NewService(repo, vectors, notify.Discard{}, t.TempDir())
	// Rune-window chunker keeps the tests independent of tokenizer data.
	svc.chunker = &Chunker{maxTokens: 64, overlap: 8}

	sub := &inlineSubmitter{svc: svc}
	svc.WithSubmitter(sub)
	return svc, vectors, repo
}

func TestUploadAndProcess(t *testing.T) {
	svc, vectors, repo := newTestService(t)
	ctx := context.Background()

	uid, err := repo.EnsureUser(ctx, "alice")
	require.NoError(t, err)

	result, err := svc.Upload(ctx, UploadRequest{
		Filename:   "notes.txt",
		Content:    []byte("The quick brown fox jumps over the lazy dog."),
		UserID:     &uid,
		Username:   "alice",
		FolderPath: []string{"inbox"},
		Tags:       []string{"personal"},
	})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.NotEmpty(t, result.DocumentID)

	// Inline submitter processed synchronously.
	doc, err := repo.GetByID(ctx, result.DocumentID, db.ForUser(uid))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, documents.StatusCompleted, doc.Status)
	assert.NotNil(t, doc.FolderID)

	chunks := vectors.stored[result.DocumentID]
	require.NotEmpty(t, chunks)
	assert.Equal(t, result.DocumentID+"_0", chunks[0].ID)
	assert.Equal(t, "token_window", chunks[0].Method)

	// File landed under the user's directory.
	path := svc.DiskPath(documents.UserScope(uid), "alice", []string{"inbox"}, "notes.txt")
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestUploadDuplicateShortCircuits(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	content := []byte("same bytes both times")
	first, err := svc.Upload(ctx, UploadRequest{Filename: "a.txt", Content: content})
	require.NoError(t, err)

	second, err := svc.Upload(ctx, UploadRequest{Filename: "b.txt", Content: content})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DocumentID, second.DocumentID)
}

func TestUploadOrgFastPath(t *testing.T) {
	svc, vectors, repo := newTestService(t)
	ctx := context.Background()

	result, err := svc.Upload(ctx, UploadRequest{
		Filename: "todo.org",
		Content:  []byte("* TODO write tests"),
	})
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, result.Status)

	doc, err := repo.GetByID(ctx, result.DocumentID, db.Admin())
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, doc.Status)

	// Org files never touch the vector index.
	assert.Empty(t, vectors.stored)
}

func TestUploadUnsupportedExtension(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Upload(context.Background(), UploadRequest{
		Filename: "binary.exe",
		Content:  []byte{0x4d, 0x5a},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestUploadInheritsFolderTags(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()

	// Pre-create the folder with inheritable metadata.
	folder, err := repo.CreateOrGetFolder(ctx, documents.FolderData{
		Name:        "research",
		Scope:       documents.GlobalScope(),
		Category:    "reference",
		Tags:        []string{"books"},
		InheritTags: true,
	}, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, folder)

	result, err := svc.Upload(ctx, UploadRequest{
		Filename:   "paper.txt",
		Content:    []byte("a short paper"),
		FolderPath: []string{"research"},
		Tags:       []string{"draft"},
	})
	require.NoError(t, err)

	doc, err := repo.GetByID(ctx, result.DocumentID, db.Admin())
	require.NoError(t, err)
	assert.Equal(t, "reference", doc.Category)
	assert.ElementsMatch(t, []string{"draft", "books"}, doc.Tags)
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	svc, vectors, repo := newTestService(t)
	ctx := context.Background()

	result, err := svc.Upload(ctx, UploadRequest{
		Filename: "gone.txt",
		Content:  []byte("soon to be deleted"),
	})
	require.NoError(t, err)

	path := svc.DiskPath(documents.GlobalScope(), "", nil, "gone.txt")
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, result.DocumentID, db.Admin()))

	doc, err := repo.GetByID(ctx, result.DocumentID, db.Admin())
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.Contains(t, vectors.deleted, result.DocumentID)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Deleting an already-gone document is a no-op.
	assert.NoError(t, svc.Delete(ctx, result.DocumentID, db.Admin()))
}

func TestUpdateMetadataPatchesVectors(t *testing.T) {
	svc, vectors, repo := newTestService(t)
	ctx := context.Background()

	result, err := svc.Upload(ctx, UploadRequest{
		Filename: "meta.txt",
		Content:  []byte("metadata target"),
	})
	require.NoError(t, err)

	title := "Renamed"
	err = svc.UpdateMetadata(ctx, result.DocumentID, documents.MetadataPatch{Title: &title}, db.Admin())
	require.NoError(t, err)

	doc, err := repo.GetByID(ctx, result.DocumentID, db.Admin())
	require.NoError(t, err)
	assert.Equal(t, "Renamed", doc.Title)
	assert.Contains(t, vectors.patched, result.DocumentID)
}

func TestDiskPathLayout(t *testing.T) {
	svc := &Service{root: "/data"}
	uid := "u1"
	team := "t1"

	assert.Equal(t,
		filepath.Join("/data", "Users", "alice", "inbox", "a.txt"),
		svc.DiskPath(documents.UserScope(uid), "alice", []string{"inbox"}, "a.txt"))
	assert.Equal(t,
		filepath.Join("/data", "Users", "u1", "a.txt"),
		svc.DiskPath(documents.UserScope(uid), "", nil, "a.txt"))
	assert.Equal(t,
		filepath.Join("/data", "Global", "a.txt"),
		svc.DiskPath(documents.GlobalScope(), "", nil, "a.txt"))
	assert.Equal(t,
		filepath.Join("/data", "Teams", "t1", "documents", "a.txt"),
		svc.DiskPath(documents.TeamScope(team), "", nil, "a.txt"))
}

func TestDetectDomains(t *testing.T) {
	assert.Empty(t, detectDomains([]string{"draft", "personal"}))
	assert.Equal(t, []string{"movies", "books"}, detectDomains([]string{"Movies", "draft", "BOOKS"}))
}

func TestMergeTags(t *testing.T) {
	merged := mergeTags([]string{"a", "b"}, []string{"b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, merged)
}

func TestChunkerRuneFallback(t *testing.T) {
	// nil encoding forces the rune-window path: window 8 runes, step 8.
	c := &Chunker{maxTokens: 2, overlap: 0}

	assert.Nil(t, c.Split("   "))
	assert.Equal(t, []string{"short"}, c.Split("short"))

	chunks := c.Split("abcdefghijklmnop")
	assert.Equal(t, []string{"abcdefgh", "ijklmnop"}, chunks)
}

func TestChunkerRuneOverlap(t *testing.T) {
	// window 8 runes with 4-rune overlap, step 4.
	c := &Chunker{maxTokens: 2, overlap: 1}

	chunks := c.Split("abcdefghijkl")
	require.Len(t, chunks, 2)
	assert.Equal(t, "abcdefgh", chunks[0])
	assert.Equal(t, "efghijkl", chunks[1])
}

func TestStripTags(t *testing.T) {
	html := `<html><head><style>body{color:red}</style>
<script>alert("x")</script></head>
<body><h1>Title</h1><p>Hello &amp; welcome</p></body></html>`

	text := stripTags(html)
	assert.Contains(t, text, "Title")
	assert.Contains(t, text, "Hello & welcome")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "color:red")
	assert.NotContains(t, text, "<")
}

func TestProcessEmptyDocumentCompletes(t *testing.T) {
	svc, vectors, repo := newTestService(t)
	ctx := context.Background()

	result, err := svc.Upload(ctx, UploadRequest{
		Filename: "empty.txt",
		Content:  []byte("   \n  "),
	})
	require.NoError(t, err)

	doc, err := repo.GetByID(ctx, result.DocumentID, db.Admin())
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, doc.Status)
	assert.Empty(t, vectors.stored)
}

func TestProcessMissingFileFails(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()

	doc := &documents.Document{
		ID:             NewDocumentID(),
		Filename:       "phantom.txt",
		DocType:        documents.TypeTxt,
		FileHash:       "h-phantom",
		Status:         documents.StatusProcessing,
		UploadedAt:     time.Now().UTC(),
		CollectionKind: documents.CollectionGlobal,
	}
	require.NoError(t, repo.CreateWithFolder(ctx, doc, nil, db.Admin()))

	err := svc.Process(ctx, doc.ID)
	require.Error(t, err)

	after, err := repo.GetByID(ctx, doc.ID, db.Admin())
	require.NoError(t, err)
	assert.Equal(t, documents.StatusFailed, after.Status)
}

func TestFileHashStable(t *testing.T) {
	a := FileHash([]byte("content"))
	b := FileHash([]byte("content"))
	c := FileHash([]byte("Content"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestNewDocumentID(t *testing.T) {
	id := NewDocumentID()
	assert.Len(t, id, 32)
	assert.False(t, strings.Contains(id, "-"))
	assert.NotEqual(t, id, NewDocumentID())
}
