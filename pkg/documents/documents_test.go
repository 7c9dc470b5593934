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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamsih300u/bastion/pkg/config"
	"github.com/adamsih300u/bastion/pkg/db"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: ":memory:",
	}
	mgr, err := db.NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	repo := NewRepository(mgr)
	require.NoError(t, repo.InitSchema(context.Background()))
	return repo
}

func testDocument(id, filename string, userID *string) *Document {
	return &Document{
		ID:             id,
		Filename:       filename,
		DocType:        TypePDF,
		FileSize:       1024,
		FileHash:       "hash-" + id,
		Status:         StatusUploading,
		UploadedAt:     time.Now().UTC(),
		UserID:         userID,
		CollectionKind: CollectionUser,
	}
}

func TestTypeForFilename(t *testing.T) {
	cases := map[string]DocType{
		"report.PDF":   TypePDF,
		"notes.md":     TypeMD,
		"agenda.org":   TypeOrg,
		"page.htm":     TypeHTML,
		"photo.jpeg":   TypeImage,
		"talk.mp3":     TypeAudio,
		"archive.zip":  TypeZip,
		"captions.srt": TypeSrt,
		"clip.mov":     TypeVideo,
	}
	for filename, want := range cases {
		got, ok := TypeForFilename(filename)
		require.True(t, ok, filename)
		assert.Equal(t, want, got, filename)
	}

	_, ok := TypeForFilename("binary.exe")
	assert.False(t, ok)
}

func TestNoVectorize(t *testing.T) {
	assert.True(t, TypeOrg.NoVectorize())
	assert.True(t, TypeImage.NoVectorize())
	assert.True(t, TypeAudio.NoVectorize())
	assert.True(t, TypeVideo.NoVectorize())
	assert.False(t, TypePDF.NoVectorize())
	assert.False(t, TypeMD.NoVectorize())
}

func TestCreateAndGetDocument(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	uid := "alice"
	doc := testDocument("doc1", "report.pdf", &uid)
	doc.Title = "Quarterly Report"
	doc.Tags = []string{"finance", "q3"}
	doc.QualityMetrics = map[string]any{"overall_score": 0.92}

	require.NoError(t, repo.CreateWithFolder(ctx, doc, nil, db.ForUser(uid)))

	got, err := repo.GetByID(ctx, "doc1", db.ForUser(uid))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "report.pdf", got.Filename)
	assert.Equal(t, "Quarterly Report", got.Title)
	assert.Equal(t, TypePDF, got.DocType)
	assert.Equal(t, StatusUploading, got.Status)
	assert.Equal(t, []string{"finance", "q3"}, got.Tags)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "alice", *got.UserID)
	assert.Nil(t, got.FolderID)
	require.NotNil(t, got.QualityMetrics)
	assert.InDelta(t, 0.92, got.QualityMetrics["overall_score"], 0.001)
}

func TestCreateDuplicateIDIsNoop(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first := testDocument("doc1", "first.pdf", nil)
	first.CollectionKind = CollectionGlobal
	require.NoError(t, repo.CreateWithFolder(ctx, first, nil, db.Admin()))

	second := testDocument("doc1", "second.pdf", nil)
	second.CollectionKind = CollectionGlobal
	require.NoError(t, repo.CreateWithFolder(ctx, second, nil, db.Admin()))

	got, err := repo.GetByID(ctx, "doc1", db.Admin())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first.pdf", got.Filename)
}

func TestFindByHash(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := testDocument("doc1", "a.pdf", nil)
	doc.CollectionKind = CollectionGlobal
	require.NoError(t, repo.CreateWithFolder(ctx, doc, nil, db.Admin()))

	got, err := repo.FindByHash(ctx, "hash-doc1", db.Admin())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "doc1", got.ID)

	missing, err := repo.FindByHash(ctx, "no-such-hash", db.Admin())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindByFilenameAndContextNullMatching(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	uid := "alice"
	scoped := testDocument("doc1", "notes.md", &uid)
	scoped.DocType = TypeMD
	require.NoError(t, repo.CreateWithFolder(ctx, scoped, nil, db.Admin()))

	global := testDocument("doc2", "notes.md", nil)
	global.DocType = TypeMD
	global.CollectionKind = CollectionGlobal
	require.NoError(t, repo.CreateWithFolder(ctx, global, nil, db.Admin()))

	// nil user must match only the global row, not alice's.
	got, err := repo.FindByFilenameAndContext(ctx, "notes.md", nil, CollectionGlobal, nil, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "doc2", got.ID)

	got, err = repo.FindByFilenameAndContext(ctx, "notes.md", &uid, CollectionUser, nil, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "doc1", got.ID)
}

func TestUpdateStatusRejectsUnknown(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := testDocument("doc1", "a.pdf", nil)
	doc.CollectionKind = CollectionGlobal
	require.NoError(t, repo.CreateWithFolder(ctx, doc, nil, db.Admin()))

	require.Error(t, repo.UpdateStatus(ctx, "doc1", ProcessingStatus("exploded"), db.Admin()))

	require.NoError(t, repo.UpdateStatus(ctx, "doc1", StatusCompleted, db.Admin()))
	got, err := repo.GetByID(ctx, "doc1", db.Admin())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestUpdateMetadataPartialPatch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := testDocument("doc1", "a.pdf", nil)
	doc.CollectionKind = CollectionGlobal
	doc.Title = "Old Title"
	doc.Author = "Old Author"
	require.NoError(t, repo.CreateWithFolder(ctx, doc, nil, db.Admin()))

	title := "New Title"
	require.NoError(t, repo.UpdateMetadata(ctx, "doc1", MetadataPatch{
		Title: &title,
		Tags:  []string{"patched"},
	}, db.Admin()))

	got, err := repo.GetByID(ctx, "doc1", db.Admin())
	require.NoError(t, err)
	assert.Equal(t, "New Title", got.Title)
	assert.Equal(t, "Old Author", got.Author)
	assert.Equal(t, []string{"patched"}, got.Tags)
}

func TestDeleteDocument(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := testDocument("doc1", "a.pdf", nil)
	doc.CollectionKind = CollectionGlobal
	require.NoError(t, repo.CreateWithFolder(ctx, doc, nil, db.Admin()))
	require.NoError(t, repo.Delete(ctx, "doc1", db.Admin()))

	got, err := repo.GetByID(ctx, "doc1", db.Admin())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFolderUpsertConverges(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	uid := "alice"
	data := FolderData{Name: "projects", Scope: UserScope(uid)}

	first, err := repo.CreateOrGetFolder(ctx, data, db.ForUser(uid))
	require.NoError(t, err)
	second, err := repo.CreateOrGetFolder(ctx, data, db.ForUser(uid))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	folders, err := repo.ListFolders(ctx, UserScope(uid), db.ForUser(uid))
	require.NoError(t, err)
	assert.Len(t, folders, 1)
}

func TestFolderUpsertScopeIsolation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	alice, err := repo.CreateOrGetFolder(ctx, FolderData{Name: "inbox", Scope: UserScope("alice")}, db.Admin())
	require.NoError(t, err)
	bob, err := repo.CreateOrGetFolder(ctx, FolderData{Name: "inbox", Scope: UserScope("bob")}, db.Admin())
	require.NoError(t, err)
	global, err := repo.CreateOrGetFolder(ctx, FolderData{Name: "inbox", Scope: GlobalScope()}, db.Admin())
	require.NoError(t, err)

	assert.NotEqual(t, alice.ID, bob.ID)
	assert.NotEqual(t, alice.ID, global.ID)
	assert.NotEqual(t, bob.ID, global.ID)
}

func TestEnsurePathAndResolvePath(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	uid := "alice"
	scope := UserScope(uid)
	rls := db.ForUser(uid)

	leaf, err := repo.EnsurePath(ctx, scope, []string{"projects", "2026", "reports"}, rls)
	require.NoError(t, err)
	require.NotNil(t, leaf)
	assert.Equal(t, "reports", leaf.Name)

	// Re-running ensures idempotence at every level.
	again, err := repo.EnsurePath(ctx, scope, []string{"projects", "2026", "reports"}, rls)
	require.NoError(t, err)
	assert.Equal(t, leaf.ID, again.ID)

	resolved, err := repo.ResolvePath(ctx, scope, []string{"projects", "2026", "reports"}, rls)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, leaf.ID, resolved.ID)

	missing, err := repo.ResolvePath(ctx, scope, []string{"projects", "1999"}, rls)
	require.NoError(t, err)
	assert.Nil(t, missing)

	path, err := repo.FolderPath(ctx, leaf.ID, rls)
	require.NoError(t, err)
	assert.Equal(t, []string{"projects", "2026", "reports"}, path)
}

func TestSameNameDifferentParents(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	scope := GlobalScope()
	a, err := repo.EnsurePath(ctx, scope, []string{"alpha", "shared"}, db.Admin())
	require.NoError(t, err)
	b, err := repo.EnsurePath(ctx, scope, []string{"beta", "shared"}, db.Admin())
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestDeleteFolderCascades(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// SQLite needs foreign keys switched on for cascade semantics.
	require.NoError(t, repo.mgr.Exec(ctx, `PRAGMA foreign_keys = ON`, nil, nil))

	scope := GlobalScope()
	leaf, err := repo.EnsurePath(ctx, scope, []string{"parent", "child"}, db.Admin())
	require.NoError(t, err)

	doc := testDocument("doc1", "a.pdf", nil)
	doc.CollectionKind = CollectionGlobal
	require.NoError(t, repo.CreateWithFolder(ctx, doc, &leaf.ID, db.Admin()))

	parent, err := repo.ResolvePath(ctx, scope, []string{"parent"}, db.Admin())
	require.NoError(t, err)
	require.NoError(t, repo.DeleteFolder(ctx, parent.ID, db.Admin()))

	gone, err := repo.GetFolder(ctx, leaf.ID, db.Admin())
	require.NoError(t, err)
	assert.Nil(t, gone)

	docGone, err := repo.GetByID(ctx, "doc1", db.Admin())
	require.NoError(t, err)
	assert.Nil(t, docGone)
}

func TestFilterDocuments(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i, spec := range []struct {
		filename string
		category string
		tags     []string
		docType  DocType
	}{
		{"ml-paper.pdf", "research", []string{"ml", "go"}, TypePDF},
		{"meeting-notes.md", "notes", []string{"ml"}, TypeMD},
		{"recipe.txt", "personal", nil, TypeTxt},
	} {
		doc := testDocument(fmt.Sprintf("doc%d", i), spec.filename, nil)
		doc.CollectionKind = CollectionGlobal
		doc.FileHash = fmt.Sprintf("hash%d", i)
		doc.Category = spec.category
		doc.Tags = spec.tags
		doc.DocType = spec.docType
		require.NoError(t, repo.CreateWithFolder(ctx, doc, nil, db.Admin()))
	}

	byCategory, err := repo.FilterDocuments(ctx, DocumentFilter{Category: "research"}, db.Admin())
	require.NoError(t, err)
	require.Len(t, byCategory, 1)
	assert.Equal(t, "ml-paper.pdf", byCategory[0].Filename)

	byTag, err := repo.FilterDocuments(ctx, DocumentFilter{Tags: []string{"ml"}}, db.Admin())
	require.NoError(t, err)
	assert.Len(t, byTag, 2)

	bothTags, err := repo.FilterDocuments(ctx, DocumentFilter{Tags: []string{"ml", "go"}}, db.Admin())
	require.NoError(t, err)
	require.Len(t, bothTags, 1)
	assert.Equal(t, "ml-paper.pdf", bothTags[0].Filename)

	bySearch, err := repo.FilterDocuments(ctx, DocumentFilter{Search: "MEETING"}, db.Admin())
	require.NoError(t, err)
	require.Len(t, bySearch, 1)
	assert.Equal(t, "meeting-notes.md", bySearch[0].Filename)

	sorted, err := repo.FilterDocuments(ctx, DocumentFilter{SortBy: "filename", SortDesc: true, Limit: 2}, db.Admin())
	require.NoError(t, err)
	require.Len(t, sorted, 2)
	assert.Equal(t, "recipe.txt", sorted[0].Filename)
}

func TestEnsureUserIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := repo.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := repo.EnsureUser(ctx, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	missing, err := repo.GetUserIDByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, missing)
}
