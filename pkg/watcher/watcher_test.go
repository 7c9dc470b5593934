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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamsih300u/bastion/pkg/config"
	"github.com/adamsih300u/bastion/pkg/db"
	"github.com/adamsih300u/bastion/pkg/documents"
	"github.com/adamsih300u/bastion/pkg/ingest"
	"github.com/adamsih300u/bastion/pkg/notify"
	"github.com/adamsih300u/bastion/pkg/vector"
)

type recordingVectors struct {
	stored  map[string]int
	deleted []string
	patched []string
}

func newRecordingVectors() *recordingVectors {
	return &recordingVectors{stored: make(map[string]int)}
}

func (r *recordingVectors) EmbedAndStoreChunks(_ context.Context, docID string, _ *string, chunks []vector.Chunk, _ *vector.DocumentMeta) (int, error) {
	r.stored[docID] += len(chunks)
	return len(chunks), nil
}

func (r *recordingVectors) DeleteDocumentChunks(_ context.Context, docID string, _ *string) error {
	r.deleted = append(r.deleted, docID)
	return nil
}

func (r *recordingVectors) PatchDocumentPayload(_ context.Context, docID string, _ *string, _ vector.PayloadPatch) error {
	r.patched = append(r.patched, docID)
	return nil
}

// syncSubmitter processes inline so tests see terminal states.
type syncSubmitter struct{ svc *ingest.Service }

func (s *syncSubmitter) Submit(_ string, args map[string]any) (string, error) {
	docID, _ := args["document_id"].(string)
	return docID, s.svc.Process(context.Background(), docID)
}

type fixture struct {
	root    string
	repo    *documents.Repository
	svc     *ingest.Service
	vectors *recordingVectors
	watcher *Watcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: ":memory:"}
	mgr, err := db.NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	repo := documents.NewRepository(mgr)
	require.NoError(t, repo.InitSchema(context.Background()))

	root := t.TempDir()
	vectors := newRecordingVectors()
	svc := ingest.NewService(repo, vectors, notify.Discard{}, root)
	svc.WithSubmitter(&syncSubmitter{svc: svc})

	w, err := New(root, svc, repo, notify.Discard{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.fs.Close() })

	return &fixture{root: root, repo: repo, svc: svc, vectors: vectors, watcher: w}
}

func (f *fixture) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPathMapperResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.watcher.mapper

	pc, ok, err := m.Resolve(ctx, filepath.Join(f.root, "Users", "alice", "inbox", "a.txt"), false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, documents.CollectionUser, pc.Scope.Kind)
	assert.Equal(t, "alice", pc.Username)
	assert.Equal(t, []string{"inbox"}, pc.FolderPath)
	assert.Equal(t, "a.txt", pc.Filename)

	// Resolving the same user twice yields the same id.
	pc2, _, err := m.Resolve(ctx, filepath.Join(f.root, "Users", "alice", "b.txt"), false)
	require.NoError(t, err)
	assert.Equal(t, *pc.Scope.UserID, *pc2.Scope.UserID)

	pc, ok, err = m.Resolve(ctx, filepath.Join(f.root, "Global", "shared.md"), false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, documents.CollectionGlobal, pc.Scope.Kind)
	assert.Empty(t, pc.FolderPath)

	pc, ok, err = m.Resolve(ctx, filepath.Join(f.root, "Teams", "eng", "documents", "spec", "d.txt"), false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, documents.CollectionTeam, pc.Scope.Kind)
	require.NotNil(t, pc.Scope.TeamID)
	assert.Equal(t, []string{"spec"}, pc.FolderPath)
}

func TestPathMapperIgnores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.watcher.mapper

	cases := []string{
		filepath.Join(f.root, "logs", "app.log"),
		filepath.Join(f.root, "Users", "alice", "node_modules", "x.txt"),
		filepath.Join(f.root, "Users", "alice", ".hidden.txt"),
		filepath.Join(f.root, "Users", "alice", "messaging", "chat.txt"),
		filepath.Join(f.root, "Teams", "eng", "wiki", "page.txt"),
		filepath.Join(f.root, "Teams", "eng", "posts", "meme.png"),
		filepath.Join(f.root, "stray.txt"),
		"/outside/tree.txt",
	}
	for _, path := range cases {
		_, ok, err := m.Resolve(ctx, path, false)
		require.NoError(t, err)
		assert.False(t, ok, path)
	}

	// Team post text files stay in scope.
	_, ok, err := m.Resolve(ctx, filepath.Join(f.root, "Teams", "eng", "posts", "note.txt"), false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandleFileChangedImports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := f.write(t, "Users/alice/inbox/notes.txt", "watcher discovered content")
	require.NoError(t, f.watcher.handleFileChanged(ctx, path))

	uid, err := f.repo.GetUserIDByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, uid)

	folder, err := f.repo.ResolvePath(ctx, documents.UserScope(uid), []string{"inbox"}, db.ForUser(uid))
	require.NoError(t, err)
	require.NotNil(t, folder)

	doc, err := f.repo.FindByFilenameAndContext(ctx, "notes.txt", &uid, documents.CollectionUser, &folder.ID, db.ForUser(uid))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, documents.StatusCompleted, doc.Status)
	assert.NotZero(t, f.vectors.stored[doc.ID])
}

func TestHandleFileChangedUnchangedIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := f.write(t, "Global/readme.md", "stable content")
	require.NoError(t, f.watcher.handleFileChanged(ctx, path))

	doc, err := f.repo.FindByFilenameAndContext(ctx, "readme.md", nil, documents.CollectionGlobal, nil, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, doc)
	storedBefore := f.vectors.stored[doc.ID]

	// Same bytes again: no re-embed, no delete.
	require.NoError(t, f.watcher.handleFileChanged(ctx, path))
	assert.Equal(t, storedBefore, f.vectors.stored[doc.ID])
	assert.Empty(t, f.vectors.deleted)
}

func TestHandleFileChangedReembedsOnModify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := f.write(t, "Global/doc.txt", "first version")
	require.NoError(t, f.watcher.handleFileChanged(ctx, path))

	doc, err := f.repo.FindByFilenameAndContext(ctx, "doc.txt", nil, documents.CollectionGlobal, nil, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, doc)

	f.write(t, "Global/doc.txt", "second version entirely different")
	require.NoError(t, f.watcher.handleFileChanged(ctx, path))

	// Old points were dropped before the new upsert.
	assert.Contains(t, f.vectors.deleted, doc.ID)
	after, err := f.repo.GetByID(ctx, doc.ID, db.Admin())
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, after.Status)
}

func TestHandleFileChangedRename(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldPath := f.write(t, "Global/old.txt", "rename me please")
	require.NoError(t, f.watcher.handleFileChanged(ctx, oldPath))

	doc, err := f.repo.FindByFilenameAndContext(ctx, "old.txt", nil, documents.CollectionGlobal, nil, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, doc)
	deletedBefore := len(f.vectors.deleted)

	newPath := filepath.Join(f.root, "Global", "new.txt")
	require.NoError(t, os.Rename(oldPath, newPath))
	require.NoError(t, f.watcher.handleFileChanged(ctx, newPath))

	// Same row, new name, payload patched, no re-embed.
	after, err := f.repo.GetByID(ctx, doc.ID, db.Admin())
	require.NoError(t, err)
	assert.Equal(t, "new.txt", after.Filename)
	assert.Contains(t, f.vectors.patched, doc.ID)
	assert.Len(t, f.vectors.deleted, deletedBefore)

	// The removal of the old path is now a no-op: the row's current
	// location exists on disk.
	require.NoError(t, f.watcher.handleRemoved(ctx, oldPath))
	still, err := f.repo.GetByID(ctx, doc.ID, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, still)
}

func TestHandleRemovedDeletesDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := f.write(t, "Global/gone.txt", "about to vanish")
	require.NoError(t, f.watcher.handleFileChanged(ctx, path))

	doc, err := f.repo.FindByFilenameAndContext(ctx, "gone.txt", nil, documents.CollectionGlobal, nil, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, doc)

	require.NoError(t, os.Remove(path))
	require.NoError(t, f.watcher.handleRemoved(ctx, path))

	after, err := f.repo.GetByID(ctx, doc.ID, db.Admin())
	require.NoError(t, err)
	assert.Nil(t, after)
	assert.Contains(t, f.vectors.deleted, doc.ID)
}

func TestHandleFolderRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := f.write(t, "Global/projects/p1.txt", "folder content")
	require.NoError(t, f.watcher.handleFileChanged(ctx, path))

	folder, err := f.repo.ResolvePath(ctx, documents.GlobalScope(), []string{"projects"}, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, folder)

	dir := filepath.Join(f.root, "Global", "projects")
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, f.watcher.handleFolderRemoved(ctx, dir))

	gone, err := f.repo.ResolvePath(ctx, documents.GlobalScope(), []string{"projects"}, db.Admin())
	require.NoError(t, err)
	assert.Nil(t, gone)

	doc, err := f.repo.FindByFilenameAndContext(ctx, "p1.txt", nil, documents.CollectionGlobal, &folder.ID, db.Admin())
	require.NoError(t, err)
	assert.Nil(t, doc)
}

type recordingNotifier struct {
	events []notify.Event
}

func (r *recordingNotifier) Publish(event notify.Event) {
	r.events = append(r.events, event)
}

func TestHandleRemovedUntrackedPathIsQuiet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &recordingNotifier{}
	w, err := New(f.root, f.svc, f.repo, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.fs.Close() })

	// Files the tree never tracked: one with an unsupported extension,
	// one supported but never imported. Their removal must not be taken
	// for a folder deletion or trigger client re-syncs.
	for _, rel := range []string{"Global/export.dat", "Global/skipped.txt"} {
		path := f.write(t, rel, "never imported")
		require.NoError(t, os.Remove(path))
		require.NoError(t, w.handleRemoved(ctx, path))
	}
	assert.Empty(t, rec.events)
}

func TestHandleRemovedClassifiesByRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A tracked file routes through the file branch because its row
	// exists, and the row is deleted with it.
	path := f.write(t, "Global/plain.txt", "tracked content")
	require.NoError(t, f.watcher.handleFileChanged(ctx, path))

	doc, err := f.repo.FindByFilenameAndContext(ctx, "plain.txt", nil, documents.CollectionGlobal, nil, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, doc)

	require.NoError(t, os.Remove(path))
	require.NoError(t, f.watcher.handleRemoved(ctx, path))

	gone, err := f.repo.GetByID(ctx, doc.ID, db.Admin())
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Folder rows survive file removals that merely share their prefix.
	dirPath := f.write(t, "Global/reports/q1.txt", "quarterly")
	require.NoError(t, f.watcher.handleFileChanged(ctx, dirPath))
	folder, err := f.repo.ResolvePath(ctx, documents.GlobalScope(), []string{"reports"}, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, folder)

	require.NoError(t, os.Remove(dirPath))
	require.NoError(t, f.watcher.handleRemoved(ctx, dirPath))

	still, err := f.repo.ResolvePath(ctx, documents.GlobalScope(), []string{"reports"}, db.Admin())
	require.NoError(t, err)
	assert.NotNil(t, still)
}

func TestReconcileImportsAndPrunes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// On disk, not in DB: should be imported.
	f.write(t, "Users/bob/drafts/a.txt", "alpha content")
	f.write(t, "Global/b.md", "beta content")
	f.write(t, "logs/ignored.txt", "never imported")

	// In DB, not on disk: should be pruned.
	stale := &documents.Document{
		ID:             "deadbeefdeadbeefdeadbeefdeadbeef",
		Filename:       "phantom.txt",
		DocType:        documents.TypeTxt,
		FileHash:       "h-stale",
		Status:         documents.StatusCompleted,
		CollectionKind: documents.CollectionGlobal,
	}
	require.NoError(t, f.repo.CreateWithFolder(ctx, stale, nil, db.Admin()))

	rec := NewReconciler(f.root, f.svc, f.repo, f.watcher.mapper, notify.Discard{})
	require.NoError(t, rec.Reconcile(ctx))

	uid, err := f.repo.GetUserIDByUsername(ctx, "bob")
	require.NoError(t, err)
	require.NotEmpty(t, uid)

	folder, err := f.repo.ResolvePath(ctx, documents.UserScope(uid), []string{"drafts"}, db.ForUser(uid))
	require.NoError(t, err)
	require.NotNil(t, folder)

	imported, err := f.repo.FindByFilenameAndContext(ctx, "a.txt", &uid, documents.CollectionUser, &folder.ID, db.ForUser(uid))
	require.NoError(t, err)
	require.NotNil(t, imported)
	assert.Equal(t, documents.StatusCompleted, imported.Status)

	global, err := f.repo.FindByFilenameAndContext(ctx, "b.md", nil, documents.CollectionGlobal, nil, db.Admin())
	require.NoError(t, err)
	require.NotNil(t, global)

	ignored, err := f.repo.FindByHash(ctx, ingest.FileHash([]byte("never imported")), db.Admin())
	require.NoError(t, err)
	assert.Nil(t, ignored)

	pruned, err := f.repo.GetByID(ctx, stale.ID, db.Admin())
	require.NoError(t, err)
	assert.Nil(t, pruned)
	assert.Contains(t, f.vectors.deleted, stale.ID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "Global/once.txt", "import exactly once")

	rec := NewReconciler(f.root, f.svc, f.repo, f.watcher.mapper, notify.Discard{})
	require.NoError(t, rec.Reconcile(ctx))
	require.NoError(t, rec.Reconcile(ctx))

	docs, err := f.repo.ListAll(ctx, 100, 0, db.Admin())
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestReconcileKeepsTeamFolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	teamID, err := f.repo.EnsureTeam(ctx, "eng")
	require.NoError(t, err)

	// Team folder with no backing directory survives reconciliation.
	folder, err := f.repo.CreateOrGetFolder(ctx, documents.FolderData{
		Name:  "roadmap",
		Scope: documents.TeamScope(teamID),
	}, db.Admin())
	require.NoError(t, err)

	rec := NewReconciler(f.root, f.svc, f.repo, f.watcher.mapper, notify.Discard{})
	require.NoError(t, rec.Reconcile(ctx))

	still, err := f.repo.GetFolder(ctx, folder.ID, db.Admin())
	require.NoError(t, err)
	assert.NotNil(t, still)
}
