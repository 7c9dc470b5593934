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

// Package watcher keeps the on-disk document tree and the database in
// sync: a startup reconciliation pass followed by a live fsnotify
// observer with debounced, parallel event handling.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/adamsih300u/bastion/pkg/db"
	"github.com/adamsih300u/bastion/pkg/documents"
	"github.com/adamsih300u/bastion/pkg/ingest"
	"github.com/adamsih300u/bastion/pkg/notify"
)

const (
	// debounceHorizon defers file events until writes settle.
	debounceHorizon = 2 * time.Second
	// sweepInterval is how often pending events are promoted.
	sweepInterval = time.Second
)

type pendingEvent struct {
	op   fsnotify.Op
	last time.Time
}

// Watcher observes the document root and mirrors changes into the
// metadata, vector and folder stores through the ingest service.
type Watcher struct {
	fs       *fsnotify.Watcher
	root     string
	mapper   *PathMapper
	svc      *ingest.Service
	repo     *documents.Repository
	notifier notify.Notifier

	mu       sync.Mutex
	pending  map[string]pendingEvent
	watching bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a watcher over root. notifier may be nil.
func New(root string, svc *ingest.Service, repo *documents.Repository, notifier notify.Notifier) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Watcher{
		fs:       fs,
		root:     root,
		mapper:   NewPathMapper(root, repo),
		svc:      svc,
		repo:     repo,
		notifier: notifier,
		pending:  make(map[string]pendingEvent),
		done:     make(chan struct{}),
	}, nil
}

// Start runs startup reconciliation and then enables the live observer.
// Reconciliation completes before the first live event is handled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	rec := NewReconciler(w.root, w.svc, w.repo, w.mapper, w.notifier)
	if err := rec.Reconcile(ctx); err != nil {
		return err
	}

	if err := w.watchTree(w.root); err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)

	slog.Info("Started file watcher", "root", w.root)
	return nil
}

// Stop tears down the observer. Pending events are dropped.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return nil
	}
	w.watching = false
	w.cancel()
	err := w.fs.Close()
	<-w.done
	return err
}

// watchTree registers root and every non-ignored subdirectory.
func (w *Watcher) watchTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != root {
			if _, ok, _ := w.mapper.Resolve(context.Background(), path, true); !ok {
				return filepath.SkipDir
			}
		}
		if err := w.fs.Add(path); err != nil {
			slog.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Chmod != 0 {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = pendingEvent{op: event.Op, last: time.Now()}
			w.mu.Unlock()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "root", w.root, "error", err)

		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep promotes events past the debounce horizon and processes them in
// parallel. One path's failure never blocks the others. Creations run
// before removals so a rename's new location is registered before the
// old one is checked.
func (w *Watcher) sweep(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var creates, removes []string
	for path, ev := range w.pending {
		if now.Sub(ev.last) < debounceHorizon {
			continue
		}
		delete(w.pending, path)
		if ev.op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			removes = append(removes, path)
		} else {
			creates = append(creates, path)
		}
	}
	w.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, path := range creates {
		g.Go(func() error {
			if err := w.handlePath(gctx, path); err != nil {
				slog.Error("Failed to process file event", "path", path, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, path := range removes {
		if err := w.handleRemoved(ctx, path); err != nil {
			slog.Error("Failed to process removal", "path", path, "error", err)
		}
	}
}

// handlePath handles a created or modified path.
func (w *Watcher) handlePath(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		// Vanished before the debounce expired.
		return nil
	}

	if info.IsDir() {
		return w.handleFolderCreated(ctx, path)
	}
	return w.handleFileChanged(ctx, path)
}

func (w *Watcher) handleFolderCreated(ctx context.Context, path string) error {
	pc, ok, err := w.mapper.Resolve(ctx, path, true)
	if err != nil || !ok {
		return err
	}

	if err := w.fs.Add(path); err != nil {
		slog.Warn("Failed to watch new directory", "path", path, "error", err)
	}

	if len(pc.FolderPath) == 0 {
		return nil // scope root, not a folder row
	}

	folder, err := w.repo.EnsurePath(ctx, pc.Scope, pc.FolderPath, w.rls(pc))
	if err != nil {
		return err
	}

	w.notifier.Publish(notify.Event{
		Kind:     notify.FolderCreated,
		FolderID: &folder.ID,
		UserID:   pc.Scope.UserID,
	})
	return nil
}

// handleFileChanged is the create/modify path: a matching row with the
// same hash is a no-op, a matching row with a new hash is re-embedded,
// a hash match under a different name is a rename, anything else is a
// fresh import.
func (w *Watcher) handleFileChanged(ctx context.Context, path string) error {
	pc, ok, err := w.mapper.Resolve(ctx, path, false)
	if err != nil || !ok {
		return err
	}
	if _, supported := documents.TypeForFilename(pc.Filename); !supported {
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	hash := ingest.FileHash(content)
	rls := w.rls(pc)

	var folderID *string
	if len(pc.FolderPath) > 0 {
		folder, err := w.repo.EnsurePath(ctx, pc.Scope, pc.FolderPath, rls)
		if err != nil {
			return err
		}
		folderID = &folder.ID
	}

	doc, err := w.repo.FindByFilenameAndContext(ctx, pc.Filename, pc.Scope.UserID, pc.Scope.Kind, folderID, rls)
	if err != nil {
		return err
	}
	if doc != nil {
		if doc.FileHash == hash {
			return nil // already tracked, or a programmatic move
		}
		slog.Info("File modified on disk, re-embedding", "path", path, "document_id", doc.ID)
		return w.svc.Reprocess(ctx, doc.ID)
	}

	// No row under this name; the same bytes elsewhere means a rename.
	byHash, err := w.repo.FindByHash(ctx, hash, rls)
	if err != nil {
		return err
	}
	if byHash != nil && byHash.CollectionKind == pc.Scope.Kind {
		slog.Info("File renamed on disk", "document_id", byHash.ID, "filename", pc.Filename)
		if err := w.svc.Rename(ctx, byHash.ID, pc.Filename, rls); err != nil {
			return err
		}
		return w.repo.UpdateFolder(ctx, byHash.ID, folderID, rls)
	}

	slog.Info("New file discovered", "path", path)
	_, err = w.svc.ImportDiskFile(ctx, ingest.UploadRequest{
		Filename:   pc.Filename,
		UserID:     pc.Scope.UserID,
		Username:   pc.Username,
		TeamID:     pc.Scope.TeamID,
		FolderPath: pc.FolderPath,
	})
	return err
}

// handleRemoved handles removals and the source side of renames. The
// path is gone by now, so file-vs-folder is decided by what the
// database knows about it: a document row means a file, a folder row
// means a folder, and paths known to neither are ignored.
func (w *Watcher) handleRemoved(ctx context.Context, path string) error {
	handled, err := w.handleFileRemoved(ctx, path)
	if err != nil || handled {
		return err
	}
	return w.handleFolderRemoved(ctx, path)
}

// handleFileRemoved deletes the document row matching path, reporting
// whether one existed. The row is only deleted when its reconstructed
// path is really gone, so a rename whose new location was already
// registered becomes a no-op.
func (w *Watcher) handleFileRemoved(ctx context.Context, path string) (bool, error) {
	pc, ok, err := w.mapper.Resolve(ctx, path, false)
	if err != nil || !ok {
		return false, err
	}
	rls := w.rls(pc)

	var folderID *string
	if len(pc.FolderPath) > 0 {
		folder, err := w.repo.ResolvePath(ctx, pc.Scope, pc.FolderPath, rls)
		if err != nil || folder == nil {
			return false, err
		}
		folderID = &folder.ID
	}

	doc, err := w.repo.FindByFilenameAndContext(ctx, pc.Filename, pc.Scope.UserID, pc.Scope.Kind, folderID, rls)
	if err != nil || doc == nil {
		return false, err
	}

	// Renamed rows point at their new location by now.
	if current, err := w.svc.DocumentPath(ctx, doc); err == nil {
		if _, statErr := os.Stat(current); statErr == nil {
			return true, nil
		}
	}

	slog.Info("File removed from disk", "path", path, "document_id", doc.ID)
	return true, w.svc.Delete(ctx, doc.ID, rls)
}

func (w *Watcher) handleFolderRemoved(ctx context.Context, path string) error {
	pc, ok, err := w.mapper.Resolve(ctx, path, true)
	if err != nil || !ok || len(pc.FolderPath) == 0 {
		return err
	}
	rls := w.rls(pc)

	folder, err := w.repo.ResolvePath(ctx, pc.Scope, pc.FolderPath, rls)
	if err != nil {
		return err
	}
	if folder == nil {
		return nil // never tracked; nothing to sync
	}

	if _, statErr := os.Stat(path); statErr == nil {
		return nil // re-created, or a programmatic move already synced
	}

	if err := w.deleteFolderTree(ctx, pc.Scope, folder, rls); err != nil {
		return err
	}

	w.notifier.Publish(notify.Event{
		Kind:     notify.FolderDeleted,
		FolderID: &folder.ID,
		UserID:   pc.Scope.UserID,
	})
	return nil
}

// deleteFolderTree removes a folder's documents (with vector cleanup)
// depth-first, then the folder row. The row cascade would drop nested
// rows on its own but would orphan their vector points.
func (w *Watcher) deleteFolderTree(ctx context.Context, scope documents.Scope, folder *documents.Folder, rls *db.RLSContext) error {
	all, err := w.repo.ListFolders(ctx, scope, rls)
	if err != nil {
		return err
	}
	children := make(map[string][]*documents.Folder)
	for _, f := range all {
		if f.ParentFolderID != nil {
			children[*f.ParentFolderID] = append(children[*f.ParentFolderID], f)
		}
	}

	var walk func(*documents.Folder) error
	walk = func(f *documents.Folder) error {
		for _, child := range children[f.ID] {
			if err := walk(child); err != nil {
				return err
			}
		}
		docs, err := w.repo.ListByFolder(ctx, &f.ID, scope.UserID, rls)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := w.svc.Delete(ctx, doc.ID, rls); err != nil {
				slog.Warn("Failed to delete document in removed folder", "document_id", doc.ID, "error", err)
			}
		}
		return nil
	}
	if err := walk(folder); err != nil {
		return err
	}
	return w.repo.DeleteFolder(ctx, folder.ID, rls)
}

func (w *Watcher) rls(pc *PathContext) *db.RLSContext {
	if pc.Scope.UserID != nil {
		return db.ForUser(*pc.Scope.UserID)
	}
	return db.Admin()
}
