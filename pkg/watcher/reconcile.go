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
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adamsih300u/bastion/pkg/db"
	"github.com/adamsih300u/bastion/pkg/documents"
	"github.com/adamsih300u/bastion/pkg/ingest"
	"github.com/adamsih300u/bastion/pkg/notify"
)

const reconcilePageSize = 200

// Reconciler performs the startup sync: disk is the source of truth for
// user and global scopes, the database for team scopes. It runs to
// completion before the live watcher starts.
type Reconciler struct {
	root     string
	svc      *ingest.Service
	repo     *documents.Repository
	mapper   *PathMapper
	notifier notify.Notifier
}

func NewReconciler(root string, svc *ingest.Service, repo *documents.Repository, mapper *PathMapper, notifier notify.Notifier) *Reconciler {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Reconciler{root: root, svc: svc, repo: repo, mapper: mapper, notifier: notifier}
}

// Reconcile runs the four passes in fixed order: import untracked files,
// import untracked folders, drop folder rows with no directory, drop
// document rows with no file.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	found, imported, tracked, err := r.importFiles(ctx)
	if err != nil {
		return err
	}

	importedFolders, err := r.importFolders(ctx)
	if err != nil {
		return err
	}

	removedFolders, err := r.removeMissingFolders(ctx)
	if err != nil {
		return err
	}

	removedDocs, err := r.removeMissingDocuments(ctx)
	if err != nil {
		return err
	}

	slog.Info("Startup reconciliation complete",
		"found", found,
		"imported", imported,
		"already_tracked", tracked,
		"imported_folders", importedFolders,
		"removed_missing_folders", removedFolders,
		"removed_missing_documents", removedDocs)
	return nil
}

// importFiles walks the tree and registers every supported file that
// has no matching document row.
func (r *Reconciler) importFiles(ctx context.Context) (found, imported, tracked int, err error) {
	err = filepath.Walk(r.root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if info.IsDir() {
			if path == r.root {
				return nil
			}
			if _, ok, _ := r.mapper.Resolve(ctx, path, true); !ok {
				return filepath.SkipDir
			}
			return nil
		}
		if _, supported := documents.TypeForFilename(info.Name()); !supported {
			return nil
		}

		pc, ok, err := r.mapper.Resolve(ctx, path, false)
		if err != nil || !ok {
			return err
		}
		found++

		result, err := r.svc.ImportDiskFile(ctx, ingest.UploadRequest{
			Filename:   pc.Filename,
			UserID:     pc.Scope.UserID,
			Username:   pc.Username,
			TeamID:     pc.Scope.TeamID,
			FolderPath: pc.FolderPath,
		})
		if err != nil {
			slog.Warn("Failed to import file", "path", path, "error", err)
			return nil
		}
		if result.Duplicate {
			tracked++
		} else {
			imported++
		}
		return nil
	})
	return found, imported, tracked, err
}

// importFolders ensures every on-disk directory has a folder chain.
func (r *Reconciler) importFolders(ctx context.Context) (int, error) {
	imported := 0
	err := filepath.Walk(r.root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || !info.IsDir() || path == r.root {
			return nil
		}

		pc, ok, err := r.mapper.Resolve(ctx, path, true)
		if err != nil {
			return err
		}
		if !ok {
			return filepath.SkipDir
		}
		if len(pc.FolderPath) == 0 {
			return nil // scope root
		}

		existing, err := r.repo.ResolvePath(ctx, pc.Scope, pc.FolderPath, r.rls(pc))
		if err != nil {
			return err
		}
		if existing == nil {
			if _, err := r.repo.EnsurePath(ctx, pc.Scope, pc.FolderPath, r.rls(pc)); err != nil {
				return err
			}
			imported++
		}
		return nil
	})
	return imported, err
}

// removeMissingFolders drops folder rows whose directory is gone. Team
// folders are application-managed and exempt.
func (r *Reconciler) removeMissingFolders(ctx context.Context) (int, error) {
	folders, err := r.repo.ListAllFolders(ctx, db.Admin())
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, folder := range folders {
		if folder.CollectionKind == documents.CollectionTeam {
			continue
		}

		dir, err := r.folderDiskPath(ctx, folder)
		if err != nil {
			slog.Warn("Failed to resolve folder path", "folder_id", folder.ID, "error", err)
			continue
		}
		if _, err := os.Stat(dir); err == nil {
			continue
		}

		if err := r.repo.DeleteFolder(ctx, folder.ID, db.Admin()); err != nil {
			// Already cascaded away with an ancestor.
			continue
		}
		removed++
		slog.Info("Removed folder row with no directory", "folder_id", folder.ID, "name", folder.Name)
	}
	return removed, nil
}

// removeMissingDocuments drops document rows whose file is gone,
// cleaning up vector points first via the service's delete path.
func (r *Reconciler) removeMissingDocuments(ctx context.Context) (int, error) {
	// Collect first, delete after: deleting while paginating would shift
	// offsets under the cursor.
	var stale []*documents.Document
	for offset := 0; ; offset += reconcilePageSize {
		docs, err := r.repo.ListAll(ctx, reconcilePageSize, offset, db.Admin())
		if err != nil {
			return 0, err
		}
		if len(docs) == 0 {
			break
		}

		for _, doc := range docs {
			path, err := r.svc.DocumentPath(ctx, doc)
			if err != nil {
				slog.Warn("Failed to resolve document path", "document_id", doc.ID, "error", err)
				continue
			}
			if _, err := os.Stat(path); err != nil {
				stale = append(stale, doc)
			}
		}
	}

	removed := 0
	for _, doc := range stale {
		if err := r.svc.Delete(ctx, doc.ID, db.Admin()); err != nil {
			slog.Warn("Failed to remove stale document row", "document_id", doc.ID, "error", err)
			continue
		}
		removed++
		slog.Info("Removed document row with no file", "document_id", doc.ID, "filename", doc.Filename)
	}
	return removed, nil
}

// folderDiskPath reconstructs a folder row's on-disk directory.
func (r *Reconciler) folderDiskPath(ctx context.Context, folder *documents.Folder) (string, error) {
	chain, err := r.repo.FolderPath(ctx, folder.ID, db.Admin())
	if err != nil {
		return "", err
	}

	username := ""
	if folder.UserID != nil {
		name, err := r.repo.GetUsernameByID(ctx, *folder.UserID)
		if err != nil {
			return "", err
		}
		if name == "" {
			name = *folder.UserID
		}
		username = name
	}

	scope := documents.Scope{Kind: folder.CollectionKind, UserID: folder.UserID, TeamID: folder.TeamID}
	return r.svc.DiskPath(scope, username, chain, ""), nil
}

func (r *Reconciler) rls(pc *PathContext) *db.RLSContext {
	if pc.Scope.UserID != nil {
		return db.ForUser(*pc.Scope.UserID)
	}
	return db.Admin()
}
