// Package trash implements the delete-to-trash mover of spec.md §4.8 (C11):
// a directory deletion renames its target into a staging tree with a single
// rename(2) so it races safely with concurrent uploads, then a background
// job finishes the job asynchronously. It is a Go port of the original
// Python project's resource.py Resource.delete, which performs the same
// rename-then-enqueue dance against a Werkzeug/Celery stack; here the
// rename uses os.Rename and the background half runs on pkg/taskqueue.
package trash

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/csc-fi/pifs/internal/auth"
	"github.com/csc-fi/pifs/pkg/catalogue"
	"github.com/csc-fi/pifs/pkg/datasetguard"
	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/lockmanager"
	"github.com/csc-fi/pifs/pkg/pathutil"
	"github.com/csc-fi/pifs/pkg/quota"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/csc-fi/pifs/pkg/taskqueue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config carries the filesystem layout a Mover needs.
type Config struct {
	ProjectsPath string
	TrashPath    string
	LockTTL      time.Duration
	LockTimeout  time.Duration
}

// Mover stages directory deletions into trash and enqueues the background
// job that finishes them, spec.md §4.8.
type Mover struct {
	cfg       Config
	store     store.Store
	locks     *lockmanager.Manager
	catalogue *catalogue.Client
	guard     *datasetguard.Guard
	queue     *taskqueue.Queue
	quota     *quota.Accountant
	log       *zerolog.Logger
}

// New builds a Mover.
func New(cfg Config, st store.Store, locks *lockmanager.Manager, cat *catalogue.Client, guard *datasetguard.Guard, queue *taskqueue.Queue, acct *quota.Accountant, log *zerolog.Logger) *Mover {
	return &Mover{cfg: cfg, store: st, locks: locks, catalogue: cat, guard: guard, queue: queue, quota: acct, log: log}
}

// jobArgs is the payload enqueued onto the "files" queue, spec.md §4.8 step
// 4: "(trash_path, trash_root, project_id)".
type jobArgs struct {
	TrashPath    string `json:"trash_path"`
	TrashRoot    string `json:"trash_root"`
	ProjectID    string `json:"project_id"`
	RelativePath string `json:"relative_path"`
}

// Delete runs spec.md §4.8 steps 1-4: acquire the lock (held across the
// whole operation, not released here), check the dataset guard over every
// file under the target, rename the target into trash, recreate an empty
// project root if the whole project was targeted, and enqueue the
// finishing job. It returns the ID of the Task the caller can poll.
func (m *Mover) Delete(ctx context.Context, principal auth.Principal, projectID, relativePath string) (string, error) {
	if !principal.AllowsProject(projectID) {
		return "", errtypes.Forbidden(projectID)
	}

	projectDir := filepath.Join(m.cfg.ProjectsPath, projectID)
	target, err := pathutil.Resolve(projectDir, relativePath)
	if err != nil {
		return "", err
	}

	if err := m.locks.Acquire(ctx, projectID, target, m.cfg.LockTimeout, m.cfg.LockTTL); err != nil {
		return "", err
	}

	if err := m.enforceDatasetGuard(ctx, projectID, target); err != nil {
		_ = m.locks.Release(ctx, projectID, target)
		return "", err
	}

	rel, err := pathutil.RelativeTo(projectDir, target)
	if err != nil {
		_ = m.locks.Release(ctx, projectID, target)
		return "", err
	}

	token := uuid.NewString()
	trashRoot := filepath.Join(m.cfg.TrashPath, token)
	trashPath := filepath.Join(trashRoot, projectID, relativePath)

	if err := os.MkdirAll(filepath.Dir(trashPath), 0o775); err != nil {
		_ = m.locks.Release(ctx, projectID, target)
		return "", errtypes.InternalError(err.Error())
	}
	if err := os.Rename(target, trashPath); err != nil {
		_ = os.RemoveAll(trashRoot)
		_ = m.locks.Release(ctx, projectID, target)
		if os.IsNotExist(err) {
			return "", errtypes.NotFound("no files found")
		}
		return "", errtypes.InternalError(err.Error())
	}

	if target == projectDir {
		if err := os.MkdirAll(projectDir, 0o775); err != nil && m.log != nil {
			m.log.Error().Err(err).Str("project_id", projectID).Msg("failed to recreate empty project root after trash move")
		}
	}

	taskID, err := m.queue.Enqueue(ctx, taskqueue.QueueFiles, projectID, jobArgs{
		TrashPath:    trashPath,
		TrashRoot:    trashRoot,
		ProjectID:    projectID,
		RelativePath: rel,
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// enforceDatasetGuard resolves the catalogue identifiers under target and
// refuses deletion if any belongs to a pending dataset, spec.md §4.9.
func (m *Mover) enforceDatasetGuard(ctx context.Context, projectID, target string) error {
	projectDir := filepath.Join(m.cfg.ProjectsPath, projectID)
	rel, err := pathutil.RelativeTo(projectDir, target)
	if err != nil {
		return err
	}

	records, err := m.store.Files().ListByPrefix(ctx, target)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.Identifier)
	}

	verdict, err := m.guard.Check(ctx, ids)
	if err != nil {
		return err
	}
	return verdict.Enforce(rel)
}

// Process is the taskqueue.Handler for the "files" queue, spec.md §4.8
// step 5: translate trash paths back to their upload-root equivalents,
// honour the dataset guard when deleting catalogue metadata, delete the
// matching FileRecord rows, remove the trash subtree, reconcile quota and
// release the lock.
func (m *Mover) Process(ctx context.Context, job *taskqueue.Job) error {
	var args jobArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return err
	}

	projectDir := filepath.Join(m.cfg.ProjectsPath, args.ProjectID)
	trashProjectRoot := filepath.Join(args.TrashRoot, args.ProjectID)

	// args.TrashPath is the exact rename(2) destination of the original
	// target; translating it back yields the path the FileRecord rows are
	// still keyed on (the registry is never touched by the rename).
	target := translateTrashPath(args.TrashPath, trashProjectRoot, projectDir)

	records, err := m.store.Files().ListByPrefix(ctx, target)
	if err != nil {
		return err
	}

	var paths, identifiers []string
	for _, r := range records {
		paths = append(paths, r.Path)
		identifiers = append(identifiers, r.Identifier)
	}

	verdict, err := m.guard.Check(ctx, identifiers)
	if err != nil {
		return err
	}
	if !verdict.Preserved {
		if _, err := m.catalogue.DeleteFiles(ctx, identifiers); err != nil {
			return err
		}
	}

	if _, err := m.store.Files().DeleteMany(ctx, paths); err != nil {
		return err
	}

	if err := os.RemoveAll(args.TrashRoot); err != nil {
		return errtypes.InternalError(err.Error())
	}

	if _, err := m.quota.Reconcile(ctx, args.ProjectID, projectDir); err != nil {
		return err
	}

	if err := m.locks.Release(ctx, args.ProjectID, target); err != nil && err != lockmanager.ErrNotLocked && m.log != nil {
		m.log.Error().Err(err).Msg("failed to release lock after trash job completion")
	}

	return m.store.Tasks().SetDone(ctx, job.TaskID, "Deleted files and metadata: "+args.RelativePath)
}

// translateTrashPath rewrites a path rooted at trashProjectRoot back to the
// equivalent path under projectDir, spec.md §4.8 step 5.
func translateTrashPath(path, trashProjectRoot, projectDir string) string {
	if path == trashProjectRoot {
		return projectDir
	}
	if strings.HasPrefix(path, trashProjectRoot+string(filepath.Separator)) {
		return filepath.Join(projectDir, strings.TrimPrefix(path, trashProjectRoot+string(filepath.Separator)))
	}
	return path
}
