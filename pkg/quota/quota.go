// Package quota implements the project quota accounting of spec.md §4.3
// (C3): the three-quantity model (stored_bytes, reserved_bytes, used_quota)
// and the admission check `quota - used_quota - reserved_bytes - incoming
// >= 0`. It is a Go port of the original Python project's
// models/project_entry.py quota helpers, which walk the project directory
// with os.walk and recompute the live Upload reservation on every check
// rather than trusting a cached counter.
package quota

import (
	"context"
	"os"
	"path/filepath"

	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/store"
)

// Accountant answers admission and reconciliation queries against the
// Project and Upload repositories.
type Accountant struct {
	projects store.Projects
	uploads  store.Uploads
}

// New builds an Accountant.
func New(projects store.Projects, uploads store.Uploads) *Accountant {
	return &Accountant{projects: projects, uploads: uploads}
}

// Remaining recomputes `quota - used_quota - reserved_bytes` for a project,
// spec.md §4.3. Because reserved_bytes is recomputed from the live Upload
// set on every call, parallel admissions do not double-count each other's
// reservations (spec.md §5 "Quota accounting").
func (a *Accountant) Remaining(ctx context.Context, projectID string) (int64, error) {
	project, err := a.projects.Get(ctx, projectID)
	if err != nil {
		return 0, err
	}
	reserved, err := a.uploads.ReservedBytes(ctx, projectID)
	if err != nil {
		return 0, err
	}
	return project.Quota - project.UsedQuota - reserved, nil
}

// Admit checks whether incomingSize may be admitted into projectID without
// exceeding quota, per the admission formula of spec.md §4.3. It returns
// errtypes.PayloadTooLarge when the project does not have room.
func (a *Accountant) Admit(ctx context.Context, projectID string, incomingSize int64) error {
	remaining, err := a.Remaining(ctx, projectID)
	if err != nil {
		return err
	}
	if remaining-incomingSize < 0 {
		return errtypes.PayloadTooLarge("quota exceeded")
	}
	return nil
}

// StoredBytes walks projectDir and sums the size of every regular file
// under it, the "stored_bytes" quantity of spec.md §4.3.
func StoredBytes(projectDir string) (int64, error) {
	var total int64
	err := filepath.Walk(projectDir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}

// Reconcile recomputes used_quota from stored_bytes and persists it, the
// scan described in spec.md §4.3 point (c) and invoked after every publish
// and delete (points (a) and (b)) and by the periodic background sweep.
func (a *Accountant) Reconcile(ctx context.Context, projectID, projectDir string) (int64, error) {
	stored, err := StoredBytes(projectDir)
	if err != nil {
		return 0, err
	}
	if err := a.projects.SetUsedQuota(ctx, projectID, stored); err != nil {
		return 0, err
	}
	return stored, nil
}
