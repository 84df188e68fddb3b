package upload

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/csc-fi/pifs/pkg/catalogue"
	"github.com/csc-fi/pifs/pkg/checksum"
	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/pathutil"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/google/uuid"
)

// PublishResult summarises what Publish moved into the project, the Go
// analogue of the original project's publish step return value in
// models/upload.py's store().
type PublishResult struct {
	Files []PublishedFile
}

// PublishedFile is one file that moved from staging into the project
// directory and the catalogue during Publish.
type PublishedFile struct {
	RelativePath string
	AbsolutePath string
	Size         int64
	Checksum     string
	Identifier   string
	Timestamp    time.Time
}

// candidate is a staged file not yet moved into place.
type candidate struct {
	stagedPath string
	finalPath  string
	relPath    string
}

// Publish runs spec.md §4.6.5 / C10: enumerate the staged tree, check for
// catalogue conflicts, bulk-post records to the catalogue, persist
// FileRecord rows, move bytes into the project directory, reconcile quota,
// and release the lock. On a partial failure after the catalogue accepted
// the records, it compensates with a DeleteFiles call so no row is orphaned
// there without a matching file on disk.
func (h *Handle) Publish(ctx context.Context) (*PublishResult, error) {
	candidates, err := h.stagedCandidates()
	if err != nil {
		return nil, err
	}

	if err := h.checkCatalogueConflicts(ctx, candidates); err != nil {
		return nil, err
	}

	records := make([]catalogue.FileRecord, 0, len(candidates))
	fileRecords := make([]store.FileRecord, 0, len(candidates))
	published := make([]PublishedFile, 0, len(candidates))
	now := time.Now().UTC()

	for i := range candidates {
		c := &candidates[i]

		sum, err := checksum.MD5Sum(c.stagedPath)
		if err != nil {
			return nil, errtypes.InternalError(err.Error())
		}
		mime, err := DetectMimeType(c.stagedPath)
		if err != nil {
			mime = ""
		}

		info, err := os.Stat(c.stagedPath)
		if err != nil {
			return nil, errtypes.InternalError(err.Error())
		}

		id := uuid.NewString()
		records = append(records, catalogue.FileRecord{
			Pathname:   c.relPath,
			StorageID:  h.svc.catalogue.StorageID(),
			Identifier: id,
			Checksum:   sum,
			FileFormat: mime,
			Size:       info.Size(),
		})

		fileRecords = append(fileRecords, store.FileRecord{
			Path:       c.finalPath,
			Checksum:   sum,
			Identifier: id,
			Timestamp:  now,
		})
		published = append(published, PublishedFile{
			RelativePath: c.relPath,
			AbsolutePath: c.finalPath,
			Size:         info.Size(),
			Checksum:     sum,
			Identifier:   id,
			Timestamp:    now,
		})
	}

	if len(records) > 0 {
		if err := h.svc.catalogue.PostFiles(ctx, records); err != nil {
			return nil, err
		}
		if err := h.svc.store.Files().InsertMany(ctx, fileRecords); err != nil {
			h.compensateCatalogue(records)
			return nil, err
		}
	}

	for _, c := range candidates {
		if err := moveIntoPlace(c.stagedPath, c.finalPath); err != nil {
			return nil, errtypes.InternalError(err.Error())
		}
	}

	_ = os.RemoveAll(h.tmpDir)
	if err := h.svc.store.Uploads().Delete(ctx, h.Record.ID); err != nil && h.svc.log != nil {
		h.svc.log.Error().Err(err).Str("upload_id", h.Record.ID).Msg("failed to delete upload record after publish")
	}

	if _, err := h.svc.quota.Reconcile(ctx, h.Record.ProjectID, h.ProjectDir); err != nil && h.svc.log != nil {
		h.svc.log.Error().Err(err).Str("project_id", h.Record.ProjectID).Msg("quota reconciliation failed after publish")
	}

	h.svc.releaseLock(ctx, h)

	return &PublishResult{Files: published}, nil
}

// compensateCatalogue best-effort deletes the records just posted, the
// failure-compensation step of spec.md §4.6.5: a store.Files failure after
// PostFiles succeeded must not leave orphaned catalogue rows.
func (h *Handle) compensateCatalogue(records []catalogue.FileRecord) {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.Identifier)
	}
	if _, err := h.svc.catalogue.DeleteFiles(context.Background(), ids); err != nil && h.svc.log != nil {
		h.svc.log.Error().Err(err).Msg("failed to compensate catalogue after publish failure")
	}
}

// stagedCandidates enumerates every file Publish must move: the single
// staged source for a file upload, or the whole tmp_storage tree for an
// archive upload.
func (h *Handle) stagedCandidates() ([]candidate, error) {
	if h.Record.Type == store.UploadTypeFile {
		rel, err := pathutil.RelativeTo(h.ProjectDir, h.TargetPath)
		if err != nil {
			return nil, err
		}
		return []candidate{{
			stagedPath: h.SourcePath(),
			finalPath:  h.TargetPath,
			relPath:    rel,
		}}, nil
	}

	var out []candidate
	root := h.tmpStorageDir()
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relToRoot, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		finalPath := filepath.Join(h.TargetPath, relToRoot)
		rel, err := pathutil.RelativeTo(h.ProjectDir, finalPath)
		if err != nil {
			return err
		}
		out = append(out, candidate{stagedPath: p, finalPath: finalPath, relPath: rel})
		return nil
	})
	if err != nil {
		return nil, errtypes.InternalError(err.Error())
	}
	return out, nil
}

// checkCatalogueConflicts runs the per-type conflict check of spec.md
// §4.6.5: a single-file upload looks up its one path, an archive upload
// fetches the whole project listing once and intersects it against every
// candidate.
func (h *Handle) checkCatalogueConflicts(ctx context.Context, candidates []candidate) error {
	if h.Record.Type == store.UploadTypeFile {
		c := candidates[0]
		_, err := h.svc.catalogue.GetFile(ctx, h.Record.ProjectID, c.relPath)
		if err == nil {
			return &errtypes.UploadConflict{Msg: "file already exists", Files: []string{c.relPath}}
		}
		var notAvailable catalogue.NotAvailable
		if !asNotAvailable(err, &notAvailable) {
			return err
		}
		return nil
	}

	existing, err := h.svc.catalogue.ListProjectFiles(ctx, h.Record.ProjectID)
	if err != nil {
		return err
	}

	var conflicts []string
	for _, c := range candidates {
		if _, ok := existing[c.relPath]; ok {
			conflicts = append(conflicts, c.relPath)
		}
	}
	if len(conflicts) > 0 {
		return &errtypes.UploadConflict{Msg: "some files already exist", Files: conflicts}
	}
	return nil
}

func asNotAvailable(err error, target *catalogue.NotAvailable) bool {
	na, ok := err.(catalogue.NotAvailable)
	if ok {
		*target = na
	}
	return ok
}

// moveIntoPlace renames src to dst, creating dst's parent directories on
// demand, and sets the published file mode.
func moveIntoPlace(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o775); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	return os.Chmod(dst, 0o664)
}
