// Package upload implements the upload state machine of spec.md §4.6 (C8)
// and the publication stage of §4.6.5 (C10): Created -> Received ->
// Verified -> (Extracted) -> Published, with a Failed transition at any
// point that unlinks staging, releases the project lock and deletes the
// Upload record. It is a Go port of the original Python project's
// models/upload.py Upload document, replacing its mongoengine
// Document-as-state-machine with an explicit Handle type returned by the
// constructors and driven by explicit method calls, per the Design Note
// "resumable-upload callback soup -> a small state machine per Upload with
// explicit transitions" (spec.md §9).
package upload

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/csc-fi/pifs/internal/auth"
	"github.com/csc-fi/pifs/pkg/archive"
	"github.com/csc-fi/pifs/pkg/catalogue"
	"github.com/csc-fi/pifs/pkg/checksum"
	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/lockmanager"
	"github.com/csc-fi/pifs/pkg/pathutil"
	"github.com/csc-fi/pifs/pkg/quota"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config carries the filesystem layout and limits an upload.Service needs,
// the subset of pkg/config.Config relevant to C8/C10.
type Config struct {
	ProjectsPath        string
	TmpPath             string
	MaxContentLength    int64
	AsyncThresholdBytes int64
	LockTTL             time.Duration
	LockTimeout         time.Duration
}

// Service is the upload state machine plus publish stage, bound to the
// stores and collaborators named in spec.md §4.6/§4.6.5.
type Service struct {
	cfg       Config
	store     store.Store
	locks     *lockmanager.Manager
	catalogue *catalogue.Client
	quota     *quota.Accountant
	log       *zerolog.Logger
}

// New builds a Service.
func New(cfg Config, st store.Store, locks *lockmanager.Manager, cat *catalogue.Client, acct *quota.Accountant, log *zerolog.Logger) *Service {
	return &Service{cfg: cfg, store: st, locks: locks, catalogue: cat, quota: acct, log: log}
}

// Handle is an in-flight upload: the persisted Upload record plus the
// staging paths derived from it.
type Handle struct {
	svc    *Service
	Record *store.Upload

	// ProjectDir is the project's published directory.
	ProjectDir string
	// TargetPath is the resolved absolute path the upload will occupy:
	// the file's final path for a file upload, or the extraction target
	// directory for an archive upload.
	TargetPath string
	// tmpDir is this upload's private staging root,
	// <TmpPath>/<upload-id>/.
	tmpDir string
	// lockHeld records whether this Handle currently owns the project
	// lock on TargetPath, so Abort/Publish release it at most once.
	lockHeld bool
}

// SourcePath is where the raw uploaded bytes (file or archive) are staged.
func (h *Handle) SourcePath() string { return filepath.Join(h.tmpDir, "source") }

// tmpStorageDir is the private tree an archive is extracted into before
// publication, spec.md §4.6.4 step 8: "never into the project directory
// directly".
func (h *Handle) tmpStorageDir() string { return filepath.Join(h.tmpDir, "tmp_storage") }

// CreateFileOptions are the inputs to CreateFile, spec.md §4.6.1.
type CreateFileOptions struct {
	ProjectID    string
	RelativePath string
	DeclaredSize int64
	DeclaredSum  string // "<alg>:<hex>", optional
	IsResumable  bool
}

// CreateFile runs the checks of spec.md §4.6.1 for a single-file upload and
// returns a Handle with the project lock already held and a staging
// directory ready to receive bytes.
func (s *Service) CreateFile(ctx context.Context, principal auth.Principal, opts CreateFileOptions) (*Handle, error) {
	return s.create(ctx, principal, opts, store.UploadTypeFile)
}

// CreateArchiveOptions are the inputs to CreateArchive.
type CreateArchiveOptions struct {
	ProjectID    string
	TargetDir    string // relative directory archive members are extracted under
	DeclaredSize int64  // size of the archive itself, for the initial admission check
}

// CreateArchive runs the analogous checks for an archive upload (spec.md
// §4.6.1, §4.6.4); the remaining-quota check here only reserves room for
// the archive's own bytes. The extracted-size reservation happens later,
// in ExtractArchive step 7.
func (s *Service) CreateArchive(ctx context.Context, principal auth.Principal, opts CreateArchiveOptions) (*Handle, error) {
	fileOpts := CreateFileOptions{
		ProjectID:    opts.ProjectID,
		RelativePath: opts.TargetDir,
		DeclaredSize: opts.DeclaredSize,
	}
	return s.create(ctx, principal, fileOpts, store.UploadTypeArchive)
}

func (s *Service) create(ctx context.Context, principal auth.Principal, opts CreateFileOptions, uploadType store.UploadType) (*Handle, error) {
	if !principal.AllowsProject(opts.ProjectID) {
		return nil, errtypes.Forbidden(opts.ProjectID)
	}
	if opts.DeclaredSize > s.cfg.MaxContentLength {
		return nil, errtypes.PayloadTooLarge("max content length exceeded")
	}

	projectDir := filepath.Join(s.cfg.ProjectsPath, opts.ProjectID)
	target, err := pathutil.Resolve(projectDir, opts.RelativePath)
	if err != nil {
		return nil, err
	}

	if uploadType == store.UploadTypeFile {
		if err := checkFileConflict(target); err != nil {
			return nil, err
		}
	}

	if err := s.quota.Admit(ctx, opts.ProjectID, opts.DeclaredSize); err != nil {
		return nil, err
	}

	if err := s.locks.Acquire(ctx, opts.ProjectID, target, s.cfg.LockTimeout, s.cfg.LockTTL); err != nil {
		return nil, err
	}

	h := &Handle{
		svc:        s,
		ProjectDir: projectDir,
		TargetPath: target,
		lockHeld:   true,
	}

	record := &store.Upload{
		ID:             uuid.NewString(),
		ProjectID:      opts.ProjectID,
		RelativePath:   opts.RelativePath,
		Type:           uploadType,
		DeclaredSize:   opts.DeclaredSize,
		SourceChecksum: opts.DeclaredSum,
		IsResumable:    opts.IsResumable,
	}
	h.tmpDir = filepath.Join(s.cfg.TmpPath, record.ID)
	// Record is assigned before the staging dir / store calls below so
	// releaseLock (which reads h.Record.ProjectID) never runs against a
	// nil Record on these error paths.
	h.Record = record

	if err := os.MkdirAll(h.tmpDir, 0o775); err != nil {
		s.releaseLock(ctx, h)
		return nil, errtypes.InternalError(err.Error())
	}
	if err := s.store.Uploads().Create(ctx, record); err != nil {
		s.releaseLock(ctx, h)
		return nil, err
	}

	return h, nil
}

func checkFileConflict(target string) error {
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errtypes.InternalError(err.Error())
	}
	if info.IsDir() {
		return &errtypes.UploadConflict{
			Msg:   "directory '" + target + "' already exists",
			Files: []string{target},
		}
	}
	return &errtypes.UploadConflict{
		Msg:   "file '" + target + "' already exists",
		Files: []string{target},
	}
}

// ReceiveSingleShot streams r into the staging source file in 1 MiB
// chunks, updating bytes_received, per spec.md §4.6.2.
func (h *Handle) ReceiveSingleShot(ctx context.Context, r io.Reader) error {
	f, err := os.OpenFile(h.SourcePath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o664)
	if err != nil {
		return errtypes.InternalError(err.Error())
	}
	defer f.Close()

	buf := make([]byte, 1024*1024)
	n, err := io.CopyBuffer(f, r, buf)
	if err != nil {
		return errtypes.UploadError(err.Error())
	}
	return h.svc.store.Uploads().UpdateBytesReceived(ctx, h.Record.ID, n)
}

// WriteChunkAt writes r at the given byte offset within the staged source
// file, for the tus convention of §4.6.2: "accept chunks at arbitrary
// offsets". It persists the new bytes_received (offset+n) so a concurrent
// HEAD observes the current progress.
func (h *Handle) WriteChunkAt(ctx context.Context, offset int64, r io.Reader) (int64, error) {
	f, err := os.OpenFile(h.SourcePath(), os.O_WRONLY|os.O_CREATE, 0o664)
	if err != nil {
		return 0, errtypes.InternalError(err.Error())
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, errtypes.InternalError(err.Error())
	}

	buf := make([]byte, 1024*1024)
	n, err := io.CopyBuffer(f, r, buf)
	if err != nil {
		return n, errtypes.UploadError(err.Error())
	}
	if err := h.svc.store.Uploads().UpdateBytesReceived(ctx, h.Record.ID, offset+n); err != nil {
		return n, err
	}
	h.Record.BytesReceived = offset + n
	return n, nil
}

// Verify computes the MD5 of the staged source, and if a checksum was
// declared at creation, recomputes that algorithm in the same pass and
// compares, spec.md §4.6.3.
func (h *Handle) Verify(ctx context.Context) (md5sum string, err error) {
	algorithms := []string{checksum.MD5}
	var declared checksum.Declared
	var hasDeclared bool
	if h.Record.SourceChecksum != "" {
		declared, hasDeclared, err = checksum.ParseDeclared(h.Record.SourceChecksum)
		if err != nil {
			return "", err
		}
		if hasDeclared {
			algorithms = append(algorithms, declared.Algorithm)
		}
	}

	sums, err := checksum.Sum(h.SourcePath(), algorithms...)
	if err != nil {
		return "", errtypes.InternalError(err.Error())
	}

	if hasDeclared && sums[declared.Algorithm] != declared.Hex {
		return "", errtypes.ChecksumMismatch("uploaded content does not match the declared checksum")
	}

	return sums[checksum.MD5], nil
}

// IsAsync reports whether declaredSize crosses the threshold past which
// verification and publication must run as a background task, spec.md
// §4.6.3.
func (s *Service) IsAsync(declaredSize int64) bool {
	return declaredSize > s.cfg.AsyncThresholdBytes
}

// ExtractArchive runs spec.md §4.6.4 steps 1-9: sniff the format, scan for
// conflicts and extracted size, reserve quota, and extract into a private
// staging tree.
func (h *Handle) ExtractArchive(ctx context.Context) error {
	scan, err := archive.Scan(h.SourcePath())
	if err != nil {
		return err
	}

	var conflicts []string
	for _, m := range scan.Members {
		final := filepath.Join(h.TargetPath, filepath.FromSlash(m.Name))
		info, statErr := os.Stat(final)
		switch {
		case statErr != nil && os.IsNotExist(statErr):
			continue
		case statErr != nil:
			return errtypes.InternalError(statErr.Error())
		case m.IsDir:
			if !info.IsDir() {
				conflicts = append(conflicts, h.relativeConflictPath(final))
			}
		default:
			conflicts = append(conflicts, h.relativeConflictPath(final))
		}
	}
	if len(conflicts) > 0 {
		return &errtypes.UploadConflict{Msg: "some files already exist", Files: conflicts}
	}

	remaining, err := h.svc.quota.Remaining(ctx, h.Record.ProjectID)
	if err != nil {
		return err
	}
	if remaining-scan.ExtractedSize < 0 {
		return errtypes.PayloadTooLarge("quota exceeded")
	}

	// Pre-commit the reservation so a parallel upload sees the new floor
	// (spec.md §4.6.4 step 7) before extraction even begins.
	project, err := h.svc.store.Projects().Get(ctx, h.Record.ProjectID)
	if err != nil {
		return err
	}
	if err := h.svc.store.Projects().SetUsedQuota(ctx, h.Record.ProjectID, project.UsedQuota+scan.ExtractedSize); err != nil {
		return err
	}

	if err := os.MkdirAll(h.tmpStorageDir(), 0o775); err != nil {
		return errtypes.InternalError(err.Error())
	}
	if err := archive.Extract(h.SourcePath(), h.tmpStorageDir()); err != nil {
		return err
	}
	return nil
}

func (h *Handle) relativeConflictPath(final string) string {
	rel, err := pathutil.RelativeTo(h.ProjectDir, final)
	if err != nil {
		return final
	}
	return rel
}

// DetectMimeType sniffs the content type of the first 512 bytes of path,
// SPEC_FULL.md "Supplemented features" #3's Go analogue of python-magic.
func DetectMimeType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}

// Abort is the Failed transition of spec.md §4.6: unlink the staging
// directory, release the lock, and delete the Upload record.
func (h *Handle) Abort(ctx context.Context) error {
	_ = os.RemoveAll(h.tmpDir)
	h.svc.releaseLock(context.Background(), h)
	if h.Record != nil {
		if err := h.svc.store.Uploads().Delete(ctx, h.Record.ID); err != nil && h.svc.log != nil {
			h.svc.log.Error().Err(err).Str("upload_id", h.Record.ID).Msg("failed to delete upload record during abort")
		}
	}
	return nil
}

func (s *Service) releaseLock(ctx context.Context, h *Handle) {
	if !h.lockHeld {
		return
	}
	h.lockHeld = false
	if err := s.locks.Release(ctx, h.Record.ProjectID, h.TargetPath); err != nil && err != lockmanager.ErrNotLocked && s.log != nil {
		s.log.Error().Err(err).Msg("failed to release upload lock")
	}
}

// Resume loads an existing Upload record by ID, used by the tus adapter to
// reattach to an in-flight resumable upload across requests.
func (s *Service) Resume(ctx context.Context, uploadID string) (*Handle, error) {
	record, err := s.store.Uploads().Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	projectDir := filepath.Join(s.cfg.ProjectsPath, record.ProjectID)
	target, err := pathutil.Resolve(projectDir, record.RelativePath)
	if err != nil {
		return nil, err
	}
	return &Handle{
		svc:        s,
		Record:     record,
		ProjectDir: projectDir,
		TargetPath: target,
		tmpDir:     filepath.Join(s.cfg.TmpPath, record.ID),
		lockHeld:   true,
	}, nil
}
