package pifs

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/csc-fi/pifs/pkg/errhandler"
	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/pathutil"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/csc-fi/pifs/pkg/taskqueue"
	"github.com/csc-fi/pifs/pkg/upload"
	"github.com/go-chi/chi/v5"
)

func routeParams(r *http.Request) (projectID, relPath string) {
	projectID = chi.URLParam(r, "pid")
	relPath = chi.URLParam(r, "*")
	return
}

// handleUploadFile is POST /v1/files/{pid}/{p}, spec.md §6: single-shot
// file upload, application/octet-stream only, optional ?md5= integrity
// check, 200 on publish.
func (s *Service) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	projectID, relPath := routeParams(r)

	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		errhandler.WriteError(w, s.deps.Log, errtypes.UnsupportedContentType(ct))
		return
	}
	if r.ContentLength < 0 {
		errhandler.WriteError(w, s.deps.Log, errtypes.MissingContentLength("Content-Length header is required"))
		return
	}

	declaredSum := ""
	if md5 := r.URL.Query().Get("md5"); md5 != "" {
		declaredSum = "md5:" + md5
	}

	h, err := s.deps.Uploads.CreateFile(r.Context(), principal, upload.CreateFileOptions{
		ProjectID:    projectID,
		RelativePath: relPath,
		DeclaredSize: r.ContentLength,
		DeclaredSum:  declaredSum,
	})
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}

	if err := h.ReceiveSingleShot(r.Context(), r.Body); err != nil {
		_ = h.Abort(r.Context())
		s.deps.Metrics.UploadsFailed.Inc()
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}

	if s.deps.Uploads.IsAsync(r.ContentLength) {
		taskID, err := s.deps.Queue.Enqueue(r.Context(), taskqueue.QueueUpload, projectID, upload.AsyncJobArgs{UploadID: h.Record.ID})
		if err != nil {
			errhandler.WriteError(w, s.deps.Log, err)
			return
		}
		s.deps.Metrics.UploadsStarted.Inc()
		writeJSON(w, s.deps.Log, http.StatusAccepted, map[string]string{
			"task_id":     taskID,
			"polling_url": taskPollURL(taskID),
		})
		return
	}

	if _, err := h.Verify(r.Context()); err != nil {
		_ = h.Abort(r.Context())
		s.deps.Metrics.UploadsFailed.Inc()
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}
	result, err := h.Publish(r.Context())
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}
	s.deps.Metrics.UploadsPublished.Inc()

	var body interface{}
	if len(result.Files) == 1 {
		f := result.Files[0]
		body = fileResponse(f.AbsolutePath, f.Checksum, f.Identifier, f.Timestamp)
	} else {
		body = result.Files
	}
	writeJSON(w, s.deps.Log, http.StatusOK, body)
}

// handleUploadArchive is POST /v1/archives/{pid}?dir=..., always async per
// spec.md §6.
func (s *Service) handleUploadArchive(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	projectID := chi.URLParam(r, "pid")
	targetDir := r.URL.Query().Get("dir")

	if r.ContentLength < 0 {
		errhandler.WriteError(w, s.deps.Log, errtypes.MissingContentLength("Content-Length header is required"))
		return
	}

	h, err := s.deps.Uploads.CreateArchive(r.Context(), principal, upload.CreateArchiveOptions{
		ProjectID:    projectID,
		TargetDir:    targetDir,
		DeclaredSize: r.ContentLength,
	})
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}

	if err := h.ReceiveSingleShot(r.Context(), r.Body); err != nil {
		_ = h.Abort(r.Context())
		s.deps.Metrics.UploadsFailed.Inc()
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}

	taskID, err := s.deps.Queue.Enqueue(r.Context(), taskqueue.QueueUpload, projectID, upload.AsyncJobArgs{UploadID: h.Record.ID})
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}
	s.deps.Metrics.UploadsStarted.Inc()
	writeJSON(w, s.deps.Log, http.StatusAccepted, map[string]string{
		"task_id":     taskID,
		"polling_url": taskPollURL(taskID),
	})
}

// handleGetFile is GET /v1/files/{pid}/{p}, spec.md §6: file metadata for a
// file target, or a one-level directory listing for a directory target.
func (s *Service) handleGetFile(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	projectID, relPath := routeParams(r)
	if !principal.AllowsProject(projectID) {
		errhandler.WriteError(w, s.deps.Log, errtypes.Forbidden(projectID))
		return
	}

	projectDir := filepath.Join(s.cfg.ProjectsPath, projectID)
	target, err := pathutil.Resolve(projectDir, relPath)
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}

	info, err := os.Stat(target)
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.NotFound(relPath))
		return
	}

	if info.IsDir() {
		s.respondDirectory(w, r, projectID, target)
		return
	}

	record, err := s.deps.Store.Files().Get(r.Context(), target)
	if err == store.ErrNotFound {
		errhandler.WriteError(w, s.deps.Log, errtypes.NotFound(relPath))
		return
	}
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}
	writeJSON(w, s.deps.Log, http.StatusOK, fileResponse(record.Path, record.Checksum, record.Identifier, record.Timestamp))
}

func fileResponse(path, md5 string, identifier string, timestamp time.Time) map[string]interface{} {
	return map[string]interface{}{
		"file_path":  path,
		"md5":        md5,
		"identifier": identifier,
		"timestamp":  timestamp.Format(time.RFC3339),
	}
}

// respondDirectory answers GET on a directory: one entry per immediate
// child (SPEC_FULL.md "Supplemented features" #2, ported from resource.py's
// Directory.files()/directories(), not a recursive tree), plus the
// catalogue's directory identifier or null when none exists yet (spec.md
// §9 Open Question).
func (s *Service) respondDirectory(w http.ResponseWriter, r *http.Request, projectID, target string) {
	entries, err := os.ReadDir(target)
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}

	projectDir := filepath.Join(s.cfg.ProjectsPath, projectID)
	rel, err := pathutil.RelativeTo(projectDir, target)
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}

	var files, directories []string
	for _, e := range entries {
		if e.IsDir() {
			directories = append(directories, e.Name())
		} else {
			files = append(files, e.Name())
		}
	}

	var identifier *string
	dirRecord, err := s.deps.Catalogue.GetProjectDirectory(r.Context(), projectID, rel)
	if err == nil {
		identifier = &dirRecord.Identifier
	}

	writeJSON(w, s.deps.Log, http.StatusOK, map[string]interface{}{
		"identifier":  identifier,
		"files":       files,
		"directories": directories,
	})
}

// handleDeleteFile is DELETE /v1/files/{pid}/{p}: synchronous for a file
// target, asynchronous (202 + polling URL) for a directory target, spec.md
// §6/§4.8.
func (s *Service) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	projectID, relPath := routeParams(r)
	if !principal.AllowsProject(projectID) {
		errhandler.WriteError(w, s.deps.Log, errtypes.Forbidden(projectID))
		return
	}

	projectDir := filepath.Join(s.cfg.ProjectsPath, projectID)
	target, err := pathutil.Resolve(projectDir, relPath)
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}

	info, statErr := os.Stat(target)
	if statErr == nil && !info.IsDir() {
		s.deleteSingleFile(w, r, projectID, target)
		return
	}

	taskID, err := s.deps.Trash.Delete(r.Context(), principal, projectID, relPath)
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}
	writeJSON(w, s.deps.Log, http.StatusAccepted, map[string]string{
		"task_id":     taskID,
		"polling_url": taskPollURL(taskID),
	})
}

// deleteSingleFile deletes one file inline, honouring the dataset guard of
// spec.md §4.9 before touching disk or the catalogue.
func (s *Service) deleteSingleFile(w http.ResponseWriter, r *http.Request, projectID, target string) {
	record, err := s.deps.Store.Files().Get(r.Context(), target)
	if err == store.ErrNotFound {
		errhandler.WriteError(w, s.deps.Log, errtypes.NotFound(target))
		return
	}
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}

	verdict, err := s.deps.Guard.Check(r.Context(), []string{record.Identifier})
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}
	if err := verdict.Enforce(target); err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}
	if !verdict.Preserved {
		if _, err := s.deps.Catalogue.DeleteFiles(r.Context(), []string{record.Identifier}); err != nil {
			errhandler.WriteError(w, s.deps.Log, err)
			return
		}
	}
	if _, err := s.deps.Store.Files().DeleteMany(r.Context(), []string{target}); err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}

	projectDir := filepath.Join(s.cfg.ProjectsPath, projectID)
	if _, err := s.deps.Quota.Reconcile(r.Context(), projectID, projectDir); err != nil && s.deps.Log != nil {
		s.deps.Log.Error().Err(err).Str("project_id", projectID).Msg("quota reconciliation failed after delete")
	}

	w.WriteHeader(http.StatusOK)
}

// handleCreateDirectory is POST /v1/directories/{pid}/{p}, spec.md §6: 409
// if the target already exists.
func (s *Service) handleCreateDirectory(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	projectID, relPath := routeParams(r)
	if !principal.AllowsProject(projectID) {
		errhandler.WriteError(w, s.deps.Log, errtypes.Forbidden(projectID))
		return
	}

	projectDir := filepath.Join(s.cfg.ProjectsPath, projectID)
	target, err := pathutil.Resolve(projectDir, relPath)
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}

	if _, err := os.Stat(target); err == nil {
		errhandler.WriteError(w, s.deps.Log, &errtypes.UploadConflict{
			Msg:   "directory already exists",
			Files: []string{relPath},
		})
		return
	}

	if err := os.MkdirAll(target, 0o775); err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}
	w.WriteHeader(http.StatusCreated)
}
