package pifs

import (
	"net/http"
	"path/filepath"

	"github.com/csc-fi/pifs/pkg/errhandler"
	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/pathutil"
)

// handleListDatasets is GET /v1/datasets/{pid}/{p}, spec.md §6: list the
// datasets referencing a file or directory, with a has_pending_dataset
// flag derived per §4.9.
func (s *Service) handleListDatasets(w http.ResponseWriter, r *http.Request) {
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

	records, err := s.deps.Store.Files().ListByPrefix(r.Context(), target)
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.Identifier)
	}

	verdict, err := s.deps.Guard.Check(r.Context(), ids)
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, err)
		return
	}

	writeJSON(w, s.deps.Log, http.StatusOK, map[string]interface{}{
		"datasets":            verdict.DatasetIDs,
		"has_pending_dataset": verdict.Pending,
	})
}
