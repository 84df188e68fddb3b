package pifs

import (
	"net/http"
	"time"

	"github.com/csc-fi/pifs/pkg/errhandler"
	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/go-chi/chi/v5"
)

// taskPollWindow bounds how long a task may sit "pending" with no worker
// activity before a poller treats it as abandoned, the reconciliation
// fallback of spec.md §4.7 for callers that cannot cheaply inspect the
// live queue state.
const taskPollWindow = 12 * time.Hour

// handleGetTask is GET /v1/tasks/<id>, spec.md §6/§4.7: reconcile a
// pending-but-abandoned task to error, then delete it on the way out of
// any terminal read so a subsequent GET 404s.
func (s *Service) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.deps.Store.Tasks().Get(r.Context(), id)
	if err == store.ErrNotFound {
		errhandler.WriteError(w, s.deps.Log, errtypes.NotFound(id))
		return
	}
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}

	stillRunning := task.Status == store.TaskPending && time.Since(task.CreatedAt) < taskPollWindow
	task, err = s.deps.Queue.ReconcileStale(r.Context(), task, stillRunning)
	if err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}

	writeJSON(w, s.deps.Log, http.StatusOK, map[string]interface{}{
		"status":  task.Status,
		"message": task.Message,
		"errors":  task.Errors,
	})

	if task.Status != store.TaskPending {
		if err := s.deps.Store.Tasks().Delete(r.Context(), id); err != nil && s.deps.Log != nil {
			s.deps.Log.Error().Err(err).Str("task_id", id).Msg("failed to delete task after terminal read")
		}
	}
}

// handleDeleteTask is DELETE /v1/tasks/<id>, spec.md §6: explicit task
// removal regardless of status.
func (s *Service) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.Tasks().Delete(r.Context(), id); err != nil {
		errhandler.WriteError(w, s.deps.Log, errtypes.InternalError(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
