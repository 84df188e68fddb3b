package upload

import (
	"context"
	"encoding/json"

	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/csc-fi/pifs/pkg/taskqueue"
)

// AsyncJobArgs is the payload enqueued onto the "upload" queue, spec.md
// §4.6.3: uploads whose declared size crosses AsyncThresholdBytes finish
// verification, extraction, and publication on a worker instead of inline.
type AsyncJobArgs struct {
	UploadID string `json:"upload_id"`
}

// ProcessAsync is the taskqueue.Handler that resumes an upload and drives
// it through the rest of its state machine: Verify, ExtractArchive (for
// archive uploads), and Publish. Recoverable failures (conflict, quota,
// checksum, unsupported archive) are captured on the Task as a structured
// error item rather than left for taskqueue.Run's generic reconciliation,
// matching the propagation policy of spec.md §7.
func (s *Service) ProcessAsync(ctx context.Context, job *taskqueue.Job) error {
	var args AsyncJobArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return err
	}

	h, err := s.Resume(ctx, args.UploadID)
	if err != nil {
		return err
	}

	if _, err := h.Verify(ctx); err != nil {
		_ = h.Abort(ctx)
		return s.failTask(ctx, job.TaskID, err)
	}

	if h.Record.Type == store.UploadTypeArchive {
		if err := h.ExtractArchive(ctx); err != nil {
			_ = h.Abort(ctx)
			return s.failTask(ctx, job.TaskID, err)
		}
	}

	if _, err := h.Publish(ctx); err != nil {
		_ = h.Abort(ctx)
		return s.failTask(ctx, job.TaskID, err)
	}

	return s.store.Tasks().SetDone(ctx, job.TaskID, "published")
}

// failTask records a recoverable failure on the Task as a structured
// {message, files?} item and reports it handled, so taskqueue.Run's
// generic "Internal server error" reconciliation does not overwrite it.
func (s *Service) failTask(ctx context.Context, taskID string, cause error) error {
	item := store.TaskErrorItem{Message: cause.Error()}
	if conflict, ok := cause.(*errtypes.UploadConflict); ok {
		item.Files = conflict.Files
	}
	return s.store.Tasks().SetError(ctx, taskID, cause.Error(), []store.TaskErrorItem{item})
}
