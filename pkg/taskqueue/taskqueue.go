// Package taskqueue is the Redis-backed worker queue of spec.md §4.7 (C7),
// paired with the durable Task store (pkg/store). It is a Go port of the
// original Python project's jobs/utils.py: three named queues (upload,
// files, metadata) and a run wrapper that
// reconciles the durable Task record when a job panics or returns an
// error, the crash-safety sync point of spec.md §4.7. The queue transport
// itself (LPUSH/BRPOP) is built directly on github.com/go-redis/redis/v8,
// the client the teacher corpus already depends on for its own Redis
// caches (pkg/cbox/user/rest, pkg/cbox/group/rest use redigo for the same
// kind of connection but go-redis is the corpus's direct top-level dep).
package taskqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/csc-fi/pifs/pkg/store"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Queue names partition work by its I/O profile, spec.md §4.7.
const (
	QueueUpload   = "upload"
	QueueFiles    = "files"
	QueueMetadata = "metadata"

	// JobTimeout is the per-job time limit. Neither Run nor the worker loop
	// applies it to a running handler; ReconcileStale's doc uses it as the
	// age past which a pending task may be treated as gone from the queue.
	JobTimeout = 12 * time.Hour
	// FailedJobTTL is the retention period for failed job payloads. Nothing
	// in this package stores a failed job's payload, so it is not applied.
	FailedJobTTL = 7 * 24 * time.Hour

	keyPrefix = "pifs:queue:"
)

var queueNames = map[string]bool{QueueUpload: true, QueueFiles: true, QueueMetadata: true}

// Job is the payload pushed onto a queue: the Task it updates plus an
// opaque, handler-defined argument blob.
type Job struct {
	TaskID string          `json:"task_id"`
	Queue  string          `json:"queue"`
	Args   json.RawMessage `json:"args"`
}

// Queue enqueues and dequeues Jobs over Redis lists.
type Queue struct {
	client *redis.Client
	tasks  store.Tasks
	log    *zerolog.Logger
}

// New builds a Queue bound to the given Task repository, used to create
// the durable record before enqueue and to reconcile it on failure.
func New(client *redis.Client, tasks store.Tasks, log *zerolog.Logger) *Queue {
	return &Queue{client: client, tasks: tasks, log: log}
}

func queueKey(name string) string { return keyPrefix + name }

// Depth reports how many jobs are currently waiting on the named queue,
// used by the ambient metrics poller (pkg/metrics QueueDepth) to expose
// backlog size without the queue itself depending on prometheus.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueKey(queueName)).Result()
}

// Enqueue creates a Task record for projectID, pushes a Job referencing it
// onto the named queue, and returns the new task ID. This mirrors
// enqueue_background_job: task creation happens before the job becomes
// visible to any worker.
func (q *Queue) Enqueue(ctx context.Context, queueName, projectID string, args interface{}) (string, error) {
	if !queueNames[queueName] {
		return "", &InvalidQueueError{Name: queueName}
	}

	task, err := q.tasks.Create(ctx, projectID)
	if err != nil {
		return "", err
	}
	if err := q.tasks.UpdateMessage(ctx, task.ID, "processing"); err != nil {
		return "", err
	}

	encodedArgs, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	job := Job{TaskID: task.ID, Queue: queueName, Args: encodedArgs}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, queueKey(queueName), payload).Err(); err != nil {
		return "", err
	}

	return task.ID, nil
}

// Dequeue blocks (respecting ctx) until a Job is available on one of the
// given queues, or the timeout elapses with a nil Job and nil error.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration, queueNames ...string) (*Job, error) {
	keys := make([]string, len(queueNames))
	for i, n := range queueNames {
		keys[i] = queueKey(n)
	}

	result, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Handler processes one Job's arguments and reports its own Task
// completion (SetDone/SetError) on success.
type Handler func(ctx context.Context, job *Job) error

// Run executes handler against job and reconciles the durable Task record
// whenever handler panics or returns an error, overwriting any status the
// handler recorded; a handler that records its own terminal status returns
// nil so that status stands. This is the Go analogue of api_background_job: "If the
// task fails, the task will be marked as having failed unexpectedly...
// before exception handling is passed over to the worker."
func (q *Queue) Run(ctx context.Context, job *Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.reconcileFailure(ctx, job.TaskID)
			panic(r)
		}
	}()

	if err = handler(ctx, job); err != nil {
		q.reconcileFailure(ctx, job.TaskID)
	}
	return err
}

func (q *Queue) reconcileFailure(ctx context.Context, taskID string) {
	if err := q.tasks.SetError(ctx, taskID, "Internal server error", nil); err != nil && q.log != nil {
		q.log.Error().Err(err).Str("task_id", taskID).Msg("failed to reconcile task after job failure")
	}
}

// ReconcileStale is the sync point of spec.md §4.7: a reader of a Task
// whose record is still "pending" but whose queue no longer has the job
// (the worker crashed or was killed) must flip it to error before
// returning it to the polling client. present reports whether the job's
// ID is still visible to the queue (e.g. via inspecting an in-progress
// set); callers that cannot determine this cheaply may pass false once a
// task has exceeded JobTimeout since creation.
func (q *Queue) ReconcileStale(ctx context.Context, task *store.Task, present bool) (*store.Task, error) {
	if task.Status != store.TaskPending || present {
		return task, nil
	}
	if err := q.tasks.SetError(ctx, task.ID, "Internal server error", nil); err != nil {
		return nil, err
	}
	task.Status = store.TaskError
	task.Message = "Internal server error"
	return task, nil
}

// InvalidQueueError is returned by Enqueue for an unrecognised queue name.
type InvalidQueueError struct {
	Name string
}

func (e *InvalidQueueError) Error() string { return "taskqueue: unknown queue: " + e.Name }
