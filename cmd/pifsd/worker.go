package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/csc-fi/pifs/pkg/taskqueue"
	"github.com/spf13/cobra"
)

// dequeueTimeout bounds each BRPOP, so an idle worker loop returns to its
// shutdown check at least this often. The sweep and queue-depth polls run
// on their own goroutines.
const dequeueTimeout = 5 * time.Second

// sweepInterval and depthPollInterval: stale uploads are reclaimed
// periodically rather than on every loop tick (DESIGN.md's "stale-upload
// sweep cadence" decision), and queue depth is sampled on the same cadence
// the original project's monitoring relied on a periodic task for.
const (
	sweepInterval     = 10 * time.Minute
	depthPollInterval = 15 * time.Second
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "process background PIFS tasks from the Redis queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), cfgFile)
		},
	}
}

func runWorker(ctx context.Context, cfgPath string) error {
	a, err := newApp(ctx, cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.runSweeper(ctx)
	go a.pollQueueDepth(ctx)

	a.logs.worker.Info().Msg("pifsd: worker started")
	for {
		select {
		case <-ctx.Done():
			a.logs.worker.Info().Msg("pifsd: worker stopping")
			return nil
		default:
		}

		job, err := a.queue.Dequeue(ctx, dequeueTimeout, taskqueue.QueueUpload, taskqueue.QueueFiles, taskqueue.QueueMetadata)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logs.worker.Error().Err(err).Msg("pifsd: dequeue failed")
			continue
		}
		if job == nil {
			continue
		}

		a.dispatch(ctx, job)
	}
}

// dispatch routes a Job to the Handler that owns its queue, mirroring the
// original project's per-queue Celery task registration.
func (a *app) dispatch(ctx context.Context, job *taskqueue.Job) {
	log := a.logs.worker.With().Str("task_id", job.TaskID).Str("queue", job.Queue).Logger()

	var handler taskqueue.Handler
	switch job.Queue {
	case taskqueue.QueueUpload:
		handler = a.uploads.ProcessAsync
	case taskqueue.QueueFiles:
		handler = a.trash.Process
	default:
		log.Error().Msg("pifsd: no handler registered for queue")
		return
	}

	if err := a.queue.Run(ctx, job, handler); err != nil {
		log.Error().Err(err).Msg("pifsd: job failed")
		return
	}
	log.Info().Msg("pifsd: job completed")
}

// runSweeper periodically aborts uploads left dangling by a crashed client
// or worker (DESIGN.md's "stale-upload sweep cadence" decision).
func (a *app) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.uploads.Sweep(ctx, a.cfg.StaleUploadTTL)
			if err != nil {
				a.logs.worker.Error().Err(err).Msg("pifsd: sweep failed")
				continue
			}
			if n > 0 {
				a.logs.worker.Info().Int("count", n).Msg("pifsd: swept stale uploads")
			}
		}
	}
}

// pollQueueDepth samples each queue's backlog into the QueueDepth gauge, the
// ambient metrics SPEC_FULL.md carries for the worker side of the service.
func (a *app) pollQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(depthPollInterval)
	defer ticker.Stop()
	queues := []string{taskqueue.QueueUpload, taskqueue.QueueFiles, taskqueue.QueueMetadata}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				depth, err := a.queue.Depth(ctx, q)
				if err != nil {
					a.logs.worker.Error().Err(err).Str("queue", q).Msg("pifsd: queue depth poll failed")
					continue
				}
				a.metrics.QueueDepth.WithLabelValues(q).Set(float64(depth))
			}
		}
	}
}
