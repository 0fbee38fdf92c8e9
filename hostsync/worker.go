package hostsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hostfolio/rentals_backend/config"
	"github.com/hostfolio/rentals_backend/models"
	"github.com/hostfolio/rentals_backend/utils"
	"github.com/sirupsen/logrus"
)

var ErrQueueFull = errors.New("sync queue full")

const defaultQueueDepth = 16

// syncTask is one queued run request.
type syncTask struct {
	JobId string
	Mode  string
	Force bool
}

// Worker executes queued sync jobs one at a time. Triggers enqueue and
// return immediately; callers poll the job for progress.
type Worker struct {
	orchestrator *Orchestrator
	jobs         *JobManager
	cfg          Config
	logger       *logrus.Logger
	queue        chan syncTask
}

func NewWorker(orchestrator *Orchestrator, jobs *JobManager, cfg Config) *Worker {
	return &Worker{
		orchestrator: orchestrator,
		jobs:         jobs,
		cfg:          cfg,
		logger:       config.GetLogger(),
		queue:        make(chan syncTask, defaultQueueDepth),
	}
}

// Enqueue never blocks the caller. A full queue is reported as an error
// so the trigger endpoint can answer 503 instead of hanging.
func (w *Worker) Enqueue(jobId, mode string, force bool) error {
	select {
	case w.queue <- syncTask{JobId: jobId, Mode: mode, Force: force}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.queue:
			w.process(ctx, task)
		}
	}
}

func (w *Worker) process(ctx context.Context, task syncTask) {
	job, err := w.jobs.GetJob(ctx, task.JobId)
	if err != nil {
		w.logger.WithError(err).WithField("job_id", task.JobId).Error("sync job lookup failed")
		return
	}
	if job.Status != models.JobStatusPending {
		w.logger.WithFields(logrus.Fields{
			"job_id": job.JobId,
			"status": job.Status,
		}).Warn("skipping sync job not in pending state")
		return
	}

	ctx = utils.SetSyncRunIdInContext(ctx, int(job.SyncRunId))
	if err := w.jobs.MarkRunning(ctx, job.JobId); err != nil {
		w.logger.WithError(err).WithField("job_id", job.JobId).Error("mark job running failed")
		return
	}

	sink := NewMultiSink(
		NewConsoleSink(w.logger),
		NewJobSink(w.jobs, job.JobId),
	)

	summary, err := w.orchestrator.Run(ctx, job.SyncRunId, task.Mode, task.Force, sink)
	if err != nil {
		w.logger.WithError(err).WithField("job_id", job.JobId).Error("sync run aborted")
		if markErr := w.jobs.MarkError(context.Background(), job.JobId, err.Error()); markErr != nil {
			w.logger.WithError(markErr).WithField("job_id", job.JobId).Error("mark job error failed")
		}
		return
	}

	// One failed entity is enough to fail the job, even when the other
	// entities completed and the run aggregated to partial.
	if failed := summary.FailedEntity(); failed != nil {
		msg := fmt.Sprintf("%s sync failed", failed.SyncType)
		if len(failed.Errors) > 0 {
			msg = fmt.Sprintf("%s sync failed: %s", failed.SyncType, failed.Errors[0].Message)
		}
		if err := w.jobs.MarkError(ctx, job.JobId, msg); err != nil {
			w.logger.WithError(err).WithField("job_id", job.JobId).Error("mark job error failed")
		}
		return
	}

	final := finalProgress(summary)
	if err := w.jobs.MarkCompleted(ctx, job.JobId, final); err != nil {
		w.logger.WithError(err).WithField("job_id", job.JobId).Error("mark job completed failed")
	}
	w.logger.WithFields(logrus.Fields{
		"job_id":      job.JobId,
		"sync_run_id": job.SyncRunId,
		"status":      summary.Status,
	}).Info("sync job finished")
}

// finalProgress condenses the run into the completion snapshot stored
// on the job row.
func finalProgress(summary *RunSummary) *SyncProgress {
	p := &SyncProgress{Phase: "done"}
	for _, r := range summary.Results {
		p.Processed += r.RecordsProcessed
		p.Created += r.RecordsCreated
		p.Updated += r.RecordsUpdated
		p.Errors += len(r.Errors)
	}
	p.Total = p.Processed
	p.recalc()
	return p
}

// RunMaintenance periodically reconciles stale jobs and enforces the
// retention window. Meant to run as its own goroutine next to Run.
func (w *Worker) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.jobs.ReconcileStaleJobs(ctx, w.cfg.StaleJobThreshold); err != nil {
				w.logger.WithError(err).Error("stale job reconciliation failed")
			} else if n > 0 {
				w.logger.WithField("repaired", n).Info("reconciled stale sync jobs")
			}
			if n, err := w.jobs.PurgeOldJobs(ctx, w.cfg.JobRetention); err != nil {
				w.logger.WithError(err).Error("job retention purge failed")
			} else if n > 0 {
				w.logger.WithField("purged", n).Info("purged old sync jobs")
			}
		}
	}
}
