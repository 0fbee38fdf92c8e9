package hostsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hostfolio/rentals_backend/config"
	"github.com/hostfolio/rentals_backend/models"
	"github.com/hostfolio/rentals_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("sync job not found")

// JobManager owns the sync job state machine. Valid transitions are
// pending -> running -> completed or error; reconciliation also moves
// stuck running jobs to a terminal state.
type JobManager struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewJobManager accepts a nil db; connections then resolve through the
// config singleton at call time, which lets handlers register before
// the database is up.
func NewJobManager(db *gorm.DB) *JobManager {
	return &JobManager{db: db, logger: config.GetLogger()}
}

func (m *JobManager) conn(ctx context.Context) *gorm.DB {
	db := m.db
	if db == nil {
		db = config.GetDB()
	}
	return db.WithContext(ctx)
}

// CreateJob allocates a SyncRun row and its pending SyncJob handle in a
// single transaction. The run's auto-increment id is the sync_run_id
// every SyncLog row of the orchestration will carry.
func (m *JobManager) CreateJob(ctx context.Context, mode, triggeredBy string) (*models.SyncJob, error) {
	run := &models.SyncRun{Mode: mode, TriggeredBy: triggeredBy}
	job := &models.SyncJob{
		JobId:  uuid.New().String(),
		Mode:   mode,
		Status: models.JobStatusPending,
	}
	err := m.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		job.SyncRunId = run.ID
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create sync job: %w", err)
	}
	return job, nil
}

// UpdateJob applies only the fields set on the update. Progress crosses
// the storage boundary here, serialized to the JSON blob column.
func (m *JobManager) UpdateJob(ctx context.Context, jobId string, update JobUpdate) error {
	fields := map[string]interface{}{}
	if update.Status != nil {
		fields["status"] = *update.Status
	}
	if update.Progress != nil {
		blob, err := json.Marshal(update.Progress)
		if err != nil {
			return fmt.Errorf("marshal progress: %w", err)
		}
		fields["progress_json"] = blob
	}
	if update.ErrorMessage != nil {
		fields["error_message"] = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		fields["started_at"] = *update.StartedAt
	}
	if update.CompletedAt != nil {
		fields["completed_at"] = *update.CompletedAt
	}
	if len(fields) == 0 {
		return nil
	}

	res := m.conn(ctx).
		Model(&models.SyncJob{}).
		Where("job_id = ?", jobId).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (m *JobManager) MarkRunning(ctx context.Context, jobId string) error {
	now := time.Now().UTC()
	status := models.JobStatusRunning
	return m.UpdateJob(ctx, jobId, JobUpdate{Status: &status, StartedAt: &now})
}

func (m *JobManager) MarkCompleted(ctx context.Context, jobId string, progress *SyncProgress) error {
	now := time.Now().UTC()
	status := models.JobStatusCompleted
	return m.UpdateJob(ctx, jobId, JobUpdate{Status: &status, Progress: progress, CompletedAt: &now})
}

func (m *JobManager) MarkError(ctx context.Context, jobId string, message string) error {
	// Upstream error bodies can be arbitrarily large; keep the stored
	// message readable.
	message = utils.Truncate(message, 2000)
	now := time.Now().UTC()
	status := models.JobStatusError
	return m.UpdateJob(ctx, jobId, JobUpdate{Status: &status, ErrorMessage: &message, CompletedAt: &now})
}

func (m *JobManager) GetJob(ctx context.Context, jobId string) (*models.SyncJob, error) {
	var job models.SyncJob
	err := m.conn(ctx).Where("job_id = ?", jobId).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (m *JobManager) GetJobBySyncRunId(ctx context.Context, syncRunId uint) (*models.SyncJob, error) {
	var job models.SyncJob
	err := m.conn(ctx).Where("sync_run_id = ?", syncRunId).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetActiveJobs lists jobs still in flight, oldest first.
func (m *JobManager) GetActiveJobs(ctx context.Context) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	err := m.conn(ctx).
		Where("status IN ?", []string{models.JobStatusPending, models.JobStatusRunning}).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// GetRecentJobs returns the latest jobs regardless of status.
func (m *JobManager) GetRecentJobs(ctx context.Context, limit int) ([]models.SyncJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []models.SyncJob
	err := m.conn(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ReconcileStaleJobs repairs jobs left in running state by a crashed
// worker. If the run's SyncLog rows show every entity reached a
// terminal state the job is finished with the aggregate outcome;
// otherwise it is failed outright.
func (m *JobManager) ReconcileStaleJobs(ctx context.Context, threshold time.Duration) (int, error) {
	floor := time.Now().UTC().Add(-threshold)
	var stale []models.SyncJob
	err := m.conn(ctx).
		Where("status = ? AND (started_at IS NULL OR started_at < ?)", models.JobStatusRunning, floor).
		Where("updated_at < ?", floor).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, job := range stale {
		var logs []models.SyncLog
		if err := m.conn(ctx).
			Where("sync_run_id = ?", job.SyncRunId).
			Find(&logs).Error; err != nil {
			m.logger.WithError(err).WithField("job_id", job.JobId).Error("reconcile: load sync logs failed")
			continue
		}

		if failed, done := runOutcome(logs); done {
			finished := models.JobStatusCompleted
			msg := ""
			if failed != "" {
				finished = models.JobStatusError
				msg = failed + " sync failed; recovered by reconciliation"
			}
			now := time.Now().UTC()
			update := JobUpdate{Status: &finished, CompletedAt: &now}
			if msg != "" {
				update.ErrorMessage = &msg
			}
			if err := m.UpdateJob(ctx, job.JobId, update); err != nil {
				m.logger.WithError(err).WithField("job_id", job.JobId).Error("reconcile: finish job failed")
				continue
			}
		} else {
			if err := m.MarkError(ctx, job.JobId, "worker lost; job reconciled as failed"); err != nil {
				m.logger.WithError(err).WithField("job_id", job.JobId).Error("reconcile: fail job failed")
				continue
			}
		}
		repaired++
		m.logger.WithFields(logrus.Fields{
			"job_id":      job.JobId,
			"sync_run_id": job.SyncRunId,
		}).Warn("reconciled stale sync job")
	}
	return repaired, nil
}

// runOutcome reports whether the logged entities cover the full chain
// and, if so, the first entity that ended in error ("" when none did).
// One failed entity fails the job, same rule the worker applies.
func runOutcome(logs []models.SyncLog) (string, bool) {
	seen := map[string]bool{}
	failed := ""
	for _, l := range logs {
		seen[l.SyncType] = true
		if failed == "" && l.Status == models.SyncStatusError {
			failed = l.SyncType
		}
	}
	for _, s := range syncerChain() {
		if !seen[s.syncType()] {
			return "", false
		}
	}
	return failed, true
}

// PurgeOldJobs deletes terminal jobs older than the retention window,
// with their runs and logs.
func (m *JobManager) PurgeOldJobs(ctx context.Context, retention time.Duration) (int64, error) {
	floor := time.Now().UTC().Add(-retention)
	var old []models.SyncJob
	err := m.conn(ctx).
		Where("status IN ? AND created_at < ?",
			[]string{models.JobStatusCompleted, models.JobStatusError}, floor).
		Find(&old).Error
	if err != nil {
		return 0, err
	}
	if len(old) == 0 {
		return 0, nil
	}

	runIds := make([]uint, 0, len(old))
	jobIds := make([]string, 0, len(old))
	for _, job := range old {
		runIds = append(runIds, job.SyncRunId)
		jobIds = append(jobIds, job.JobId)
	}

	err = m.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sync_run_id IN ?", runIds).Delete(&models.SyncLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id IN ?", jobIds).Delete(&models.SyncJob{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", runIds).Delete(&models.SyncRun{}).Error
	})
	if err != nil {
		return 0, err
	}
	return int64(len(old)), nil
}
