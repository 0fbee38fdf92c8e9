package hostsync

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/hostfolio/rentals_backend/config"
	"github.com/hostfolio/rentals_backend/models"
)

const triggerLockKey = "hostsync:trigger"

// DispatchFunc hands a created job to whatever executes it: the in
// process worker queue or the Pub/Sub publisher.
type DispatchFunc func(jobId, mode string, force bool) error

// TriggerSyncHandler accepts a sync request, allocates the job and
// dispatches it. The response carries the job id to poll.
func TriggerSyncHandler(jobs *JobManager, dispatch DispatchFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be full or incremental"})
			return
		}

		ctx := c.Request.Context()

		// A short lock serializes concurrent triggers so the active-job
		// check below cannot race.
		if locker := config.GetRedisLock(); locker != nil {
			lock, err := locker.Obtain(ctx, triggerLockKey, 10*time.Second, nil)
			if errors.Is(err, redislock.ErrNotObtained) {
				c.JSON(http.StatusConflict, gin.H{"error": "another sync trigger is in progress"})
				return
			}
			if err == nil {
				defer lock.Release(ctx)
			}
		}

		active, err := jobs.GetActiveJobs(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(active) > 0 && !req.Force {
			c.JSON(http.StatusConflict, gin.H{
				"error": "a sync job is already pending or running",
				"jobId": active[0].JobId,
			})
			return
		}

		job, err := jobs.CreateJob(ctx, req.Mode, models.SyncTriggeredManual)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := dispatch(job.JobId, req.Mode, req.Force); err != nil {
			_ = jobs.MarkError(ctx, job.JobId, "dispatch failed: "+err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, jobResponse(job))
	}
}

// JobStatusHandler serves one job by its public id.
func JobStatusHandler(jobs *JobManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := jobs.GetJob(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, jobResponse(job))
	}
}

// ActiveJobsHandler lists pending and running jobs.
func ActiveJobsHandler(jobs *JobManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, err := jobs.GetActiveJobs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]JobResponse, 0, len(active))
		for i := range active {
			items = append(items, jobResponse(&active[i]))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

// RunDetailHandler returns the job plus the per-entity log rows of one
// sync run.
func RunDetailHandler(jobs *JobManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		runId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		ctx := c.Request.Context()

		job, err := jobs.GetJobBySyncRunId(ctx, uint(runId))
		if errors.Is(err, ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sync run not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var logs []models.SyncLog
		if err := config.GetDB().WithContext(ctx).
			Where("sync_run_id = ?", uint(runId)).
			Order("id ASC").
			Find(&logs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		detail := RunDetailResponse{Job: jobResponse(job)}
		for _, log := range logs {
			detail.Logs = append(detail.Logs, logResponse(log))
		}
		c.JSON(http.StatusOK, detail)
	}
}

// HistoryHandler lists recent jobs, newest first.
func HistoryHandler(jobs *JobManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		recent, err := jobs.GetRecentJobs(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]JobResponse, 0, len(recent))
		for i := range recent {
			items = append(items, jobResponse(&recent[i]))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func jobResponse(job *models.SyncJob) JobResponse {
	resp := JobResponse{
		JobId:        job.JobId,
		SyncRunId:    job.SyncRunId,
		Mode:         job.Mode,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		StartedAt:    formatTimePtr(job.StartedAt),
		CompletedAt:  formatTimePtr(job.CompletedAt),
		UpdatedAt:    job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if len(job.ProgressJSON) > 0 {
		var p SyncProgress
		if err := json.Unmarshal(job.ProgressJSON, &p); err == nil {
			resp.Progress = &p
		}
	}
	return resp
}

func logResponse(log models.SyncLog) SyncLogResponse {
	resp := SyncLogResponse{
		SyncType:         log.SyncType,
		Mode:             log.Mode,
		Status:           log.Status,
		RecordsProcessed: log.RecordsProcessed,
		RecordsCreated:   log.RecordsCreated,
		RecordsUpdated:   log.RecordsUpdated,
		DurationMs:       log.DurationMs,
	}
	if len(log.ErrorsJSON) > 0 {
		_ = json.Unmarshal(log.ErrorsJSON, &resp.Errors)
	}
	return resp
}
