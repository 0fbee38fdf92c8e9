package hostsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hostfolio/rentals_backend/config"
	"github.com/hostfolio/rentals_backend/models"
	"gorm.io/gorm"
)

func newTestRouter(db *gorm.DB, jobs *JobManager, dispatch DispatchFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	config.SetDB(db)
	r := gin.New()
	r.POST("/api/sync/trigger", TriggerSyncHandler(jobs, dispatch))
	r.GET("/api/sync/jobs", ActiveJobsHandler(jobs))
	r.GET("/api/sync/jobs/:id", JobStatusHandler(jobs))
	r.GET("/api/sync/runs/:id", RunDetailHandler(jobs))
	r.GET("/api/sync/history", HistoryHandler(jobs))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTriggerSyncCreatesAndDispatchesJob(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobManager(db)

	var dispatched []string
	r := newTestRouter(db, jobs, func(jobId, mode string, force bool) error {
		dispatched = append(dispatched, jobId+"/"+mode)
		return nil
	})

	w := doJSON(t, r, http.MethodPost, "/api/sync/trigger", `{"mode":"incremental"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobId == "" || resp.Status != models.JobStatusPending {
		t.Fatalf("response = %+v", resp)
	}
	if len(dispatched) != 1 || dispatched[0] != resp.JobId+"/incremental" {
		t.Fatalf("dispatched = %v", dispatched)
	}
}

func TestTriggerSyncRejectsBadMode(t *testing.T) {
	db := newTestDB(t)
	r := newTestRouter(db, NewJobManager(db), func(string, string, bool) error { return nil })

	w := doJSON(t, r, http.MethodPost, "/api/sync/trigger", `{"mode":"weekly"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestTriggerSyncConflictsWithActiveJob(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobManager(db)
	r := newTestRouter(db, jobs, func(string, string, bool) error { return nil })

	if w := doJSON(t, r, http.MethodPost, "/api/sync/trigger", `{"mode":"full"}`); w.Code != http.StatusAccepted {
		t.Fatalf("first trigger: %d", w.Code)
	}
	w := doJSON(t, r, http.MethodPost, "/api/sync/trigger", `{"mode":"full"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("second trigger status = %d, want conflict", w.Code)
	}
	// Force overrides the active-job guard.
	w = doJSON(t, r, http.MethodPost, "/api/sync/trigger", `{"mode":"full","force":true}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("forced trigger status = %d", w.Code)
	}
}

func TestTriggerSyncFailedDispatchFailsJob(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobManager(db)
	r := newTestRouter(db, jobs, func(string, string, bool) error {
		return ErrQueueFull
	})

	w := doJSON(t, r, http.MethodPost, "/api/sync/trigger", `{"mode":"full"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}

	recent, err := jobs.GetRecentJobs(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetRecentJobs: %v", err)
	}
	if len(recent) != 1 || recent[0].Status != models.JobStatusError {
		t.Fatalf("job after failed dispatch: %+v", recent)
	}
}

func TestJobStatusEndpoint(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobManager(db)
	r := newTestRouter(db, jobs, func(string, string, bool) error { return nil })

	w := doJSON(t, r, http.MethodPost, "/api/sync/trigger", `{"mode":"full"}`)
	var created JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = doJSON(t, r, http.MethodGet, "/api/sync/jobs/"+created.JobId, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/sync/jobs/unknown", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d", w.Code)
	}
}

func TestRunDetailIncludesLogs(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobManager(db)
	r := newTestRouter(db, jobs, func(string, string, bool) error { return nil })

	job, err := jobs.CreateJob(context.Background(), models.SyncModeFull, models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	errorsJSON, _ := json.Marshal([]SyncItemError{{EntityType: "listing", ExternalId: "7", Code: "lookup_failed", Message: "gone"}})
	if err := db.Create(&models.SyncLog{
		SyncRunId:        job.SyncRunId,
		SyncType:         models.SyncTypeListings,
		Mode:             models.SyncModeFull,
		Status:           models.SyncStatusPartial,
		RecordsProcessed: 10,
		RecordsCreated:   9,
		ErrorsJSON:       errorsJSON,
		StartedAt:        time.Now().UTC(),
	}).Error; err != nil {
		t.Fatalf("seed log: %v", err)
	}

	w := doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/sync/runs/%d", job.SyncRunId), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var detail RunDetailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Job.JobId != job.JobId {
		t.Fatalf("job id = %s", detail.Job.JobId)
	}
	if len(detail.Logs) != 1 || len(detail.Logs[0].Errors) != 1 {
		t.Fatalf("logs = %+v", detail.Logs)
	}
	if detail.Logs[0].Errors[0].Code != "lookup_failed" {
		t.Fatalf("error code = %s", detail.Logs[0].Errors[0].Code)
	}
}

func TestHistoryReturnsNewestFirst(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobManager(db)
	r := newTestRouter(db, jobs, func(string, string, bool) error { return nil })

	first, err := jobs.CreateJob(context.Background(), models.SyncModeFull, models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := jobs.MarkCompleted(context.Background(), first.JobId, nil); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := db.Model(&models.SyncJob{}).Where("job_id = ?", first.JobId).
		Update("created_at", time.Now().UTC().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("age job: %v", err)
	}
	second, err := jobs.CreateJob(context.Background(), models.SyncModeIncremental, models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	w := doJSON(t, r, http.MethodGet, "/api/sync/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var hist SyncHistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hist.Items) != 2 {
		t.Fatalf("items = %d", len(hist.Items))
	}
	if hist.Items[0].JobId != second.JobId {
		t.Fatalf("newest first violated: %s", hist.Items[0].JobId)
	}
}
