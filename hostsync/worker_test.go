package hostsync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hostfolio/rentals_backend/models"
	"gorm.io/gorm"
)

func newTestWorker(db *gorm.DB, api hostawayAPI) (*Worker, *JobManager) {
	jobs := NewJobManager(db)
	w := &Worker{
		orchestrator: newTestOrchestrator(db, api),
		jobs:         jobs,
		cfg:          testConfig(),
		logger:       quietLogger(),
		queue:        make(chan syncTask, defaultQueueDepth),
	}
	return w, jobs
}

func TestWorkerProcessCompletesJob(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{listings: seedListings(3)}
	w, jobs := newTestWorker(db, api)

	job, err := jobs.CreateJob(context.Background(), models.SyncModeFull, models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	w.process(context.Background(), syncTask{JobId: job.JobId, Mode: models.SyncModeFull})

	got, err := jobs.GetJob(context.Background(), job.JobId)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (error_message=%q)", got.Status, got.ErrorMessage)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("error_message = %q, want empty", got.ErrorMessage)
	}
	if len(got.ProgressJSON) == 0 {
		t.Fatal("completion progress not persisted")
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestWorkerProcessFailsJobWhenOneEntityFails(t *testing.T) {
	db := newTestDB(t)
	// Listings fail outright while every other entity succeeds, so the
	// run as a whole aggregates to partial. The job must still fail.
	api := &fakeAPI{failListings: true}
	w, jobs := newTestWorker(db, api)

	job, err := jobs.CreateJob(context.Background(), models.SyncModeFull, models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	w.process(context.Background(), syncTask{JobId: job.JobId, Mode: models.SyncModeFull})

	got, err := jobs.GetJob(context.Background(), job.JobId)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobStatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("error_message empty, want the listings failure")
	}
	if !strings.Contains(got.ErrorMessage, models.SyncTypeListings) {
		t.Fatalf("error_message = %q, want it to name the failed entity", got.ErrorMessage)
	}
}

func TestWorkerProcessSkipsNonPendingJob(t *testing.T) {
	db := newTestDB(t)
	w, jobs := newTestWorker(db, &fakeAPI{})

	job, err := jobs.CreateJob(context.Background(), models.SyncModeFull, models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := jobs.MarkCompleted(context.Background(), job.JobId, nil); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	w.process(context.Background(), syncTask{JobId: job.JobId, Mode: models.SyncModeFull})

	got, err := jobs.GetJob(context.Background(), job.JobId)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobStatusCompleted {
		t.Fatalf("status = %s, completed job must not be restarted", got.Status)
	}
	var logs int64
	if err := db.Model(&models.SyncLog{}).Count(&logs).Error; err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if logs != 0 {
		t.Fatalf("sync logs = %d, want 0 for a skipped job", logs)
	}
}

func TestWorkerEnqueueReportsFullQueue(t *testing.T) {
	db := newTestDB(t)
	w, _ := newTestWorker(db, &fakeAPI{})

	for i := 0; i < defaultQueueDepth; i++ {
		if err := w.Enqueue("job", models.SyncModeFull, false); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := w.Enqueue("job", models.SyncModeFull, false); err != ErrQueueFull {
		t.Fatalf("overflow enqueue err = %v, want ErrQueueFull", err)
	}
}

func TestWorkerRunDrainsQueue(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{listings: seedListings(1)}
	w, jobs := newTestWorker(db, api)

	job, err := jobs.CreateJob(context.Background(), models.SyncModeFull, models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := w.Enqueue(job.JobId, models.SyncModeFull, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := jobs.GetJob(context.Background(), job.JobId)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status == models.JobStatusCompleted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job still %s after deadline", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
