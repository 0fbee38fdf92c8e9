package models

import "time"

const (
	SyncModeFull        = "full"
	SyncModeIncremental = "incremental"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredSystem = "system"
	SyncTriggeredPubSub = "pubsub"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusError     = "error"
)

const (
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusError   = "error"
	SyncStatusSkipped = "skipped"
)

const (
	SyncTypeListings     = "listings"
	SyncTypeReservations = "reservations"
	SyncTypeGuests       = "guests"
	SyncTypeMessages     = "messages"
	SyncTypeReviews      = "reviews"
)

// SyncRun allocates the sync_run_id shared by the SyncJob and all SyncLog
// rows of one orchestration. The auto-increment id is never reused.
type SyncRun struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	Mode        string    `gorm:"size:20;not null" json:"mode"`
	TriggeredBy string    `gorm:"size:20" json:"triggered_by"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SyncJob is the pollable handle for one asynchronous sync run.
type SyncJob struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	JobId        string     `gorm:"uniqueIndex;size:64;not null" json:"job_id"`
	SyncRunId    uint       `gorm:"index;not null" json:"sync_run_id"`
	Mode         string     `gorm:"size:20;not null" json:"mode"`
	Status       string     `gorm:"size:20;not null" json:"status"`
	ProgressJSON []byte     `gorm:"type:json" json:"progress"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncLog is append-only: one row per (sync_run_id, sync_type). It is the
// authoritative record of whether an entity type finished within a run.
type SyncLog struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	SyncRunId        uint       `gorm:"index;not null" json:"sync_run_id"`
	SyncType         string     `gorm:"index;size:20;not null" json:"sync_type"`
	Mode             string     `gorm:"size:20;not null" json:"mode"`
	Status           string     `gorm:"size:20;not null" json:"status"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsCreated   int        `json:"records_created"`
	RecordsUpdated   int        `json:"records_updated"`
	ErrorsJSON       []byte     `gorm:"type:json" json:"errors"`
	ListingStatsJSON []byte     `gorm:"type:json" json:"listing_stats"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	DurationMs       int64      `json:"duration_ms"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
