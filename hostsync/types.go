package hostsync

import (
	"encoding/json"
	"time"

	"github.com/hostfolio/rentals_backend/models"
)

// SyncItemError is one structured error captured during an entity sync.
// The list is serialized onto the SyncLog row at the storage boundary.
type SyncItemError struct {
	EntityType string `json:"entity_type"`
	ExternalId string `json:"external_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// ListingCounters is the per-listing breakdown accumulated by each syncer.
type ListingCounters struct {
	Listings     int `json:"listings"`
	Reservations int `json:"reservations"`
	Messages     int `json:"messages"`
	Reviews      int `json:"reviews"`
}

// EntityResult is the structured outcome of one entity syncer invocation.
type EntityResult struct {
	SyncType         string
	Status           string
	RecordsProcessed int
	RecordsCreated   int
	RecordsUpdated   int
	Errors           []SyncItemError
	ListingStats     map[int64]*ListingCounters
	StartedAt        time.Time
	CompletedAt      time.Time
}

func newEntityResult(syncType string) *EntityResult {
	return &EntityResult{
		SyncType:     syncType,
		Status:       models.SyncStatusSuccess,
		ListingStats: map[int64]*ListingCounters{},
		StartedAt:    time.Now().UTC(),
	}
}

func (r *EntityResult) addError(externalId, code, message string) {
	r.Errors = append(r.Errors, SyncItemError{
		EntityType: r.SyncType,
		ExternalId: externalId,
		Code:       code,
		Message:    message,
	})
}

func (r *EntityResult) counters(listingId int64) *ListingCounters {
	c, ok := r.ListingStats[listingId]
	if !ok {
		c = &ListingCounters{}
		r.ListingStats[listingId] = c
	}
	return c
}

// finish settles the aggregate status: any error alongside progress is
// partial, errors with nothing synced is error.
func (r *EntityResult) finish() {
	r.CompletedAt = time.Now().UTC()
	if len(r.Errors) == 0 {
		return
	}
	if r.RecordsCreated+r.RecordsUpdated > 0 || r.RecordsProcessed > len(r.Errors) {
		r.Status = models.SyncStatusPartial
	} else {
		r.Status = models.SyncStatusError
	}
}

func (r *EntityResult) toLog(syncRunId uint, mode string) *models.SyncLog {
	errorsJSON, _ := json.Marshal(r.Errors)
	statsJSON, _ := json.Marshal(r.ListingStats)
	completed := r.CompletedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}
	return &models.SyncLog{
		SyncRunId:        syncRunId,
		SyncType:         r.SyncType,
		Mode:             mode,
		Status:           r.Status,
		RecordsProcessed: r.RecordsProcessed,
		RecordsCreated:   r.RecordsCreated,
		RecordsUpdated:   r.RecordsUpdated,
		ErrorsJSON:       errorsJSON,
		ListingStatsJSON: statsJSON,
		StartedAt:        r.StartedAt,
		CompletedAt:      &completed,
		DurationMs:       completed.Sub(r.StartedAt).Milliseconds(),
	}
}

// SyncProgress is the typed progress blob persisted on the SyncJob row.
type SyncProgress struct {
	Phase       string `json:"phase"`
	Processed   int    `json:"processed"`
	Total       int    `json:"total"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Errors      int    `json:"errors"`
	CurrentItem string `json:"current_item"`
	Percentage  int    `json:"percentage"`
}

func (p *SyncProgress) recalc() {
	if p.Total > 0 {
		p.Percentage = p.Processed * 100 / p.Total
		if p.Percentage > 100 {
			p.Percentage = 100
		}
	} else {
		p.Percentage = 0
	}
}

// JobUpdate enumerates every mutable SyncJob field. Nil means "leave
// unchanged"; only set fields are written.
type JobUpdate struct {
	Status       *string
	Progress     *SyncProgress
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// RunSummary aggregates the per-entity results of one orchestration.
type RunSummary struct {
	SyncRunId uint
	Mode      string
	Status    string
	Results   []*EntityResult
}

// FailedEntity returns the first entity whose sync failed outright,
// or nil when no entity ended in the error state.
func (s *RunSummary) FailedEntity() *EntityResult {
	for _, r := range s.Results {
		if r.Status == models.SyncStatusError {
			return r
		}
	}
	return nil
}

// ErrorMessages flattens every entity error into human-readable strings.
func (s *RunSummary) ErrorMessages() []string {
	var out []string
	for _, r := range s.Results {
		for _, e := range r.Errors {
			out = append(out, e.EntityType+"/"+e.ExternalId+": "+e.Message)
		}
	}
	return out
}

type TriggerSyncRequest struct {
	Mode  string `json:"mode" binding:"required,oneof=full incremental"`
	Force bool   `json:"force"`
}

type JobResponse struct {
	JobId        string        `json:"jobId"`
	SyncRunId    uint          `json:"syncRunId"`
	Mode         string        `json:"mode"`
	Status       string        `json:"status"`
	Progress     *SyncProgress `json:"progress,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	StartedAt    *string       `json:"startedAt"`
	CompletedAt  *string       `json:"completedAt"`
	UpdatedAt    string        `json:"updatedAt"`
}

type SyncLogResponse struct {
	SyncType         string          `json:"syncType"`
	Mode             string          `json:"mode"`
	Status           string          `json:"status"`
	RecordsProcessed int             `json:"recordsProcessed"`
	RecordsCreated   int             `json:"recordsCreated"`
	RecordsUpdated   int             `json:"recordsUpdated"`
	Errors           []SyncItemError `json:"errors"`
	DurationMs       int64           `json:"durationMs"`
}

type RunDetailResponse struct {
	Job  JobResponse       `json:"job"`
	Logs []SyncLogResponse `json:"logs"`
}

type SyncHistoryResponse struct {
	Items []JobResponse `json:"items"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	JobId string `json:"job_id"`
	Mode  string `json:"mode"`
	Force bool   `json:"force"`
}
