package hostsync

import (
	"context"
	"time"

	"github.com/hostfolio/rentals_backend/config"
	"github.com/hostfolio/rentals_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Config carries the tunables of the sync engine. Every knob has an env
// override so operators can adjust without a deploy.
type Config struct {
	PageSize       int
	MessageWorkers int

	// CutoffMargin widens the incremental cutoff to absorb clock skew
	// and out-of-order upstream writes.
	CutoffMargin time.Duration

	// PreloadThreshold bounds the in-memory lookup cache: tables larger
	// than this fall back to per-record queries instead of a full scan.
	PreloadThreshold int64

	TranscriptDir string

	MinInterval map[string]time.Duration

	StaleJobThreshold time.Duration
	JobRetention      time.Duration
}

func LoadConfig() Config {
	return Config{
		PageSize:         config.IntFromEnv("HOSTAWAY_SYNC_PAGE_SIZE", 100),
		MessageWorkers:   config.IntFromEnv("HOSTAWAY_MESSAGE_WORKERS", 10),
		CutoffMargin:     config.DurationFromEnv("HOSTAWAY_SYNC_CUTOFF_MARGIN", 12*time.Hour),
		PreloadThreshold: int64(config.IntFromEnv("HOSTAWAY_SYNC_PRELOAD_THRESHOLD", 50000)),
		TranscriptDir:    transcriptDirFromEnv(),
		MinInterval: map[string]time.Duration{
			models.SyncTypeListings:     config.DurationFromEnv("HOSTAWAY_LISTINGS_MIN_INTERVAL", 6*time.Hour),
			models.SyncTypeReservations: config.DurationFromEnv("HOSTAWAY_RESERVATIONS_MIN_INTERVAL", time.Hour),
			models.SyncTypeGuests:       config.DurationFromEnv("HOSTAWAY_GUESTS_MIN_INTERVAL", time.Hour),
			models.SyncTypeMessages:     config.DurationFromEnv("HOSTAWAY_MESSAGES_MIN_INTERVAL", 30*time.Minute),
			models.SyncTypeReviews:      config.DurationFromEnv("HOSTAWAY_REVIEWS_MIN_INTERVAL", 6*time.Hour),
		},
		StaleJobThreshold: config.DurationFromEnv("SYNC_STALE_JOB_THRESHOLD", 2*time.Hour),
		JobRetention:      config.DurationFromEnv("SYNC_JOB_RETENTION", 72*time.Hour),
	}
}

// entitySyncer reconciles one upstream resource type against the store.
type entitySyncer interface {
	syncType() string
	run(ctx context.Context, rc *runContext) *EntityResult
}

// runContext is the per-run dependency bundle handed to each syncer.
// Lookup maps built by a syncer live and die with one invocation.
type runContext struct {
	db     *gorm.DB
	api    hostawayAPI
	sink   ProgressSink
	logger *logrus.Logger
	cfg    Config
	mode   string

	// lastSync holds the started_at of the latest successful SyncLog row
	// per sync type, loaded once at run start.
	lastSync map[string]time.Time

	progress SyncProgress
}

// cutoff returns the incremental fetch floor for a sync type, or false
// when the run is full-mode or the entity has never synced.
func (rc *runContext) cutoff(syncType string) (time.Time, bool) {
	if rc.mode != models.SyncModeIncremental {
		return time.Time{}, false
	}
	last, ok := rc.lastSync[syncType]
	if !ok || last.IsZero() {
		return time.Time{}, false
	}
	return last.Add(-rc.cfg.CutoffMargin), true
}

func (rc *runContext) startPhase(phase string, total int) {
	rc.progress = SyncProgress{Phase: phase, Total: total}
	rc.progress.recalc()
	rc.sink.Update(rc.progress)
}

func (rc *runContext) setTotal(total int) {
	rc.progress.Total = total
	rc.progress.recalc()
	rc.sink.Update(rc.progress)
}

func (rc *runContext) advance(currentItem string, result *EntityResult) {
	rc.progress.Processed = result.RecordsProcessed
	rc.progress.Created = result.RecordsCreated
	rc.progress.Updated = result.RecordsUpdated
	rc.progress.Errors = len(result.Errors)
	rc.progress.CurrentItem = currentItem
	rc.progress.recalc()
	rc.sink.Update(rc.progress)
}

// preloadCount decides between the full-table preload and per-record
// lookups for a model, per the PreloadThreshold knob.
func (rc *runContext) shouldPreload(model any) bool {
	var count int64
	if err := rc.db.Model(model).Count(&count).Error; err != nil {
		return false
	}
	return count <= rc.cfg.PreloadThreshold
}
