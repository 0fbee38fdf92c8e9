package hostsync

import (
	"context"
	"fmt"
	"time"

	"github.com/hostfolio/rentals_backend/config"
	"github.com/hostfolio/rentals_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Orchestrator drives one sync run through the entity syncers in a
// fixed order so referential dependencies resolve naturally: listings
// before reservations, reservations before messages and reviews.
type Orchestrator struct {
	db     *gorm.DB
	api    hostawayAPI
	cfg    Config
	logger *logrus.Logger
}

// NewOrchestrator accepts a nil db, resolved lazily through the config
// singleton.
func NewOrchestrator(db *gorm.DB, client *Client, cfg Config) *Orchestrator {
	return &Orchestrator{
		db:     db,
		api:    client,
		cfg:    cfg,
		logger: config.GetLogger(),
	}
}

func (o *Orchestrator) conn() *gorm.DB {
	if o.db != nil {
		return o.db
	}
	return config.GetDB()
}

func syncerChain() []entitySyncer {
	return []entitySyncer{
		listingsSyncer{},
		reservationsSyncer{},
		guestsSyncer{},
		messagesSyncer{},
		reviewsSyncer{},
	}
}

// Run executes every entity syncer for the given sync run. A failing
// syncer never stops the chain; its result is recorded and the next
// entity proceeds against whatever state the store is in.
func (o *Orchestrator) Run(ctx context.Context, syncRunId uint, mode string, force bool, sink ProgressSink) (*RunSummary, error) {
	if sink == nil {
		sink = nopSink{}
	}

	lastSync, err := o.loadLastSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sync history: %w", err)
	}

	rc := &runContext{
		db:       o.conn().WithContext(ctx),
		api:      o.api,
		sink:     sink,
		logger:   o.logger,
		cfg:      o.cfg,
		mode:     mode,
		lastSync: lastSync,
	}

	summary := &RunSummary{SyncRunId: syncRunId, Mode: mode}
	for _, syncer := range syncerChain() {
		if ctx.Err() != nil {
			break
		}

		if o.shouldSkip(syncer.syncType(), mode, force, lastSync) {
			result := skippedResult(syncer.syncType())
			summary.Results = append(summary.Results, result)
			o.recordLog(rc, syncRunId, mode, result)
			continue
		}

		result := o.runSyncer(ctx, rc, syncer)
		summary.Results = append(summary.Results, result)
		o.recordLog(rc, syncRunId, mode, result)

		o.logger.WithFields(logrus.Fields{
			"sync_run_id": syncRunId,
			"sync_type":   result.SyncType,
			"status":      result.Status,
			"processed":   result.RecordsProcessed,
			"created":     result.RecordsCreated,
			"updated":     result.RecordsUpdated,
			"errors":      len(result.Errors),
		}).Info("entity sync finished")
	}

	summary.Status = aggregateStatus(summary.Results)
	return summary, ctx.Err()
}

// runSyncer isolates panics so one misbehaving entity cannot take down
// the whole run.
func (o *Orchestrator) runSyncer(ctx context.Context, rc *runContext, syncer entitySyncer) (result *EntityResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithFields(logrus.Fields{
				"sync_type": syncer.syncType(),
				"panic":     fmt.Sprint(r),
			}).Error("entity sync panicked")
			result = newEntityResult(syncer.syncType())
			result.addError("", "panic", fmt.Sprint(r))
			result.finish()
		}
	}()
	return syncer.run(ctx, rc)
}

// shouldSkip applies the per-entity minimum interval. Full runs and
// forced runs always execute.
func (o *Orchestrator) shouldSkip(syncType, mode string, force bool, lastSync map[string]time.Time) bool {
	if force || mode == models.SyncModeFull {
		return false
	}
	interval, ok := o.cfg.MinInterval[syncType]
	if !ok || interval <= 0 {
		return false
	}
	last, ok := lastSync[syncType]
	if !ok || last.IsZero() {
		return false
	}
	return time.Since(last) < interval
}

func skippedResult(syncType string) *EntityResult {
	result := newEntityResult(syncType)
	result.Status = models.SyncStatusSkipped
	result.CompletedAt = result.StartedAt
	return result
}

// loadLastSync fetches the started_at of the most recent successful log
// per sync type. Skipped and failed runs do not advance the cursor.
func (o *Orchestrator) loadLastSync(ctx context.Context) (map[string]time.Time, error) {
	var rows []models.SyncLog
	err := o.conn().WithContext(ctx).
		Where("status = ?", models.SyncStatusSuccess).
		Order("started_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, 5)
	for _, row := range rows {
		out[row.SyncType] = row.StartedAt
	}
	return out, nil
}

func (o *Orchestrator) recordLog(rc *runContext, syncRunId uint, mode string, result *EntityResult) {
	log := result.toLog(syncRunId, mode)
	if err := rc.db.Create(log).Error; err != nil {
		o.logger.WithFields(logrus.Fields{
			"sync_run_id": syncRunId,
			"sync_type":   result.SyncType,
		}).WithError(err).Error("persist sync log failed")
	}
}

// aggregateStatus folds per-entity outcomes into the run status. Skips
// are neutral; a run where everything real failed is an error, a run
// with any failure or partial in it is partial.
func aggregateStatus(results []*EntityResult) string {
	ran, failed, degraded := 0, 0, 0
	for _, r := range results {
		if r.Status == models.SyncStatusSkipped {
			continue
		}
		ran++
		switch r.Status {
		case models.SyncStatusError:
			failed++
			degraded++
		case models.SyncStatusPartial:
			degraded++
		}
	}
	switch {
	case ran == 0:
		return models.SyncStatusSkipped
	case failed == ran:
		return models.SyncStatusError
	case degraded > 0:
		return models.SyncStatusPartial
	default:
		return models.SyncStatusSuccess
	}
}
