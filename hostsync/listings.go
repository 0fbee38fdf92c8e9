package hostsync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hostfolio/rentals_backend/models"
	"gorm.io/gorm"
)

const listingsBatchSize = 50

type listingsSyncer struct{}

func (listingsSyncer) syncType() string { return models.SyncTypeListings }

func (s listingsSyncer) run(ctx context.Context, rc *runContext) *EntityResult {
	result := newEntityResult(models.SyncTypeListings)
	rc.startPhase(models.SyncTypeListings, 0)

	index, err := loadListingIndex(rc)
	if err != nil {
		result.addError("", "index_load_failed", err.Error())
		result.finish()
		return result
	}

	now := time.Now().UTC()
	var pendingCreate []*models.Listing
	var pendingUpdate []*models.Listing
	var pendingTouch []int64

	flush := func() {
		flushListingBatch(rc, result, index, &pendingCreate, &pendingUpdate)
	}

	offset := 0
	for {
		page, err := rc.api.ListListings(ctx, rc.cfg.PageSize, offset)
		if err != nil {
			result.addError("", "fetch_failed", err.Error())
			break
		}

		for _, item := range page {
			if item.ID == 0 {
				result.addError("", "missing_id", "listing id missing")
				continue
			}
			result.RecordsProcessed++
			incoming := mapListing(item, now)

			existing, err := index.get(rc, item.ID)
			if err != nil {
				result.addError(strconv.FormatInt(item.ID, 10), "lookup_failed", err.Error())
				continue
			}
			if existing == nil {
				created := incoming
				pendingCreate = append(pendingCreate, &created)
				index.put(&created)
			} else if applyListing(existing, incoming) {
				pendingUpdate = append(pendingUpdate, existing)
			} else {
				pendingTouch = append(pendingTouch, existing.ID)
			}

			rc.advance(incoming.Name, result)
			if len(pendingCreate)+len(pendingUpdate) >= listingsBatchSize {
				flush()
			}
		}

		if len(page) < rc.cfg.PageSize {
			break
		}
		offset += rc.cfg.PageSize
	}
	flush()
	touchLastSynced(rc, result, &models.Listing{}, pendingTouch, now)

	result.finish()
	return result
}

func mapListing(item apiListing, now time.Time) models.Listing {
	return models.Listing{
		ID:             item.ID,
		Name:           item.Name,
		InternalName:   item.InternalListingName,
		Address:        item.Address,
		City:           item.City,
		CountryCode:    item.CountryCode,
		ThumbnailUrl:   item.ThumbnailUrl,
		Bedrooms:       item.Bedrooms,
		Bathrooms:      item.Bathrooms,
		PersonCapacity: item.PersonCapacity,
		Status:         item.Status,
		LastSyncedAt:   now,
	}
}

// applyListing copies incoming fields onto the existing row and reports
// whether anything besides last_synced_at actually changed.
func applyListing(existing *models.Listing, incoming models.Listing) bool {
	changed := false
	if existing.Name != incoming.Name {
		existing.Name = incoming.Name
		changed = true
	}
	if existing.InternalName != incoming.InternalName {
		existing.InternalName = incoming.InternalName
		changed = true
	}
	if existing.Address != incoming.Address {
		existing.Address = incoming.Address
		changed = true
	}
	if existing.City != incoming.City {
		existing.City = incoming.City
		changed = true
	}
	if existing.CountryCode != incoming.CountryCode {
		existing.CountryCode = incoming.CountryCode
		changed = true
	}
	if existing.ThumbnailUrl != incoming.ThumbnailUrl {
		existing.ThumbnailUrl = incoming.ThumbnailUrl
		changed = true
	}
	if existing.Bedrooms != incoming.Bedrooms {
		existing.Bedrooms = incoming.Bedrooms
		changed = true
	}
	if existing.Bathrooms != incoming.Bathrooms {
		existing.Bathrooms = incoming.Bathrooms
		changed = true
	}
	if existing.PersonCapacity != incoming.PersonCapacity {
		existing.PersonCapacity = incoming.PersonCapacity
		changed = true
	}
	if existing.Status != incoming.Status {
		existing.Status = incoming.Status
		changed = true
	}
	existing.LastSyncedAt = incoming.LastSyncedAt
	return changed
}

func flushListingBatch(rc *runContext, result *EntityResult, index *entityIndex[models.Listing], pendingCreate, pendingUpdate *[]*models.Listing) {
	creates := *pendingCreate
	updates := *pendingUpdate
	*pendingCreate = nil
	*pendingUpdate = nil
	if len(creates) == 0 && len(updates) == 0 {
		return
	}

	err := rc.db.Transaction(func(tx *gorm.DB) error {
		if len(creates) > 0 {
			if err := tx.Create(creates).Error; err != nil {
				return err
			}
		}
		for _, l := range updates {
			if err := tx.Save(l).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Keep the in-memory index in lockstep with the rolled-back rows.
		for _, l := range creates {
			index.remove(l.ID)
		}
		result.addError("", "batch_commit_failed", fmt.Sprintf("listings batch of %d: %v", len(creates)+len(updates), err))
		return
	}

	result.RecordsCreated += len(creates)
	result.RecordsUpdated += len(updates)
	for _, l := range creates {
		result.counters(l.ID).Listings++
	}
	for _, l := range updates {
		result.counters(l.ID).Listings++
	}
}

// touchLastSynced refreshes the freshness timestamp for rows that were
// seen but unchanged. Failures are recorded without affecting counts.
func touchLastSynced(rc *runContext, result *EntityResult, model any, ids []int64, now time.Time) {
	if len(ids) == 0 {
		return
	}
	for start := 0; start < len(ids); start += listingsBatchSize {
		end := start + listingsBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := rc.db.Model(model).Where("id IN ?", ids[start:end]).Update("last_synced_at", now).Error; err != nil {
			result.addError("", "touch_failed", err.Error())
		}
	}
}

func loadListingIndex(rc *runContext) (*entityIndex[models.Listing], error) {
	return loadIndex(rc, func(l *models.Listing) int64 { return l.ID })
}
