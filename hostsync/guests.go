package hostsync

import (
	"context"
	"fmt"
	"time"

	"github.com/hostfolio/rentals_backend/models"
	"gorm.io/gorm"
)

// guestsSyncer is a deduplication pass, not a fetch: reservations embed
// guest fields redundantly, so the same person accumulates multiple rows
// until merged here.
type guestsSyncer struct{}

func (guestsSyncer) syncType() string { return models.SyncTypeGuests }

type duplicateKey struct {
	K string
	C int64
}

func (s guestsSyncer) run(ctx context.Context, rc *runContext) *EntityResult {
	result := newEntityResult(models.SyncTypeGuests)
	rc.startPhase(models.SyncTypeGuests, 0)

	// Aggregate pre-check so no-op incremental runs stay cheap.
	emailDups, err := duplicateGroups(rc, "LOWER(email)", "email <> ''")
	if err != nil {
		result.addError("", "dup_scan_failed", err.Error())
		result.finish()
		return result
	}
	externalDups, err := duplicateGroups(rc, "external_account_id", "external_account_id <> ''")
	if err != nil {
		result.addError("", "dup_scan_failed", err.Error())
		result.finish()
		return result
	}
	if len(emailDups)+len(externalDups) == 0 {
		result.finish()
		return result
	}

	rc.setTotal(len(emailDups) + len(externalDups))

	for _, dup := range emailDups {
		s.mergeGroup(rc, result, "LOWER(email) = ?", dup.K)
	}
	// External-id groups are re-scanned: email merges above may already
	// have collapsed some of them.
	externalDups, err = duplicateGroups(rc, "external_account_id", "external_account_id <> ''")
	if err != nil {
		result.addError("", "dup_scan_failed", err.Error())
	} else {
		for _, dup := range externalDups {
			s.mergeGroup(rc, result, "external_account_id = ?", dup.K)
		}
	}

	result.finish()
	return result
}

func duplicateGroups(rc *runContext, keyExpr, whereExpr string) ([]duplicateKey, error) {
	var dups []duplicateKey
	err := rc.db.Model(&models.Guest{}).
		Select(keyExpr + " AS k, COUNT(*) AS c").
		Where(whereExpr).
		Group(keyExpr).
		Having("COUNT(*) > 1").
		Scan(&dups).Error
	return dups, err
}

// mergeGroup collapses all guests sharing one identity key into the
// earliest-created row, re-points reservation/conversation/review links
// and deletes the shed duplicates. Each group commits independently so
// one bad group cannot abort the pass.
func (s guestsSyncer) mergeGroup(rc *runContext, result *EntityResult, keyWhere string, key string) {
	var group []*models.Guest
	if err := rc.db.Where(keyWhere, key).Order("created_at ASC, id ASC").Find(&group).Error; err != nil {
		result.addError(key, "group_load_failed", err.Error())
		return
	}
	if len(group) < 2 {
		return
	}

	survivor := group[0]
	duplicates := group[1:]
	duplicateIds := make([]uint, 0, len(duplicates))
	for _, d := range duplicates {
		duplicateIds = append(duplicateIds, d.ID)
	}

	mergeGuestFields(survivor, duplicates)
	survivor.LastSyncedAt = time.Now().UTC()

	err := rc.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Reservation{}).Where("guest_id IN ?", duplicateIds).Update("guest_id", survivor.ID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Conversation{}).Where("guest_id IN ?", duplicateIds).Update("guest_id", survivor.ID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Review{}).Where("guest_id IN ?", duplicateIds).Update("guest_id", survivor.ID).Error; err != nil {
			return err
		}
		if err := tx.Save(survivor).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Guest{}, duplicateIds).Error
	})

	result.RecordsProcessed += len(group)
	if err != nil {
		result.addError(key, "merge_failed", fmt.Sprintf("merge of %d guests: %v", len(group), err))
		return
	}
	result.RecordsUpdated += len(duplicates)
	rc.advance(survivor.FullName, result)
}

// mergeGuestFields backfills every empty survivor field from the
// duplicates, oldest first, so nothing known about the person is lost.
func mergeGuestFields(survivor *models.Guest, duplicates []*models.Guest) {
	for _, d := range duplicates {
		if survivor.FirstName == "" && d.FirstName != "" {
			survivor.FirstName = d.FirstName
		}
		if survivor.LastName == "" && d.LastName != "" {
			survivor.LastName = d.LastName
		}
		if survivor.FullName == "" && d.FullName != "" {
			survivor.FullName = d.FullName
		}
		if survivor.Email == "" && d.Email != "" {
			survivor.Email = d.Email
		}
		if survivor.ExternalAccountId == "" && d.ExternalAccountId != "" {
			survivor.ExternalAccountId = d.ExternalAccountId
		}
		if survivor.Phone == "" && d.Phone != "" {
			survivor.Phone = d.Phone
		}
		if survivor.Location == "" && d.Location != "" {
			survivor.Location = d.Location
		}
		if survivor.PictureUrl == "" && d.PictureUrl != "" {
			survivor.PictureUrl = d.PictureUrl
		}
	}
}
