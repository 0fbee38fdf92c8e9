package hostsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hostfolio/rentals_backend/models"
	"github.com/hostfolio/rentals_backend/utils"
	"gorm.io/gorm"
)

const reviewsBatchSize = 25

type reviewsSyncer struct{}

func (reviewsSyncer) syncType() string { return models.SyncTypeReviews }

func (s reviewsSyncer) run(ctx context.Context, rc *runContext) *EntityResult {
	result := newEntityResult(models.SyncTypeReviews)
	rc.startPhase(models.SyncTypeReviews, 0)

	index, err := loadIndex(rc, func(r *models.Review) int64 { return r.ID })
	if err != nil {
		result.addError("", "index_load_failed", err.Error())
		result.finish()
		return result
	}
	listingIdx, err := loadListingIndex(rc)
	if err != nil {
		result.addError("", "index_load_failed", err.Error())
		result.finish()
		return result
	}

	cutoff, hasCutoff := rc.cutoff(models.SyncTypeReviews)
	now := time.Now().UTC()

	var pendingCreate []*models.Review
	var pendingUpdate []*models.Review
	var pendingTouch []int64

	flush := func() {
		flushReviewBatch(rc, result, index, &pendingCreate, &pendingUpdate)
	}

	offset := 0
pageLoop:
	for {
		page, err := rc.api.ListReviews(ctx, rc.cfg.PageSize, offset)
		if err != nil {
			result.addError("", "fetch_failed", err.Error())
			break
		}

		for _, item := range page {
			if item.ID == 0 {
				result.addError("", "missing_id", "review id missing")
				continue
			}
			if item.Status != models.ReviewStatusPublished && item.Status != models.ReviewStatusSubmitted {
				continue
			}

			departure := parseUpstreamTimePtr(item.DepartureDate)
			// The feed is ordered by departure date while the incremental
			// window is anchored on submission time. Departure always
			// precedes submission, so stopping on departure keeps every
			// review submitted after the cutoff.
			if hasCutoff && departure != nil && departure.Before(cutoff) {
				continue
			}

			result.RecordsProcessed++

			hasListing, err := listingIdx.has(rc, item.ListingMapId)
			if err != nil {
				result.addError(strconv.FormatInt(item.ID, 10), "lookup_failed", err.Error())
				continue
			}
			if !hasListing {
				result.addError(strconv.FormatInt(item.ID, 10), "listing_missing",
					fmt.Sprintf("listing %d not found for review", item.ListingMapId))
				continue
			}

			incoming := mapReview(item, now)
			linkReview(rc, &incoming, item)

			existing, err := index.get(rc, item.ID)
			if err != nil {
				result.addError(strconv.FormatInt(item.ID, 10), "lookup_failed", err.Error())
				continue
			}
			if existing == nil {
				created := incoming
				pendingCreate = append(pendingCreate, &created)
				index.put(&created)
			} else if applyReview(existing, incoming) {
				pendingUpdate = append(pendingUpdate, existing)
			} else {
				pendingTouch = append(pendingTouch, existing.ID)
			}

			rc.advance(incoming.GuestName, result)
			if len(pendingCreate)+len(pendingUpdate) >= reviewsBatchSize {
				flush()
			}
		}

		if len(page) < rc.cfg.PageSize {
			break
		}
		if hasCutoff && len(page) > 0 {
			pageNewest := parseUpstreamTimePtr(page[0].DepartureDate)
			if pageNewest != nil && pageNewest.Before(cutoff) {
				break pageLoop
			}
		}
		offset += rc.cfg.PageSize
	}
	flush()
	touchLastSynced(rc, result, &models.Review{}, pendingTouch, now)

	result.finish()
	return result
}

func mapReview(item apiReview, now time.Time) models.Review {
	return models.Review{
		ID:            item.ID,
		ListingId:     item.ListingMapId,
		GuestName:     item.GuestName,
		Channel:       item.ChannelName,
		Status:        item.Status,
		Rating:        item.Rating,
		PublicReview:  item.PublicReview,
		PrivateReview: item.PrivateFeedback,
		SubmittedAt:   parseUpstreamTimePtr(item.SubmittedAt),
		DepartureDate: parseUpstreamTimePtr(item.DepartureDate),
		LastSyncedAt:  now,
	}
}

// linkReview fills in the reservation and guest references. Both links
// are best effort; a review with no match still persists.
func linkReview(rc *runContext, review *models.Review, item apiReview) {
	res := matchReservation(rc, item, review)
	if res != nil {
		review.ReservationId = &res.ID
	}
	if g := matchGuest(rc, item, res); g != nil {
		review.GuestId = &g.ID
	}
}

// matchReservation prefers the explicit reservation id. Without one it
// falls back to the most recent stay on the same listing by the same
// guest name that ended before the review was written.
func matchReservation(rc *runContext, item apiReview, review *models.Review) *models.Reservation {
	var res models.Reservation
	if item.ReservationId != nil && *item.ReservationId != 0 {
		if err := rc.db.First(&res, "id = ?", *item.ReservationId).Error; err == nil {
			return &res
		}
		return nil
	}
	if item.GuestName == "" {
		return nil
	}
	anchor := review.SubmittedAt
	if anchor == nil {
		anchor = review.DepartureDate
	}
	if anchor == nil {
		return nil
	}
	err := rc.db.
		Where("listing_id = ? AND guest_name = ? AND departure_date <= ?", item.ListingMapId, item.GuestName, *anchor).
		Order("departure_date DESC").
		First(&res).Error
	if err != nil {
		return nil
	}
	return &res
}

// matchGuest resolves the reviewer. Order of preference: the matched
// reservation's guest, an exact full-name match, a first and last name
// match, then the reservation's guest e-mail.
func matchGuest(rc *runContext, item apiReview, res *models.Reservation) *models.Guest {
	if res != nil && res.GuestId != nil {
		var g models.Guest
		if err := rc.db.First(&g, "id = ?", *res.GuestId).Error; err == nil {
			return &g
		}
	}
	if item.GuestName != "" {
		var g models.Guest
		if err := rc.db.First(&g, "LOWER(full_name) = ?", normalizeName(item.GuestName)).Error; err == nil {
			return &g
		}
		first, last := utils.SplitName(item.GuestName)
		if first != "" && last != "" {
			if err := rc.db.First(&g, "LOWER(first_name) = ? AND LOWER(last_name) = ?",
				normalizeName(first), normalizeName(last)).Error; err == nil {
				return &g
			}
		}
		// Reviews often carry a shortened form of the booking name.
		if err := rc.db.First(&g, "LOWER(full_name) LIKE ?", "%"+normalizeName(item.GuestName)+"%").Error; err == nil {
			return &g
		}
	}
	if res != nil && utils.IsValidEmail(res.GuestEmail) {
		var g models.Guest
		if err := rc.db.First(&g, "LOWER(email) = ?", utils.NormalizeEmail(res.GuestEmail)).Error; err == nil {
			return &g
		}
	}
	return nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func applyReview(existing *models.Review, incoming models.Review) bool {
	changed := false
	if existing.ListingId != incoming.ListingId {
		existing.ListingId = incoming.ListingId
		changed = true
	}
	if !ptrEqual(existing.ReservationId, incoming.ReservationId) {
		existing.ReservationId = incoming.ReservationId
		changed = true
	}
	if !ptrEqual(existing.GuestId, incoming.GuestId) {
		existing.GuestId = incoming.GuestId
		changed = true
	}
	if existing.GuestName != incoming.GuestName {
		existing.GuestName = incoming.GuestName
		changed = true
	}
	if existing.Channel != incoming.Channel {
		existing.Channel = incoming.Channel
		changed = true
	}
	if existing.Status != incoming.Status {
		existing.Status = incoming.Status
		changed = true
	}
	if !ptrEqual(existing.Rating, incoming.Rating) {
		existing.Rating = incoming.Rating
		changed = true
	}
	if existing.PublicReview != incoming.PublicReview {
		existing.PublicReview = incoming.PublicReview
		changed = true
	}
	if existing.PrivateReview != incoming.PrivateReview {
		existing.PrivateReview = incoming.PrivateReview
		changed = true
	}
	if !timesEqual(existing.SubmittedAt, incoming.SubmittedAt) {
		existing.SubmittedAt = incoming.SubmittedAt
		changed = true
	}
	if !timesEqual(existing.DepartureDate, incoming.DepartureDate) {
		existing.DepartureDate = incoming.DepartureDate
		changed = true
	}
	existing.LastSyncedAt = incoming.LastSyncedAt
	return changed
}

func flushReviewBatch(rc *runContext, result *EntityResult, index *entityIndex[models.Review], pendingCreate, pendingUpdate *[]*models.Review) {
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
		for _, r := range updates {
			if err := tx.Save(r).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for _, r := range creates {
			index.remove(r.ID)
		}
		result.addError("", "batch_commit_failed", fmt.Sprintf("reviews batch of %d: %v", len(creates)+len(updates), err))
		return
	}

	result.RecordsCreated += len(creates)
	result.RecordsUpdated += len(updates)
	for _, r := range creates {
		result.counters(r.ListingId).Reviews++
	}
	for _, r := range updates {
		result.counters(r.ListingId).Reviews++
	}
}
