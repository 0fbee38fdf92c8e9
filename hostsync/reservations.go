package hostsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hostfolio/rentals_backend/models"
	"github.com/hostfolio/rentals_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const reservationsBatchSize = 25

type reservationsSyncer struct{}

func (reservationsSyncer) syncType() string { return models.SyncTypeReservations }

// pendingReservation ties a reservation row to the guest it references,
// which may itself be created in the same batch.
type pendingReservation struct {
	row   *models.Reservation
	guest *models.Guest
	isNew bool
}

func (s reservationsSyncer) run(ctx context.Context, rc *runContext) *EntityResult {
	result := newEntityResult(models.SyncTypeReservations)
	rc.startPhase(models.SyncTypeReservations, 0)

	resIndex, err := loadIndex(rc, func(r *models.Reservation) int64 { return r.ID })
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
	guestIdx, err := loadGuestIndex(rc)
	if err != nil {
		result.addError("", "index_load_failed", err.Error())
		result.finish()
		return result
	}

	cutoff, hasCutoff := rc.cutoff(models.SyncTypeReservations)
	now := time.Now().UTC()

	var pending []pendingReservation
	var newGuests []*models.Guest
	var guestSaves []*models.Guest
	var pendingTouch []int64

	flush := func() {
		flushReservationBatch(rc, result, resIndex, guestIdx, &pending, &newGuests, &guestSaves)
	}

	offset := 0
pageLoop:
	for {
		page, err := rc.api.ListReservations(ctx, rc.cfg.PageSize, offset)
		if err != nil {
			result.addError("", "fetch_failed", err.Error())
			break
		}
		if len(page) == 0 {
			break
		}

		// The feed is sorted newest-activity first: the first record of
		// the page is the newest the remainder of the feed can offer.
		pageNewest, pageNewestOk := parseUpstreamTime(page[0].LatestActivityOn)

		for _, item := range page {
			if hasCutoff {
				if activity, ok := parseUpstreamTime(item.LatestActivityOn); ok && activity.Before(cutoff) {
					continue
				}
			}
			s.processReservation(rc, result, item, resIndex, listingIdx, guestIdx, now, &pending, &newGuests, &guestSaves, &pendingTouch)
			if len(pending) >= reservationsBatchSize {
				flush()
			}
		}

		if hasCutoff && pageNewestOk && pageNewest.Before(cutoff) {
			// Every later page is provably older than the cutoff.
			break pageLoop
		}
		if len(page) < rc.cfg.PageSize {
			break
		}
		offset += rc.cfg.PageSize
	}
	flush()
	touchLastSynced(rc, result, &models.Reservation{}, pendingTouch, now)

	result.finish()
	return result
}

func (s reservationsSyncer) processReservation(
	rc *runContext,
	result *EntityResult,
	item apiReservation,
	resIndex *entityIndex[models.Reservation],
	listingIdx *entityIndex[models.Listing],
	guestIdx *guestIndex,
	now time.Time,
	pending *[]pendingReservation,
	newGuests *[]*models.Guest,
	guestSaves *[]*models.Guest,
	pendingTouch *[]int64,
) {
	if item.ID == 0 {
		result.addError("", "missing_id", "reservation id missing")
		return
	}
	extId := strconv.FormatInt(item.ID, 10)
	result.RecordsProcessed++

	listingExists, err := listingIdx.has(rc, item.ListingMapId)
	if err != nil {
		result.addError(extId, "lookup_failed", err.Error())
		return
	}
	if !listingExists {
		result.addError(extId, "listing_missing", fmt.Sprintf("listing %d not found locally", item.ListingMapId))
		return
	}

	arrival, ok := parseUpstreamTime(item.ArrivalDate)
	if !ok {
		result.addError(extId, "bad_arrival_date", "unparseable arrival date: "+item.ArrivalDate)
		return
	}
	departure, ok := parseUpstreamTime(item.DepartureDate)
	if !ok {
		result.addError(extId, "bad_departure_date", "unparseable departure date: "+item.DepartureDate)
		return
	}

	guest, guestIsNew, err := ensureGuest(rc, guestIdx, item, now)
	if err != nil {
		result.addError(extId, "guest_resolve_failed", err.Error())
		// The reservation itself still syncs; the guest link stays empty.
	}
	if guest != nil && guestIsNew {
		*newGuests = append(*newGuests, guest)
	} else if guest != nil && backfillGuest(guest, item, now) {
		*guestSaves = append(*guestSaves, guest)
	}

	incoming := mapReservation(item, arrival, departure, now)

	existing, err := resIndex.get(rc, item.ID)
	if err != nil {
		result.addError(extId, "lookup_failed", err.Error())
		return
	}
	if existing == nil {
		created := incoming
		resIndex.put(&created)
		*pending = append(*pending, pendingReservation{row: &created, guest: guest, isNew: true})
	} else {
		changed := applyReservation(existing, incoming)
		if guest != nil && (existing.GuestId == nil || (guestIsNew && *existing.GuestId != guest.ID)) {
			changed = true
		}
		if changed {
			*pending = append(*pending, pendingReservation{row: existing, guest: guest})
		} else {
			*pendingTouch = append(*pendingTouch, existing.ID)
		}
	}
	rc.advance(item.GuestName, result)
}

func mapReservation(item apiReservation, arrival, departure time.Time, now time.Time) models.Reservation {
	return models.Reservation{
		ID:               item.ID,
		ListingId:        item.ListingMapId,
		Channel:          item.ChannelName,
		Status:           item.Status,
		ConfirmationCode: item.ConfirmationCode,
		GuestName:        utils.FirstNonEmpty(item.GuestName, joinName(item.GuestFirstName, item.GuestLastName)),
		GuestEmail:       item.GuestEmail,
		GuestExternalId:  item.GuestExternalAccountId,
		GuestPhone:       item.Phone,
		NumberOfGuests:   item.NumberOfGuests,
		ArrivalDate:      arrival,
		DepartureDate:    departure,
		Nights:           item.Nights,
		TotalPrice:       decimalFromNumber(item.TotalPrice),
		HostPayout:       decimalFromNumber(item.HostPayout),
		CurrencyCode:     item.Currency,
		LatestActivityOn: parseUpstreamTimePtr(item.LatestActivityOn),
		LastSyncedAt:     now,
	}
}

func applyReservation(existing *models.Reservation, incoming models.Reservation) bool {
	changed := false
	if existing.ListingId != incoming.ListingId {
		existing.ListingId = incoming.ListingId
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
	if existing.ConfirmationCode != incoming.ConfirmationCode {
		existing.ConfirmationCode = incoming.ConfirmationCode
		changed = true
	}
	if existing.GuestName != incoming.GuestName {
		existing.GuestName = incoming.GuestName
		changed = true
	}
	if existing.GuestEmail != incoming.GuestEmail {
		existing.GuestEmail = incoming.GuestEmail
		changed = true
	}
	if existing.GuestExternalId != incoming.GuestExternalId {
		existing.GuestExternalId = incoming.GuestExternalId
		changed = true
	}
	if existing.GuestPhone != incoming.GuestPhone {
		existing.GuestPhone = incoming.GuestPhone
		changed = true
	}
	if existing.NumberOfGuests != incoming.NumberOfGuests {
		existing.NumberOfGuests = incoming.NumberOfGuests
		changed = true
	}
	if !existing.ArrivalDate.Equal(incoming.ArrivalDate) {
		existing.ArrivalDate = incoming.ArrivalDate
		changed = true
	}
	if !existing.DepartureDate.Equal(incoming.DepartureDate) {
		existing.DepartureDate = incoming.DepartureDate
		changed = true
	}
	if existing.Nights != incoming.Nights {
		existing.Nights = incoming.Nights
		changed = true
	}
	if !existing.TotalPrice.Equal(incoming.TotalPrice) {
		existing.TotalPrice = incoming.TotalPrice
		changed = true
	}
	if !existing.HostPayout.Equal(incoming.HostPayout) {
		existing.HostPayout = incoming.HostPayout
		changed = true
	}
	if existing.CurrencyCode != incoming.CurrencyCode {
		existing.CurrencyCode = incoming.CurrencyCode
		changed = true
	}
	if !timesEqual(existing.LatestActivityOn, incoming.LatestActivityOn) {
		existing.LatestActivityOn = incoming.LatestActivityOn
		changed = true
	}
	existing.LastSyncedAt = incoming.LastSyncedAt
	return changed
}

func flushReservationBatch(
	rc *runContext,
	result *EntityResult,
	resIndex *entityIndex[models.Reservation],
	guestIdx *guestIndex,
	pending *[]pendingReservation,
	newGuests *[]*models.Guest,
	guestSaves *[]*models.Guest,
) {
	batch := *pending
	guests := *newGuests
	saves := *guestSaves
	*pending = nil
	*newGuests = nil
	*guestSaves = nil
	if len(batch) == 0 && len(guests) == 0 && len(saves) == 0 {
		return
	}

	err := rc.db.Transaction(func(tx *gorm.DB) error {
		if len(guests) > 0 {
			if err := tx.Create(guests).Error; err != nil {
				return err
			}
		}
		for _, g := range saves {
			if err := tx.Save(g).Error; err != nil {
				return err
			}
		}
		for _, p := range batch {
			// Newly created guests only have ids after the insert above.
			if p.guest != nil && p.guest.ID != 0 {
				id := p.guest.ID
				p.row.GuestId = &id
			}
			if p.isNew {
				if err := tx.Create(p.row).Error; err != nil {
					return err
				}
			} else {
				if err := tx.Save(p.row).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		for _, p := range batch {
			if p.isNew {
				resIndex.remove(p.row.ID)
			}
		}
		for _, g := range guests {
			guestIdx.remove(g)
		}
		result.addError("", "batch_commit_failed", fmt.Sprintf("reservations batch of %d: %v", len(batch), err))
		return
	}

	for _, p := range batch {
		if p.isNew {
			result.RecordsCreated++
		} else {
			result.RecordsUpdated++
		}
		result.counters(p.row.ListingId).Reservations++
	}
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

func joinName(first, last string) string {
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}

// guestIndex maps the two guest identity keys to rows, built once per
// syncer invocation.
type guestIndex struct {
	preloaded    bool
	byEmail      map[string]*models.Guest
	byExternalId map[string]*models.Guest
}

func loadGuestIndex(rc *runContext) (*guestIndex, error) {
	idx := &guestIndex{
		byEmail:      map[string]*models.Guest{},
		byExternalId: map[string]*models.Guest{},
	}
	if !rc.shouldPreload(&models.Guest{}) {
		return idx, nil
	}
	var rows []*models.Guest
	if err := rc.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		idx.add(row)
	}
	idx.preloaded = true
	return idx, nil
}

func (idx *guestIndex) add(g *models.Guest) {
	if email := utils.NormalizeEmail(g.Email); email != "" {
		idx.byEmail[email] = g
	}
	if g.ExternalAccountId != "" {
		idx.byExternalId[g.ExternalAccountId] = g
	}
}

func (idx *guestIndex) remove(g *models.Guest) {
	if email := utils.NormalizeEmail(g.Email); email != "" {
		delete(idx.byEmail, email)
	}
	if g.ExternalAccountId != "" {
		delete(idx.byExternalId, g.ExternalAccountId)
	}
}

func (idx *guestIndex) find(rc *runContext, externalId, email string) (*models.Guest, error) {
	if externalId != "" {
		if g, ok := idx.byExternalId[externalId]; ok {
			return g, nil
		}
	}
	normalized := utils.NormalizeEmail(email)
	if normalized != "" {
		if g, ok := idx.byEmail[normalized]; ok {
			return g, nil
		}
	}
	if idx.preloaded {
		return nil, nil
	}

	var row models.Guest
	if externalId != "" {
		err := rc.db.Where("external_account_id = ?", externalId).Order("created_at").Take(&row).Error
		if err == nil {
			idx.add(&row)
			return &row, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if normalized != "" {
		err := rc.db.Where("LOWER(email) = ?", normalized).Order("created_at").Take(&row).Error
		if err == nil {
			idx.add(&row)
			return &row, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// ensureGuest resolves the canonical guest for a reservation, creating
// an in-memory row when neither identity key matches. The caller commits
// it in the same batch as the reservation.
func ensureGuest(rc *runContext, idx *guestIndex, item apiReservation, now time.Time) (*models.Guest, bool, error) {
	name := utils.FirstNonEmpty(item.GuestName, joinName(item.GuestFirstName, item.GuestLastName))
	if item.GuestExternalAccountId == "" && utils.NormalizeEmail(item.GuestEmail) == "" && name == "" {
		return nil, false, nil
	}

	existing, err := idx.find(rc, item.GuestExternalAccountId, item.GuestEmail)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	first, last := item.GuestFirstName, item.GuestLastName
	if first == "" && last == "" {
		first, last = utils.SplitName(name)
	}
	guest := &models.Guest{
		FirstName:         first,
		LastName:          last,
		FullName:          name,
		Email:             item.GuestEmail,
		ExternalAccountId: item.GuestExternalAccountId,
		Phone:             item.Phone,
		Location:          item.GuestLocation,
		PictureUrl:        item.GuestPicture,
		LastSyncedAt:      now,
	}
	idx.add(guest)
	return guest, true, nil
}

// backfillGuest fills empty guest fields from a reservation payload
// without overwriting anything already present.
func backfillGuest(g *models.Guest, item apiReservation, now time.Time) bool {
	changed := false
	if g.Email == "" && item.GuestEmail != "" {
		g.Email = item.GuestEmail
		changed = true
	}
	if g.ExternalAccountId == "" && item.GuestExternalAccountId != "" {
		g.ExternalAccountId = item.GuestExternalAccountId
		changed = true
	}
	if g.Phone == "" && item.Phone != "" {
		g.Phone = item.Phone
		changed = true
	}
	if g.Location == "" && item.GuestLocation != "" {
		g.Location = item.GuestLocation
		changed = true
	}
	if g.PictureUrl == "" && item.GuestPicture != "" {
		g.PictureUrl = item.GuestPicture
		changed = true
	}
	if changed {
		g.LastSyncedAt = now
	}
	return changed
}
