package hostsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hostfolio/rentals_backend/models"
	"gorm.io/gorm"
)

type messagesSyncer struct{}

func (messagesSyncer) syncType() string { return models.SyncTypeMessages }

// conversationFetch is one fan-out result: a conversation plus its
// messages, or the error that prevented fetching them.
type conversationFetch struct {
	reservationId int64
	conv          apiConversation
	msgs          []apiMessage
	err           error
}

func (s messagesSyncer) run(ctx context.Context, rc *runContext) *EntityResult {
	result := newEntityResult(models.SyncTypeMessages)
	rc.startPhase(models.SyncTypeMessages, 0)

	convIndex, err := loadIndex(rc, func(c *models.Conversation) int64 { return c.ID })
	if err != nil {
		result.addError("", "index_load_failed", err.Error())
		result.finish()
		return result
	}
	keys, err := loadMessageKeys(rc)
	if err != nil {
		result.addError("", "index_load_failed", err.Error())
		result.finish()
		return result
	}

	cutoff, hasCutoff := rc.cutoff(models.SyncTypeMessages)

	var results <-chan conversationFetch
	if hasCutoff {
		// Incremental optimization: only reservations with upstream
		// activity since the cutoff can have new messages.
		resIds, fetchErrs := collectActiveReservations(ctx, rc, cutoff)
		for _, msg := range fetchErrs {
			result.addError("", "fetch_failed", msg)
		}
		results = fanOutReservations(ctx, rc, resIds)
	} else {
		convs, fetchErrs := collectAllConversations(ctx, rc)
		for _, msg := range fetchErrs {
			result.addError("", "fetch_failed", msg)
		}
		results = fanOutConversations(ctx, rc, convs)
	}

	// Fetches run in parallel; database writes stay serialized here.
	for fr := range results {
		if fr.err != nil {
			ref := strconv.FormatInt(fr.conv.ID, 10)
			if fr.conv.ID == 0 {
				ref = "reservation " + strconv.FormatInt(fr.reservationId, 10)
			}
			result.addError(ref, "fetch_failed", fr.err.Error())
			continue
		}
		s.persistConversation(rc, result, convIndex, keys, fr)
	}

	result.finish()
	return result
}

// collectActiveReservations pages the recency-sorted reservation feed
// and returns ids with latest activity on or after the cutoff.
func collectActiveReservations(ctx context.Context, rc *runContext, cutoff time.Time) ([]int64, []string) {
	var ids []int64
	var errs []string
	offset := 0
	for {
		page, err := rc.api.ListReservations(ctx, rc.cfg.PageSize, offset)
		if err != nil {
			errs = append(errs, err.Error())
			return ids, errs
		}
		if len(page) == 0 {
			return ids, errs
		}

		pageNewest, pageNewestOk := parseUpstreamTime(page[0].LatestActivityOn)
		for _, item := range page {
			activity, ok := parseUpstreamTime(item.LatestActivityOn)
			if !ok || activity.Before(cutoff) {
				continue
			}
			if item.ID != 0 {
				ids = append(ids, item.ID)
			}
		}
		if pageNewestOk && pageNewest.Before(cutoff) {
			return ids, errs
		}
		if len(page) < rc.cfg.PageSize {
			return ids, errs
		}
		offset += rc.cfg.PageSize
	}
}

func collectAllConversations(ctx context.Context, rc *runContext) ([]apiConversation, []string) {
	var convs []apiConversation
	var errs []string
	offset := 0
	for {
		page, err := rc.api.ListConversations(ctx, rc.cfg.PageSize, offset)
		if err != nil {
			errs = append(errs, err.Error())
			return convs, errs
		}
		convs = append(convs, page...)
		if len(page) < rc.cfg.PageSize {
			return convs, errs
		}
		offset += rc.cfg.PageSize
	}
}

// fanOutReservations fetches each reservation's conversations and their
// messages through a bounded worker pool. Ordering across conversations
// is not guaranteed and not needed.
func fanOutReservations(ctx context.Context, rc *runContext, reservationIds []int64) <-chan conversationFetch {
	tasks := make(chan int64)
	results := make(chan conversationFetch)

	width := rc.cfg.MessageWorkers
	if width < 1 {
		width = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < width; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for resId := range tasks {
				convs, err := rc.api.ConversationsForReservation(ctx, resId)
				if err != nil {
					results <- conversationFetch{reservationId: resId, err: err}
					continue
				}
				for _, conv := range convs {
					msgs, err := rc.api.ListConversationMessages(ctx, conv.ID)
					results <- conversationFetch{reservationId: resId, conv: conv, msgs: msgs, err: err}
				}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, id := range reservationIds {
			select {
			case <-ctx.Done():
				return
			case tasks <- id:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

func fanOutConversations(ctx context.Context, rc *runContext, convs []apiConversation) <-chan conversationFetch {
	tasks := make(chan apiConversation)
	results := make(chan conversationFetch)

	width := rc.cfg.MessageWorkers
	if width < 1 {
		width = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < width; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for conv := range tasks {
				msgs, err := rc.api.ListConversationMessages(ctx, conv.ID)
				results <- conversationFetch{conv: conv, msgs: msgs, err: err}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, conv := range convs {
			select {
			case <-ctx.Done():
				return
			case tasks <- conv:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

// persistConversation commits one conversation and its new messages as
// a batch and then writes the transcript file. Message dedup consults
// both the persisted key set and the pending keys of this batch.
func (s messagesSyncer) persistConversation(
	rc *runContext,
	result *EntityResult,
	convIndex *entityIndex[models.Conversation],
	keys *messageKeySet,
	fr conversationFetch,
) {
	if fr.conv.ID == 0 {
		result.addError("", "missing_id", "conversation id missing")
		return
	}
	convRef := strconv.FormatInt(fr.conv.ID, 10)
	now := time.Now().UTC()

	var reservation *models.Reservation
	resId := fr.reservationId
	if resId == 0 && fr.conv.ReservationId != nil {
		resId = *fr.conv.ReservationId
	}
	if resId != 0 {
		var row models.Reservation
		if err := rc.db.Where("id = ?", resId).Take(&row).Error; err == nil {
			reservation = &row
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			result.addError(convRef, "lookup_failed", err.Error())
			return
		}
	}

	existing, err := convIndex.get(rc, fr.conv.ID)
	if err != nil {
		result.addError(convRef, "lookup_failed", err.Error())
		return
	}

	conv := existing
	convIsNew := conv == nil
	if convIsNew {
		conv = &models.Conversation{ID: fr.conv.ID, Type: fr.conv.Type}
		convIndex.put(conv)
	}
	convChanged := false
	if resId != 0 && !ptrEqual(conv.ReservationId, &resId) {
		conv.ReservationId = &resId
		convChanged = true
	}
	listingId := fr.conv.ListingMapId
	if listingId == nil && reservation != nil {
		listingId = &reservation.ListingId
	}
	if listingId != nil && !ptrEqual(conv.ListingId, listingId) {
		conv.ListingId = listingId
		convChanged = true
	}
	if reservation != nil && reservation.GuestId != nil && !ptrEqual(conv.GuestId, reservation.GuestId) {
		conv.GuestId = reservation.GuestId
		convChanged = true
	}
	if fr.conv.Type != "" && conv.Type != fr.conv.Type {
		conv.Type = fr.conv.Type
		convChanged = true
	}
	conv.LastSyncedAt = now

	// Dedup and stage the new messages.
	var newMsgs []*models.Message
	var pendingKeys []messageKey
	var lastMessageAt *time.Time
	for _, m := range fr.msgs {
		sentAt, ok := parseUpstreamTime(m.Date)
		if !ok {
			result.addError(convRef, "bad_message_date", "unparseable message date: "+m.Date)
			continue
		}
		result.RecordsProcessed++
		if lastMessageAt == nil || sentAt.After(*lastMessageAt) {
			t := sentAt
			lastMessageAt = &t
		}

		key := keyFor(fr.conv.ID, m.ID, sentAt)
		// A message may gain an upstream id after being stored under the
		// time-based key, so id-carrying messages check that form too.
		// The time key is never registered for them: distinct ids within
		// the same second are distinct messages.
		fallback := messageKey{convId: fr.conv.ID, sentAtUnix: sentAt.UTC().Unix()}
		if keys.has(key) || (m.ID != nil && keys.has(fallback)) {
			continue
		}
		keys.addPending(key)
		pendingKeys = append(pendingKeys, key)

		role := "host"
		if m.IsIncoming != 0 {
			role = "guest"
		}
		newMsgs = append(newMsgs, &models.Message{
			UpstreamId:     m.ID,
			ConversationId: fr.conv.ID,
			SentAt:         sentAt,
			SenderRole:     role,
			Body:           m.Body,
			LastSyncedAt:   now,
		})
	}
	if lastMessageAt != nil && !timesEqual(conv.LastMessageAt, lastMessageAt) {
		conv.LastMessageAt = lastMessageAt
		convChanged = true
	}

	err = rc.db.Transaction(func(tx *gorm.DB) error {
		switch {
		case convIsNew:
			if err := tx.Create(conv).Error; err != nil {
				return err
			}
		case convChanged:
			if err := tx.Save(conv).Error; err != nil {
				return err
			}
		default:
			// Nothing real changed, refresh the sync stamp only.
			if err := tx.Model(conv).Update("last_synced_at", now).Error; err != nil {
				return err
			}
		}
		if len(newMsgs) > 0 {
			return tx.Create(newMsgs).Error
		}
		return nil
	})
	if err != nil {
		// Roll back the pending bookkeeping with the batch: the keys
		// staged above do not exist in the store.
		keys.dropPending(pendingKeys)
		if convIsNew {
			convIndex.remove(fr.conv.ID)
		}
		result.addError(convRef, "batch_commit_failed", fmt.Sprintf("conversation batch: %v", err))
		return
	}
	keys.commitPending(pendingKeys)

	result.RecordsCreated += len(newMsgs)
	if !convIsNew && convChanged {
		result.RecordsUpdated++
	}
	if conv.ListingId != nil {
		result.counters(*conv.ListingId).Messages += len(newMsgs)
	}
	rc.advance(convRef, result)

	s.writeConversationTranscript(rc, result, conv, reservation, convRef)
}

func (s messagesSyncer) writeConversationTranscript(rc *runContext, result *EntityResult, conv *models.Conversation, reservation *models.Reservation, convRef string) {
	var rows []*models.Message
	if err := rc.db.Where("conversation_id = ?", conv.ID).Order("sent_at ASC").Find(&rows).Error; err != nil {
		result.addError(convRef, "transcript_failed", err.Error())
		return
	}

	listingName := ""
	if conv.ListingId != nil {
		var listing models.Listing
		if err := rc.db.Where("id = ?", *conv.ListingId).Take(&listing).Error; err == nil {
			listingName = listing.Name
		}
	}
	guestName := ""
	if reservation != nil {
		guestName = reservation.GuestName
	}

	if err := writeTranscript(rc.cfg.TranscriptDir, conv.ID, listingName, guestName, rows); err != nil {
		result.addError(convRef, "transcript_failed", err.Error())
	}
}

// messageKey identifies a message: upstream id when supplied, otherwise
// the (conversation, sent_at) pair.
type messageKey struct {
	upstreamId int64
	convId     int64
	sentAtUnix int64
}

func keyFor(convId int64, upstreamId *int64, sentAt time.Time) messageKey {
	if upstreamId != nil && *upstreamId != 0 {
		return messageKey{upstreamId: *upstreamId}
	}
	return messageKey{convId: convId, sentAtUnix: sentAt.UTC().Unix()}
}

// messageKeySet is the persisted dedup set plus the in-run pending set
// for not-yet-committed batches.
type messageKeySet struct {
	persisted map[messageKey]struct{}
	pending   map[messageKey]struct{}
}

func loadMessageKeys(rc *runContext) (*messageKeySet, error) {
	set := &messageKeySet{
		persisted: map[messageKey]struct{}{},
		pending:   map[messageKey]struct{}{},
	}
	var rows []models.Message
	if err := rc.db.Select("id", "upstream_id", "conversation_id", "sent_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	// Rows with an upstream id register only that key, so the time key
	// stays reserved for id-less rows.
	for _, row := range rows {
		set.persisted[keyFor(row.ConversationId, row.UpstreamId, row.SentAt)] = struct{}{}
	}
	return set, nil
}

func (s *messageKeySet) has(key messageKey) bool {
	if _, ok := s.persisted[key]; ok {
		return true
	}
	_, ok := s.pending[key]
	return ok
}

func (s *messageKeySet) addPending(key messageKey) {
	s.pending[key] = struct{}{}
}

func (s *messageKeySet) dropPending(keys []messageKey) {
	for _, key := range keys {
		delete(s.pending, key)
	}
}

func (s *messageKeySet) commitPending(keys []messageKey) {
	for _, key := range keys {
		delete(s.pending, key)
		s.persisted[key] = struct{}{}
	}
}
