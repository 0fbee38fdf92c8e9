package hostsync

import (
	"context"
	"testing"
	"time"

	"github.com/hostfolio/rentals_backend/models"
)

func int64Ptr(v int64) *int64 { return &v }

func TestMessagesFullSyncPersistsConversations(t *testing.T) {
	db := newTestDB(t)
	seedDBListings(t, db, 10)

	api := &fakeAPI{
		convs: []apiConversation{
			{ID: 1, ListingMapId: int64Ptr(10), Type: "guest"},
			{ID: 2, ListingMapId: int64Ptr(10), Type: "guest"},
		},
		messages: map[int64][]apiMessage{
			1: {
				{ID: int64Ptr(11), ConversationId: 1, Body: "hello", IsIncoming: 1, Date: "2026-05-01 09:00:00"},
				{ID: int64Ptr(12), ConversationId: 1, Body: "welcome", IsIncoming: 0, Date: "2026-05-01 09:05:00"},
			},
			2: {
				{ID: int64Ptr(21), ConversationId: 2, Body: "hi", IsIncoming: 1, Date: "2026-05-02 10:00:00"},
			},
		},
	}

	rc := newTestRunContext(t, db, api, models.SyncModeFull)
	result := messagesSyncer{}.run(context.Background(), rc)
	if result.Status != models.SyncStatusSuccess {
		t.Fatalf("status = %s, errors = %v", result.Status, result.Errors)
	}
	if result.RecordsCreated != 3 {
		t.Fatalf("created = %d, want 3", result.RecordsCreated)
	}

	var convs int64
	if err := db.Model(&models.Conversation{}).Count(&convs).Error; err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if convs != 2 {
		t.Fatalf("conversations = %d, want 2", convs)
	}

	var conv models.Conversation
	if err := db.First(&conv, "id = ?", 1).Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if conv.LastMessageAt == nil || !conv.LastMessageAt.Equal(time.Date(2026, 5, 1, 9, 5, 0, 0, time.UTC)) {
		t.Fatalf("last_message_at = %v", conv.LastMessageAt)
	}
}

func TestMessagesSyncDeduplicatesAcrossRuns(t *testing.T) {
	db := newTestDB(t)
	seedDBListings(t, db, 10)

	api := &fakeAPI{
		convs: []apiConversation{{ID: 1, ListingMapId: int64Ptr(10)}},
		messages: map[int64][]apiMessage{
			1: {
				{ID: int64Ptr(11), ConversationId: 1, Body: "hello", Date: "2026-05-01 09:00:00"},
			},
		},
	}

	rc := newTestRunContext(t, db, api, models.SyncModeFull)
	if result := (messagesSyncer{}).run(context.Background(), rc); result.RecordsCreated != 1 {
		t.Fatalf("first run created = %d", result.RecordsCreated)
	}

	// Second run re-serves the same message plus one new one.
	api.mu.Lock()
	api.messages[1] = append(api.messages[1],
		apiMessage{ID: int64Ptr(12), ConversationId: 1, Body: "again", Date: "2026-05-01 10:00:00"})
	api.mu.Unlock()

	rc2 := newTestRunContext(t, db, api, models.SyncModeFull)
	result := messagesSyncer{}.run(context.Background(), rc2)
	if result.RecordsCreated != 1 {
		t.Fatalf("second run created = %d, want 1", result.RecordsCreated)
	}

	var count int64
	if err := db.Model(&models.Message{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("messages = %d, want 2", count)
	}

	// A third run with nothing new upstream must be a no-op beyond the
	// sync stamp refresh.
	rc3 := newTestRunContext(t, db, api, models.SyncModeFull)
	result = messagesSyncer{}.run(context.Background(), rc3)
	if result.RecordsCreated != 0 || result.RecordsUpdated != 0 {
		t.Fatalf("unchanged rerun created/updated = %d/%d, want 0/0", result.RecordsCreated, result.RecordsUpdated)
	}
}

func TestMessagesSyncMatchesIdlessMessagesByTimestamp(t *testing.T) {
	db := newTestDB(t)
	seedDBListings(t, db, 10)

	api := &fakeAPI{
		convs: []apiConversation{{ID: 1, ListingMapId: int64Ptr(10)}},
		messages: map[int64][]apiMessage{
			1: {{ConversationId: 1, Body: "no id yet", Date: "2026-05-01 09:00:00"}},
		},
	}

	rc := newTestRunContext(t, db, api, models.SyncModeFull)
	if result := (messagesSyncer{}).run(context.Background(), rc); result.RecordsCreated != 1 {
		t.Fatalf("first run created = %d", result.RecordsCreated)
	}

	// The upstream later assigns the message an id. Same conversation
	// and timestamp must not produce a second row.
	api.mu.Lock()
	api.messages[1] = []apiMessage{{ID: int64Ptr(77), ConversationId: 1, Body: "no id yet", Date: "2026-05-01 09:00:00"}}
	api.mu.Unlock()

	rc2 := newTestRunContext(t, db, api, models.SyncModeFull)
	if result := (messagesSyncer{}).run(context.Background(), rc2); result.RecordsCreated != 0 {
		t.Fatalf("second run created = %d, want 0", result.RecordsCreated)
	}
}

func TestMessagesKeepDistinctIdsWithinSameSecond(t *testing.T) {
	db := newTestDB(t)
	seedDBListings(t, db, 10)

	// Two different messages stamped in the same second. The time based
	// key only identifies id-less messages, so both must persist.
	api := &fakeAPI{
		convs: []apiConversation{{ID: 1, ListingMapId: int64Ptr(10)}},
		messages: map[int64][]apiMessage{
			1: {
				{ID: int64Ptr(11), ConversationId: 1, Body: "one", Date: "2026-05-01 09:00:00"},
				{ID: int64Ptr(12), ConversationId: 1, Body: "two", Date: "2026-05-01 09:00:00"},
			},
		},
	}

	rc := newTestRunContext(t, db, api, models.SyncModeFull)
	result := messagesSyncer{}.run(context.Background(), rc)
	if result.RecordsCreated != 2 {
		t.Fatalf("created = %d, want 2", result.RecordsCreated)
	}

	var count int64
	if err := db.Model(&models.Message{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("messages = %d, want 2", count)
	}
}

func TestMessagesIncrementalFetchesPerActiveReservation(t *testing.T) {
	db := newTestDB(t)
	seedDBListings(t, db, 10)

	now := time.Now().UTC()
	api := &fakeAPI{
		reservations: []apiReservation{
			testReservation(100, 10, "a@b.com", now),
		},
		convsByRes: map[int64][]apiConversation{
			100: {{ID: 1, ReservationId: int64Ptr(100)}},
		},
		messages: map[int64][]apiMessage{
			1: {{ID: int64Ptr(11), ConversationId: 1, Body: "checkin?", IsIncoming: 1, Date: "2026-05-01 09:00:00"}},
		},
	}

	// Seed the reservation so the conversation can link to it.
	rcSeed := newTestRunContext(t, db, api, models.SyncModeFull)
	if result := (reservationsSyncer{}).run(context.Background(), rcSeed); result.Status != models.SyncStatusSuccess {
		t.Fatalf("seed reservations: %v", result.Errors)
	}

	rc := newTestRunContext(t, db, api, models.SyncModeIncremental)
	rc.lastSync[models.SyncTypeMessages] = now.Add(-time.Hour)

	result := messagesSyncer{}.run(context.Background(), rc)
	if result.Status != models.SyncStatusSuccess {
		t.Fatalf("status = %s, errors = %v", result.Status, result.Errors)
	}
	if result.RecordsCreated != 1 {
		t.Fatalf("created = %d, want 1", result.RecordsCreated)
	}

	var conv models.Conversation
	if err := db.First(&conv, "id = ?", 1).Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if conv.ReservationId == nil || *conv.ReservationId != 100 {
		t.Fatalf("conversation reservation link = %v", conv.ReservationId)
	}
	if conv.GuestId == nil {
		t.Fatal("conversation guest link missing")
	}
}

func TestMessagesFanOutDrainsAllConversations(t *testing.T) {
	db := newTestDB(t)
	seedDBListings(t, db, 10)

	convs := make([]apiConversation, 0, 20)
	msgs := map[int64][]apiMessage{}
	for i := int64(1); i <= 20; i++ {
		convs = append(convs, apiConversation{ID: i, ListingMapId: int64Ptr(10)})
		msgs[i] = []apiMessage{{ID: int64Ptr(1000 + i), ConversationId: i, Body: "m", Date: "2026-05-01 09:00:00"}}
	}
	api := &fakeAPI{convs: convs, messages: msgs}

	rc := newTestRunContext(t, db, api, models.SyncModeFull)
	result := messagesSyncer{}.run(context.Background(), rc)
	if result.Status != models.SyncStatusSuccess {
		t.Fatalf("status = %s, errors = %v", result.Status, result.Errors)
	}
	if result.RecordsCreated != 20 {
		t.Fatalf("created = %d, want 20", result.RecordsCreated)
	}
	if api.messageCalls != 20 {
		t.Fatalf("message fetches = %d, want 20", api.messageCalls)
	}
}
