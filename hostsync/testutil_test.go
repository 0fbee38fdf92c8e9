package hostsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hostfolio/rentals_backend/config"
	"github.com/hostfolio/rentals_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:hostsync_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateAll(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testConfig() Config {
	return Config{
		PageSize:         2,
		MessageWorkers:   2,
		CutoffMargin:     12 * time.Hour,
		PreloadThreshold: 50000,
		TranscriptDir:    "",
		MinInterval: map[string]time.Duration{
			models.SyncTypeListings:     6 * time.Hour,
			models.SyncTypeReservations: time.Hour,
			models.SyncTypeGuests:       time.Hour,
			models.SyncTypeMessages:     30 * time.Minute,
			models.SyncTypeReviews:      6 * time.Hour,
		},
		StaleJobThreshold: 2 * time.Hour,
		JobRetention:      72 * time.Hour,
	}
}

func newTestRunContext(t *testing.T, db *gorm.DB, api hostawayAPI, mode string) *runContext {
	t.Helper()
	cfg := testConfig()
	return &runContext{
		db:       db,
		api:      api,
		sink:     nopSink{},
		logger:   config.GetLogger(),
		cfg:      cfg,
		mode:     mode,
		lastSync: map[string]time.Time{},
	}
}

// fakeAPI serves canned pages and records how many page fetches each
// endpoint saw.
type fakeAPI struct {
	mu sync.Mutex

	listings     []apiListing
	reservations []apiReservation
	convs        []apiConversation
	convsByRes   map[int64][]apiConversation
	messages     map[int64][]apiMessage
	reviews      []apiReview

	listingPages     int
	reservationPages int
	reviewPages      int
	messageCalls     int

	failListings bool
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (f *fakeAPI) ListListings(ctx context.Context, limit, offset int) ([]apiListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failListings {
		return nil, fmt.Errorf("upstream unavailable")
	}
	f.listingPages++
	return page(f.listings, limit, offset), nil
}

func (f *fakeAPI) ListReservations(ctx context.Context, limit, offset int) ([]apiReservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reservationPages++
	return page(f.reservations, limit, offset), nil
}

func (f *fakeAPI) ListConversations(ctx context.Context, limit, offset int) ([]apiConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return page(f.convs, limit, offset), nil
}

func (f *fakeAPI) ConversationsForReservation(ctx context.Context, reservationId int64) ([]apiConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convsByRes[reservationId], nil
}

func (f *fakeAPI) ListConversationMessages(ctx context.Context, conversationId int64) ([]apiMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageCalls++
	return f.messages[conversationId], nil
}

func (f *fakeAPI) ListReviews(ctx context.Context, limit, offset int) ([]apiReview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewPages++
	return page(f.reviews, limit, offset), nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}
