package models

import "time"

const (
	ReviewStatusPublished = "published"
	ReviewStatusSubmitted = "submitted"
)

// Review is keyed by the upstream review id. Reservation and guest links
// are best-effort matches filled in by the reviews syncer.
type Review struct {
	ID            int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ListingId     int64      `gorm:"index;not null" json:"listing_id"`
	ReservationId *int64     `gorm:"index" json:"reservation_id"`
	GuestId       *uint      `gorm:"index" json:"guest_id"`
	GuestName     string     `gorm:"size:255" json:"guest_name"`
	Channel       string     `gorm:"size:50" json:"channel"`
	Status        string     `gorm:"size:30;not null" json:"status"`
	Rating        *float64   `json:"rating"`
	PublicReview  string     `gorm:"type:text" json:"public_review"`
	PrivateReview string     `gorm:"type:text" json:"private_review"`
	SubmittedAt   *time.Time `json:"submitted_at"`
	DepartureDate *time.Time `json:"departure_date"`
	LastSyncedAt  time.Time  `json:"last_synced_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
