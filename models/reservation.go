package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reservation is keyed by the upstream reservation id. Guest contact
// fields arrive embedded on the reservation payload and are kept here as
// received; the canonical Guest row is linked through GuestId.
type Reservation struct {
	ID               int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ListingId        int64           `gorm:"index;not null" json:"listing_id"`
	GuestId          *uint           `gorm:"index" json:"guest_id"`
	Channel          string          `gorm:"size:50" json:"channel"`
	Status           string          `gorm:"size:30" json:"status"`
	ConfirmationCode string          `gorm:"size:64" json:"confirmation_code"`
	GuestName        string          `gorm:"size:255" json:"guest_name"`
	GuestEmail       string          `gorm:"size:255" json:"guest_email"`
	GuestExternalId  string          `gorm:"size:128" json:"guest_external_id"`
	GuestPhone       string          `gorm:"size:50" json:"guest_phone"`
	NumberOfGuests   int             `json:"number_of_guests"`
	ArrivalDate      time.Time       `json:"arrival_date"`
	DepartureDate    time.Time       `json:"departure_date"`
	Nights           int             `json:"nights"`
	TotalPrice       decimal.Decimal `gorm:"type:decimal(12,2)" json:"total_price"`
	HostPayout       decimal.Decimal `gorm:"type:decimal(12,2)" json:"host_payout"`
	CurrencyCode     string          `gorm:"size:8" json:"currency_code"`
	LatestActivityOn *time.Time      `json:"latest_activity_on"`
	LastSyncedAt     time.Time       `json:"last_synced_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
