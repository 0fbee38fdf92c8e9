package models

import "time"

// Guest has a locally generated id. Upstream data splits the same person
// across records, so uniqueness is enforced by the dedup pass on the two
// identity keys (lower-cased email, external account id), not by the schema.
type Guest struct {
	ID                uint      `gorm:"primary_key" json:"id"`
	FirstName         string    `gorm:"size:120" json:"first_name"`
	LastName          string    `gorm:"size:120" json:"last_name"`
	FullName          string    `gorm:"size:255" json:"full_name"`
	Email             string    `gorm:"index;size:255" json:"email"`
	ExternalAccountId string    `gorm:"index;size:128" json:"external_account_id"`
	Phone             string    `gorm:"size:50" json:"phone"`
	Location          string    `gorm:"size:255" json:"location"`
	PictureUrl        string    `gorm:"size:500" json:"picture_url"`
	LastSyncedAt      time.Time `json:"last_synced_at"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
