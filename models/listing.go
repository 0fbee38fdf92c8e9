package models

import "time"

// Listing is keyed by the upstream Hostaway listing id.
type Listing struct {
	ID             int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	InternalName   string    `gorm:"size:255" json:"internal_name"`
	Address        string    `gorm:"size:500" json:"address"`
	City           string    `gorm:"size:120" json:"city"`
	CountryCode    string    `gorm:"size:8" json:"country_code"`
	ThumbnailUrl   string    `gorm:"size:500" json:"thumbnail_url"`
	Bedrooms       int       `json:"bedrooms"`
	Bathrooms      int       `json:"bathrooms"`
	PersonCapacity int       `json:"person_capacity"`
	Status         string    `gorm:"size:30" json:"status"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
