package models

import "time"

// Conversation is keyed by the upstream conversation id.
type Conversation struct {
	ID            int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ReservationId *int64     `gorm:"index" json:"reservation_id"`
	ListingId     *int64     `gorm:"index" json:"listing_id"`
	GuestId       *uint      `gorm:"index" json:"guest_id"`
	Type          string     `gorm:"size:30" json:"type"`
	LastMessageAt *time.Time `json:"last_message_at"`
	LastSyncedAt  time.Time  `json:"last_synced_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Message rows are unique per upstream message id when the API supplies
// one, else per (conversation_id, sent_at). The pair is only an identity
// for id-less rows, so it stays a plain lookup index here; the sync
// bookkeeping enforces the pair's uniqueness for those rows. SentAt is
// the upstream creation time of the message, not our row timestamp.
type Message struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	UpstreamId     *int64    `gorm:"uniqueIndex" json:"upstream_id"`
	ConversationId int64     `gorm:"index:idx_conversation_sent,priority:1;not null" json:"conversation_id"`
	SentAt         time.Time `gorm:"index:idx_conversation_sent,priority:2;not null" json:"sent_at"`
	SenderRole     string    `gorm:"size:20" json:"sender_role"`
	Body           string    `gorm:"type:text" json:"body"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
