package model

import "time"

type BotStatus string

const (
	BotStatusPending   BotStatus = "pending"
	BotStatusConnected BotStatus = "connected"
	BotStatusInactive  BotStatus = "inactive"
)

// Group is one external chat known to the system. Rows are never deleted.
type Group struct {
	ChatID      int64     `gorm:"primaryKey;autoIncrement:false" json:"chat_id"`
	Title       string    `gorm:"type:varchar(255)" json:"title"`
	BotStatus   BotStatus `gorm:"type:varchar(16);not null;default:pending;index" json:"bot_status"`
	MemberCount int       `gorm:"not null;default:0" json:"member_count"`
	InviteLink  string    `gorm:"type:varchar(255)" json:"invite_link,omitempty"`
	// LastSyncAt is the last successful refresh against the platform.
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Group) TableName() string {
	return "groups"
}

// GroupSync carries the fields a platform refresh may change.
type GroupSync struct {
	Title       string
	BotStatus   BotStatus
	MemberCount int
	InviteLink  string
	SyncedAt    time.Time
}
