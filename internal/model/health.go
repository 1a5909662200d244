package model

import "time"

type HealthEventKind string

const (
	HealthEventSuccess HealthEventKind = "success"
	HealthEventFailure HealthEventKind = "failure"
)

// HealthEvent is one entry of the append-only activity log for a chat.
type HealthEvent struct {
	ID         int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ChatID     int64           `gorm:"not null;index:idx_health_chat_time,priority:1" json:"chat_id"`
	Kind       HealthEventKind `gorm:"type:varchar(16);not null" json:"kind"`
	Source     string          `gorm:"type:varchar(32)" json:"source"`
	Detail     string          `gorm:"type:text" json:"detail,omitempty"`
	OccurredAt time.Time       `gorm:"not null;index:idx_health_chat_time,priority:2" json:"occurred_at"`
}

func (HealthEvent) TableName() string {
	return "group_health_events"
}

// HealthStats aggregates the log for one chat.
type HealthStats struct {
	ChatID      int64
	LastSuccess *time.Time
	LastFailure *time.Time
	// Failures counts failures since the lookback start.
	Failures int64
}
