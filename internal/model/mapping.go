package model

import "time"

type MappingStatus string

const (
	MappingStatusActive   MappingStatus = "active"
	MappingStatusArchived MappingStatus = "archived"
)

// OrgGroupMapping binds an org to a group. Version guards every update.
type OrgGroupMapping struct {
	ID             string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OrgID          string        `gorm:"not null;type:varchar(64);uniqueIndex:idx_org_chat" json:"org_id"`
	ChatID         int64         `gorm:"not null;uniqueIndex:idx_org_chat;index" json:"chat_id"`
	Status         MappingStatus `gorm:"type:varchar(16);not null;default:active" json:"status"`
	ArchivedAt     *time.Time    `json:"archived_at,omitempty"`
	ArchivedReason string        `gorm:"type:varchar(255)" json:"archived_reason,omitempty"`
	CreatedBy      string        `gorm:"type:varchar(64)" json:"created_by"`
	Version        int64         `gorm:"not null;default:1" json:"version"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (OrgGroupMapping) TableName() string {
	return "org_group_mappings"
}

// MappingState is the lifecycle state of one (org, chat) binding. The
// implementations are Active, Archived and Deleted.
type MappingState interface {
	mappingState()
}

type Active struct{}

type Archived struct {
	Reason string
	At     time.Time
}

// Deleted is the state of a binding with no row.
type Deleted struct{}

func (Active) mappingState()   {}
func (Archived) mappingState() {}
func (Deleted) mappingState()  {}

// StateOf reads the lifecycle state from a row; nil means Deleted.
func StateOf(m *OrgGroupMapping) MappingState {
	if m == nil {
		return Deleted{}
	}
	if m.Status == MappingStatusArchived {
		at := m.UpdatedAt
		if m.ArchivedAt != nil {
			at = *m.ArchivedAt
		}
		return Archived{Reason: m.ArchivedReason, At: at}
	}
	return Active{}
}

// SetState writes a non-deleted state into the row's columns.
func (m *OrgGroupMapping) SetState(s MappingState) {
	switch st := s.(type) {
	case Active:
		m.Status = MappingStatusActive
		m.ArchivedAt = nil
		m.ArchivedReason = ""
	case Archived:
		at := st.At
		m.Status = MappingStatusArchived
		m.ArchivedAt = &at
		m.ArchivedReason = st.Reason
	}
}
