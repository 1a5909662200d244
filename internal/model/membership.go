package model

import "time"

type OrgRole string

const (
	OrgRoleOwner  OrgRole = "owner"
	OrgRoleAdmin  OrgRole = "admin"
	OrgRoleMember OrgRole = "member"
)

// Elevated reports whether the role may administer the org's bindings.
func (r OrgRole) Elevated() bool {
	return r == OrgRoleOwner || r == OrgRoleAdmin
}

// OrgMember is maintained by the org collaborator; this service only reads it.
type OrgMember struct {
	ID     string  `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OrgID  string  `gorm:"not null;type:varchar(64);uniqueIndex:idx_org_user" json:"org_id"`
	UserID string  `gorm:"not null;type:varchar(64);uniqueIndex:idx_org_user;index" json:"user_id"`
	Role   OrgRole `gorm:"type:varchar(16);not null;default:member" json:"role"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (OrgMember) TableName() string {
	return "org_members"
}

// IdentityLink ties an Orbo user to at most one platform identity.
type IdentityLink struct {
	UserID         string `gorm:"primaryKey;type:varchar(64)" json:"user_id"`
	TelegramUserID int64  `gorm:"not null;uniqueIndex" json:"telegram_user_id"`
	Username       string `gorm:"type:varchar(64)" json:"username,omitempty"`

	LinkedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"linked_at"`
}

func (IdentityLink) TableName() string {
	return "identity_links"
}
