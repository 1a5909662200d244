package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/Gopher0727/Orbo/internal/model"
)

// IMembershipRepository reads org membership owned by the org collaborator
type IMembershipRepository interface {
	// ElevatedMembers returns the user ids holding owner or admin in the org.
	ElevatedMembers(ctx context.Context, orgID string) ([]string, error)
	Role(ctx context.Context, orgID, userID string) (model.OrgRole, error)
	Upsert(ctx context.Context, member *model.OrgMember) error
}

// MembershipRepository implements IMembershipRepository interface
type MembershipRepository struct {
	db *gorm.DB
}

// NewMembershipRepository creates a new IMembershipRepository instance
func NewMembershipRepository(db *gorm.DB) IMembershipRepository {
	return &MembershipRepository{db: db}
}

func (r *MembershipRepository) ElevatedMembers(ctx context.Context, orgID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.OrgMember{}).
		Where("org_id = ? AND role IN ?", orgID, []model.OrgRole{model.OrgRoleOwner, model.OrgRoleAdmin}).
		Order("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Role returns gorm.ErrRecordNotFound when the user is not in the org
func (r *MembershipRepository) Role(ctx context.Context, orgID, userID string) (model.OrgRole, error) {
	var member model.OrgMember
	err := r.db.WithContext(ctx).Where("org_id = ? AND user_id = ?", orgID, userID).First(&member).Error
	if err != nil {
		return "", err
	}
	return member.Role, nil
}

func (r *MembershipRepository) Upsert(ctx context.Context, member *model.OrgMember) error {
	return r.db.WithContext(ctx).
		Where(model.OrgMember{OrgID: member.OrgID, UserID: member.UserID}).
		Assign(model.OrgMember{Role: member.Role}).
		FirstOrCreate(member).Error
}

// IIdentityLinkRepository reads links between Orbo users and platform identities
type IIdentityLinkRepository interface {
	// FindByUserIDs maps each linked user id to its platform identity.
	FindByUserIDs(ctx context.Context, userIDs []string) (map[string]int64, error)
	FindByTelegramID(ctx context.Context, telegramUserID int64) (*model.IdentityLink, error)
	Link(ctx context.Context, link *model.IdentityLink) error
}

// IdentityLinkRepository implements IIdentityLinkRepository interface
type IdentityLinkRepository struct {
	db *gorm.DB
}

// NewIdentityLinkRepository creates a new IIdentityLinkRepository instance
func NewIdentityLinkRepository(db *gorm.DB) IIdentityLinkRepository {
	return &IdentityLinkRepository{db: db}
}

func (r *IdentityLinkRepository) FindByUserIDs(ctx context.Context, userIDs []string) (map[string]int64, error) {
	links := make(map[string]int64, len(userIDs))
	if len(userIDs) == 0 {
		return links, nil
	}
	var rows []model.IdentityLink
	err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		links[row.UserID] = row.TelegramUserID
	}
	return links, nil
}

func (r *IdentityLinkRepository) FindByTelegramID(ctx context.Context, telegramUserID int64) (*model.IdentityLink, error) {
	var link model.IdentityLink
	err := r.db.WithContext(ctx).Where("telegram_user_id = ?", telegramUserID).First(&link).Error
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *IdentityLinkRepository) Link(ctx context.Context, link *model.IdentityLink) error {
	err := r.db.WithContext(ctx).Create(link).Error
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}
