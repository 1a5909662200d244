package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/Orbo/internal/model"
)

// IGroupRepository defines the interface for group data operations
type IGroupRepository interface {
	FindByChatID(ctx context.Context, chatID int64) (*model.Group, error)
	FindByChatIDs(ctx context.Context, chatIDs []int64) ([]*model.Group, error)
	// CreateIfAbsent inserts the group unless a row exists; it reports
	// whether a row was created.
	CreateIfAbsent(ctx context.Context, group *model.Group) (bool, error)
	ApplySync(ctx context.Context, chatID int64, sync model.GroupSync) error
	UpdateBotStatus(ctx context.Context, chatID int64, status model.BotStatus) error
	ListByStatus(ctx context.Context, statuses ...model.BotStatus) ([]*model.Group, error)
	ListChatIDs(ctx context.Context) ([]int64, error)
}

// GroupRepository implements IGroupRepository interface
type GroupRepository struct {
	db *gorm.DB
}

// NewGroupRepository creates a new IGroupRepository instance
func NewGroupRepository(db *gorm.DB) IGroupRepository {
	return &GroupRepository{db: db}
}

// FindByChatID finds a group by its chat id
func (r *GroupRepository) FindByChatID(ctx context.Context, chatID int64) (*model.Group, error) {
	var group model.Group
	err := r.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&group).Error
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// FindByChatIDs loads every known group among chatIDs
func (r *GroupRepository) FindByChatIDs(ctx context.Context, chatIDs []int64) ([]*model.Group, error) {
	var groups []*model.Group
	if len(chatIDs) == 0 {
		return groups, nil
	}
	err := r.db.WithContext(ctx).Where("chat_id IN ?", chatIDs).Find(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *GroupRepository) CreateIfAbsent(ctx context.Context, group *model.Group) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "chat_id"}}, DoNothing: true}).
		Create(group)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ApplySync stores the result of a platform refresh
func (r *GroupRepository) ApplySync(ctx context.Context, chatID int64, sync model.GroupSync) error {
	updates := map[string]any{
		"bot_status":   sync.BotStatus,
		"member_count": sync.MemberCount,
		"last_sync_at": sync.SyncedAt,
		"updated_at":   time.Now(),
	}
	if sync.Title != "" {
		updates["title"] = sync.Title
	}
	if sync.InviteLink != "" {
		updates["invite_link"] = sync.InviteLink
	}
	res := r.db.WithContext(ctx).Model(&model.Group{}).Where("chat_id = ?", chatID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *GroupRepository) UpdateBotStatus(ctx context.Context, chatID int64, status model.BotStatus) error {
	res := r.db.WithContext(ctx).Model(&model.Group{}).
		Where("chat_id = ?", chatID).
		Updates(map[string]any{"bot_status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListByStatus lists groups whose bot status is one of statuses
func (r *GroupRepository) ListByStatus(ctx context.Context, statuses ...model.BotStatus) ([]*model.Group, error) {
	var groups []*model.Group
	err := r.db.WithContext(ctx).
		Where("bot_status IN ?", statuses).
		Order("chat_id").
		Find(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// ListChatIDs returns the id of every known group
func (r *GroupRepository) ListChatIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.Group{}).Order("chat_id").Pluck("chat_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
