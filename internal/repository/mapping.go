package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/Orbo/internal/model"
)

// IMappingRepository defines the interface for org/group mapping operations.
// Update and Delete are compare-and-swap on Version.
type IMappingRepository interface {
	Find(ctx context.Context, orgID string, chatID int64) (*model.OrgGroupMapping, error)
	ListByOrg(ctx context.Context, orgID string) ([]*model.OrgGroupMapping, error)
	ListByChat(ctx context.Context, chatID int64) ([]*model.OrgGroupMapping, error)
	// ListActiveChatIDs returns every chat with at least one active mapping.
	ListActiveChatIDs(ctx context.Context) ([]int64, error)
	Create(ctx context.Context, mapping *model.OrgGroupMapping) error
	Update(ctx context.Context, mapping *model.OrgGroupMapping, expectedVersion int64) error
	Delete(ctx context.Context, id string, expectedVersion int64) error
}

// MappingRepository implements IMappingRepository interface
type MappingRepository struct {
	db *gorm.DB
}

// NewMappingRepository creates a new IMappingRepository instance
func NewMappingRepository(db *gorm.DB) IMappingRepository {
	return &MappingRepository{db: db}
}

// Find finds the mapping for (orgID, chatID)
func (r *MappingRepository) Find(ctx context.Context, orgID string, chatID int64) (*model.OrgGroupMapping, error) {
	var m model.OrgGroupMapping
	err := r.db.WithContext(ctx).Where("org_id = ? AND chat_id = ?", orgID, chatID).First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListByOrg lists every mapping of an org, archived ones included
func (r *MappingRepository) ListByOrg(ctx context.Context, orgID string) ([]*model.OrgGroupMapping, error) {
	var mappings []*model.OrgGroupMapping
	err := r.db.WithContext(ctx).Where("org_id = ?", orgID).Order("created_at").Find(&mappings).Error
	if err != nil {
		return nil, err
	}
	return mappings, nil
}

func (r *MappingRepository) ListByChat(ctx context.Context, chatID int64) ([]*model.OrgGroupMapping, error) {
	var mappings []*model.OrgGroupMapping
	err := r.db.WithContext(ctx).Where("chat_id = ?", chatID).Find(&mappings).Error
	if err != nil {
		return nil, err
	}
	return mappings, nil
}

func (r *MappingRepository) ListActiveChatIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.OrgGroupMapping{}).
		Where("status = ?", model.MappingStatusActive).
		Distinct().
		Order("chat_id").
		Pluck("chat_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Create inserts a new mapping at version 1
func (r *MappingRepository) Create(ctx context.Context, mapping *model.OrgGroupMapping) error {
	mapping.Version = 1
	err := r.db.WithContext(ctx).Create(mapping).Error
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// Update writes the state columns if the stored version still equals
// expectedVersion, and bumps the version.
func (r *MappingRepository) Update(ctx context.Context, mapping *model.OrgGroupMapping, expectedVersion int64) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.OrgGroupMapping{}).
		Where("id = ? AND version = ?", mapping.ID, expectedVersion).
		Updates(map[string]any{
			"status":          mapping.Status,
			"archived_at":     mapping.ArchivedAt,
			"archived_reason": mapping.ArchivedReason,
			"version":         expectedVersion + 1,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	mapping.Version = expectedVersion + 1
	mapping.UpdatedAt = now
	return nil
}

// Delete hard-deletes the mapping if its version still matches
func (r *MappingRepository) Delete(ctx context.Context, id string, expectedVersion int64) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND version = ?", id, expectedVersion).
		Delete(&model.OrgGroupMapping{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}
