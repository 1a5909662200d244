package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/Orbo/internal/model"
)

// IHealthEventRepository appends to and aggregates the activity log
type IHealthEventRepository interface {
	Append(ctx context.Context, event *model.HealthEvent) error
	// Stats aggregates one chat's log; failures are counted from since.
	Stats(ctx context.Context, chatID int64, since time.Time) (*model.HealthStats, error)
	// StatsForChats aggregates many chats in one query. Chats without events
	// are absent from the result.
	StatsForChats(ctx context.Context, chatIDs []int64, since time.Time) (map[int64]*model.HealthStats, error)
	// Prune deletes events older than before.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// HealthEventRepository implements IHealthEventRepository interface
type HealthEventRepository struct {
	db *gorm.DB
}

// NewHealthEventRepository creates a new IHealthEventRepository instance
func NewHealthEventRepository(db *gorm.DB) IHealthEventRepository {
	return &HealthEventRepository{db: db}
}

func (r *HealthEventRepository) Append(ctx context.Context, event *model.HealthEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

const statsSelect = "chat_id, " +
	"MAX(CASE WHEN kind = 'success' THEN occurred_at END) AS last_success, " +
	"MAX(CASE WHEN kind = 'failure' THEN occurred_at END) AS last_failure, " +
	"COUNT(CASE WHEN kind = 'failure' AND occurred_at >= ? THEN 1 END) AS failures"

func (r *HealthEventRepository) Stats(ctx context.Context, chatID int64, since time.Time) (*model.HealthStats, error) {
	stats, err := r.StatsForChats(ctx, []int64{chatID}, since)
	if err != nil {
		return nil, err
	}
	if s, ok := stats[chatID]; ok {
		return s, nil
	}
	return &model.HealthStats{ChatID: chatID}, nil
}

func (r *HealthEventRepository) StatsForChats(ctx context.Context, chatIDs []int64, since time.Time) (map[int64]*model.HealthStats, error) {
	result := make(map[int64]*model.HealthStats, len(chatIDs))
	if len(chatIDs) == 0 {
		return result, nil
	}

	var rows []model.HealthStats
	err := r.db.WithContext(ctx).Model(&model.HealthEvent{}).
		Select(statsSelect, since).
		Where("chat_id IN ?", chatIDs).
		Group("chat_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		result[rows[i].ChatID] = &rows[i]
	}
	return result, nil
}

func (r *HealthEventRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("occurred_at < ?", before).Delete(&model.HealthEvent{})
	return res.RowsAffected, res.Error
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
