package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Gopher0727/Orbo/internal/model"
	"github.com/Gopher0727/Orbo/internal/pkg/workerpool"
	logger "github.com/Gopher0727/Orbo/middleware/log"
)

type groupLister interface {
	ListByStatus(ctx context.Context, statuses ...model.BotStatus) ([]*model.Group, error)
}

type groupRefresher interface {
	RefreshGroup(ctx context.Context, chatID int64) (*model.Group, error)
}

// ConnectivityChecker promotes pending groups once the bot is an admin and
// re-checks connected ones so a removed bot is noticed.
type ConnectivityChecker struct {
	groups    groupLister
	lifecycle groupRefresher
	pool      *workerpool.Pool
	timeouts  Timeouts
	shard     *Shard
	log       *logger.Logger
}

func NewConnectivityChecker(groups groupLister, lifecycle groupRefresher, pool *workerpool.Pool, timeouts Timeouts, log *logger.Logger) *ConnectivityChecker {
	return &ConnectivityChecker{
		groups:    groups,
		lifecycle: lifecycle,
		pool:      pool,
		timeouts:  timeouts,
		log:       log.Named("connectivity"),
	}
}

// WithShard limits checks to the chats owned by this replica.
func (c *ConnectivityChecker) WithShard(s *Shard) *ConnectivityChecker {
	c.shard = s
	return c
}

func (c *ConnectivityChecker) Name() string { return "connectivity_check" }

func (c *ConnectivityChecker) Run(ctx context.Context) error {
	ctx, cancel := withBatchTimeout(ctx, c.timeouts.Batch)
	defer cancel()

	groups, err := c.groups.ListByStatus(ctx, model.BotStatusPending, model.BotStatusConnected)
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}

	chatIDs := make([]int64, len(groups))
	for i, g := range groups {
		chatIDs[i] = g.ChatID
	}
	chatIDs = ownedChats(c.shard, chatIDs)
	// RefreshGroup records its own health events
	result := workerpool.Run(ctx, c.pool, chatIDs, c.timeouts.Item, func(ctx context.Context, chatID int64) error {
		_, err := c.lifecycle.RefreshGroup(ctx, chatID)
		return err
	})
	for _, f := range result.Failed {
		c.log.DebugContext(ctx, "refresh failed", logger.ChatID(f.Item), zap.Error(f.Err))
	}
	c.log.InfoContext(ctx, "connectivity check finished",
		zap.Int("groups", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", len(result.Failed)),
		zap.Int("skipped", result.Skipped),
	)
	return nil
}
