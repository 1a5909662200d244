package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Orbo/internal/model"
	"github.com/Gopher0727/Orbo/internal/pkg/adminrights"
	"github.com/Gopher0727/Orbo/internal/pkg/telegram"
	"github.com/Gopher0727/Orbo/internal/pkg/workerpool"
	"github.com/Gopher0727/Orbo/internal/service"
	logger "github.com/Gopher0727/Orbo/middleware/log"
)

type mappingSource interface {
	ListActiveChatIDs(ctx context.Context) ([]int64, error)
	ListByChat(ctx context.Context, chatID int64) ([]*model.OrgGroupMapping, error)
}

type memberSource interface {
	ElevatedMembers(ctx context.Context, orgID string) ([]string, error)
}

type linkSource interface {
	FindByUserIDs(ctx context.Context, userIDs []string) (map[string]int64, error)
}

type memberFetcher interface {
	GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMember, error)
}

// Timeouts bounds one batch run and each item within it.
type Timeouts struct {
	Batch time.Duration
	Item  time.Duration
}

// chatTarget is one chat and the platform identities to poll in it.
type chatTarget struct {
	ChatID  int64
	UserIDs []int64
}

// AdminRightsPoller refreshes admin facts for the elevated members of every
// org that holds an active mapping, independent of webhook delivery.
type AdminRightsPoller struct {
	mappings mappingSource
	members  memberSource
	links    linkSource
	bot      memberFetcher
	rights   adminrights.Store
	activity service.ActivityRecorder
	pool     *workerpool.Pool
	ttl      time.Duration
	timeouts Timeouts
	shard    *Shard
	now      func() time.Time
	log      *logger.Logger
}

func NewAdminRightsPoller(
	mappings mappingSource,
	members memberSource,
	links linkSource,
	bot memberFetcher,
	rights adminrights.Store,
	activity service.ActivityRecorder,
	pool *workerpool.Pool,
	ttl time.Duration,
	timeouts Timeouts,
	now func() time.Time,
	log *logger.Logger,
) *AdminRightsPoller {
	if now == nil {
		now = time.Now
	}
	return &AdminRightsPoller{
		mappings: mappings,
		members:  members,
		links:    links,
		bot:      bot,
		rights:   rights,
		activity: activity,
		pool:     pool,
		ttl:      ttl,
		timeouts: timeouts,
		now:      now,
		log:      log.Named("admin_poller"),
	}
}

// WithShard limits polling to the chats owned by this replica.
func (p *AdminRightsPoller) WithShard(s *Shard) *AdminRightsPoller {
	p.shard = s
	return p
}

func (p *AdminRightsPoller) Name() string { return "admin_rights_poll" }

func (p *AdminRightsPoller) Run(ctx context.Context) error {
	ctx, cancel := withBatchTimeout(ctx, p.timeouts.Batch)
	defer cancel()

	targets, err := p.targets(ctx)
	if err != nil {
		return err
	}

	result := workerpool.Run(ctx, p.pool, targets, p.timeouts.Item, p.pollChat)
	for _, f := range result.Failed {
		p.log.WarnContext(ctx, "admin poll failed", logger.ChatID(f.Item.ChatID), zap.Error(f.Err))
	}
	p.log.InfoContext(ctx, "admin poll finished",
		zap.Int("chats", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", len(result.Failed)),
		zap.Int("skipped", result.Skipped),
	)
	return nil
}

// targets resolves each actively mapped chat to the linked platform ids of
// its orgs' elevated members. Chats with nobody to poll are left out. A
// failed lookup is recorded against the chat and only drops the identities
// it would have contributed.
func (p *AdminRightsPoller) targets(ctx context.Context) ([]chatTarget, error) {
	chatIDs, err := p.mappings.ListActiveChatIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list mapped chats: %w", err)
	}
	chatIDs = ownedChats(p.shard, chatIDs)

	identities := make(map[string][]int64)
	failedOrgs := make(map[string]error)
	targets := make([]chatTarget, 0, len(chatIDs))
	for _, chatID := range chatIDs {
		mappings, err := p.mappings.ListByChat(ctx, chatID)
		if err != nil {
			p.lookupFailed(ctx, chatID, fmt.Errorf("failed to list mappings for chat %d: %w", chatID, err))
			continue
		}

		var errs []error
		seen := make(map[int64]struct{})
		target := chatTarget{ChatID: chatID}
		for _, m := range mappings {
			if m.Status != model.MappingStatusActive {
				continue
			}
			if err, failed := failedOrgs[m.OrgID]; failed {
				errs = append(errs, err)
				continue
			}
			ids, ok := identities[m.OrgID]
			if !ok {
				if ids, err = p.orgIdentities(ctx, m.OrgID); err != nil {
					failedOrgs[m.OrgID] = err
					errs = append(errs, err)
					continue
				}
				identities[m.OrgID] = ids
			}
			for _, id := range ids {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					target.UserIDs = append(target.UserIDs, id)
				}
			}
		}
		if err := errors.Join(errs...); err != nil {
			p.lookupFailed(ctx, chatID, err)
		}
		if len(target.UserIDs) > 0 {
			targets = append(targets, target)
		}
	}
	return targets, nil
}

func (p *AdminRightsPoller) lookupFailed(ctx context.Context, chatID int64, err error) {
	p.log.WarnContext(ctx, "admin poll target lookup failed", logger.ChatID(chatID), zap.Error(err))
	p.activity.RecordFailure(ctx, chatID, service.SourcePoll, err.Error())
}

func (p *AdminRightsPoller) orgIdentities(ctx context.Context, orgID string) ([]int64, error) {
	users, err := p.members.ElevatedMembers(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list elevated members of %s: %w", orgID, err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	links, err := p.links.FindByUserIDs(ctx, users)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity links of %s: %w", orgID, err)
	}
	ids := make([]int64, 0, len(links))
	for _, user := range users {
		if id, ok := links[user]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// pollChat queries every identity of one chat. A failed identity does not
// stop the others; the joined error marks the chat as failed.
func (p *AdminRightsPoller) pollChat(ctx context.Context, target chatTarget) error {
	var errs []error
	for _, userID := range target.UserIDs {
		member, err := p.bot.GetChatMember(ctx, target.ChatID, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("getChatMember %d: %w", userID, err))
			continue
		}
		obs := adminrights.Observation{
			ChatID:     target.ChatID,
			UserID:     userID,
			IsAdmin:    member.IsAdmin(),
			ObservedAt: p.now(),
			TTL:        p.ttl,
		}
		if _, err := p.rights.Upsert(ctx, obs); err != nil {
			errs = append(errs, fmt.Errorf("store admin fact for %d: %w", userID, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		p.activity.RecordFailure(ctx, target.ChatID, service.SourcePoll, err.Error())
		return err
	}
	p.activity.RecordSuccess(ctx, target.ChatID, service.SourcePoll)
	return nil
}

func withBatchTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
