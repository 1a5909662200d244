package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/Orbo/internal/model"
	"github.com/Gopher0727/Orbo/internal/pkg/adminrights"
	"github.com/Gopher0727/Orbo/internal/pkg/telegram"
	"github.com/Gopher0727/Orbo/internal/repository"
	logger "github.com/Gopher0727/Orbo/middleware/log"
)

// PlatformBot is the bot identity used for refreshes.
type PlatformBot interface {
	telegram.IBotAPI
	BotID() int64
}

// MappingView is a mapping with its group and the org's current access.
type MappingView struct {
	Mapping   *model.OrgGroupMapping `json:"mapping"`
	Group     *model.Group           `json:"group,omitempty"`
	HasAccess bool                   `json:"has_access"`
}

// GroupCheck is the outcome of checking one chat. CallerIsAdmin is set when
// the caller's platform identity was looked up in the chat.
type GroupCheck struct {
	ChatID        int64        `json:"chat_id"`
	Group         *model.Group `json:"group,omitempty"`
	CallerIsAdmin *bool        `json:"caller_is_admin,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// ILifecycleService owns groups and org/group mappings
type ILifecycleService interface {
	RegisterSighting(ctx context.Context, chatID int64, title string) (*model.Group, bool, error)
	RefreshGroup(ctx context.Context, chatID int64) (*model.Group, error)
	CheckGroups(ctx context.Context, chatIDs []int64, actorID string) []GroupCheck
	SetBotStatus(ctx context.Context, chatID int64, status model.BotStatus) error

	ListMappings(ctx context.Context, orgID, actorID string) ([]MappingView, error)
	AccessFor(ctx context.Context, orgID string, chatID int64, actorID string) (Decision, error)
	AddMapping(ctx context.Context, orgID string, chatID int64, actorID string) (*model.OrgGroupMapping, error)
	RemoveMapping(ctx context.Context, orgID string, chatID int64, actorID string) error
	ArchiveMapping(ctx context.Context, orgID string, chatID int64, actorID, reason string) (*model.OrgGroupMapping, error)
	RestoreMapping(ctx context.Context, orgID string, chatID int64, actorID string) (*model.OrgGroupMapping, error)
}

// LifecycleService implements ILifecycleService
type LifecycleService struct {
	groups   repository.IGroupRepository
	mappings repository.IMappingRepository
	members  repository.IMembershipRepository
	links    repository.IIdentityLinkRepository
	access   IAccessService
	activity ActivityRecorder
	bot      PlatformBot
	rights   adminrights.Store
	adminTTL time.Duration
	now      func() time.Time
	log      *logger.Logger
}

// NewLifecycleService creates a new LifecycleService. A nil clock means
// time.Now.
func NewLifecycleService(
	groups repository.IGroupRepository,
	mappings repository.IMappingRepository,
	members repository.IMembershipRepository,
	links repository.IIdentityLinkRepository,
	access IAccessService,
	activity ActivityRecorder,
	bot PlatformBot,
	rights adminrights.Store,
	adminTTL time.Duration,
	now func() time.Time,
	log *logger.Logger,
) *LifecycleService {
	if now == nil {
		now = time.Now
	}
	return &LifecycleService{
		groups:   groups,
		mappings: mappings,
		members:  members,
		links:    links,
		access:   access,
		activity: activity,
		bot:      bot,
		rights:   rights,
		adminTTL: adminTTL,
		now:      now,
		log:      log.Named("lifecycle"),
	}
}

// RegisterSighting creates the group as pending the first time the chat is
// seen. It reports whether a row was created.
func (s *LifecycleService) RegisterSighting(ctx context.Context, chatID int64, title string) (*model.Group, bool, error) {
	created, err := s.groups.CreateIfAbsent(ctx, &model.Group{
		ChatID:    chatID,
		Title:     title,
		BotStatus: model.BotStatusPending,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to register group: %w", err)
	}
	group, err := s.groups.FindByChatID(ctx, chatID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load group: %w", err)
	}
	if created {
		s.log.InfoContext(ctx, "group sighted", logger.ChatID(chatID))
	}
	return group, created, nil
}

// RefreshGroup queries the platform for the chat and for the bot's own
// membership. The group becomes connected when the bot is an administrator
// and inactive when the bot has left.
func (s *LifecycleService) RefreshGroup(ctx context.Context, chatID int64) (*model.Group, error) {
	group, err := s.findGroup(ctx, chatID)
	if err != nil {
		return nil, err
	}

	chat, err := s.bot.GetChat(ctx, chatID)
	if err != nil {
		return nil, s.platformFailure(ctx, chatID, "getChat", err)
	}
	self, err := s.bot.GetChatMember(ctx, chatID, s.bot.BotID())
	if err != nil {
		return nil, s.platformFailure(ctx, chatID, "getChatMember", err)
	}

	sync := model.GroupSync{
		Title:       chat.Title,
		BotStatus:   model.BotStatusPending,
		MemberCount: group.MemberCount,
		SyncedAt:    s.now(),
	}
	switch {
	case self.IsAdmin():
		sync.BotStatus = model.BotStatusConnected
	case self.HasLeft():
		sync.BotStatus = model.BotStatusInactive
	}

	if n, err := s.bot.GetChatMemberCount(ctx, chatID); err == nil {
		sync.MemberCount = n
	} else {
		s.log.DebugContext(ctx, "member count unavailable", logger.ChatID(chatID), zap.Error(err))
	}

	// invite links are opportunistic; failures only get logged
	if sync.BotStatus == model.BotStatusConnected && group.InviteLink == "" && chat.InviteLink == "" && self.CanInviteUsers {
		link, err := s.bot.CreateChatInviteLink(ctx, chatID, telegram.InviteLinkParams{Name: "orbo"})
		if err == nil {
			sync.InviteLink = link.InviteLink
		} else {
			s.log.WarnContext(ctx, "invite link not created", logger.ChatID(chatID), zap.Error(err))
		}
	} else if chat.InviteLink != "" {
		sync.InviteLink = chat.InviteLink
	}

	if err := s.groups.ApplySync(ctx, chatID, sync); err != nil {
		return nil, fmt.Errorf("failed to store group sync: %w", err)
	}
	s.activity.RecordSuccess(ctx, chatID, SourceRefresh)

	if group.BotStatus != sync.BotStatus {
		s.log.InfoContext(ctx, "group bot status changed",
			logger.ChatID(chatID),
			zap.String("from", string(group.BotStatus)),
			zap.String("to", string(sync.BotStatus)),
		)
	}
	return s.groups.FindByChatID(ctx, chatID)
}

func (s *LifecycleService) platformFailure(ctx context.Context, chatID int64, method string, err error) error {
	s.log.WarnContext(ctx, "platform call failed", logger.ChatID(chatID), zap.String("method", method), zap.Error(err))
	s.activity.RecordFailure(ctx, chatID, SourceRefresh, method+": "+err.Error())
	return fmt.Errorf("%w: %s: %v", ErrPlatformUnavailable, method, err)
}

// CheckGroups registers and refreshes each chat, then caches whether the
// actor's linked platform identity administers it. This is how an admin who
// predates the bot gets a fact the resolver can grant on. One chat's failure
// does not stop the others.
func (s *LifecycleService) CheckGroups(ctx context.Context, chatIDs []int64, actorID string) []GroupCheck {
	identity, linked := s.linkedIdentity(ctx, actorID)

	results := make([]GroupCheck, 0, len(chatIDs))
	for _, chatID := range chatIDs {
		check := GroupCheck{ChatID: chatID}
		if _, _, err := s.RegisterSighting(ctx, chatID, ""); err != nil {
			check.Error = err.Error()
			results = append(results, check)
			continue
		}
		group, err := s.RefreshGroup(ctx, chatID)
		if err != nil {
			check.Error = err.Error()
			check.Group, _ = s.groups.FindByChatID(ctx, chatID)
			results = append(results, check)
			continue
		}
		check.Group = group
		if linked {
			isAdmin, err := s.observeAdmin(ctx, chatID, identity)
			if err != nil {
				check.Error = err.Error()
			} else {
				check.CallerIsAdmin = &isAdmin
			}
		}
		results = append(results, check)
	}
	return results
}

// linkedIdentity returns the actor's platform identity, if linked.
func (s *LifecycleService) linkedIdentity(ctx context.Context, actorID string) (int64, bool) {
	links, err := s.links.FindByUserIDs(ctx, []string{actorID})
	if err != nil {
		s.log.WarnContext(ctx, "identity link lookup failed", zap.String("actor", actorID), zap.Error(err))
		return 0, false
	}
	id, ok := links[actorID]
	return id, ok && id != 0
}

// observeAdmin asks the platform about one member and caches the answer as
// observed now.
func (s *LifecycleService) observeAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	member, err := s.bot.GetChatMember(ctx, chatID, userID)
	if err != nil {
		return false, s.platformFailure(ctx, chatID, "getChatMember", err)
	}
	_, err = s.rights.Upsert(ctx, adminrights.Observation{
		ChatID:     chatID,
		UserID:     userID,
		IsAdmin:    member.IsAdmin(),
		ObservedAt: s.now(),
		TTL:        s.adminTTL,
	})
	if err != nil {
		return false, fmt.Errorf("failed to store admin fact: %w", err)
	}
	return member.IsAdmin(), nil
}

// SetBotStatus records a bot status reported by the platform.
func (s *LifecycleService) SetBotStatus(ctx context.Context, chatID int64, status model.BotStatus) error {
	err := s.groups.UpdateBotStatus(ctx, chatID, status)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrGroupNotFound
	}
	return err
}

// ListMappings lists the org's mappings with current access for each chat.
func (s *LifecycleService) ListMappings(ctx context.Context, orgID, actorID string) ([]MappingView, error) {
	if _, err := s.role(ctx, orgID, actorID); err != nil {
		return nil, err
	}
	mappings, err := s.mappings.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	if len(mappings) == 0 {
		return []MappingView{}, nil
	}

	chatIDs := make([]int64, len(mappings))
	for i, m := range mappings {
		chatIDs[i] = m.ChatID
	}
	groups, err := s.groups.FindByChatIDs(ctx, chatIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}
	byChat := make(map[int64]*model.Group, len(groups))
	for _, g := range groups {
		byChat[g.ChatID] = g
	}

	granted := make(map[int64]bool)
	for start := 0; start < len(chatIDs); start += MaxBatchChats {
		ids, err := s.access.ResolveAccessBatch(ctx, orgID, chatIDs[start:min(start+MaxBatchChats, len(chatIDs))])
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			granted[id] = true
		}
	}

	views := make([]MappingView, len(mappings))
	for i, m := range mappings {
		views[i] = MappingView{Mapping: m, Group: byChat[m.ChatID], HasAccess: granted[m.ChatID]}
	}
	return views, nil
}

// AccessFor returns the resolver's decision for a member of the org.
func (s *LifecycleService) AccessFor(ctx context.Context, orgID string, chatID int64, actorID string) (Decision, error) {
	if _, err := s.role(ctx, orgID, actorID); err != nil {
		return Decision{}, err
	}
	return s.access.ResolveAccess(ctx, orgID, chatID), nil
}

// AddMapping binds the org to the chat. The actor must hold an elevated org
// role, and the access resolver must confirm the org currently controls the
// chat on the platform.
func (s *LifecycleService) AddMapping(ctx context.Context, orgID string, chatID int64, actorID string) (*model.OrgGroupMapping, error) {
	if err := s.requireElevated(ctx, orgID, actorID); err != nil {
		return nil, err
	}
	decision := s.access.ResolveAccess(ctx, orgID, chatID)
	if !decision.Granted {
		s.log.InfoContext(ctx, "add mapping denied",
			logger.OrgID(orgID), logger.ChatID(chatID), zap.String("reason", string(decision.Reason)))
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, decision.Reason)
	}

	if _, _, err := s.RegisterSighting(ctx, chatID, ""); err != nil {
		return nil, err
	}

	current, err := s.findMapping(ctx, orgID, chatID)
	if err != nil {
		return nil, err
	}
	next, changed, err := ApplyTransition(model.StateOf(current), OpAdd{})
	if err != nil {
		return nil, err
	}
	if current == nil {
		m := &model.OrgGroupMapping{
			ID:        uuid.NewString(),
			OrgID:     orgID,
			ChatID:    chatID,
			CreatedBy: actorID,
		}
		m.SetState(next)
		if err := s.mappings.Create(ctx, m); err != nil {
			return nil, s.translateWrite(err, "create")
		}
		s.log.InfoContext(ctx, "mapping added", logger.OrgID(orgID), logger.ChatID(chatID), zap.String("actor", actorID))
		return m, nil
	}
	if changed {
		if err := s.save(ctx, current, next); err != nil {
			return nil, err
		}
	}
	return current, nil
}

// RemoveMapping hard-deletes the org's mapping. It needs only an elevated
// org role. The group and other orgs' mappings are untouched.
func (s *LifecycleService) RemoveMapping(ctx context.Context, orgID string, chatID int64, actorID string) error {
	if err := s.requireElevated(ctx, orgID, actorID); err != nil {
		return err
	}
	current, err := s.findMapping(ctx, orgID, chatID)
	if err != nil {
		return err
	}
	if _, _, err := ApplyTransition(model.StateOf(current), OpRemove{}); err != nil {
		return err
	}
	if err := s.mappings.Delete(ctx, current.ID, current.Version); err != nil {
		return s.translateWrite(err, "delete")
	}
	s.log.InfoContext(ctx, "mapping removed", logger.OrgID(orgID), logger.ChatID(chatID), zap.String("actor", actorID))
	return nil
}

// ArchiveMapping soft-removes the mapping. Archiving an archived mapping
// keeps the original reason.
func (s *LifecycleService) ArchiveMapping(ctx context.Context, orgID string, chatID int64, actorID, reason string) (*model.OrgGroupMapping, error) {
	if err := s.requireElevated(ctx, orgID, actorID); err != nil {
		return nil, err
	}
	current, err := s.findMapping(ctx, orgID, chatID)
	if err != nil {
		return nil, err
	}
	next, changed, err := ApplyTransition(model.StateOf(current), OpArchive{Reason: reason, At: s.now()})
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.save(ctx, current, next); err != nil {
			return nil, err
		}
		s.log.InfoContext(ctx, "mapping archived", logger.OrgID(orgID), logger.ChatID(chatID), zap.String("reason", reason))
	}
	return current, nil
}

// RestoreMapping reactivates an archived mapping unless the group's bot is
// inactive. Restoring an active mapping is a no-op.
func (s *LifecycleService) RestoreMapping(ctx context.Context, orgID string, chatID int64, actorID string) (*model.OrgGroupMapping, error) {
	if err := s.requireElevated(ctx, orgID, actorID); err != nil {
		return nil, err
	}
	current, err := s.findMapping(ctx, orgID, chatID)
	if err != nil {
		return nil, err
	}
	state := model.StateOf(current)
	if _, ok := state.(model.Archived); ok {
		group, err := s.findGroup(ctx, chatID)
		if err != nil {
			return nil, err
		}
		if group.BotStatus == model.BotStatusInactive {
			return nil, ErrGroupInactive
		}
	}

	next, changed, err := ApplyTransition(state, OpRestore{})
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.save(ctx, current, next); err != nil {
			return nil, err
		}
		s.log.InfoContext(ctx, "mapping restored", logger.OrgID(orgID), logger.ChatID(chatID))
	}
	return current, nil
}

// save writes next into m guarded by m's version.
func (s *LifecycleService) save(ctx context.Context, m *model.OrgGroupMapping, next model.MappingState) error {
	updated := *m
	updated.SetState(next)
	if err := s.mappings.Update(ctx, &updated, m.Version); err != nil {
		return s.translateWrite(err, "update")
	}
	*m = updated
	return nil
}

func (s *LifecycleService) translateWrite(err error, op string) error {
	if errors.Is(err, repository.ErrVersionConflict) || errors.Is(err, repository.ErrDuplicate) {
		return ErrConcurrentModification
	}
	return fmt.Errorf("failed to %s mapping: %w", op, err)
}

// findMapping returns nil, nil when no row exists.
func (s *LifecycleService) findMapping(ctx context.Context, orgID string, chatID int64) (*model.OrgGroupMapping, error) {
	m, err := s.mappings.Find(ctx, orgID, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find mapping: %w", err)
	}
	return m, nil
}

func (s *LifecycleService) findGroup(ctx context.Context, chatID int64) (*model.Group, error) {
	group, err := s.groups.FindByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to find group: %w", err)
	}
	return group, nil
}

func (s *LifecycleService) role(ctx context.Context, orgID, actorID string) (model.OrgRole, error) {
	role, err := s.members.Role(ctx, orgID, actorID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotOrgMember
		}
		return "", fmt.Errorf("failed to load org role: %w", err)
	}
	return role, nil
}

func (s *LifecycleService) requireElevated(ctx context.Context, orgID, actorID string) error {
	role, err := s.role(ctx, orgID, actorID)
	if errors.Is(err, ErrNotOrgMember) {
		return ErrNotElevated
	}
	if err != nil {
		return err
	}
	if !role.Elevated() {
		return ErrNotElevated
	}
	return nil
}
