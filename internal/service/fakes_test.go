package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/Orbo/internal/model"
	"github.com/Gopher0727/Orbo/internal/pkg/adminrights"
	"github.com/Gopher0727/Orbo/internal/pkg/telegram"
	"github.com/Gopher0727/Orbo/internal/repository"
	logger "github.com/Gopher0727/Orbo/middleware/log"
)

var t0 = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGroups is an in-memory IGroupRepository.
type fakeGroups struct {
	mu     sync.Mutex
	groups map[int64]model.Group
}

func newFakeGroups() *fakeGroups { return &fakeGroups{groups: map[int64]model.Group{}} }

func (f *fakeGroups) FindByChatID(_ context.Context, chatID int64) (*model.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[chatID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &g, nil
}

func (f *fakeGroups) FindByChatIDs(_ context.Context, chatIDs []int64) ([]*model.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Group
	for _, id := range chatIDs {
		if g, ok := f.groups[id]; ok {
			out = append(out, &g)
		}
	}
	return out, nil
}

func (f *fakeGroups) CreateIfAbsent(_ context.Context, group *model.Group) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[group.ChatID]; ok {
		return false, nil
	}
	f.groups[group.ChatID] = *group
	return true, nil
}

func (f *fakeGroups) ApplySync(_ context.Context, chatID int64, sync model.GroupSync) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[chatID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	g.BotStatus = sync.BotStatus
	g.MemberCount = sync.MemberCount
	at := sync.SyncedAt
	g.LastSyncAt = &at
	if sync.Title != "" {
		g.Title = sync.Title
	}
	if sync.InviteLink != "" {
		g.InviteLink = sync.InviteLink
	}
	f.groups[chatID] = g
	return nil
}

func (f *fakeGroups) UpdateBotStatus(_ context.Context, chatID int64, status model.BotStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[chatID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	g.BotStatus = status
	f.groups[chatID] = g
	return nil
}

func (f *fakeGroups) ListByStatus(_ context.Context, statuses ...model.BotStatus) ([]*model.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Group
	for _, g := range f.groups {
		for _, s := range statuses {
			if g.BotStatus == s {
				g := g
				out = append(out, &g)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (f *fakeGroups) ListChatIDs(_ context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.groups))
	for id := range f.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeGroups) put(g model.Group) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[g.ChatID] = g
}

type mappingKey struct {
	org  string
	chat int64
}

// fakeMappings is an in-memory IMappingRepository with the same
// compare-and-swap semantics as the SQL one.
type fakeMappings struct {
	mu   sync.Mutex
	rows map[mappingKey]model.OrgGroupMapping
	// beforeWrite runs inside Update and Delete to simulate a racing writer.
	beforeWrite func()
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{rows: map[mappingKey]model.OrgGroupMapping{}}
}

func (f *fakeMappings) Find(_ context.Context, orgID string, chatID int64) (*model.OrgGroupMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[mappingKey{orgID, chatID}]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &m, nil
}

func (f *fakeMappings) ListByOrg(_ context.Context, orgID string) ([]*model.OrgGroupMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.OrgGroupMapping
	for k, m := range f.rows {
		if k.org == orgID {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (f *fakeMappings) ListByChat(_ context.Context, chatID int64) ([]*model.OrgGroupMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.OrgGroupMapping
	for k, m := range f.rows {
		if k.chat == chatID {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out, nil
}

func (f *fakeMappings) ListActiveChatIDs(_ context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[int64]struct{}{}
	var ids []int64
	for k, m := range f.rows {
		if m.Status != model.MappingStatusActive {
			continue
		}
		if _, ok := seen[k.chat]; !ok {
			seen[k.chat] = struct{}{}
			ids = append(ids, k.chat)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeMappings) Create(_ context.Context, mapping *model.OrgGroupMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := mappingKey{mapping.OrgID, mapping.ChatID}
	if _, ok := f.rows[k]; ok {
		return repository.ErrDuplicate
	}
	mapping.Version = 1
	f.rows[k] = *mapping
	return nil
}

func (f *fakeMappings) Update(_ context.Context, mapping *model.OrgGroupMapping, expectedVersion int64) error {
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := mappingKey{mapping.OrgID, mapping.ChatID}
	current, ok := f.rows[k]
	if !ok || current.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	mapping.Version = expectedVersion + 1
	f.rows[k] = *mapping
	return nil
}

func (f *fakeMappings) Delete(_ context.Context, id string, expectedVersion int64) error {
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, m := range f.rows {
		if m.ID == id {
			if m.Version != expectedVersion {
				return repository.ErrVersionConflict
			}
			delete(f.rows, k)
			return nil
		}
	}
	return repository.ErrVersionConflict
}

// bump simulates another writer updating the row.
func (f *fakeMappings) bump(orgID string, chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := mappingKey{orgID, chatID}
	m := f.rows[k]
	m.Version++
	f.rows[k] = m
}

// fakeMembers is an in-memory IMembershipRepository.
type fakeMembers struct {
	mu    sync.Mutex
	roles map[string]map[string]model.OrgRole
	err   error
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{roles: map[string]map[string]model.OrgRole{}}
}

func (f *fakeMembers) ElevatedMembers(_ context.Context, orgID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var ids []string
	for user, role := range f.roles[orgID] {
		if role.Elevated() {
			ids = append(ids, user)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeMembers) Role(_ context.Context, orgID, userID string) (model.OrgRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	role, ok := f.roles[orgID][userID]
	if !ok {
		return "", gorm.ErrRecordNotFound
	}
	return role, nil
}

func (f *fakeMembers) Upsert(_ context.Context, member *model.OrgMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roles[member.OrgID] == nil {
		f.roles[member.OrgID] = map[string]model.OrgRole{}
	}
	f.roles[member.OrgID][member.UserID] = member.Role
	return nil
}

func (f *fakeMembers) set(orgID, userID string, role model.OrgRole) {
	_ = f.Upsert(context.Background(), &model.OrgMember{OrgID: orgID, UserID: userID, Role: role})
}

// fakeLinks is an in-memory IIdentityLinkRepository.
type fakeLinks struct {
	mu    sync.Mutex
	links map[string]int64
	err   error
}

func newFakeLinks() *fakeLinks { return &fakeLinks{links: map[string]int64{}} }

func (f *fakeLinks) FindByUserIDs(_ context.Context, userIDs []string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]int64{}
	for _, id := range userIDs {
		if tg, ok := f.links[id]; ok {
			out[id] = tg
		}
	}
	return out, nil
}

func (f *fakeLinks) FindByTelegramID(_ context.Context, telegramUserID int64) (*model.IdentityLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for user, tg := range f.links {
		if tg == telegramUserID {
			return &model.IdentityLink{UserID: user, TelegramUserID: tg}, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeLinks) Link(_ context.Context, link *model.IdentityLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[link.UserID] = link.TelegramUserID
	return nil
}

// fakeEvents is an in-memory IHealthEventRepository.
type fakeEvents struct {
	mu     sync.Mutex
	events []model.HealthEvent
}

func (f *fakeEvents) Append(_ context.Context, event *model.HealthEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeEvents) Stats(ctx context.Context, chatID int64, since time.Time) (*model.HealthStats, error) {
	stats, _ := f.StatsForChats(ctx, []int64{chatID}, since)
	if s, ok := stats[chatID]; ok {
		return s, nil
	}
	return &model.HealthStats{ChatID: chatID}, nil
}

func (f *fakeEvents) StatsForChats(_ context.Context, chatIDs []int64, since time.Time) (map[int64]*model.HealthStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := map[int64]bool{}
	for _, id := range chatIDs {
		wanted[id] = true
	}
	out := map[int64]*model.HealthStats{}
	for _, e := range f.events {
		if !wanted[e.ChatID] {
			continue
		}
		s, ok := out[e.ChatID]
		if !ok {
			s = &model.HealthStats{ChatID: e.ChatID}
			out[e.ChatID] = s
		}
		at := e.OccurredAt
		switch e.Kind {
		case model.HealthEventSuccess:
			if s.LastSuccess == nil || at.After(*s.LastSuccess) {
				s.LastSuccess = &at
			}
		case model.HealthEventFailure:
			if s.LastFailure == nil || at.After(*s.LastFailure) {
				s.LastFailure = &at
			}
			if !at.Before(since) {
				s.Failures++
			}
		}
	}
	return out, nil
}

func (f *fakeEvents) Prune(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.events[:0]
	var removed int64
	for _, e := range f.events {
		if e.OccurredAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	f.events = kept
	return removed, nil
}

func (f *fakeEvents) count(kind model.HealthEventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type seqIDs struct {
	mu   sync.Mutex
	next int64
}

func (s *seqIDs) NextID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next, nil
}

// fakeBot is a scripted PlatformBot.
type fakeBot struct {
	mu          sync.Mutex
	id          int64
	chats       map[int64]*telegram.Chat
	members     map[int64]map[int64]*telegram.ChatMember
	counts      map[int64]int
	err         error
	inviteLinks int
	calls       int
}

func newFakeBot() *fakeBot {
	return &fakeBot{
		id:      4242,
		chats:   map[int64]*telegram.Chat{},
		members: map[int64]map[int64]*telegram.ChatMember{},
		counts:  map[int64]int{},
	}
}

func (b *fakeBot) BotID() int64 { return b.id }

func (b *fakeBot) setMember(chatID, userID int64, status string, canInvite bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members[chatID] == nil {
		b.members[chatID] = map[int64]*telegram.ChatMember{}
	}
	b.members[chatID][userID] = &telegram.ChatMember{
		Status:         status,
		User:           telegram.User{ID: userID},
		CanInviteUsers: canInvite,
	}
}

func (b *fakeBot) GetMe(context.Context) (*telegram.User, error) {
	return &telegram.User{ID: b.id, IsBot: true}, nil
}

func (b *fakeBot) GetChat(_ context.Context, chatID int64) (*telegram.Chat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	if c, ok := b.chats[chatID]; ok {
		return c, nil
	}
	return nil, &telegram.APIError{Method: "getChat", Code: 400, Description: "Bad Request: chat not found"}
}

func (b *fakeBot) GetChatMember(_ context.Context, chatID, userID int64) (*telegram.ChatMember, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	if m, ok := b.members[chatID][userID]; ok {
		return m, nil
	}
	return &telegram.ChatMember{Status: telegram.StatusLeft, User: telegram.User{ID: userID}}, nil
}

func (b *fakeBot) GetChatMemberCount(_ context.Context, chatID int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.counts[chatID]; ok {
		return n, nil
	}
	return 0, errors.New("count unavailable")
}

func (b *fakeBot) CreateChatInviteLink(_ context.Context, chatID int64, _ telegram.InviteLinkParams) (*telegram.ChatInviteLink, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inviteLinks++
	return &telegram.ChatInviteLink{InviteLink: "https://t.me/+invite"}, nil
}

func (b *fakeBot) SetWebhook(context.Context, telegram.SetWebhookParams) error { return nil }

func (b *fakeBot) GetWebhookInfo(context.Context) (*telegram.WebhookInfo, error) {
	return &telegram.WebhookInfo{}, nil
}

func (b *fakeBot) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// env wires the services over fakes.
type env struct {
	clock    *testClock
	groups   *fakeGroups
	mappings *fakeMappings
	members  *fakeMembers
	links    *fakeLinks
	events   *fakeEvents
	rights   *adminrights.MemoryStore
	bot      *fakeBot

	access    *AccessService
	health    *HealthService
	lifecycle *LifecycleService
}

func testPolicy() HealthPolicy {
	return HealthPolicy{RecentWindow: 2 * time.Hour, FailureThreshold: 3, FailureLookback: 24 * time.Hour}
}

func newEnv() *env {
	e := &env{
		clock:    newTestClock(),
		groups:   newFakeGroups(),
		mappings: newFakeMappings(),
		members:  newFakeMembers(),
		links:    newFakeLinks(),
		events:   &fakeEvents{},
		bot:      newFakeBot(),
	}
	log := logger.NewNop()
	e.rights = adminrights.NewMemoryStore(adminrights.Unbounded(), e.clock.Now)
	e.access = NewAccessService(e.members, e.links, e.rights, log)
	e.health = NewHealthService(e.groups, e.events, &seqIDs{}, testPolicy(), e.clock.Now, log)
	e.lifecycle = NewLifecycleService(e.groups, e.mappings, e.members, e.links, e.access, e.health, e.bot, e.rights, time.Hour, e.clock.Now, log)
	return e
}

// grantAdmin links userID to tgID as an owner of orgID and caches an admin
// fact for chatID observed now.
func (e *env) grantAdmin(orgID, userID string, tgID, chatID int64) {
	e.members.set(orgID, userID, model.OrgRoleOwner)
	_ = e.links.Link(context.Background(), &model.IdentityLink{UserID: userID, TelegramUserID: tgID})
	_, _ = e.rights.Upsert(context.Background(), adminrights.Observation{
		ChatID: chatID, UserID: tgID, IsAdmin: true, ObservedAt: e.clock.Now(), TTL: time.Hour,
	})
}

func adminObservation(chatID, userID int64, isAdmin bool) adminrights.Observation {
	return adminrights.Observation{ChatID: chatID, UserID: userID, IsAdmin: isAdmin, ObservedAt: t0, TTL: time.Hour}
}
