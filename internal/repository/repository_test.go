package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Gopher0727/Orbo/internal/model"
)

// setupTestDB connects to ORBO_TEST_POSTGRES_DSN (or a local default) and
// skips the test when no database is reachable.
// ! These tests require a running PostgreSQL instance.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("ORBO_TEST_POSTGRES_DSN")
	if dsn == "" {
		dsn = "host=127.0.0.1 port=5432 user=postgres password=postgres dbname=orbo_test sslmode=disable connect_timeout=2"
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Skipf("Skipping test: PostgreSQL not available: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil || sqlDB.Ping() != nil {
		t.Skipf("Skipping test: PostgreSQL not available")
	}
	require.NoError(t, db.AutoMigrate(
		&model.Group{}, &model.OrgGroupMapping{}, &model.OrgMember{},
		&model.IdentityLink{}, &model.HealthEvent{},
	))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// uniqueChatID keeps tests independent when they share a database.
func uniqueChatID() int64 {
	return -time.Now().UnixNano()
}

func TestGroupRepository_CreateIfAbsent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGroupRepository(db)
	ctx := context.Background()
	chatID := uniqueChatID()

	created, err := repo.CreateIfAbsent(ctx, &model.Group{ChatID: chatID, Title: "first", BotStatus: model.BotStatusPending})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, &model.Group{ChatID: chatID, Title: "second", BotStatus: model.BotStatusPending})
	require.NoError(t, err)
	assert.False(t, created)

	g, err := repo.FindByChatID(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, "first", g.Title)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.ApplySync(ctx, chatID, model.GroupSync{
		Title: "renamed", BotStatus: model.BotStatusConnected, MemberCount: 12, SyncedAt: now,
	}))
	g, err = repo.FindByChatID(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, model.BotStatusConnected, g.BotStatus)
	assert.Equal(t, 12, g.MemberCount)
	require.NotNil(t, g.LastSyncAt)

	err = repo.UpdateBotStatus(ctx, uniqueChatID(), model.BotStatusInactive)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestMappingRepository_CompareAndSwap(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()

	m := &model.OrgGroupMapping{ID: uuid.NewString(), OrgID: uuid.NewString(), ChatID: uniqueChatID(), Status: model.MappingStatusActive}
	require.NoError(t, repo.Create(ctx, m))
	assert.Equal(t, int64(1), m.Version)

	dup := *m
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, repo.Create(ctx, &dup), ErrDuplicate)

	stale := *m
	m.SetState(model.Archived{Reason: "cleanup", At: time.Now()})
	require.NoError(t, repo.Update(ctx, m, 1))
	assert.Equal(t, int64(2), m.Version)

	// a writer holding version 1 loses
	stale.SetState(model.Active{})
	assert.ErrorIs(t, repo.Update(ctx, &stale, 1), ErrVersionConflict)
	assert.ErrorIs(t, repo.Delete(ctx, m.ID, 1), ErrVersionConflict)

	found, err := repo.Find(ctx, m.OrgID, m.ChatID)
	require.NoError(t, err)
	assert.Equal(t, model.MappingStatusArchived, found.Status)
	assert.Equal(t, "cleanup", found.ArchivedReason)

	require.NoError(t, repo.Delete(ctx, m.ID, 2))
	_, err = repo.Find(ctx, m.OrgID, m.ChatID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestMappingRepository_ListActiveChatIDs(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()
	active, archived := uniqueChatID(), uniqueChatID()

	require.NoError(t, repo.Create(ctx, &model.OrgGroupMapping{ID: uuid.NewString(), OrgID: uuid.NewString(), ChatID: active, Status: model.MappingStatusActive}))
	require.NoError(t, repo.Create(ctx, &model.OrgGroupMapping{ID: uuid.NewString(), OrgID: uuid.NewString(), ChatID: active, Status: model.MappingStatusActive}))
	require.NoError(t, repo.Create(ctx, &model.OrgGroupMapping{ID: uuid.NewString(), OrgID: uuid.NewString(), ChatID: archived, Status: model.MappingStatusArchived}))

	ids, err := repo.ListActiveChatIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, active)
	assert.NotContains(t, ids, archived)

	count := 0
	for _, id := range ids {
		if id == active {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMembershipAndIdentityLinks(t *testing.T) {
	db := setupTestDB(t)
	members := NewMembershipRepository(db)
	links := NewIdentityLinkRepository(db)
	ctx := context.Background()
	orgID := uuid.NewString()
	owner, admin, member := uuid.NewString(), uuid.NewString(), uuid.NewString()

	for userID, role := range map[string]model.OrgRole{owner: model.OrgRoleOwner, admin: model.OrgRoleAdmin, member: model.OrgRoleMember} {
		require.NoError(t, members.Upsert(ctx, &model.OrgMember{ID: uuid.NewString(), OrgID: orgID, UserID: userID, Role: role}))
	}

	elevated, err := members.ElevatedMembers(ctx, orgID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{owner, admin}, elevated)

	role, err := members.Role(ctx, orgID, member)
	require.NoError(t, err)
	assert.Equal(t, model.OrgRoleMember, role)

	tgID := time.Now().UnixNano()
	require.NoError(t, links.Link(ctx, &model.IdentityLink{UserID: owner, TelegramUserID: tgID}))
	assert.ErrorIs(t, links.Link(ctx, &model.IdentityLink{UserID: admin, TelegramUserID: tgID}), ErrDuplicate)

	byUser, err := links.FindByUserIDs(ctx, []string{owner, admin})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{owner: tgID}, byUser)

	link, err := links.FindByTelegramID(ctx, tgID)
	require.NoError(t, err)
	assert.Equal(t, owner, link.UserID)
}

func TestHealthEventRepository_Stats(t *testing.T) {
	db := setupTestDB(t)
	repo := NewHealthEventRepository(db)
	ctx := context.Background()
	chatID := uniqueChatID()
	now := time.Now().UTC().Truncate(time.Second)

	events := []model.HealthEvent{
		{Kind: model.HealthEventSuccess, OccurredAt: now.Add(-3 * time.Hour)},
		{Kind: model.HealthEventFailure, OccurredAt: now.Add(-30 * time.Hour)},
		{Kind: model.HealthEventFailure, OccurredAt: now.Add(-2 * time.Hour)},
		{Kind: model.HealthEventFailure, OccurredAt: now.Add(-time.Hour)},
	}
	for i := range events {
		events[i].ID = time.Now().UnixNano() + int64(i)
		events[i].ChatID = chatID
		require.NoError(t, repo.Append(ctx, &events[i]))
	}

	stats, err := repo.Stats(ctx, chatID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, stats.LastSuccess)
	require.NotNil(t, stats.LastFailure)
	assert.True(t, stats.LastSuccess.Equal(now.Add(-3*time.Hour)))
	assert.True(t, stats.LastFailure.Equal(now.Add(-time.Hour)))
	assert.Equal(t, int64(2), stats.Failures)

	empty, err := repo.Stats(ctx, uniqueChatID(), now)
	require.NoError(t, err)
	assert.Nil(t, empty.LastSuccess)
	assert.Zero(t, empty.Failures)
}
