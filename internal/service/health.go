package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/Orbo/config"
	"github.com/Gopher0727/Orbo/internal/model"
	"github.com/Gopher0727/Orbo/internal/repository"
	logger "github.com/Gopher0727/Orbo/middleware/log"
)

type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// Sources of activity events.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
	SourceRefresh = "refresh"
)

// statsChunk bounds the chats aggregated per query.
const statsChunk = 1000

// HealthPolicy holds the classification thresholds.
type HealthPolicy struct {
	RecentWindow     time.Duration
	FailureThreshold int
	FailureLookback  time.Duration
}

func HealthPolicyFromConfig(cfg *config.HealthConfig) HealthPolicy {
	return HealthPolicy{
		RecentWindow:     cfg.RecentWindow,
		FailureThreshold: cfg.FailureThreshold,
		FailureLookback:  cfg.FailureLookback,
	}
}

// HealthStatus is computed on every query and never stored.
type HealthStatus struct {
	ChatID          int64       `json:"chat_id"`
	Status          HealthState `json:"status"`
	LastSuccess     *time.Time  `json:"last_success,omitempty"`
	LastFailure     *time.Time  `json:"last_failure,omitempty"`
	FailureCount24h int64       `json:"failure_count_24h"`
}

type HealthSummary struct {
	Status    HealthState `json:"status"`
	Total     int         `json:"total"`
	Healthy   int         `json:"healthy"`
	Unhealthy int         `json:"unhealthy"`
	Unknown   int         `json:"unknown"`
	CheckedAt time.Time   `json:"checked_at"`
}

// Classify derives a group's status. The latest of the last success event
// and the group's last sync counts as the last success; a group that never
// succeeded within the window is unhealthy.
func Classify(p HealthPolicy, stats model.HealthStats, lastSyncAt *time.Time, now time.Time) HealthStatus {
	lastSuccess := latest(stats.LastSuccess, lastSyncAt)
	status := HealthStatus{
		ChatID:          stats.ChatID,
		LastSuccess:     lastSuccess,
		LastFailure:     stats.LastFailure,
		FailureCount24h: stats.Failures,
	}

	threshold := int64(p.FailureThreshold)
	recent := lastSuccess != nil && now.Sub(*lastSuccess) <= p.RecentWindow
	switch {
	case stats.Failures > threshold:
		status.Status = HealthUnhealthy
	case !recent:
		status.Status = HealthUnhealthy
	case stats.Failures < threshold:
		status.Status = HealthHealthy
	default:
		status.Status = HealthUnknown
	}
	return status
}

// Summarize folds per-group states: healthy iff nothing is unhealthy,
// degraded while fewer than half are unhealthy.
func Summarize(states []HealthState) HealthSummary {
	s := HealthSummary{Total: len(states)}
	for _, st := range states {
		switch st {
		case HealthHealthy:
			s.Healthy++
		case HealthUnhealthy:
			s.Unhealthy++
		default:
			s.Unknown++
		}
	}
	switch {
	case s.Unhealthy == 0:
		s.Status = HealthHealthy
	case s.Unhealthy*2 < s.Total:
		s.Status = HealthDegraded
	default:
		s.Status = HealthUnhealthy
	}
	return s
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

// ActivityRecorder appends to the health log. Recording never fails the
// caller; errors are logged.
type ActivityRecorder interface {
	RecordSuccess(ctx context.Context, chatID int64, source string)
	RecordFailure(ctx context.Context, chatID int64, source, detail string)
}

// IDGenerator issues health event ids.
type IDGenerator interface {
	NextID() (int64, error)
}

// IHealthService is advisory only: nothing on the authorization path reads it.
type IHealthService interface {
	ActivityRecorder
	GetHealth(ctx context.Context, chatID int64) (*HealthStatus, error)
	GetHealthSummary(ctx context.Context) (*HealthSummary, error)
	PruneEvents(ctx context.Context) (int64, error)
}

// HealthService implements IHealthService
type HealthService struct {
	groups repository.IGroupRepository
	events repository.IHealthEventRepository
	ids    IDGenerator
	policy HealthPolicy
	now    func() time.Time
	log    *logger.Logger
}

// NewHealthService creates a new HealthService. A nil clock means time.Now.
func NewHealthService(
	groups repository.IGroupRepository,
	events repository.IHealthEventRepository,
	ids IDGenerator,
	policy HealthPolicy,
	now func() time.Time,
	log *logger.Logger,
) *HealthService {
	if now == nil {
		now = time.Now
	}
	return &HealthService{
		groups: groups,
		events: events,
		ids:    ids,
		policy: policy,
		now:    now,
		log:    log.Named("health"),
	}
}

func (s *HealthService) RecordSuccess(ctx context.Context, chatID int64, source string) {
	s.record(ctx, chatID, model.HealthEventSuccess, source, "")
}

func (s *HealthService) RecordFailure(ctx context.Context, chatID int64, source, detail string) {
	s.record(ctx, chatID, model.HealthEventFailure, source, detail)
}

func (s *HealthService) record(ctx context.Context, chatID int64, kind model.HealthEventKind, source, detail string) {
	id, err := s.ids.NextID()
	if err != nil {
		s.log.WarnContext(ctx, "health event id unavailable", logger.ChatID(chatID), zap.Error(err))
		return
	}
	event := &model.HealthEvent{
		ID:         id,
		ChatID:     chatID,
		Kind:       kind,
		Source:     source,
		Detail:     detail,
		OccurredAt: s.now(),
	}
	if err := s.events.Append(ctx, event); err != nil {
		s.log.WarnContext(ctx, "failed to append health event",
			logger.ChatID(chatID), zap.String("kind", string(kind)), zap.Error(err))
	}
}

// GetHealth classifies one group. A group without mappings still has a
// status; only an unknown chat is an error.
func (s *HealthService) GetHealth(ctx context.Context, chatID int64) (*HealthStatus, error) {
	group, err := s.groups.FindByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to find group: %w", err)
	}

	now := s.now()
	stats, err := s.events.Stats(ctx, chatID, now.Add(-s.policy.FailureLookback))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate health events: %w", err)
	}
	status := Classify(s.policy, *stats, group.LastSyncAt, now)
	return &status, nil
}

// GetHealthSummary classifies every known group.
func (s *HealthService) GetHealthSummary(ctx context.Context) (*HealthSummary, error) {
	groups, err := s.groups.ListByStatus(ctx, model.BotStatusPending, model.BotStatusConnected, model.BotStatusInactive)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	now := s.now()
	since := now.Add(-s.policy.FailureLookback)
	states := make([]HealthState, 0, len(groups))
	for start := 0; start < len(groups); start += statsChunk {
		chunk := groups[start:min(start+statsChunk, len(groups))]
		ids := make([]int64, len(chunk))
		for i, g := range chunk {
			ids[i] = g.ChatID
		}
		stats, err := s.events.StatsForChats(ctx, ids, since)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate health events: %w", err)
		}
		for _, g := range chunk {
			st := model.HealthStats{ChatID: g.ChatID}
			if found, ok := stats[g.ChatID]; ok {
				st = *found
			}
			states = append(states, Classify(s.policy, st, g.LastSyncAt, now).Status)
		}
	}

	summary := Summarize(states)
	summary.CheckedAt = now
	return &summary, nil
}

// PruneEvents drops events that fell out of every classification window.
func (s *HealthService) PruneEvents(ctx context.Context) (int64, error) {
	horizon := max(s.policy.FailureLookback, s.policy.RecentWindow)
	n, err := s.events.Prune(ctx, s.now().Add(-2*horizon))
	if err != nil {
		return 0, fmt.Errorf("failed to prune health events: %w", err)
	}
	return n, nil
}
