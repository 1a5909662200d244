package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Orbo/internal/model"
	"github.com/Gopher0727/Orbo/internal/pkg/adminrights"
	"github.com/Gopher0727/Orbo/internal/pkg/telegram"
	logger "github.com/Gopher0727/Orbo/middleware/log"
)

// AdminChangeEvent is one membership change reported by the platform.
type AdminChangeEvent struct {
	ChatID     int64     `json:"chat_id"`
	UserID     int64     `json:"user_id"`
	IsAdmin    bool      `json:"is_admin"`
	Left       bool      `json:"left"`
	ObservedAt time.Time `json:"observed_at"`
	ChatTitle  string    `json:"chat_title,omitempty"`
	Bot        string    `json:"bot"`
	// AboutBot marks my_chat_member updates, which describe the bot itself.
	AboutBot bool `json:"about_bot"`
	// PromotedBy is the user who made the bot an admin; only an admin can.
	PromotedBy int64 `json:"promoted_by,omitempty"`
}

// EventFromUpdate extracts the membership change from a webhook update.
// Updates without one, and private chats, report false.
func EventFromUpdate(update *telegram.Update, bot string) (AdminChangeEvent, bool) {
	changed, aboutBot := update.ChatMember, false
	if update.MyChatMember != nil {
		changed, aboutBot = update.MyChatMember, true
	}
	if changed == nil || changed.Chat.Type == "private" {
		return AdminChangeEvent{}, false
	}
	member := changed.NewChatMember
	var promotedBy int64
	if aboutBot && member.IsAdmin() && !changed.From.IsBot {
		promotedBy = changed.From.ID
	}
	return AdminChangeEvent{
		ChatID:     changed.Chat.ID,
		UserID:     member.User.ID,
		IsAdmin:    member.IsAdmin(),
		Left:       member.HasLeft(),
		ObservedAt: time.Unix(changed.Date, 0).UTC(),
		ChatTitle:  changed.Chat.Title,
		Bot:        bot,
		AboutBot:   aboutBot,
		PromotedBy: promotedBy,
	}, true
}

// EventPublisher hands events to asynchronous workers.
type EventPublisher interface {
	Publish(ctx context.Context, event AdminChangeEvent) error
}

// MessageProducer is the subset of the Kafka producer the publisher needs.
type MessageProducer interface {
	ProduceWithRetry(ctx context.Context, topic string, key []byte, value []byte, maxRetries int) (int32, int64, error)
}

// KafkaPublisher publishes events keyed by chat id so a chat's events share
// a partition.
type KafkaPublisher struct {
	producer   MessageProducer
	topic      string
	maxRetries int
}

func NewKafkaPublisher(producer MessageProducer, topic string, maxRetries int) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, maxRetries: maxRetries}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event AdminChangeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode admin event: %w", err)
	}
	key := []byte(strconv.FormatInt(event.ChatID, 10))
	if _, _, err := p.producer.ProduceWithRetry(ctx, p.topic, key, value, p.maxRetries); err != nil {
		return fmt.Errorf("failed to publish admin event: %w", err)
	}
	return nil
}

// IIngestService turns platform membership changes into cached facts and
// group state.
type IIngestService interface {
	Submit(ctx context.Context, event AdminChangeEvent) error
	Apply(ctx context.Context, event AdminChangeEvent) error
	HandleRecord(ctx context.Context, value []byte) error
}

// groupTracker is the part of the lifecycle service ingestion drives.
type groupTracker interface {
	RegisterSighting(ctx context.Context, chatID int64, title string) (*model.Group, bool, error)
	SetBotStatus(ctx context.Context, chatID int64, status model.BotStatus) error
}

// IngestService implements IIngestService
type IngestService struct {
	rights    adminrights.Store
	groups    groupTracker
	activity  ActivityRecorder
	publisher EventPublisher
	ttl       time.Duration
	now       func() time.Time
	log       *logger.Logger
}

// NewIngestService creates a new IngestService. With a nil publisher events
// are applied inline; a nil clock means time.Now.
func NewIngestService(
	rights adminrights.Store,
	groups groupTracker,
	activity ActivityRecorder,
	publisher EventPublisher,
	ttl time.Duration,
	now func() time.Time,
	log *logger.Logger,
) *IngestService {
	if now == nil {
		now = time.Now
	}
	return &IngestService{
		rights:    rights,
		groups:    groups,
		activity:  activity,
		publisher: publisher,
		ttl:       ttl,
		now:       now,
		log:       log.Named("ingest"),
	}
}

// Submit queues the event, or applies it directly when no publisher is
// configured or publishing fails.
func (s *IngestService) Submit(ctx context.Context, event AdminChangeEvent) error {
	if s.publisher != nil {
		err := s.publisher.Publish(ctx, event)
		if err == nil {
			return nil
		}
		s.log.WarnContext(ctx, "publish failed, applying inline", logger.ChatID(event.ChatID), zap.Error(err))
	}
	return s.Apply(ctx, event)
}

// HandleRecord decodes and applies one queued event.
func (s *IngestService) HandleRecord(ctx context.Context, value []byte) error {
	var event AdminChangeEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("failed to decode admin event: %w", err)
	}
	return s.Apply(ctx, event)
}

// Apply records the sighting, then either the bot's own status or the
// member's admin fact. Cache writes merge by ObservedAt, so replays and
// reordering are harmless. A future ObservedAt is clamped to now so a skewed
// date cannot pin an entry past its TTL.
func (s *IngestService) Apply(ctx context.Context, event AdminChangeEvent) error {
	if now := s.now(); event.ObservedAt.After(now) {
		event.ObservedAt = now
	}
	if _, _, err := s.groups.RegisterSighting(ctx, event.ChatID, event.ChatTitle); err != nil {
		return err
	}

	if event.AboutBot {
		status := model.BotStatusPending
		switch {
		case event.IsAdmin:
			status = model.BotStatusConnected
		case event.Left:
			status = model.BotStatusInactive
		}
		if err := s.groups.SetBotStatus(ctx, event.ChatID, status); err != nil {
			return fmt.Errorf("failed to set bot status: %w", err)
		}
		s.log.InfoContext(ctx, "bot membership changed",
			logger.ChatID(event.ChatID), zap.String("bot", event.Bot), zap.String("status", string(status)))
		if event.PromotedBy != 0 {
			if err := s.storeFact(ctx, event.ChatID, event.PromotedBy, true, event.ObservedAt); err != nil {
				return err
			}
		}
	} else if err := s.storeFact(ctx, event.ChatID, event.UserID, event.IsAdmin, event.ObservedAt); err != nil {
		return err
	}

	s.activity.RecordSuccess(ctx, event.ChatID, SourceWebhook)
	return nil
}

func (s *IngestService) storeFact(ctx context.Context, chatID, userID int64, isAdmin bool, observedAt time.Time) error {
	changed, err := s.rights.Upsert(ctx, adminrights.Observation{
		ChatID:     chatID,
		UserID:     userID,
		IsAdmin:    isAdmin,
		ObservedAt: observedAt,
		TTL:        s.ttl,
	})
	if err != nil {
		return fmt.Errorf("failed to store admin fact: %w", err)
	}
	if !changed {
		s.log.DebugContext(ctx, "stale admin observation dropped",
			logger.ChatID(chatID), logger.TelegramUserID(userID))
	}
	return nil
}
