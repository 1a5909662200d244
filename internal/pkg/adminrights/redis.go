package adminrights

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// upsertScript applies the event-time merge atomically.
// KEYS[1] entry key; ARGV[1] encoded entry; ARGV[2] observed ms; ARGV[3] expiry ms.
var upsertScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local observed = tonumber(string.match(cur, ':(%d+)$'))
	if observed and observed > tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return 1
`)

// RedisStore keeps entries as "<is_admin>:<expires_ms>:<observed_ms>" strings
// under "<prefix>:<chat_id>:<user_id>", with a Redis expiry equal to the
// entry expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store. A nil clock means time.Now.
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger, now: now}
}

func (s *RedisStore) key(chatID, userID int64) string {
	return fmt.Sprintf("%s:%d:%d", s.prefix, chatID, userID)
}

func (s *RedisStore) Upsert(ctx context.Context, obs Observation) (bool, error) {
	e := obs.Entry()
	res, err := upsertScript.Run(ctx, s.client,
		[]string{s.key(e.ChatID, e.UserID)},
		encodeEntry(e), e.ObservedAt.UnixMilli(), e.ExpiresAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to upsert admin rights for chat %d user %d: %w", e.ChatID, e.UserID, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Lookup(ctx context.Context, chatID, userID int64) bool {
	raw, err := s.client.Get(ctx, s.key(chatID, userID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("admin rights lookup failed, denying",
				zap.Int64("chat_id", chatID),
				zap.Int64("tg_user_id", userID),
				zap.Error(err),
			)
		}
		return false
	}
	e, ok := decodeEntry(raw)
	return ok && e.Grants(s.now())
}

// Snapshot issues one MGET per MaxBatchKeys keys.
func (s *RedisStore) Snapshot(ctx context.Context, keys []Key) Facts {
	facts := make(Facts)
	now := s.now()

	for start := 0; start < len(keys); start += MaxBatchKeys {
		end := min(start+MaxBatchKeys, len(keys))
		chunk := keys[start:end]

		redisKeys := make([]string, len(chunk))
		for i, k := range chunk {
			redisKeys[i] = s.key(k.ChatID, k.UserID)
		}

		values, err := s.client.MGet(ctx, redisKeys...).Result()
		if err != nil {
			s.logger.Warn("admin rights snapshot failed, denying chunk",
				zap.Int("keys", len(chunk)),
				zap.Error(err),
			)
			continue
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			if e, ok := decodeEntry(raw); ok && e.Grants(now) {
				facts[chunk[i]] = struct{}{}
			}
		}
	}
	return facts
}

func encodeEntry(e Entry) string {
	flag := "0"
	if e.IsAdmin {
		flag = "1"
	}
	return flag + ":" + strconv.FormatInt(e.ExpiresAt.UnixMilli(), 10) + ":" + strconv.FormatInt(e.ObservedAt.UnixMilli(), 10)
}

// decodeEntry fails closed: anything unparseable is treated as absent.
func decodeEntry(raw string) (Entry, bool) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return Entry{}, false
	}
	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	observed, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	return Entry{
		IsAdmin:    parts[0] == "1",
		ObservedAt: time.UnixMilli(observed),
		ExpiresAt:  time.UnixMilli(expires),
	}, true
}
