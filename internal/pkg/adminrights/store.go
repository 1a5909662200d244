// Package adminrights caches time-bounded "user U is an administrator of
// chat C" facts observed from the messaging platform.
//
// An entry is valid only while now < ExpiresAt. Absent and expired entries
// both read as false. Writes are merged by observation time, never by
// arrival order: an observation older than the stored one is dropped.
//
// The observed_at watermark lives in the entry and expires with it. Once an
// entry has expired any observation is accepted again, including one older
// than the expired entry. Such an observation can only grant until its own
// ObservedAt+TTL, so a late stale fact stays bounded by the TTL.
package adminrights

import (
	"context"
	"time"
)

// MaxBatchKeys bounds a single snapshot query.
const MaxBatchKeys = 1000

// Key identifies one (chat, user) pair.
type Key struct {
	ChatID int64
	UserID int64
}

// Entry is a cached administrator fact.
type Entry struct {
	ChatID     int64
	UserID     int64
	IsAdmin    bool
	ObservedAt time.Time
	ExpiresAt  time.Time
}

func (e Entry) Key() Key { return Key{ChatID: e.ChatID, UserID: e.UserID} }

// Grants reports whether the entry says "admin" and is still valid at now.
func (e Entry) Grants(now time.Time) bool {
	return e.IsAdmin && now.Before(e.ExpiresAt)
}

// Observation is one upstream report about a (chat, user) pair.
type Observation struct {
	ChatID     int64
	UserID     int64
	IsAdmin    bool
	ObservedAt time.Time
	TTL        time.Duration
}

// Entry converts the observation into a cache entry expiring TTL after it
// was observed.
func (o Observation) Entry() Entry {
	return Entry{
		ChatID:     o.ChatID,
		UserID:     o.UserID,
		IsAdmin:    o.IsAdmin,
		ObservedAt: o.ObservedAt,
		ExpiresAt:  o.ObservedAt.Add(o.TTL),
	}
}

// Merge applies the event-time rule: incoming replaces current unless current
// was observed strictly later. The second result reports whether incoming won.
func Merge(current *Entry, incoming Entry) (Entry, bool) {
	if current != nil && current.ObservedAt.After(incoming.ObservedAt) {
		return *current, false
	}
	return incoming, true
}

// Facts is an immutable snapshot of the pairs that currently grant admin.
type Facts map[Key]struct{}

// IsAdmin reports whether the snapshot holds a valid admin fact for the pair.
func (f Facts) IsAdmin(chatID, userID int64) bool {
	_, ok := f[Key{ChatID: chatID, UserID: userID}]
	return ok
}

// Store is the cache contract used by ingestion and by the access resolver.
// Lookup and Snapshot never fail: any backend error reads as "not admin".
type Store interface {
	// Upsert merges an observation; it reports whether the store changed.
	Upsert(ctx context.Context, obs Observation) (bool, error)
	// Lookup reports whether a valid admin fact exists for the pair.
	Lookup(ctx context.Context, chatID, userID int64) bool
	// Snapshot answers Lookup for many pairs in one bounded query.
	Snapshot(ctx context.Context, keys []Key) Facts
}
