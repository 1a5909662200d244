package service

import (
	"context"
	"errors"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/Gopher0727/Orbo/internal/pkg/adminrights"
	"github.com/Gopher0727/Orbo/internal/repository"
	logger "github.com/Gopher0727/Orbo/middleware/log"
)

// MaxBatchChats bounds one ResolveAccessBatch call.
const MaxBatchChats = 500

var ErrBatchTooLarge = errors.New("too many chats in one access check")

type DecisionReason string

const (
	ReasonGranted            DecisionReason = "granted"
	ReasonNoElevatedMembers  DecisionReason = "no_elevated_members"
	ReasonNoLinkedIdentities DecisionReason = "no_linked_identities"
	ReasonNoAdminRights      DecisionReason = "no_admin_rights"
	ReasonLookupFailed       DecisionReason = "lookup_failed"
)

// Decision is the resolver's answer. A denial is a value, not an error.
type Decision struct {
	Granted bool           `json:"granted"`
	Reason  DecisionReason `json:"reason"`
	// Identity is the platform user whose admin fact granted access.
	Identity int64 `json:"identity,omitempty"`
}

func deny(reason DecisionReason) Decision {
	return Decision{Reason: reason}
}

// AccessSnapshot is everything the resolver reads, captured up front.
type AccessSnapshot struct {
	// Elevated lists the org's owner and admin user ids.
	Elevated []string
	// Links maps user ids to their platform identity.
	Links map[string]int64
	// Facts holds the valid admin facts for the pairs being checked.
	Facts adminrights.Facts
}

// Identities returns the distinct platform identities of elevated members,
// sorted ascending.
func (s AccessSnapshot) Identities() []int64 {
	seen := make(map[int64]struct{}, len(s.Elevated))
	ids := make([]int64, 0, len(s.Elevated))
	for _, userID := range s.Elevated {
		id, ok := s.Links[userID]
		if !ok || id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Resolve decides whether the org controls chatID. It is pure.
func Resolve(s AccessSnapshot, chatID int64) Decision {
	if len(s.Elevated) == 0 {
		return deny(ReasonNoElevatedMembers)
	}
	identities := s.Identities()
	if len(identities) == 0 {
		return deny(ReasonNoLinkedIdentities)
	}
	for _, id := range identities {
		if s.Facts.IsAdmin(chatID, id) {
			return Decision{Granted: true, Reason: ReasonGranted, Identity: id}
		}
	}
	return deny(ReasonNoAdminRights)
}

// ResolveBatch returns the chats among chatIDs that Resolve would grant, in
// input order and without duplicates.
func ResolveBatch(s AccessSnapshot, chatIDs []int64) []int64 {
	identities := s.Identities()
	granted := bitset.New(uint(len(chatIDs)))
	if len(s.Elevated) > 0 && len(identities) > 0 {
		for i, chatID := range chatIDs {
			for _, id := range identities {
				if s.Facts.IsAdmin(chatID, id) {
					granted.Set(uint(i))
					break
				}
			}
		}
	}

	result := make([]int64, 0, granted.Count())
	seen := make(map[int64]struct{}, granted.Count())
	for i, ok := granted.NextSet(0); ok; i, ok = granted.NextSet(i + 1) {
		chatID := chatIDs[i]
		if _, dup := seen[chatID]; dup {
			continue
		}
		seen[chatID] = struct{}{}
		result = append(result, chatID)
	}
	return result
}

// keysFor lists every (chat, identity) pair to look up.
func keysFor(identities []int64, chatIDs []int64) []adminrights.Key {
	keys := make([]adminrights.Key, 0, len(identities)*len(chatIDs))
	for _, chatID := range chatIDs {
		for _, id := range identities {
			keys = append(keys, adminrights.Key{ChatID: chatID, UserID: id})
		}
	}
	return keys
}

// IAccessService answers "does org O currently control chat C". It reads
// only local stores and never calls the messaging platform.
type IAccessService interface {
	ResolveAccess(ctx context.Context, orgID string, chatID int64) Decision
	ResolveAccessBatch(ctx context.Context, orgID string, chatIDs []int64) ([]int64, error)
}

// AccessService implements IAccessService
type AccessService struct {
	members repository.IMembershipRepository
	links   repository.IIdentityLinkRepository
	rights  adminrights.Store
	log     *logger.Logger
}

// NewAccessService creates a new IAccessService instance
func NewAccessService(
	members repository.IMembershipRepository,
	links repository.IIdentityLinkRepository,
	rights adminrights.Store,
	log *logger.Logger,
) *AccessService {
	return &AccessService{
		members: members,
		links:   links,
		rights:  rights,
		log:     log.Named("access"),
	}
}

// snapshot fetches membership and links once. Facts are filled by callers.
func (s *AccessService) snapshot(ctx context.Context, orgID string) (AccessSnapshot, error) {
	elevated, err := s.members.ElevatedMembers(ctx, orgID)
	if err != nil {
		return AccessSnapshot{}, err
	}
	if len(elevated) == 0 {
		return AccessSnapshot{}, nil
	}
	links, err := s.links.FindByUserIDs(ctx, elevated)
	if err != nil {
		return AccessSnapshot{}, err
	}
	return AccessSnapshot{Elevated: elevated, Links: links}, nil
}

func (s *AccessService) ResolveAccess(ctx context.Context, orgID string, chatID int64) Decision {
	snap, err := s.snapshot(ctx, orgID)
	if err != nil {
		s.log.WarnContext(ctx, "access snapshot failed", logger.OrgID(orgID), logger.ChatID(chatID), zap.Error(err))
		return deny(ReasonLookupFailed)
	}
	snap.Facts = s.rights.Snapshot(ctx, keysFor(snap.Identities(), []int64{chatID}))
	return Resolve(snap, chatID)
}

// ResolveAccessBatch runs one membership fetch, one link fetch and one
// admin-rights snapshot for all chats.
func (s *AccessService) ResolveAccessBatch(ctx context.Context, orgID string, chatIDs []int64) ([]int64, error) {
	if len(chatIDs) > MaxBatchChats {
		return nil, ErrBatchTooLarge
	}
	if len(chatIDs) == 0 {
		return []int64{}, nil
	}
	snap, err := s.snapshot(ctx, orgID)
	if err != nil {
		s.log.WarnContext(ctx, "access snapshot failed", logger.OrgID(orgID), zap.Int("chats", len(chatIDs)), zap.Error(err))
		return []int64{}, nil
	}
	snap.Facts = s.rights.Snapshot(ctx, keysFor(snap.Identities(), chatIDs))
	return ResolveBatch(snap, chatIDs), nil
}
