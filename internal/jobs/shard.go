package jobs

import (
	"strconv"

	"github.com/Gopher0727/Orbo/utils/consistenthash"
)

// Shard decides which chats this replica polls. A nil Shard, or one built
// without replicas, owns every chat.
type Shard struct {
	ring *consistenthash.Ring
	self string
}

func NewShard(self string, replicas []string) *Shard {
	if len(replicas) == 0 {
		return nil
	}
	ring := consistenthash.New(100, nil)
	ring.Add(replicas...)
	return &Shard{ring: ring, self: self}
}

func (s *Shard) Owns(chatID int64) bool {
	if s == nil {
		return true
	}
	return s.ring.Get(strconv.FormatInt(chatID, 10)) == s.self
}

func ownedChats(s *Shard, chatIDs []int64) []int64 {
	if s == nil {
		return chatIDs
	}
	owned := chatIDs[:0:0]
	for _, id := range chatIDs {
		if s.Owns(id) {
			owned = append(owned, id)
		}
	}
	return owned
}
