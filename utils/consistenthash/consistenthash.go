// Package consistenthash places keys on a ring of named nodes so that adding
// or removing a node moves only that node's share of the keys.
package consistenthash

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/twmb/murmur3"
)

type Hash func(data []byte) uint32

// Ring is safe for concurrent use.
type Ring struct {
	mu       sync.RWMutex
	hash     Hash
	replicas int
	keys     []uint32
	hashMap  map[uint32]string
	nodes    map[string]struct{}
}

// New creates a ring with replicas virtual points per node. A nil fn selects
// 32-bit murmur3.
func New(replicas int, fn Hash) *Ring {
	if fn == nil {
		fn = murmur3.Sum32
	}
	if replicas <= 0 {
		replicas = 50
	}
	return &Ring{
		replicas: replicas,
		hash:     fn,
		hashMap:  make(map[uint32]string),
		nodes:    make(map[string]struct{}),
	}
}

func (r *Ring) Add(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range nodes {
		if _, ok := r.nodes[node]; ok || node == "" {
			continue
		}
		r.nodes[node] = struct{}{}
		for i := 0; i < r.replicas; i++ {
			h := r.hash(fmt.Appendf(nil, "%s#%d", node, i))
			r.keys = append(r.keys, h)
			r.hashMap[h] = node
		}
	}
	slices.Sort(r.keys)
}

func (r *Ring) Remove(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range nodes {
		if _, ok := r.nodes[node]; !ok {
			continue
		}
		delete(r.nodes, node)
		for i := 0; i < r.replicas; i++ {
			h := r.hash(fmt.Appendf(nil, "%s#%d", node, i))
			if r.hashMap[h] == node {
				delete(r.hashMap, h)
			}
		}
	}

	r.keys = r.keys[:0]
	for h := range r.hashMap {
		r.keys = append(r.keys, h)
	}
	slices.Sort(r.keys)
}

// Get returns the node owning key, or "" for an empty ring.
func (r *Ring) Get(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return ""
	}
	h := r.hash([]byte(key))
	idx := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] >= h })
	if idx == len(r.keys) {
		idx = 0
	}
	return r.hashMap[r.keys[idx]]
}

// Nodes returns the real nodes in sorted order.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.nodes))
	for node := range r.nodes {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}

func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
