package consistenthash

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRing_Empty(t *testing.T) {
	r := New(10, nil)
	assert.Equal(t, "", r.Get("anything"))
	assert.Zero(t, r.Size())
}

func TestRing_AddIgnoresDuplicatesAndBlank(t *testing.T) {
	r := New(10, nil)
	r.Add("a", "b", "a", "")
	assert.Equal(t, 2, r.Size())
	assert.Equal(t, []string{"a", "b"}, r.Nodes())
	assert.Len(t, r.keys, 20)
}

func TestRing_CustomHash(t *testing.T) {
	// identity-like hash over the decimal suffix makes placement predictable
	hash := func(data []byte) uint32 {
		n, _ := strconv.Atoi(string(data))
		return uint32(n)
	}
	r := New(1, func(data []byte) uint32 {
		switch string(data) {
		case "low#0":
			return 10
		case "high#0":
			return 100
		}
		return hash(data)
	})
	r.Add("low", "high")

	assert.Equal(t, "low", r.Get("5"))
	assert.Equal(t, "high", r.Get("50"))
	// wraps around past the last point
	assert.Equal(t, "low", r.Get("500"))
}

func TestRing_Remove(t *testing.T) {
	r := New(20, nil)
	r.Add("a", "b", "c")
	r.Remove("b", "missing")

	require.Equal(t, []string{"a", "c"}, r.Nodes())
	assert.Len(t, r.keys, 40)
	for i := range 200 {
		assert.NotEqual(t, "b", r.Get(strconv.Itoa(i)))
	}
}

func TestRing_Distribution(t *testing.T) {
	r := New(100, nil)
	r.Add("a", "b", "c")

	counts := map[string]int{}
	for i := range 3000 {
		counts[r.Get(strconv.Itoa(-1000000-i))]++
	}
	for node, n := range counts {
		assert.Greater(t, n, 500, "node %s is underloaded", node)
	}
}

func TestProperty_RemovalOnlyMovesRemovedKeys(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nodes := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{3,8}`), 2, 6, rapid.ID[string]).Draw(t, "nodes")
		keys := rapid.SliceOfN(rapid.Int64(), 1, 50).Draw(t, "keys")
		victim := nodes[rapid.IntRange(0, len(nodes)-1).Draw(t, "victim")]

		r := New(30, nil)
		r.Add(nodes...)
		before := make(map[int64]string, len(keys))
		for _, k := range keys {
			before[k] = r.Get(strconv.FormatInt(k, 10))
		}

		r.Remove(victim)
		for _, k := range keys {
			after := r.Get(strconv.FormatInt(k, 10))
			if before[k] != victim && after != before[k] {
				t.Fatalf("key %d moved from %s to %s", k, before[k], after)
			}
			if after == victim {
				t.Fatalf("key %d still on removed node", k)
			}
		}
	})
}
