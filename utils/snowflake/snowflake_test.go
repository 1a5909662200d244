package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestNewGenerator(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{name: "defaults", config: Config{NodeID: 1}},
		{name: "max node", config: Config{NodeID: 1023}},
		{name: "node too large", config: Config{NodeID: 1024}, wantErr: ErrInvalidNodeID},
		{name: "negative node", config: Config{NodeID: -1}, wantErr: ErrInvalidNodeID},
		{name: "narrow node", config: Config{NodeID: 8, NodeBits: 3}, wantErr: ErrInvalidNodeID},
		{name: "too many bits", config: Config{NodeBits: 12, SequenceBits: 12}, wantErr: ErrInvalidBitAllocation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGenerator(tt.config)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, g)
		})
	}
}

func TestNextID_EncodesParts(t *testing.T) {
	clock := &manualClock{now: base}
	g, err := NewGenerator(Config{NodeID: 7, Now: clock.Now})
	require.NoError(t, err)

	first, err := g.NextID()
	require.NoError(t, err)
	second, err := g.NextID()
	require.NoError(t, err)

	ts, node, seq := g.Parse(first)
	assert.Equal(t, base.UnixMilli(), ts)
	assert.Equal(t, int64(7), node)
	assert.Equal(t, int64(0), seq)

	_, _, seq = g.Parse(second)
	assert.Equal(t, int64(1), seq)
	assert.True(t, second > first)
	assert.Equal(t, base, g.Time(second))
}

func TestNextID_SequenceResetsOnNewMillisecond(t *testing.T) {
	clock := &manualClock{now: base}
	g, err := NewGenerator(Config{Now: clock.Now})
	require.NoError(t, err)

	_, err = g.NextID()
	require.NoError(t, err)
	_, err = g.NextID()
	require.NoError(t, err)

	clock.Set(base.Add(time.Millisecond))
	id, err := g.NextID()
	require.NoError(t, err)
	_, _, seq := g.Parse(id)
	assert.Equal(t, int64(0), seq)
}

func TestNextID_ClockMovedBackwards(t *testing.T) {
	clock := &manualClock{now: base}
	g, err := NewGenerator(Config{Now: clock.Now})
	require.NoError(t, err)

	_, err = g.NextID()
	require.NoError(t, err)

	clock.Set(base.Add(-time.Second))
	_, err = g.NextID()
	assert.ErrorIs(t, err, ErrClockMovedBackwards)
}

func TestNextID_BeforeEpoch(t *testing.T) {
	g, err := NewGenerator(Config{Now: func() time.Time { return time.UnixMilli(Epoch - 1) }})
	require.NoError(t, err)

	_, err = g.NextID()
	assert.ErrorIs(t, err, ErrBeforeEpoch)
}

func TestNextID_SequenceOverflowWaits(t *testing.T) {
	var calls int
	now := func() time.Time {
		calls++
		// the first five reads see the same millisecond, later reads the next one
		if calls <= 5 {
			return base
		}
		return base.Add(time.Millisecond)
	}
	g, err := NewGenerator(Config{SequenceBits: 2, Now: now})
	require.NoError(t, err)

	var last int64
	for i := 0; i < 5; i++ {
		id, err := g.NextID()
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
	assert.Equal(t, base.Add(time.Millisecond), g.Time(last))
}

func TestNextID_Concurrent(t *testing.T) {
	g, err := NewGenerator(Config{NodeID: 3})
	require.NoError(t, err)

	const goroutines, perGoroutine = 8, 500
	var (
		mu  sync.Mutex
		ids = make(map[int64]struct{}, goroutines*perGoroutine)
		wg  sync.WaitGroup
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perGoroutine)
			for range perGoroutine {
				id, err := g.NextID()
				if err != nil {
					return
				}
				local = append(local, id)
			}
			mu.Lock()
			for _, id := range local {
				ids[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, goroutines*perGoroutine)
}
