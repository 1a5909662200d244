// Package snowflake issues time-ordered 63-bit ids for append-only records
// such as group health events.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	// Epoch is 2026-01-01 00:00:00 UTC in milliseconds.
	Epoch int64 = 1767225600000

	DefaultNodeBits     uint8 = 10
	DefaultSequenceBits uint8 = 12

	maxLayoutBits = 22
)

var (
	ErrInvalidNodeID        = errors.New("node ID exceeds maximum value")
	ErrClockMovedBackwards  = errors.New("clock moved backwards")
	ErrInvalidBitAllocation = errors.New("invalid bit allocation: node and sequence bits must not exceed 22")
	ErrBeforeEpoch          = errors.New("clock is before the generator epoch")
)

// Config describes the id layout. Zero values select the defaults.
type Config struct {
	Epoch        int64
	NodeID       int64
	NodeBits     uint8
	SequenceBits uint8

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Generator is safe for concurrent use.
type Generator struct {
	mu sync.Mutex

	epoch        int64
	nodeID       int64
	nodeShift    uint8
	timeShift    uint8
	sequenceMask int64
	nodeMask     int64
	now          func() time.Time

	sequence      int64
	lastTimestamp int64
}

func NewGenerator(config Config) (*Generator, error) {
	if config.NodeBits == 0 {
		config.NodeBits = DefaultNodeBits
	}
	if config.SequenceBits == 0 {
		config.SequenceBits = DefaultSequenceBits
	}
	if config.Epoch == 0 {
		config.Epoch = Epoch
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.NodeBits+config.SequenceBits > maxLayoutBits {
		return nil, ErrInvalidBitAllocation
	}

	g := &Generator{
		epoch:        config.Epoch,
		nodeID:       config.NodeID,
		nodeShift:    config.SequenceBits,
		timeShift:    config.SequenceBits + config.NodeBits,
		sequenceMask: -1 ^ (-1 << config.SequenceBits),
		nodeMask:     -1 ^ (-1 << config.NodeBits),
		now:          config.Now,
	}
	if g.nodeID < 0 || g.nodeID > g.nodeMask {
		return nil, ErrInvalidNodeID
	}
	return g, nil
}

// NextID returns the next id. Ids from one generator are strictly increasing.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.millis()
	if timestamp < g.epoch {
		return 0, ErrBeforeEpoch
	}
	if timestamp < g.lastTimestamp {
		return 0, ErrClockMovedBackwards
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & g.sequenceMask
		if g.sequence == 0 {
			// sequence exhausted for this millisecond
			timestamp = g.waitNextMillis(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = timestamp

	return (timestamp-g.epoch)<<g.timeShift | g.nodeID<<g.nodeShift | g.sequence, nil
}

func (g *Generator) millis() int64 {
	return g.now().UnixMilli()
}

func (g *Generator) waitNextMillis(last int64) int64 {
	timestamp := g.millis()
	for timestamp <= last {
		time.Sleep(100 * time.Microsecond)
		timestamp = g.millis()
	}
	return timestamp
}

// Time returns the wall-clock millisecond encoded in id.
func (g *Generator) Time(id int64) time.Time {
	return time.UnixMilli((id >> g.timeShift) + g.epoch).UTC()
}

// Parse splits id into its timestamp, node and sequence parts.
func (g *Generator) Parse(id int64) (timestamp, nodeID, sequence int64) {
	return (id >> g.timeShift) + g.epoch, (id >> g.nodeShift) & g.nodeMask, id & g.sequenceMask
}
