package generator

import (
	"fmt"
	"time"
)

// TimestampBits is fixed at 41, giving roughly 69 years from the epoch.
const TimestampBits = 41

const (
	// DefaultEpochMs is 2024-01-01T00:00:00Z. A recent epoch maximizes the
	// usable lifetime of the 41-bit timestamp field.
	DefaultEpochMs int64 = 1704067200000

	DefaultNodeBits uint = 10
	DefaultSeqBits  uint = 12
)

// ID is a snowflake identifier: [1 zero][41 timestamp][B node][S sequence],
// big-endian, safely representable and comparable as a plain integer and
// sortable by creation order within millisecond-node granularity.
type ID int64

// Layout describes how the 64 bits of an ID are split. NodeBits plus SeqBits
// must equal 22 so the timestamp keeps its 41 bits and the sign bit stays
// zero.
type Layout struct {
	EpochMs  int64
	NodeBits uint
	SeqBits  uint
}

func DefaultLayout() Layout {
	return Layout{EpochMs: DefaultEpochMs, NodeBits: DefaultNodeBits, SeqBits: DefaultSeqBits}
}

func (l Layout) Validate() error {
	if l.NodeBits == 0 || l.SeqBits == 0 {
		return fmt.Errorf("node and sequence bit widths must be positive, got (%d, %d)", l.NodeBits, l.SeqBits)
	}
	if l.NodeBits+l.SeqBits+TimestampBits != 63 {
		return fmt.Errorf("bit split (%d, %d) does not fill 63 bits with a 41-bit timestamp", l.NodeBits, l.SeqBits)
	}
	if l.EpochMs <= 0 || l.EpochMs > time.Now().UnixMilli() {
		return fmt.Errorf("epoch %d must be a positive timestamp in the past", l.EpochMs)
	}
	return nil
}

// MaxNode returns the largest valid node id, 2^B - 1.
func (l Layout) MaxNode() int64 {
	return (1 << l.NodeBits) - 1
}

// MaxSequence returns the largest per-millisecond sequence value, 2^S - 1.
func (l Layout) MaxSequence() int64 {
	return (1 << l.SeqBits) - 1
}

// Compose packs an absolute millisecond timestamp, node id, and sequence
// into an ID. The timestamp is stored relative to the epoch.
func (l Layout) Compose(timestampMs, node, seq int64) ID {
	rel := timestampMs - l.EpochMs
	return ID(rel<<(l.NodeBits+l.SeqBits) | node<<l.SeqBits | seq)
}

// Time extracts the creation time of id.
func (l Layout) Time(id ID) time.Time {
	rel := int64(id) >> (l.NodeBits + l.SeqBits)
	return time.UnixMilli(rel + l.EpochMs)
}

// Node extracts the node id of id.
func (l Layout) Node(id ID) int64 {
	return (int64(id) >> l.SeqBits) & l.MaxNode()
}

// Sequence extracts the per-millisecond sequence of id.
func (l Layout) Sequence(id ID) int64 {
	return int64(id) & l.MaxSequence()
}
