// Package generator mints time-ordered 64-bit snowflake IDs for a single
// node-id owner. All cross-process coordination happens beforehand in the
// lease package; minting itself is purely local.
package generator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/keygridhq/mint/internal/telemetry"
)

var (
	// ErrNodeIDExpired means the node-id lease lapsed without renewal.
	// Minting must stop: a new owner of the slot may already be issuing IDs
	// with the same node bits.
	ErrNodeIDExpired = errors.New("node id lease expired")

	// ErrClockRegression mirrors clock.ErrRegression at the minting layer:
	// the timestamp source went backwards past tolerance and no further IDs
	// can be ordered safely.
	ErrClockRegression = errors.New("timestamp source regressed")
)

// Clock is the guarded timestamp source. Implemented by clock.Guard.
type Clock interface {
	Now() (int64, error)
}

// NodeLease reports node-id ownership. Implemented by lease.Manager; the
// StaticNode helper covers degraded operation without a lease.
type NodeLease interface {
	NodeID() int64
	Live(nowMs int64) bool
}

// StaticNode is a NodeLease that never expires. Used in degraded mode when
// the shared cache is unreachable and the node id was derived locally.
type StaticNode int64

func (n StaticNode) NodeID() int64   { return int64(n) }
func (n StaticNode) Live(int64) bool { return true }

// Generator issues strictly increasing IDs for one owned node id. Minting is
// a single-writer critical section: concurrent callers serialize on an
// internal mutex so no two observe the same (timestamp, sequence) pair.
type Generator struct {
	layout  Layout
	clock   Clock
	lease   NodeLease
	node    int64 // snapshot taken at construction; lease identity never changes afterwards
	emitter telemetry.Emitter

	mu     sync.Mutex
	lastMs int64
	seq    int64
}

func New(layout Layout, clk Clock, lease NodeLease, emitter telemetry.Emitter) (*Generator, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	node := lease.NodeID()
	if node < 0 || node > layout.MaxNode() {
		return nil, fmt.Errorf("node id %d out of range [0, %d]", node, layout.MaxNode())
	}
	if emitter == nil {
		emitter = telemetry.Nop{}
	}
	return &Generator{
		layout:  layout,
		clock:   clk,
		lease:   lease,
		node:    node,
		emitter: emitter,
	}, nil
}

// Next mints one ID. It fails with ErrNodeIDExpired once the lease has
// lapsed and with ErrClockRegression if the clock went backwards past
// tolerance; it never returns a duplicate or non-monotonic ID.
func (g *Generator) Next(ctx context.Context) (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next(ctx)
}

// NextN mints up to n IDs in one critical section. All-or-nothing: a lease
// or clock failure mid-batch discards the whole batch.
func (g *Generator) NextN(ctx context.Context, n int) ([]ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]ID, 0, n)
	for range n {
		id, err := g.next(ctx)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// next implements the per-call state machine. Caller holds g.mu.
func (g *Generator) next(ctx context.Context) (ID, error) {
	if !g.lease.Live(time.Now().UnixMilli()) {
		g.emitter.RecordCounter(ctx, "ids.rejected.expired", 1)
		return 0, ErrNodeIDExpired
	}

	now, err := g.clock.Now()
	if err != nil {
		g.emitter.RecordEvent(ctx, "clock.regression.fatal",
			attribute.Int64("last_ms", g.lastMs))
		return 0, fmt.Errorf("%w: %v", ErrClockRegression, err)
	}

	switch {
	case now == g.lastMs:
		g.seq++
		if g.seq > g.layout.MaxSequence() {
			// Sequence exhausted for this millisecond: wait for the clock
			// to advance. Internal only, never surfaced to the caller.
			now, err = g.waitNextMs(ctx)
			if err != nil {
				return 0, err
			}
			g.lastMs = now
			g.seq = 0
		}
	case now > g.lastMs:
		g.lastMs = now
		g.seq = 0
	default:
		// The guard already filters regressions; hitting this means the
		// ordering invariant is about to break, so refuse outright.
		g.emitter.RecordEvent(ctx, "clock.regression.fatal",
			attribute.Int64("last_ms", g.lastMs),
			attribute.Int64("now_ms", now))
		return 0, ErrClockRegression
	}

	g.emitter.RecordCounter(ctx, "ids.minted", 1,
		attribute.Int64("node", g.node))
	return g.layout.Compose(g.lastMs, g.node, g.seq), nil
}

// waitNextMs spins until the guarded clock passes g.lastMs.
func (g *Generator) waitNextMs(ctx context.Context) (int64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		now, err := g.clock.Now()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrClockRegression, err)
		}
		if now > g.lastMs {
			return now, nil
		}
		runtime.Gosched()
	}
}
