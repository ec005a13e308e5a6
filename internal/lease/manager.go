// Package lease coordinates node-id ownership between independent worker
// processes through a shared cache.
//
// Every worker that wants to mint snowflake IDs first claims one of 2^B small
// integer slots. A claim is a lease: a cache record carrying an opaque owner
// token with a TTL, renewed by a background loop, and reclaimable by anyone
// once it expires. At most one live owner exists per slot at any instant;
// that is the whole uniqueness story across processes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keygridhq/mint/common/logger"
	"github.com/keygridhq/mint/internal/telemetry"
)

// ManagerConfig carries lease timing and identity parameters.
type ManagerConfig struct {
	Namespace       string        // cache key prefix, e.g. "nodeid-lease"
	Slots           int64         // number of candidate slots (1 << NodeBits)
	TTL             time.Duration // lease lifetime per renewal
	RenewFraction   float64       // renew every TTL*fraction; 1/3 gives two shots before expiry
	AcquireDeadline time.Duration // total budget for Acquire, across retries
	CallTimeout     time.Duration // per cache call timeout during renewal/release
	BackoffBase     time.Duration // first retry delay inside Acquire
	BackoffCap      time.Duration // retry delay ceiling
}

func (c *ManagerConfig) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "nodeid-lease"
	}
	if c.Slots <= 0 {
		c.Slots = 1024
	}
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	if c.RenewFraction <= 0 || c.RenewFraction >= 1 {
		c.RenewFraction = 1.0 / 3.0
	}
	if c.AcquireDeadline <= 0 {
		c.AcquireDeadline = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Second
	}
}

// Manager owns at most one node-id lease on behalf of its process. The owner
// token is unique per Manager instance, so a restarted process never mistakes
// its predecessor's lease for its own.
type Manager struct {
	cache   Cache
	emitter telemetry.Emitter
	cfg     ManagerConfig
	owner   string

	mu     sync.Mutex
	nodeID int64 // -1 while no slot is held

	// Read by the generator on every mint; written only here.
	expiresAtMs atomic.Int64
	lost        atomic.Bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewManager(cache Cache, emitter telemetry.Emitter, cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	if emitter == nil {
		emitter = telemetry.Nop{}
	}
	return &Manager{
		cache:     cache,
		emitter:   emitter,
		cfg:       cfg,
		owner:     uuid.NewString(),
		nodeID:    -1,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Acquire claims the first free slot, scanning from a random start offset
// with sequential wrap-around so every slot is visited once per pass. Passes
// are retried with capped-doubling backoff until the configured deadline,
// then it fails with ErrLeaseUnavailable.
func (m *Manager) Acquire(ctx context.Context) (int64, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "mint.lease.manager"})

	sc := logger.StartSpan(ctx, "lease.acquire")
	defer sc.End()
	ctx = sc.Context()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.AcquireDeadline)
	defer cancel()

	started := time.Now()
	backoff := m.cfg.BackoffBase
	var lastErr error

	for attempt := 1; ; attempt++ {
		slot, claimedAt, err := m.scanOnce(ctx)
		if err == nil {
			m.mu.Lock()
			m.nodeID = slot
			m.mu.Unlock()
			m.lost.Store(false)
			m.expiresAtMs.Store(claimedAt.Add(m.cfg.TTL).UnixMilli())

			latency := time.Since(started)
			m.emitter.RecordEvent(ctx, "lease.acquired",
				attribute.Int64("slot", slot),
				attribute.Int("attempt", attempt),
				attribute.Int64("latency_ms", latency.Milliseconds()))
			m.emitter.RecordCounter(ctx, "lease.acquire.success", 1)
			slog.InfoContext(ctx, "node id lease acquired",
				"slot", slot, "attempt", attempt, "latency", latency, "ttl", m.cfg.TTL)
			return slot, nil
		}
		lastErr = err
		sc.RecordError(err)
		m.emitter.RecordCounter(ctx, "lease.acquire.failure", 1)
		slog.WarnContext(ctx, "lease acquisition pass failed",
			"attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			m.emitter.RecordEvent(ctx, "lease.unavailable",
				attribute.Int("attempts", attempt),
				attribute.Int64("latency_ms", time.Since(started).Milliseconds()))
			return -1, fmt.Errorf("%w: after %d attempts: %v", ErrLeaseUnavailable, attempt, lastErr)
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, m.cfg.BackoffCap)
	}
}

// scanOnce visits every slot once. Returns the claimed slot and the time the
// claim was issued, ErrLeaseUnavailable when all slots are live and owned by
// others, or the wrapped cache error on I/O failure.
func (m *Manager) scanOnce(ctx context.Context) (int64, time.Time, error) {
	start := rand.Int64N(m.cfg.Slots)
	for i := int64(0); i < m.cfg.Slots; i++ {
		if err := ctx.Err(); err != nil {
			return -1, time.Time{}, err
		}
		slot := (start + i) % m.cfg.Slots
		// The server-side TTL starts when the write lands, which may be up
		// to a full round trip before the response arrives. Dating the local
		// expiry from before the call keeps it at or ahead of the real one.
		claimedAt := time.Now()
		ok, err := m.cache.SetIfAbsentOrExpired(ctx, m.key(slot), m.owner, m.cfg.TTL)
		if err != nil {
			return -1, time.Time{}, err
		}
		if ok {
			return slot, claimedAt, nil
		}
	}
	return -1, time.Time{}, ErrLeaseUnavailable
}

// Renew extends the TTL of the owned record if the stored owner token still
// matches. A mismatch means another owner claimed the slot after our lease
// lapsed; that is fatal to the current generator state.
func (m *Manager) Renew(ctx context.Context) error {
	slot := m.NodeID()
	if slot < 0 {
		return ErrNoLease
	}

	started := time.Now()
	ok, err := m.cache.CompareAndExtend(ctx, m.key(slot), m.owner, m.cfg.TTL)
	if err != nil {
		m.emitter.RecordEvent(ctx, "lease.renew.failed",
			attribute.Int64("slot", slot),
			attribute.Int64("latency_ms", time.Since(started).Milliseconds()))
		m.emitter.RecordCounter(ctx, "lease.renew.error", 1, attribute.Int64("slot", slot))
		return err
	}
	if !ok {
		m.emitter.RecordEvent(ctx, "lease.renew.failed",
			attribute.Int64("slot", slot),
			attribute.Int64("latency_ms", time.Since(started).Milliseconds()))
		m.markLost(ctx, slot, "owner token mismatch")
		return ErrLeaseLost
	}

	m.expiresAtMs.Store(started.Add(m.cfg.TTL).UnixMilli())
	m.emitter.RecordEvent(ctx, "lease.renewed",
		attribute.Int64("slot", slot),
		attribute.Int64("latency_ms", time.Since(started).Milliseconds()))
	m.emitter.RecordCounter(ctx, "lease.renew.success", 1)
	return nil
}

// Release best-effort deletes the owned record so the slot frees up
// immediately instead of waiting out the TTL. Call on graceful shutdown,
// after the renewal loop has stopped. Failure only delays slot reuse.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	slot := m.nodeID
	if slot >= 0 {
		// The generator must refuse IDs before the slot identity changes,
		// so the loss flag flips ahead of clearing the node id.
		m.lost.Store(true)
		m.expiresAtMs.Store(0)
		m.nodeID = -1
	}
	m.mu.Unlock()
	if slot < 0 {
		return ErrNoLease
	}

	started := time.Now()
	if err := m.cache.Delete(ctx, m.key(slot), m.owner); err != nil {
		m.emitter.RecordCounter(ctx, "lease.release.error", 1, attribute.Int64("slot", slot))
		slog.WarnContext(ctx, "lease release failed, slot reclaims via ttl",
			"slot", slot, "error", err)
		return err
	}

	m.emitter.RecordEvent(ctx, "lease.released",
		attribute.Int64("slot", slot),
		attribute.Int64("latency_ms", time.Since(started).Milliseconds()))
	slog.InfoContext(ctx, "node id lease released", "slot", slot)
	return nil
}

// Run is the background renewal loop. It ticks at TTL*RenewFraction, so at
// least two renewal attempts happen before expiry and one missed cycle does
// not cost the lease. Blocks until Stop is called, the context is cancelled,
// or the lease is lost.
func (m *Manager) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "mint.lease.renewal",
		Slot:      logger.Ptr(m.NodeID()),
	})

	defer close(m.stoppedCh)

	interval := time.Duration(float64(m.cfg.TTL) * m.cfg.RenewFraction)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "lease renewal loop started",
		"interval", interval, "ttl", m.cfg.TTL, "slot", m.NodeID())

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			slog.InfoContext(ctx, "lease renewal loop stopping")
			return
		case <-ticker.C:
			if done := m.renewOnce(ctx); done {
				return
			}
		}
	}
}

// renewOnce runs a single renewal cycle. Returns true when the loop should
// exit because ownership is gone for good.
func (m *Manager) renewOnce(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	err := m.Renew(callCtx)
	switch {
	case err == nil:
		return false
	case isLost(err):
		slog.ErrorContext(ctx, "lease lost, renewal loop exiting", "slot", m.NodeID(), "error", err)
		return true
	default:
		// Transient cache trouble: the lease is at risk but still ours until
		// the TTL boundary. Past that boundary we must assume a new owner.
		if time.Now().UnixMilli() > m.expiresAtMs.Load() {
			m.markLost(ctx, m.NodeID(), "ttl elapsed during cache outage")
			return true
		}
		slog.WarnContext(ctx, "lease renewal failed, retrying next cycle", "error", err)
		return false
	}
}

func (m *Manager) markLost(ctx context.Context, slot int64, reason string) {
	m.lost.Store(true)
	m.emitter.RecordEvent(ctx, "lease.lost",
		attribute.Int64("slot", slot),
		attribute.String("reason", reason))
	m.emitter.RecordCounter(ctx, "lease.lost.total", 1)
	slog.ErrorContext(ctx, "node id lease lost", "slot", slot, "reason", reason)
}

// Stop signals the renewal loop to exit and waits for it.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.stoppedCh
}

// NodeID returns the currently held slot, or -1.
func (m *Manager) NodeID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodeID
}

// Live reports whether the lease still covers nowMs. The generator calls
// this at the top of every mint; once false, no further IDs may be issued
// from this slot because a new owner may already be minting on it.
func (m *Manager) Live(nowMs int64) bool {
	return !m.lost.Load() && nowMs <= m.expiresAtMs.Load()
}

// ExpiresAt returns the current lease expiry.
func (m *Manager) ExpiresAt() time.Time {
	return time.UnixMilli(m.expiresAtMs.Load())
}

func (m *Manager) key(slot int64) string {
	return fmt.Sprintf("%s:%d", m.cfg.Namespace, slot)
}

func isLost(err error) bool {
	return errors.Is(err, ErrLeaseLost)
}
