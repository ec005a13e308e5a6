package lease_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/keygridhq/mint/internal/lease"
)

func testConfig(slots int64) lease.ManagerConfig {
	return lease.ManagerConfig{
		Namespace:       "test-lease",
		Slots:           slots,
		TTL:             time.Second,
		RenewFraction:   1.0 / 3.0,
		AcquireDeadline: 300 * time.Millisecond,
		CallTimeout:     100 * time.Millisecond,
		BackoffBase:     10 * time.Millisecond,
		BackoffCap:      50 * time.Millisecond,
	}
}

var _ = Describe("Manager", func() {
	var (
		ctx     context.Context
		cache   *fakeCache
		emitter *recordingEmitter
	)

	BeforeEach(func() {
		ctx = context.Background()
		cache = newFakeCache()
		emitter = newRecordingEmitter()
	})

	Describe("Acquire", func() {
		It("claims a free slot and reports it", func() {
			mgr := lease.NewManager(cache, emitter, testConfig(16))

			slot, err := mgr.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(slot).To(SatisfyAll(BeNumerically(">=", 0), BeNumerically("<", 16)))
			Expect(mgr.NodeID()).To(Equal(slot))

			_, held := cache.ownerOf(fmt.Sprintf("test-lease:%d", slot))
			Expect(held).To(BeTrue())
			Expect(emitter.eventNames()).To(ContainElement("lease.acquired"))
			Expect(emitter.counter("lease.acquire.success")).To(Equal(int64(1)))
		})

		It("grants each concurrent claimant a distinct slot", func() {
			const workers = 8
			slots := make([]int64, workers)

			var wg sync.WaitGroup
			for i := range workers {
				mgr := lease.NewManager(cache, emitter, testConfig(workers))
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					slot, err := mgr.Acquire(ctx)
					Expect(err).NotTo(HaveOccurred())
					slots[i] = slot
				}()
			}
			wg.Wait()

			seen := make(map[int64]bool)
			for _, s := range slots {
				Expect(seen[s]).To(BeFalse(), "slot %d claimed twice", s)
				seen[s] = true
			}
		})

		It("fails with LeaseUnavailable when every slot is owned", func() {
			for i := range int64(4) {
				cache.seize(fmt.Sprintf("test-lease:%d", i), "someone-else", time.Minute)
			}

			mgr := lease.NewManager(cache, emitter, testConfig(4))
			_, err := mgr.Acquire(ctx)
			Expect(err).To(MatchError(lease.ErrLeaseUnavailable))
			Expect(emitter.eventNames()).To(ContainElement("lease.unavailable"))
		})

		It("reclaims a slot whose previous lease expired", func() {
			cache.seize("test-lease:0", "dead-process", 500*time.Millisecond)
			cache.advance(time.Second)

			mgr := lease.NewManager(cache, emitter, testConfig(1))
			slot, err := mgr.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(slot).To(Equal(int64(0)))
		})

		It("dates the local expiry from before the cache write", func() {
			cfg := testConfig(1)
			cfg.TTL = 100 * time.Millisecond
			cfg.AcquireDeadline = time.Second
			cache.delayResponses(250 * time.Millisecond)

			mgr := lease.NewManager(cache, emitter, cfg)
			slot, err := mgr.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(slot).To(Equal(int64(0)))

			// The server-side TTL ran out while the response was in flight,
			// so this manager must not report ownership past it.
			Expect(mgr.Live(time.Now().UnixMilli())).To(BeFalse())

			// A successor reclaims the expired slot; at no point do both
			// managers report live for the same slot.
			cache.delayResponses(0)
			next := lease.NewManager(cache, emitter, testConfig(1))
			nextSlot, err := next.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(nextSlot).To(Equal(int64(0)))
			Expect(next.Live(time.Now().UnixMilli())).To(BeTrue())
			Expect(mgr.Live(time.Now().UnixMilli())).To(BeFalse())
		})

		It("retries through transient cache failures until the deadline", func() {
			boom := errors.New("connection refused")
			cache.fail(boom)

			mgr := lease.NewManager(cache, emitter, testConfig(4))
			started := time.Now()
			_, err := mgr.Acquire(ctx)
			Expect(err).To(MatchError(lease.ErrLeaseUnavailable))
			// Should have kept retrying with backoff, not failed on first pass.
			Expect(time.Since(started)).To(BeNumerically(">=", 250*time.Millisecond))
			Expect(emitter.counter("lease.acquire.failure")).To(BeNumerically(">", 1))
		})
	})

	Describe("Renew", func() {
		It("extends an owned lease", func() {
			mgr := lease.NewManager(cache, emitter, testConfig(4))
			_, err := mgr.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())

			before := mgr.ExpiresAt()
			time.Sleep(5 * time.Millisecond)
			Expect(mgr.Renew(ctx)).To(Succeed())
			Expect(mgr.ExpiresAt()).To(BeTemporally(">", before))
			Expect(emitter.eventNames()).To(ContainElement("lease.renewed"))
		})

		It("returns LeaseLost when another owner took the slot", func() {
			mgr := lease.NewManager(cache, emitter, testConfig(4))
			slot, err := mgr.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())

			cache.seize(fmt.Sprintf("test-lease:%d", slot), "usurper", time.Minute)

			Expect(mgr.Renew(ctx)).To(MatchError(lease.ErrLeaseLost))
			Expect(mgr.Live(time.Now().UnixMilli())).To(BeFalse())
			Expect(emitter.eventNames()).To(ContainElement("lease.renew.failed"))
			Expect(emitter.eventNames()).To(ContainElement("lease.lost"))
		})

		It("surfaces cache errors without declaring the lease lost", func() {
			mgr := lease.NewManager(cache, emitter, testConfig(4))
			_, err := mgr.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())

			cache.fail(errors.New("timeout"))
			renewErr := mgr.Renew(ctx)
			Expect(renewErr).To(HaveOccurred())
			Expect(errors.Is(renewErr, lease.ErrLeaseLost)).To(BeFalse())
			Expect(emitter.eventNames()).To(ContainElement("lease.renew.failed"))
			// Still inside the TTL: ownership stands until expiry.
			Expect(mgr.Live(time.Now().UnixMilli())).To(BeTrue())
		})

		It("rejects renewal without a lease", func() {
			mgr := lease.NewManager(cache, emitter, testConfig(4))
			Expect(mgr.Renew(ctx)).To(MatchError(lease.ErrNoLease))
		})
	})

	Describe("Release", func() {
		It("frees the slot for immediate reuse", func() {
			mgr := lease.NewManager(cache, emitter, testConfig(1))
			slot, err := mgr.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(slot).To(Equal(int64(0)))

			Expect(mgr.Release(ctx)).To(Succeed())
			Expect(mgr.NodeID()).To(Equal(int64(-1)))
			Expect(mgr.Live(time.Now().UnixMilli())).To(BeFalse())

			// A successor claims slot 0 without waiting out the TTL.
			next := lease.NewManager(cache, emitter, testConfig(1))
			slot, err = next.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(slot).To(Equal(int64(0)))
		})

		It("never deletes a successor's lease", func() {
			mgr := lease.NewManager(cache, emitter, testConfig(1))
			slot, err := mgr.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())

			key := fmt.Sprintf("test-lease:%d", slot)
			cache.seize(key, "successor", time.Minute)

			_ = mgr.Release(ctx)
			owner, held := cache.ownerOf(key)
			Expect(held).To(BeTrue())
			Expect(owner).To(Equal("successor"))
		})
	})

	Describe("Live", func() {
		It("expires without renewal", func() {
			cfg := testConfig(4)
			cfg.TTL = 30 * time.Millisecond
			mgr := lease.NewManager(cache, emitter, cfg)

			_, err := mgr.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.Live(time.Now().UnixMilli())).To(BeTrue())

			Eventually(func() bool {
				return mgr.Live(time.Now().UnixMilli())
			}, time.Second, 10*time.Millisecond).Should(BeFalse())
		})
	})

	Describe("Run", func() {
		It("renews periodically until stopped", func() {
			cfg := testConfig(4)
			cfg.TTL = 90 * time.Millisecond
			mgr := lease.NewManager(cache, emitter, cfg)

			_, err := mgr.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go mgr.Run(runCtx)

			Eventually(func() int64 {
				return emitter.counter("lease.renew.success")
			}, time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 2))

			mgr.Stop()
			Expect(mgr.Live(time.Now().UnixMilli())).To(BeTrue())
		})

		It("exits once the lease is lost", func() {
			cfg := testConfig(4)
			cfg.TTL = 90 * time.Millisecond
			mgr := lease.NewManager(cache, emitter, cfg)

			slot, err := mgr.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan struct{})
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				mgr.Run(runCtx)
				close(done)
			}()

			cache.seize(fmt.Sprintf("test-lease:%d", slot), "usurper", time.Minute)

			Eventually(done, time.Second).Should(BeClosed())
			Expect(mgr.Live(time.Now().UnixMilli())).To(BeFalse())
		})
	})
})
