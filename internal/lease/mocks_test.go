package lease_test

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

type fakeEntry struct {
	owner     string
	expiresAt time.Time
}

// fakeCache is an in-memory Cache with a manually driven clock, so expiry
// scenarios don't depend on real sleeps.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	now     time.Time
	err     error         // when set, every call fails with it
	delay   time.Duration // response latency after a claim is applied
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: make(map[string]fakeEntry),
		now:     time.Unix(1700000000, 0),
	}
}

func (c *fakeCache) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeCache) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// delayResponses makes claim responses lag behind the applied write, like a
// slow network path: the server-side TTL is already running while the caller
// is still waiting.
func (c *fakeCache) delayResponses(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// seize overwrites a slot with a different owner, simulating another process
// claiming it after our lease lapsed.
func (c *fakeCache) seize(key, owner string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = fakeEntry{owner: owner, expiresAt: c.now.Add(ttl)}
}

func (c *fakeCache) ownerOf(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.expiresAt.After(c.now) {
		return "", false
	}
	return e.owner, true
}

func (c *fakeCache) SetIfAbsentOrExpired(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return false, c.err
	}
	if e, ok := c.entries[key]; ok && e.expiresAt.After(c.now) {
		c.mu.Unlock()
		return false, nil
	}
	c.entries[key] = fakeEntry{owner: owner, expiresAt: c.now.Add(ttl)}
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
		c.advance(delay)
	}
	return true, nil
}

func (c *fakeCache) CompareAndExtend(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	e, ok := c.entries[key]
	if !ok || !e.expiresAt.After(c.now) || e.owner != owner {
		return false, nil
	}
	c.entries[key] = fakeEntry{owner: owner, expiresAt: c.now.Add(ttl)}
	return true, nil
}

func (c *fakeCache) Delete(_ context.Context, key, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if e, ok := c.entries[key]; ok && e.owner == owner {
		delete(c.entries, key)
	}
	return nil
}

// recordingEmitter captures telemetry calls for assertions.
type recordingEmitter struct {
	mu       sync.Mutex
	events   []string
	counters map[string]int64
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{counters: make(map[string]int64)}
}

func (e *recordingEmitter) RecordEvent(_ context.Context, name string, _ ...attribute.KeyValue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, name)
}

func (e *recordingEmitter) RecordCounter(_ context.Context, name string, delta int64, _ ...attribute.KeyValue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters[name] += delta
}

func (e *recordingEmitter) eventNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func (e *recordingEmitter) counter(name string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters[name]
}
