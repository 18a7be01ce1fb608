// Package cache keeps the set of contract keys that already produced an
// envelope, together with the run statistics, and persists both through a
// Backend after every change.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/v1nometrics/docusign-ura/model"
)

// ErrClaimed is returned by Claim when another worker holds the key
var ErrClaimed = errors.New("contract is being processed by another worker")

// Snapshot is the persisted form of the cache
type Snapshot struct {
	ProcessedContracts []string    `json:"processed_contracts"`
	Stats              model.Stats `json:"stats"`
	LastUpdated        time.Time   `json:"last_updated"`
}

// Backend persists snapshots. Save merges the processed keys with whatever
// is already stored and returns the merged snapshot.
type Backend interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) (Snapshot, error)
	Clear(ctx context.Context) error
}

// Claimer is implemented by backends that can hold a short-lived
// exclusive marker on a key across processes.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Option configures a Cache
type Option func(*Cache)

// WithClaimTTL sets how long a claim survives a crashed worker
func WithClaimTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.claimTTL = ttl }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is the in-memory processed set plus run statistics
type Cache struct {
	mu       sync.Mutex
	backend  Backend
	keys     []string
	index    map[string]struct{}
	stats    model.Stats
	updated  time.Time
	claimTTL time.Duration
	now      func() time.Time
}

// Open loads the persisted snapshot from backend. A missing snapshot starts
// an empty set with the start time set to now.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Cache, error) {
	c := &Cache{
		backend:  backend,
		index:    make(map[string]struct{}),
		claimTTL: 10 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	snap, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load processed set: %w", err)
	}
	c.absorb(snap.ProcessedContracts)
	c.stats = snap.Stats
	c.updated = snap.LastUpdated
	if c.stats.StartTime.IsZero() {
		c.stats.StartTime = c.now()
	}
	return c, nil
}

func (c *Cache) absorb(keys []string) {
	for _, k := range keys {
		if _, ok := c.index[k]; ok {
			continue
		}
		c.index[k] = struct{}{}
		c.keys = append(c.keys, k)
	}
}

// Contains reports whether key is in the processed set
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[key]
	return ok
}

// MarkProcessed adds key to the processed set, counts one processed
// contract and persists immediately.
func (c *Cache) MarkProcessed(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[key]; !ok {
		c.index[key] = struct{}{}
		c.keys = append(c.keys, key)
	}
	c.stats.ContractsProcessed++
	return c.flushLocked(ctx)
}

// RecordError counts n errors; it is persisted by the next flush
func (c *Cache) RecordError(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Errors += n
}

// MarkChecked stamps the last check time
func (c *Cache) MarkChecked(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.LastCheck = &t
}

// Sync merges keys persisted by other processes into memory
func (c *Cache) Sync(ctx context.Context) error {
	snap, err := c.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload processed set: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.absorb(snap.ProcessedContracts)
	return nil
}

// Flush persists the current state
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx)
}

func (c *Cache) flushLocked(ctx context.Context) error {
	c.updated = c.now()
	merged, err := c.backend.Save(ctx, c.snapshotLocked())
	if err != nil {
		return fmt.Errorf("failed to persist processed set: %w", err)
	}
	c.absorb(merged.ProcessedContracts)
	return nil
}

// Snapshot returns a copy of the current state
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() Snapshot {
	keys := make([]string, len(c.keys))
	copy(keys, c.keys)
	stats := c.stats
	if stats.LastCheck != nil {
		t := *stats.LastCheck
		stats.LastCheck = &t
	}
	return Snapshot{ProcessedContracts: keys, Stats: stats, LastUpdated: c.updated}
}

// Stats returns a copy of the run statistics
func (c *Cache) Stats() model.Stats {
	return c.Snapshot().Stats
}

// Len returns the processed set size
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// Recent returns up to n most recently added keys, newest last
func (c *Cache) Recent(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.keys) {
		n = len(c.keys)
	}
	out := make([]string, n)
	copy(out, c.keys[len(c.keys)-n:])
	return out
}

// Clear empties the processed set, resets the statistics and removes the
// persisted snapshot.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backend.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear processed set: %w", err)
	}
	c.keys = nil
	c.index = make(map[string]struct{})
	c.stats = model.Stats{StartTime: c.now()}
	c.updated = time.Time{}
	return nil
}

// Claim takes an exclusive marker on key when the backend supports it.
// The returned release func is always safe to call.
func (c *Cache) Claim(ctx context.Context, key string) (func(), error) {
	claimer, ok := c.backend.(Claimer)
	if !ok {
		return func() {}, nil
	}
	release, err := claimer.Claim(ctx, key, c.claimTTL)
	if err != nil {
		return func() {}, err
	}
	return func() {
		// the claim expires on its own if this fails
		_ = release(context.WithoutCancel(ctx))
	}, nil
}
