// Package snapshot serves ProgressSnapshots per profile with stale-while-revalidate
// semantics and a single coalesced refresh per profile.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/example/dojang/internal/logger"
	"github.com/example/dojang/internal/metrics"
	"github.com/example/dojang/pkg/models"
)

const (
	defaultSize                = 256
	defaultRefreshTimeout      = 2 * time.Second
	defaultFirstComputeTimeout = 10 * time.Second
	defaultFailureBackoff      = 30 * time.Second

	// a refresh superseded this many times in a row gives up and leaves the
	// entry stale for the next caller
	maxRefreshAttempts = 3
)

// ErrClosed is returned by refreshes started after Close.
var ErrClosed = errors.New("snapshot cache closed")

// ComputeFunc builds a snapshot of the profile as of asOf.
type ComputeFunc func(ctx context.Context, profileID string, asOf time.Time) (models.ProgressSnapshot, error)

// Config tunes the cache. Zero values fall back to DefaultConfig.
type Config struct {
	// Size is the number of profiles kept in memory.
	Size int
	// RefreshTimeout is the soft deadline of a synchronous Refresh.
	RefreshTimeout time.Duration
	// FirstComputeTimeout bounds how long Get waits when nothing is cached yet.
	FirstComputeTimeout time.Duration
	// FailureBackoff delays the next refresh after a failed one.
	FailureBackoff time.Duration
}

// DefaultConfig returns the defaults used for zero Config fields.
func DefaultConfig() Config {
	return Config{
		Size:                defaultSize,
		RefreshTimeout:      defaultRefreshTimeout,
		FirstComputeTimeout: defaultFirstComputeTimeout,
		FailureBackoff:      defaultFailureBackoff,
	}
}

type entry struct {
	mu         sync.Mutex
	snap       *models.ProgressSnapshot
	expires    time.Time
	generation uint64
	failedAt   time.Time
	deleted    bool
}

// Cache is the per-profile snapshot cache. Profiles never share a lock beyond
// the entry table lookup.
type Cache struct {
	compute ComputeFunc
	cfg     Config
	metrics *metrics.Metrics
	log     *logger.Logger

	// Now is the clock used for TTL checks and as the compute asOf.
	Now func() time.Time

	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	group   singleflight.Group

	ctx     context.Context
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// New creates a cache computing snapshots with compute.
func New(compute ComputeFunc, cfg Config, m *metrics.Metrics, log *logger.Logger) (*Cache, error) {
	if compute == nil {
		return nil, fmt.Errorf("snapshot cache needs a compute function")
	}
	def := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	if cfg.FirstComputeTimeout <= 0 {
		cfg.FirstComputeTimeout = def.FirstComputeTimeout
	}
	if cfg.FailureBackoff < 0 {
		cfg.FailureBackoff = 0
	}

	c := &Cache{
		compute: compute,
		cfg:     cfg,
		metrics: m,
		log:     logger.OrNop(log).With("component", "snapshot_cache"),
		Now:     time.Now,
	}
	// an evicted or purged profile must not keep attaching callers to its old refresh
	entries, err := lru.NewWithEvict[string, *entry](cfg.Size, func(profileID string, _ *entry) {
		c.group.Forget(profileID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}
	c.entries = entries
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func (c *Cache) entry(profileID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Get(profileID); ok {
		return e
	}
	e := &entry{}
	c.entries.Add(profileID, e)
	return e
}

func (c *Cache) lookup(profileID string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Peek(profileID)
}

// Get returns the profile's snapshot. A fresh snapshot is returned as is; a
// stale one is returned immediately while a refresh runs in the background.
// Without any snapshot Get waits for the first computation up to
// FirstComputeTimeout and then answers with an empty degraded snapshot.
// Only ErrProfileNotFound and ctx errors are returned.
func (c *Cache) Get(ctx context.Context, profileID string) (models.ProgressSnapshot, error) {
	e := c.entry(profileID)
	now := c.Now()

	e.mu.Lock()
	snap, expires, failedAt := e.snap, e.expires, e.failedAt
	e.mu.Unlock()

	backingOff := !failedAt.IsZero() && now.Before(failedAt.Add(c.cfg.FailureBackoff))

	if snap != nil {
		out := *snap
		out.TTLExpiresAt = expires
		if now.Before(expires) {
			c.metrics.ObserveCacheRequest(metrics.CacheHit)
			return out, nil
		}
		c.metrics.ObserveCacheRequest(metrics.CacheStale)
		if !backingOff {
			c.start(profileID, e)
		}
		return out, nil
	}

	c.metrics.ObserveCacheRequest(metrics.CacheMiss)
	if backingOff {
		return c.placeholder(profileID, now), nil
	}

	timer := time.NewTimer(c.cfg.FirstComputeTimeout)
	defer timer.Stop()
	select {
	case res := <-c.start(profileID, e):
		if res.Err != nil {
			if errors.Is(res.Err, models.ErrProfileNotFound) {
				return models.ProgressSnapshot{}, res.Err
			}
			return c.placeholder(profileID, now), nil
		}
		return res.Val.(models.ProgressSnapshot), nil
	case <-timer.C:
		c.log.Warn("first snapshot computation exceeded its deadline", "profile_id", profileID, "timeout", c.cfg.FirstComputeTimeout)
		return c.placeholder(profileID, now), nil
	case <-ctx.Done():
		return models.ProgressSnapshot{}, ctx.Err()
	}
}

// placeholder is served when no snapshot could be computed in time.
func (c *Cache) placeholder(profileID string, now time.Time) models.ProgressSnapshot {
	return models.ProgressSnapshot{
		ProfileID:    profileID,
		GeneratedAt:  now,
		TTLExpiresAt: now,
		Degraded:     true,
	}
}

// Invalidate marks the profile's snapshot stale without dropping it and
// starts a background refresh. Call it only after a write was committed.
// A refresh already running when Invalidate returns recomputes before publishing.
func (c *Cache) Invalidate(profileID string) {
	e, ok := c.lookup(profileID)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return
	}
	e.generation++
	e.expires = time.Time{}
	e.failedAt = time.Time{}
	e.mu.Unlock()
	c.start(profileID, e)
}

// Refresh recomputes the snapshot and waits for it up to RefreshTimeout.
// When the deadline passes first the last known snapshot is returned.
func (c *Cache) Refresh(ctx context.Context, profileID string) (models.ProgressSnapshot, error) {
	e := c.entry(profileID)
	e.mu.Lock()
	e.expires = time.Time{}
	e.failedAt = time.Time{}
	e.mu.Unlock()

	timer := time.NewTimer(c.cfg.RefreshTimeout)
	defer timer.Stop()
	select {
	case res := <-c.start(profileID, e):
		if res.Err != nil {
			if errors.Is(res.Err, models.ErrProfileNotFound) {
				return models.ProgressSnapshot{}, res.Err
			}
			if last, ok := c.last(e); ok {
				return last, nil
			}
			return models.ProgressSnapshot{}, res.Err
		}
		return res.Val.(models.ProgressSnapshot), nil
	case <-timer.C:
		if last, ok := c.last(e); ok {
			return last, nil
		}
		return c.placeholder(profileID, c.Now()), nil
	case <-ctx.Done():
		return models.ProgressSnapshot{}, ctx.Err()
	}
}

// Warm refreshes the profile when it has no fresh snapshot.
func (c *Cache) Warm(ctx context.Context, profileID string) error {
	if e, ok := c.lookup(profileID); ok {
		e.mu.Lock()
		fresh := e.snap != nil && c.Now().Before(e.expires)
		e.mu.Unlock()
		if fresh {
			return nil
		}
	}
	_, err := c.Refresh(ctx, profileID)
	return err
}

func (c *Cache) last(e *entry) (models.ProgressSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snap == nil {
		return models.ProgressSnapshot{}, false
	}
	out := *e.snap
	out.TTLExpiresAt = e.expires
	return out, true
}

// Purge drops the profile's entry and detaches it from any running refresh.
// A refresh still running for it publishes nothing.
func (c *Cache) Purge(profileID string) {
	c.mu.Lock()
	e, ok := c.entries.Peek(profileID)
	c.entries.Remove(profileID)
	c.mu.Unlock()
	c.group.Forget(profileID)
	if ok {
		e.mu.Lock()
		e.deleted = true
		e.snap = nil
		e.mu.Unlock()
	}
}

// Len returns the number of profiles held.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// start joins the profile's running refresh or starts one.
func (c *Cache) start(profileID string, e *entry) <-chan singleflight.Result {
	return c.group.DoChan(profileID, func() (interface{}, error) {
		if !c.track() {
			return nil, ErrClosed
		}
		defer c.wg.Done()
		return c.refresh(profileID, e)
	})
}

func (c *Cache) track() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// refresh computes until a result matches the generation it started from.
// Results overtaken by a newer invalidation are discarded.
func (c *Cache) refresh(profileID string, e *entry) (models.ProgressSnapshot, error) {
	for attempt := 1; attempt <= maxRefreshAttempts; attempt++ {
		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			return models.ProgressSnapshot{}, fmt.Errorf("%w: %s", models.ErrProfileNotFound, profileID)
		}
		gen := e.generation
		e.mu.Unlock()

		started := time.Now()
		snap, err := c.compute(c.ctx, profileID, c.Now())
		elapsed := time.Since(started)

		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			c.metrics.ObserveRefresh(metrics.RefreshDiscarded, elapsed)
			return models.ProgressSnapshot{}, fmt.Errorf("%w: %s", models.ErrProfileNotFound, profileID)
		}
		if e.generation != gen {
			e.mu.Unlock()
			c.metrics.ObserveRefresh(metrics.RefreshDiscarded, elapsed)
			c.log.Debug("discarding superseded snapshot", "profile_id", profileID, "generation", gen, "attempt", attempt)
			continue
		}
		if err != nil {
			e.failedAt = c.Now()
			if e.snap != nil && !e.snap.Degraded {
				degraded := *e.snap
				degraded.Degraded = true
				e.snap = &degraded
			}
			e.mu.Unlock()
			c.metrics.ObserveRefresh(metrics.RefreshFailed, elapsed)
			if errors.Is(err, models.ErrProfileNotFound) {
				return models.ProgressSnapshot{}, err
			}
			c.log.Error("snapshot computation failed", "profile_id", profileID, "generation", gen, "error", err)
			return models.ProgressSnapshot{}, fmt.Errorf("%w: %v", models.ErrCacheCompute, err)
		}
		snap.Degraded = false
		e.snap = &snap
		e.expires = snap.TTLExpiresAt
		e.failedAt = time.Time{}
		e.mu.Unlock()
		c.metrics.ObserveRefresh(metrics.RefreshOK, elapsed)
		return snap, nil
	}
	return models.ProgressSnapshot{}, fmt.Errorf("%w: superseded %d times", models.ErrCacheCompute, maxRefreshAttempts)
}

// Close stops accepting refreshes, cancels running computations and waits for them.
func (c *Cache) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()
	c.cancel()
	c.wg.Wait()
}
