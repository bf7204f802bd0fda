package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/example/dojang/internal/metrics"
	"github.com/example/dojang/pkg/models"
)

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeCompute stamps each snapshot with the current version in Overall.Sessions.
type fakeCompute struct {
	mu      sync.Mutex
	calls   map[string]int
	version int
	err     error
	gate    chan struct{}
	started chan string
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{calls: make(map[string]int), version: 1, started: make(chan string, 64)}
}

func (f *fakeCompute) set(fn func(f *fakeCompute)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeCompute) count(profileID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[profileID]
}

func (f *fakeCompute) compute(ctx context.Context, profileID string, asOf time.Time) (models.ProgressSnapshot, error) {
	f.mu.Lock()
	f.calls[profileID]++
	v, err, gate := f.version, f.err, f.gate
	f.mu.Unlock()
	f.started <- profileID

	if gate != nil && profileID != "fast" {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.ProgressSnapshot{}, ctx.Err()
		}
	}
	if err != nil {
		return models.ProgressSnapshot{}, err
	}
	return models.ProgressSnapshot{
		ProfileID:    profileID,
		GeneratedAt:  asOf,
		TTLExpiresAt: asOf.Add(time.Minute),
		Overall:      models.OverallStats{Sessions: v},
	}, nil
}

func newTestCache(t *testing.T, f *fakeCompute, cfg Config) (*Cache, *clock, *metrics.Metrics) {
	t.Helper()
	m := metrics.MustNew(prometheus.NewRegistry())
	c, err := New(f.compute, cfg, m, nil)
	require.NoError(t, err)
	clk := &clock{now: t0}
	c.Now = clk.Now
	t.Cleanup(c.Close)
	return c, clk, m
}

func waitStarted(t *testing.T, f *fakeCompute) string {
	t.Helper()
	select {
	case id := <-f.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("compute never started")
		return ""
	}
}

func TestGetComputesOnceThenHits(t *testing.T) {
	ctx := context.Background()
	f := newFakeCompute()
	c, _, m := newTestCache(t, f, Config{})

	first, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "p1", first.ProfileID)
	require.False(t, first.Degraded)

	second, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, f.count("p1"))

	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests().WithLabelValues(metrics.CacheMiss)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests().WithLabelValues(metrics.CacheHit)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes().WithLabelValues(metrics.RefreshOK)))
}

func TestStaleWhileRevalidate(t *testing.T) {
	ctx := context.Background()
	f := newFakeCompute()
	c, clk, _ := newTestCache(t, f, Config{})

	_, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	waitStarted(t, f)

	gate := make(chan struct{})
	f.set(func(f *fakeCompute) { f.version = 2; f.gate = gate })
	clk.Advance(2 * time.Minute)

	stale, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, stale.Overall.Sessions)
	require.True(t, stale.TTLExpiresAt.Before(clk.Now()))
	waitStarted(t, f)

	close(gate)
	require.Eventually(t, func() bool {
		snap, err := c.Get(ctx, "p1")
		return err == nil && snap.Overall.Sessions == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, f.count("p1"))
}

func TestConcurrentGetsCoalesce(t *testing.T) {
	ctx := context.Background()
	f := newFakeCompute()
	gate := make(chan struct{})
	f.gate = gate
	c, _, _ := newTestCache(t, f, Config{})

	var wg sync.WaitGroup
	results := make([]models.ProgressSnapshot, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := c.Get(ctx, "p1")
			require.NoError(t, err)
			results[i] = snap
		}(i)
	}
	waitStarted(t, f)
	// give the remaining callers time to attach
	time.Sleep(20 * time.Millisecond)
	c.Invalidate("p1")
	close(gate)
	wg.Wait()

	for _, snap := range results {
		require.False(t, snap.Degraded)
		require.Equal(t, "p1", snap.ProfileID)
	}
	require.LessOrEqual(t, f.count("p1"), 2)
}

func TestInvalidateDuringRefreshDiscardsOlderResult(t *testing.T) {
	ctx := context.Background()
	f := newFakeCompute()
	gate := make(chan struct{})
	f.gate = gate
	c, _, m := newTestCache(t, f, Config{})

	done := make(chan models.ProgressSnapshot, 1)
	go func() {
		snap, err := c.Get(ctx, "p1")
		require.NoError(t, err)
		done <- snap
	}()
	waitStarted(t, f)

	// a commit lands while version 1 is being computed
	f.set(func(f *fakeCompute) { f.version = 2; f.gate = nil })
	c.Invalidate("p1")
	close(gate)

	snap := <-done
	require.Equal(t, 2, snap.Overall.Sessions)
	require.Equal(t, 2, f.count("p1"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes().WithLabelValues(metrics.RefreshDiscarded)))

	cached, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 2, cached.Overall.Sessions)
}

func TestRefreshFailureServesDegradedSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFakeCompute()
	c, clk, m := newTestCache(t, f, Config{FailureBackoff: time.Minute})

	good, err := c.Get(ctx, "p1")
	require.NoError(t, err)

	f.set(func(f *fakeCompute) { f.err = fmt.Errorf("%w: bad row", models.ErrMalformedRecord) })
	snap, err := c.Refresh(ctx, "p1")
	require.NoError(t, err)
	require.True(t, snap.Degraded)
	require.Equal(t, good.Overall, snap.Overall)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes().WithLabelValues(metrics.RefreshFailed)))

	// within the backoff window stale gets do not recompute
	calls := f.count("p1")
	clk.Advance(10 * time.Second)
	snap, err = c.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, snap.Degraded)
	require.Equal(t, calls, f.count("p1"))

	// once the store is healthy again the next refresh clears the flag
	f.set(func(f *fakeCompute) { f.err = nil; f.version = 3 })
	clk.Advance(time.Minute)
	snap, err = c.Refresh(ctx, "p1")
	require.NoError(t, err)
	require.False(t, snap.Degraded)
	require.Equal(t, 3, snap.Overall.Sessions)
}

func TestFirstComputeFailureReturnsPlaceholder(t *testing.T) {
	ctx := context.Background()
	f := newFakeCompute()
	f.err = errors.New("store offline")
	c, _, _ := newTestCache(t, f, Config{})

	snap, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, snap.Degraded)
	require.Equal(t, "p1", snap.ProfileID)
	require.Zero(t, snap.Overall.Sessions)
}

func TestUnknownProfileSurfaces(t *testing.T) {
	ctx := context.Background()
	f := newFakeCompute()
	f.err = fmt.Errorf("%w: ghost", models.ErrProfileNotFound)
	c, _, _ := newTestCache(t, f, Config{})

	_, err := c.Get(ctx, "ghost")
	require.ErrorIs(t, err, models.ErrProfileNotFound)
}

func TestFirstComputeTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFakeCompute()
	gate := make(chan struct{})
	defer close(gate)
	f.gate = gate
	c, _, _ := newTestCache(t, f, Config{FirstComputeTimeout: 20 * time.Millisecond})

	start := time.Now()
	snap, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, snap.Degraded)
	require.Less(t, time.Since(start), time.Second)
}

func TestGetHonoursCallerContext(t *testing.T) {
	f := newFakeCompute()
	gate := make(chan struct{})
	defer close(gate)
	f.gate = gate
	c, _, _ := newTestCache(t, f, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "p1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefreshSoftDeadlineReturnsLastSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFakeCompute()
	c, _, _ := newTestCache(t, f, Config{RefreshTimeout: 20 * time.Millisecond})

	first, err := c.Get(ctx, "p1")
	require.NoError(t, err)

	gate := make(chan struct{})
	defer close(gate)
	f.set(func(f *fakeCompute) { f.gate = gate; f.version = 2 })
	snap, err := c.Refresh(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, first.Overall, snap.Overall)
}

func TestProfilesDoNotBlockEachOther(t *testing.T) {
	ctx := context.Background()
	f := newFakeCompute()
	gate := make(chan struct{})
	defer close(gate)
	f.gate = gate
	c, _, _ := newTestCache(t, f, Config{})

	go func() { _, _ = c.Get(ctx, "slow") }()
	require.Equal(t, "slow", waitStarted(t, f))

	snap, err := c.Get(ctx, "fast")
	require.NoError(t, err)
	require.Equal(t, "fast", snap.ProfileID)
	require.False(t, snap.Degraded)
}

func TestPurgeDropsEntryAndRunningRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFakeCompute()
	c, _, _ := newTestCache(t, f, Config{})

	_, err := c.Get(ctx, "keep")
	require.NoError(t, err)
	waitStarted(t, f)

	gate := make(chan struct{})
	f.set(func(f *fakeCompute) { f.gate = gate })
	errs := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "gone")
		errs <- err
	}()
	require.Equal(t, "gone", waitStarted(t, f))

	c.Purge("gone")
	close(gate)
	require.ErrorIs(t, <-errs, models.ErrProfileNotFound)
	require.Equal(t, 1, c.Len())

	// the other profile is untouched
	kept, err := c.Get(ctx, "keep")
	require.NoError(t, err)
	require.Equal(t, 1, kept.Overall.Sessions)
	require.Equal(t, 1, f.count("keep"))
}

func TestInvalidateUnknownProfileIsNoop(t *testing.T) {
	f := newFakeCompute()
	c, _, _ := newTestCache(t, f, Config{})
	c.Invalidate("nobody")
	require.Zero(t, c.Len())
	require.Zero(t, f.count("nobody"))
}

func TestCloseCancelsRunningRefresh(t *testing.T) {
	f := newFakeCompute()
	gate := make(chan struct{})
	defer close(gate)
	f.gate = gate
	m := metrics.MustNew(prometheus.NewRegistry())
	c, err := New(f.compute, Config{FirstComputeTimeout: 10 * time.Millisecond}, m, nil)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "p1")
	require.NoError(t, err)
	waitStarted(t, f)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	snap, err := c.Refresh(context.Background(), "p2")
	require.Error(t, err)
	require.False(t, snap.Degraded)
}
