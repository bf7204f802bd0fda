package spaced_repetition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/example/dojang/internal/metrics"
	"github.com/example/dojang/pkg/models"
)

type memStore struct {
	mu        sync.Mutex
	states    map[string]models.CardState
	upserts   int
	failAfter int // fail the n-th upsert when > 0
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]models.CardState)}
}

func (m *memStore) FetchCardStates(_ context.Context, profileID string) ([]models.CardState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CardState
	for _, st := range m.states {
		if st.ProfileID == profileID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memStore) UpsertCardState(_ context.Context, st models.CardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.failAfter > 0 && m.upserts == m.failAfter {
		return errors.New("disk full")
	}
	m.states[st.ProfileID+"/"+st.ItemID] = st
	return nil
}

type fakeItems map[string]models.ItemMetadata

func (f fakeItems) GetItem(_ context.Context, id string) (models.ItemMetadata, error) {
	it, ok := f[id]
	if !ok {
		return models.ItemMetadata{}, fmt.Errorf("%w: %s", models.ErrItemNotFound, id)
	}
	return it, nil
}

func itemIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("item-%02d", i)
	}
	return ids
}

func catalogOf(ids []string) fakeItems {
	f := make(fakeItems, len(ids))
	for _, id := range ids {
		f[id] = models.ItemMetadata{ID: id, BeltLevel: 1, Category: "basics"}
	}
	return f
}

func newTestScheduler(t *testing.T, ids []string) (*CardScheduler, *memStore) {
	t.Helper()
	store := newMemStore()
	s := NewCardScheduler(nil, store, catalogOf(ids), nil, nil)
	s.Now = func() time.Time { return t0 }
	return s, store
}

func TestRecordReviewCreatesStateLazily(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t, itemIDs(3))

	_, ok, err := s.State(ctx, "p1", "item-00")
	require.NoError(t, err)
	require.False(t, ok)

	st, err := s.RecordReview(ctx, "p1", "item-00", models.OutcomeCorrect)
	require.NoError(t, err)
	require.Equal(t, 2, st.Box)
	require.Equal(t, t0.Add(24*time.Hour), st.NextReviewDue)
	require.Equal(t, 1, store.upserts)
}

func TestRecordReviewSkipIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t, itemIDs(3))

	before, err := s.RecordReview(ctx, "p1", "item-01", models.OutcomeEasy)
	require.NoError(t, err)

	s.Now = func() time.Time { return t0.Add(48 * time.Hour) }
	after, err := s.RecordReview(ctx, "p1", "item-01", models.OutcomeSkip)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, 1, store.upserts)

	// skipping an unseen item creates nothing
	st, err := s.RecordReview(ctx, "p1", "item-02", models.OutcomeSkip)
	require.NoError(t, err)
	require.Equal(t, models.CardState{}, st)
	_, ok, _ := s.State(ctx, "p1", "item-02")
	require.False(t, ok)
}

func TestRecordReviewRejectsUnknownItem(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t, itemIDs(1))

	_, err := s.RecordReview(ctx, "p1", "nope", models.OutcomeCorrect)
	require.ErrorIs(t, err, models.ErrItemNotFound)
	require.Zero(t, store.upserts)
}

func TestRecordReviewRejectsInvalidOutcome(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t, itemIDs(1))

	_, err := s.RecordReview(ctx, "p1", "item-00", models.Outcome("great"))
	require.ErrorIs(t, err, models.ErrInvalidOutcome)
	require.Zero(t, store.upserts)
}

func TestApplyReviewsIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t, itemIDs(3))

	_, err := s.ApplyReviews(ctx, "p1", []Review{
		{ItemID: "item-00", Outcome: models.OutcomeCorrect},
		{ItemID: "missing", Outcome: models.OutcomeCorrect},
	}, nil)
	require.ErrorIs(t, err, models.ErrItemNotFound)
	require.Zero(t, store.upserts)

	states, err := s.States(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, states)
}

func TestCommitFailureLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, itemIDs(2))

	_, err := s.RecordReview(ctx, "p1", "item-00", models.OutcomeCorrect)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.ApplyReviews(ctx, "p1", []Review{{ItemID: "item-00", Outcome: models.OutcomeCorrect}},
		func(context.Context, []models.CardState, []models.CardState) error { return boom })
	require.ErrorIs(t, err, boom)

	st, _, err := s.State(ctx, "p1", "item-00")
	require.NoError(t, err)
	require.Equal(t, 2, st.Box)
}

func TestUpsertFailureRestoresEarlierWrites(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t, itemIDs(2))

	_, err := s.RecordReview(ctx, "p1", "item-00", models.OutcomeCorrect)
	require.NoError(t, err)

	store.failAfter = 3 // second write of the next batch
	_, err = s.ApplyReviews(ctx, "p1", []Review{
		{ItemID: "item-00", Outcome: models.OutcomeCorrect},
		{ItemID: "item-01", Outcome: models.OutcomeCorrect},
	}, nil)
	require.ErrorIs(t, err, models.ErrPersistence)
	require.Equal(t, 2, store.states["p1/item-00"].Box)
}

func TestDuplicateItemsInBatchChain(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, itemIDs(1))

	states, err := s.ApplyReviews(ctx, "p1", []Review{
		{ItemID: "item-00", Outcome: models.OutcomeCorrect},
		{ItemID: "item-00", Outcome: models.OutcomeCorrect},
	}, nil)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, 3, states[0].Box)
}

func TestGetDueItemsOrder(t *testing.T) {
	ctx := context.Background()
	ids := itemIDs(4)
	s, _ := newTestScheduler(t, ids)

	// item-03 and item-01 demoted at t0 -> due at t0
	// item-02 promoted at t0-48h -> due at t0-24h
	s.Now = func() time.Time { return t0.Add(-48 * time.Hour) }
	_, err := s.RecordReview(ctx, "p1", "item-02", models.OutcomeCorrect)
	require.NoError(t, err)
	s.Now = func() time.Time { return t0 }
	_, err = s.RecordReview(ctx, "p1", "item-03", models.OutcomeIncorrect)
	require.NoError(t, err)
	_, err = s.RecordReview(ctx, "p1", "item-01", models.OutcomeIncorrect)
	require.NoError(t, err)
	_, err = s.RecordReview(ctx, "p1", "item-00", models.OutcomeCorrect)
	require.NoError(t, err)

	due, err := s.GetDueItems(ctx, "p1", t0)
	require.NoError(t, err)
	require.Equal(t, []string{"item-02", "item-01", "item-03"}, due)
}

func TestSelectSessionCountContract(t *testing.T) {
	ctx := context.Background()
	ids := itemIDs(12)
	s, _ := newTestScheduler(t, ids)
	for i, id := range ids[:6] {
		outcome := models.OutcomeCorrect
		if i%2 == 0 {
			outcome = models.OutcomeIncorrect
		}
		_, err := s.RecordReview(ctx, "p1", id, outcome)
		require.NoError(t, err)
	}

	for n := 1; n <= len(ids); n++ {
		sel, err := s.SelectSession(ctx, "p1", n, ids, t0)
		require.NoError(t, err)
		require.Len(t, sel.Items, n, "requested %d", n)
		require.False(t, sel.InsufficientItems)
		uniq := map[string]bool{}
		for _, id := range sel.Items {
			uniq[id] = true
		}
		require.Len(t, uniq, n)
	}
}

func TestSelectSessionTierOrder(t *testing.T) {
	ctx := context.Background()
	ids := itemIDs(6)
	s, _ := newTestScheduler(t, ids)

	// reviewed and not due, older review first
	s.Now = func() time.Time { return t0.Add(-2 * time.Hour) }
	_, err := s.RecordReview(ctx, "p1", "item-04", models.OutcomeCorrect)
	require.NoError(t, err)
	s.Now = func() time.Time { return t0.Add(-3 * time.Hour) }
	_, err = s.RecordReview(ctx, "p1", "item-05", models.OutcomeCorrect)
	require.NoError(t, err)
	// due
	s.Now = func() time.Time { return t0 }
	_, err = s.RecordReview(ctx, "p1", "item-03", models.OutcomeIncorrect)
	require.NoError(t, err)

	sel, err := s.SelectSession(ctx, "p1", 6, ids, t0)
	require.NoError(t, err)
	require.Equal(t, []string{"item-03", "item-00", "item-01", "item-02", "item-05", "item-04"}, sel.Items)

	sel, err = s.SelectSession(ctx, "p1", 2, ids, t0)
	require.NoError(t, err)
	require.Equal(t, []string{"item-03", "item-00"}, sel.Items)
}

func TestSelectSessionInsufficientItems(t *testing.T) {
	ctx := context.Background()
	ids := itemIDs(3)
	s, _ := newTestScheduler(t, ids)

	sel, err := s.SelectSession(ctx, "p1", 5, append(ids, ids[0]), t0)
	require.NoError(t, err)
	require.Len(t, sel.Items, 3)
	require.True(t, sel.InsufficientItems)

	sel, err = s.SelectSession(ctx, "p1", 0, ids, t0)
	require.NoError(t, err)
	require.Empty(t, sel.Items)
	require.False(t, sel.InsufficientItems)
}

func TestSelectSessionIgnoresItemsOutsidePool(t *testing.T) {
	ctx := context.Background()
	ids := itemIDs(4)
	s, _ := newTestScheduler(t, ids)
	_, err := s.RecordReview(ctx, "p1", "item-03", models.OutcomeIncorrect)
	require.NoError(t, err)

	sel, err := s.SelectSession(ctx, "p1", 3, ids[:2], t0)
	require.NoError(t, err)
	require.Equal(t, []string{"item-00", "item-01"}, sel.Items)
	require.True(t, sel.InsufficientItems)
}

func TestProfilesAreIsolated(t *testing.T) {
	ctx := context.Background()
	ids := itemIDs(3)
	s, _ := newTestScheduler(t, ids)

	var wg sync.WaitGroup
	for _, p := range []string{"a", "b"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			outcome := models.OutcomeCorrect
			if p == "b" {
				outcome = models.OutcomeIncorrect
			}
			for i := 0; i < 20; i++ {
				_, err := s.RecordReview(ctx, p, ids[i%len(ids)], outcome)
				require.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	a, err := s.States(ctx, "a")
	require.NoError(t, err)
	b, err := s.States(ctx, "b")
	require.NoError(t, err)
	for _, st := range a {
		require.Equal(t, "a", st.ProfileID)
		require.Equal(t, MaxBox, st.Box)
		require.Zero(t, st.TotalIncorrect)
	}
	for _, st := range b {
		require.Equal(t, "b", st.ProfileID)
		require.Equal(t, MinBox, st.Box)
		require.Zero(t, st.TotalCorrect)
	}
}

func TestConcurrentReviewsKeepCountersConsistent(t *testing.T) {
	ctx := context.Background()
	ids := itemIDs(1)
	s, _ := newTestScheduler(t, ids)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordReview(ctx, "p1", "item-00", models.OutcomeCorrect)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	st, _, err := s.State(ctx, "p1", "item-00")
	require.NoError(t, err)
	require.Equal(t, n, st.TotalCorrect)
	require.Equal(t, n, st.ConsecutiveCorrect)
}

// leakyStore ignores the profile filter.
type leakyStore struct{ *memStore }

func (l leakyStore) FetchCardStates(context.Context, string) ([]models.CardState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.CardState
	for _, st := range l.states {
		out = append(out, st)
	}
	return out, nil
}

func TestLoadDropsForeignStates(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.states["other/item-00"] = models.CardState{ProfileID: "other", ItemID: "item-00", Box: 4}
	s := NewCardScheduler(nil, leakyStore{store}, catalogOf(itemIDs(2)), nil, nil)

	states, err := s.States(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, states)
}

func TestPurgeRejectsLaterCalls(t *testing.T) {
	ctx := context.Background()
	ids := itemIDs(2)
	s, _ := newTestScheduler(t, ids)
	_, err := s.RecordReview(ctx, "a", "item-00", models.OutcomeCorrect)
	require.NoError(t, err)
	_, err = s.RecordReview(ctx, "b", "item-00", models.OutcomeCorrect)
	require.NoError(t, err)

	s.Purge("a")

	_, err = s.States(ctx, "a")
	require.ErrorIs(t, err, models.ErrProfileNotFound)
	_, err = s.RecordReview(ctx, "a", "item-00", models.OutcomeCorrect)
	require.ErrorIs(t, err, models.ErrProfileNotFound)

	b, err := s.States(ctx, "b")
	require.NoError(t, err)
	require.Len(t, b, 1)
}

func TestReviewMetrics(t *testing.T) {
	ctx := context.Background()
	ids := itemIDs(1)
	m := metrics.MustNew(prometheus.NewRegistry())
	s := NewCardScheduler(nil, newMemStore(), catalogOf(ids), m, nil)
	s.Now = func() time.Time { return t0 }

	_, err := s.RecordReview(ctx, "p1", "item-00", models.OutcomeCorrect)
	require.NoError(t, err)
	_, err = s.RecordReview(ctx, "p1", "item-00", models.OutcomeSkip)
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Reviews().WithLabelValues("correct")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Reviews().WithLabelValues("skip")))
}

func TestStatesAreSortedCopies(t *testing.T) {
	ctx := context.Background()
	ids := itemIDs(3)
	s, _ := newTestScheduler(t, ids)
	for _, id := range []string{"item-02", "item-00", "item-01"} {
		_, err := s.RecordReview(ctx, "p1", id, models.OutcomeCorrect)
		require.NoError(t, err)
	}
	states, err := s.States(ctx, "p1")
	require.NoError(t, err)
	require.True(t, sort.SliceIsSorted(states, func(i, j int) bool { return states[i].ItemID < states[j].ItemID }))

	states[0].Box = 99
	again, _ := s.States(ctx, "p1")
	require.Equal(t, 2, again[0].Box)
}

func TestRolledBackNewCardStaysUnreviewed(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t, itemIDs(2))

	store.failAfter = 2
	_, err := s.ApplyReviews(ctx, "p1", []Review{
		{ItemID: "item-00", Outcome: models.OutcomeCorrect},
		{ItemID: "item-01", Outcome: models.OutcomeCorrect},
	}, nil)
	require.ErrorIs(t, err, models.ErrPersistence)
	require.True(t, store.states["p1/item-00"].LastReviewedAt.IsZero())

	// a fresh scheduler over the same store sees no reviewed card
	again := NewCardScheduler(nil, store, catalogOf(itemIDs(2)), nil, nil)
	states, err := again.States(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, states)
}
