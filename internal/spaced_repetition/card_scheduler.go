package spaced_repetition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/dojang/internal/logger"
	"github.com/example/dojang/internal/metrics"
	"github.com/example/dojang/pkg/models"
)

// StateStore is the slice of the persistence store the scheduler needs.
type StateStore interface {
	FetchCardStates(ctx context.Context, profileID string) ([]models.CardState, error)
	UpsertCardState(ctx context.Context, state models.CardState) error
}

// ItemLookup resolves item ids against the content catalog.
type ItemLookup interface {
	GetItem(ctx context.Context, itemID string) (models.ItemMetadata, error)
}

// Review is one answer to apply.
type Review struct {
	ItemID  string
	Outcome models.Outcome
}

// CommitFunc persists the states produced by a batch of reviews. previous
// holds the committed state of each item in next (a fresh box 1 state for new
// items). The scheduler publishes next in memory only when it returns nil.
type CommitFunc func(ctx context.Context, next, previous []models.CardState) error

// Selection is the result of SelectSession.
type Selection struct {
	Items             []string `json:"items"`
	InsufficientItems bool     `json:"insufficient_items"`
}

// CardScheduler owns the per-profile review state and the box transitions.
// Reviews of one profile are serialised; different profiles never share a lock
// beyond the map lookup.
type CardScheduler struct {
	leitner *Leitner
	store   StateStore
	items   ItemLookup
	metrics *metrics.Metrics
	log     *logger.Logger

	// Now is the clock used to stamp reviews.
	Now func() time.Time

	mu       sync.Mutex
	profiles map[string]*profileCards
	purged   map[string]struct{}
}

type profileCards struct {
	mu     sync.Mutex
	loaded bool
	purged bool
	cards  map[string]models.CardState
}

// NewCardScheduler creates a scheduler. leitner may be nil for the default table.
func NewCardScheduler(leitner *Leitner, store StateStore, items ItemLookup, m *metrics.Metrics, log *logger.Logger) *CardScheduler {
	if leitner == nil {
		leitner = NewDefaultLeitner()
	}
	return &CardScheduler{
		leitner:  leitner,
		store:    store,
		items:    items,
		metrics:  m,
		log:      logger.OrNop(log).With("component", "card_scheduler"),
		Now:      time.Now,
		profiles: make(map[string]*profileCards),
		purged:   make(map[string]struct{}),
	}
}

// Leitner returns the transition table in use.
func (s *CardScheduler) Leitner() *Leitner { return s.leitner }

// acquire returns the profile's cards locked and loaded. Callers must unlock pc.mu.
func (s *CardScheduler) acquire(ctx context.Context, profileID string) (*profileCards, error) {
	s.mu.Lock()
	if _, gone := s.purged[profileID]; gone {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", models.ErrProfileNotFound, profileID)
	}
	pc, ok := s.profiles[profileID]
	if !ok {
		pc = &profileCards{cards: make(map[string]models.CardState)}
		s.profiles[profileID] = pc
	}
	s.mu.Unlock()

	pc.mu.Lock()
	if pc.purged {
		pc.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", models.ErrProfileNotFound, profileID)
	}
	if !pc.loaded {
		states, err := s.store.FetchCardStates(ctx, profileID)
		if err != nil {
			pc.mu.Unlock()
			return nil, models.WrapPersistence("fetch card states", err)
		}
		for _, st := range states {
			if st.ProfileID != profileID {
				s.log.Warn("dropping card state of another profile", "profile_id", profileID, "owner", st.ProfileID, "item_id", st.ItemID)
				continue
			}
			if st.LastReviewedAt.IsZero() {
				// rolled back before its first review
				continue
			}
			pc.cards[st.ItemID] = st
		}
		pc.loaded = true
	}
	return pc, nil
}

// RecordReview applies a single outcome. Skip leaves the state untouched and
// returns the current state (zero if the item was never reviewed).
func (s *CardScheduler) RecordReview(ctx context.Context, profileID, itemID string, outcome models.Outcome) (models.CardState, error) {
	states, err := s.ApplyReviews(ctx, profileID, []Review{{ItemID: itemID, Outcome: outcome}}, nil)
	if err != nil {
		return models.CardState{}, err
	}
	if len(states) == 0 {
		st, _, err := s.State(ctx, profileID, itemID)
		return st, err
	}
	return states[0], nil
}

// ApplyReviews validates every review, computes the resulting states and
// commits them. Nothing is mutated when validation or the commit fails.
// The returned states are in order of first appearance; skips produce none.
func (s *CardScheduler) ApplyReviews(ctx context.Context, profileID string, reviews []Review, commit CommitFunc) ([]models.CardState, error) {
	for _, r := range reviews {
		if !r.Outcome.Valid() {
			return nil, fmt.Errorf("%w: %q", models.ErrInvalidOutcome, r.Outcome)
		}
		if _, err := s.items.GetItem(ctx, r.ItemID); err != nil {
			return nil, fmt.Errorf("failed to look up item %s: %w", r.ItemID, err)
		}
	}

	pc, err := s.acquire(ctx, profileID)
	if err != nil {
		return nil, err
	}
	defer pc.mu.Unlock()

	now := s.Now()
	next := make(map[string]models.CardState)
	var order []string
	for _, r := range reviews {
		cur, ok := next[r.ItemID]
		if !ok {
			cur, ok = pc.cards[r.ItemID]
			if !ok {
				cur = NewCardState(profileID, r.ItemID)
			}
		}
		updated, changed := s.leitner.Apply(cur, r.Outcome, now)
		if !changed {
			continue
		}
		if _, seen := next[r.ItemID]; !seen {
			order = append(order, r.ItemID)
		}
		next[r.ItemID] = updated
	}
	if len(order) == 0 {
		s.observe(reviews)
		return nil, nil
	}

	states := make([]models.CardState, 0, len(order))
	for _, id := range order {
		states = append(states, next[id])
	}

	if commit == nil {
		commit = s.upsertAll
	}
	if err := commit(ctx, states, pc.previousOf(states)); err != nil {
		return nil, err
	}

	for _, st := range states {
		pc.cards[st.ItemID] = st
	}
	s.observe(reviews)
	return states, nil
}

func (s *CardScheduler) observe(reviews []Review) {
	for _, r := range reviews {
		s.metrics.ObserveReview(string(r.Outcome))
	}
}

// upsertAll writes states one by one and restores the previous values of
// already written states when a later write fails.
func (s *CardScheduler) upsertAll(ctx context.Context, next, previous []models.CardState) error {
	for i, st := range next {
		if err := s.store.UpsertCardState(ctx, st); err != nil {
			s.Restore(ctx, previous[:i])
			return models.WrapPersistence("upsert card state", err)
		}
	}
	return nil
}

// Restore rewrites the given previous states. A card that had never been
// reviewed is written back as its fresh state, which loading ignores.
func (s *CardScheduler) Restore(ctx context.Context, previous []models.CardState) {
	for _, st := range previous {
		if err := s.store.UpsertCardState(ctx, st); err != nil {
			s.log.Error("failed to restore card state", "profile_id", st.ProfileID, "item_id", st.ItemID, "error", err)
		}
	}
}

func (pc *profileCards) previousOf(states []models.CardState) []models.CardState {
	out := make([]models.CardState, 0, len(states))
	for _, st := range states {
		if prev, ok := pc.cards[st.ItemID]; ok {
			out = append(out, prev)
		} else {
			out = append(out, NewCardState(st.ProfileID, st.ItemID))
		}
	}
	return out
}

// State returns one card state and whether it exists.
func (s *CardScheduler) State(ctx context.Context, profileID, itemID string) (models.CardState, bool, error) {
	pc, err := s.acquire(ctx, profileID)
	if err != nil {
		return models.CardState{}, false, err
	}
	defer pc.mu.Unlock()
	st, ok := pc.cards[itemID]
	return st, ok, nil
}

// States returns a copy of all card states of the profile, ordered by item id.
func (s *CardScheduler) States(ctx context.Context, profileID string) ([]models.CardState, error) {
	var out []models.CardState
	err := s.View(ctx, profileID, func(states []models.CardState) error {
		out = states
		return nil
	})
	return out, err
}

// View calls fn with the profile's states while holding its lock, so fn sees no
// review commit half applied. fn must not call back into the scheduler.
func (s *CardScheduler) View(ctx context.Context, profileID string, fn func(states []models.CardState) error) error {
	pc, err := s.acquire(ctx, profileID)
	if err != nil {
		return err
	}
	defer pc.mu.Unlock()
	out := make([]models.CardState, 0, len(pc.cards))
	for _, st := range pc.cards {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return fn(out)
}

// GetDueItems returns items due at asOf, oldest due first, ties by item id.
func (s *CardScheduler) GetDueItems(ctx context.Context, profileID string, asOf time.Time) ([]string, error) {
	states, err := s.States(ctx, profileID)
	if err != nil {
		return nil, err
	}
	due := make([]models.CardState, 0, len(states))
	for _, st := range states {
		if st.Due(asOf) {
			due = append(due, st)
		}
	}
	sortByDue(due)
	ids := make([]string, len(due))
	for i, st := range due {
		ids[i] = st.ItemID
	}
	return ids, nil
}

// SelectSession picks exactly count unique items from pool when the pool holds
// at least count items: due items first, then never reviewed items in pool
// order, then the least recently reviewed ones.
func (s *CardScheduler) SelectSession(ctx context.Context, profileID string, count int, pool []string, asOf time.Time) (Selection, error) {
	if count <= 0 {
		return Selection{Items: []string{}}, nil
	}
	states, err := s.States(ctx, profileID)
	if err != nil {
		return Selection{}, err
	}

	eligible := make(map[string]struct{}, len(pool))
	var ordered []string
	for _, id := range pool {
		if _, dup := eligible[id]; dup {
			continue
		}
		eligible[id] = struct{}{}
		ordered = append(ordered, id)
	}
	byItem := make(map[string]models.CardState, len(states))
	var due, rest []models.CardState
	for _, st := range states {
		if _, ok := eligible[st.ItemID]; !ok {
			continue
		}
		byItem[st.ItemID] = st
		if st.Due(asOf) {
			due = append(due, st)
		} else {
			rest = append(rest, st)
		}
	}
	sortByDue(due)
	sort.Slice(rest, func(i, j int) bool {
		if !rest[i].LastReviewedAt.Equal(rest[j].LastReviewedAt) {
			return rest[i].LastReviewedAt.Before(rest[j].LastReviewedAt)
		}
		return rest[i].ItemID < rest[j].ItemID
	})

	picked := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	take := func(id string) {
		if len(picked) >= count {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		picked = append(picked, id)
	}
	for _, st := range due {
		take(st.ItemID)
	}
	for _, id := range ordered {
		if _, reviewed := byItem[id]; !reviewed {
			take(id)
		}
	}
	for _, st := range rest {
		take(st.ItemID)
	}

	want := count
	if len(ordered) < want {
		want = len(ordered)
	}
	if err := checkSelection(picked, want); err != nil {
		s.log.Error("session selection failed its post-condition", "profile_id", profileID, "requested", count, "error", err)
		return Selection{}, err
	}
	return Selection{Items: picked, InsufficientItems: len(picked) < count}, nil
}

func checkSelection(picked []string, want int) error {
	if len(picked) != want {
		return fmt.Errorf("%w: want %d items, got %d", models.ErrSelectionContract, want, len(picked))
	}
	seen := make(map[string]struct{}, len(picked))
	for _, id := range picked {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate item %s", models.ErrSelectionContract, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Purge forgets everything about the profile and rejects later calls for it.
// It waits for an in-flight review of that profile to finish.
func (s *CardScheduler) Purge(profileID string) {
	s.mu.Lock()
	pc := s.profiles[profileID]
	delete(s.profiles, profileID)
	s.purged[profileID] = struct{}{}
	s.mu.Unlock()

	if pc != nil {
		pc.mu.Lock()
		pc.purged = true
		pc.cards = nil
		pc.mu.Unlock()
	}
}

func sortByDue(states []models.CardState) {
	sort.Slice(states, func(i, j int) bool {
		if !states[i].NextReviewDue.Equal(states[j].NextReviewDue) {
			return states[i].NextReviewDue.Before(states[j].NextReviewDue)
		}
		return states[i].ItemID < states[j].ItemID
	})
}
