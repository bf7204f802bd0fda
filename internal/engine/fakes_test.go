package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/dojang/internal/snapshot"
	"github.com/example/dojang/pkg/models"
)

var errDiskFull = errors.New("disk full")

type memStore struct {
	mu         sync.Mutex
	states     map[string]map[string]models.CardState
	sessions   []models.StudySessionRecord
	failAppend bool
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]map[string]models.CardState)}
}

func (m *memStore) AppendSessionRecord(_ context.Context, rec models.StudySessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend {
		return errDiskFull
	}
	m.sessions = append(m.sessions, rec)
	return nil
}

func (m *memStore) FetchSessionRecords(_ context.Context, profileID string) ([]models.StudySessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StudySessionRecord
	for _, rec := range m.sessions {
		if rec.ProfileID == profileID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) FetchCardStates(_ context.Context, profileID string) ([]models.CardState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CardState
	for _, st := range m.states[profileID] {
		out = append(out, st)
	}
	return out, nil
}

func (m *memStore) UpsertCardState(_ context.Context, st models.CardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[st.ProfileID] == nil {
		m.states[st.ProfileID] = make(map[string]models.CardState)
	}
	m.states[st.ProfileID][st.ItemID] = st
	return nil
}

func (m *memStore) DeleteCardStates(_ context.Context, profileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, profileID)
	return nil
}

func (m *memStore) state(profileID, itemID string) (models.CardState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[profileID][itemID]
	return st, ok
}

func (m *memStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// txStore commits sessions all at once and can be told to fail.
type txStore struct {
	*memStore
	failCommit bool
	commits    int
}

func (s *txStore) CommitSession(ctx context.Context, states []models.CardState, rec models.StudySessionRecord) error {
	s.commits++
	if s.failCommit {
		return errDiskFull
	}
	for _, st := range states {
		if err := s.UpsertCardState(ctx, st); err != nil {
			return err
		}
	}
	return s.AppendSessionRecord(ctx, rec)
}

type memProfiles struct {
	mu       sync.Mutex
	profiles map[string]models.Profile
}

func newMemProfiles() *memProfiles {
	return &memProfiles{profiles: make(map[string]models.Profile)}
}

func (m *memProfiles) CreateProfile(_ context.Context, p models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return nil
}

func (m *memProfiles) GetProfile(_ context.Context, id string) (models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return models.Profile{}, fmt.Errorf("%w: %s", models.ErrProfileNotFound, id)
	}
	return p, nil
}

func (m *memProfiles) ListProfiles(context.Context) ([]models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memProfiles) UpdateProfile(_ context.Context, p models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.ID]; !ok {
		return fmt.Errorf("%w: %s", models.ErrProfileNotFound, p.ID)
	}
	m.profiles[p.ID] = p
	return nil
}

func (m *memProfiles) DeleteProfile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[id]; !ok {
		return fmt.Errorf("%w: %s", models.ErrProfileNotFound, id)
	}
	delete(m.profiles, id)
	return nil
}

type memCatalog map[string]models.ItemMetadata

func (c memCatalog) GetItem(_ context.Context, id string) (models.ItemMetadata, error) {
	it, ok := c[id]
	if !ok {
		return models.ItemMetadata{}, fmt.Errorf("%w: %s", models.ErrItemNotFound, id)
	}
	return it, nil
}

func (c memCatalog) GetItemsForBelt(_ context.Context, belt int) ([]models.ItemMetadata, error) {
	var out []models.ItemMetadata
	for _, it := range c {
		if it.BeltLevel == belt {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// catalog holds perBelt items for each belt 1..belts, ids "b<belt>-<n>".
func catalog(belts, perBelt int) memCatalog {
	c := make(memCatalog)
	for b := 1; b <= belts; b++ {
		for n := 0; n < perBelt; n++ {
			id := fmt.Sprintf("b%d-%02d", b, n)
			cat := "kicks"
			if n%2 == 1 {
				cat = "stances"
			}
			c[id] = models.ItemMetadata{ID: id, BeltLevel: b, Category: cat, Kind: models.KindTerminology, Term: id}
		}
	}
	return c
}

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

var t0 = time.Date(2025, 8, 28, 14, 30, 0, 0, time.UTC)

type fixture struct {
	engine   *Engine
	store    *memStore
	profiles *memProfiles
	catalog  memCatalog
	clock    *clock
}

func newFixture(t *testing.T, store PersistenceStore, mem *memStore) *fixture {
	t.Helper()
	f := &fixture{
		store:    mem,
		profiles: newMemProfiles(),
		catalog:  catalog(3, 10),
		clock:    &clock{now: t0},
	}
	e, err := New(store, f.profiles, f.catalog, Options{
		SnapshotTTL: time.Minute,
		Cache:       snapshot.Config{FailureBackoff: time.Nanosecond},
		Now:         f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	f.engine = e
	return f
}

func newMemFixture(t *testing.T) *fixture {
	mem := newMemStore()
	return newFixture(t, mem, mem)
}

func (f *fixture) profile(t *testing.T, name string, belt int, mode models.LearningMode) models.Profile {
	t.Helper()
	p, err := f.engine.CreateProfile(context.Background(), ProfileParams{Name: name, BeltLevel: belt, LearningMode: mode})
	require.NoError(t, err)
	return p
}
