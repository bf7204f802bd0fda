// Package engine wires the scheduler, aggregator and snapshot cache behind a
// profile-scoped API. Every call names the profile it acts on; there is no
// current profile.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/example/dojang/internal/logger"
	"github.com/example/dojang/internal/metrics"
	"github.com/example/dojang/internal/snapshot"
	"github.com/example/dojang/internal/spaced_repetition"
	"github.com/example/dojang/internal/statistics"
	"github.com/example/dojang/pkg/models"
)

// PersistenceStore is the flat record store the engine reads and writes.
type PersistenceStore interface {
	AppendSessionRecord(ctx context.Context, rec models.StudySessionRecord) error
	FetchSessionRecords(ctx context.Context, profileID string) ([]models.StudySessionRecord, error)
	FetchCardStates(ctx context.Context, profileID string) ([]models.CardState, error)
	UpsertCardState(ctx context.Context, state models.CardState) error
	DeleteCardStates(ctx context.Context, profileID string) error
}

// SessionCommitter is implemented by stores that can write card states and a
// session record in one transaction.
type SessionCommitter interface {
	CommitSession(ctx context.Context, states []models.CardState, rec models.StudySessionRecord) error
}

// ProfileStore persists profiles. GetProfile, UpdateProfile and DeleteProfile
// return an error wrapping models.ErrProfileNotFound for unknown ids.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p models.Profile) error
	GetProfile(ctx context.Context, id string) (models.Profile, error)
	ListProfiles(ctx context.Context) ([]models.Profile, error)
	UpdateProfile(ctx context.Context, p models.Profile) error
	DeleteProfile(ctx context.Context, id string) error
}

// Catalog is the read-only content catalog. GetItem returns an error wrapping
// models.ErrItemNotFound for unknown ids.
type Catalog interface {
	GetItem(ctx context.Context, id string) (models.ItemMetadata, error)
	GetItemsForBelt(ctx context.Context, belt int) ([]models.ItemMetadata, error)
}

// Options configures an Engine. Zero values pick defaults.
type Options struct {
	Leitner     *spaced_repetition.Leitner
	Location    *time.Location
	SnapshotTTL time.Duration
	Cache       snapshot.Config
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
	// Now replaces the wall clock in every component.
	Now func() time.Time
}

const defaultSnapshotTTL = 5 * time.Minute

// Engine is the learning-progress service. Construct one per process (or per
// test) and Close it when done.
type Engine struct {
	store      PersistenceStore
	profiles   ProfileStore
	catalog    Catalog
	scheduler  *spaced_repetition.CardScheduler
	aggregator *statistics.Aggregator
	cache      *snapshot.Cache
	log        *logger.Logger
	now        func() time.Time
}

// New builds an engine over the given collaborators.
func New(store PersistenceStore, profiles ProfileStore, catalog Catalog, opts Options) (*Engine, error) {
	if store == nil || profiles == nil || catalog == nil {
		return nil, fmt.Errorf("engine needs a store, a profile store and a catalog")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = defaultSnapshotTTL
	}
	log := logger.OrNop(opts.Logger)

	e := &Engine{
		store:      store,
		profiles:   profiles,
		catalog:    catalog,
		scheduler:  spaced_repetition.NewCardScheduler(opts.Leitner, store, catalog, opts.Metrics, log),
		aggregator: statistics.NewAggregator(opts.Location, opts.SnapshotTTL),
		log:        log.With("component", "engine"),
		now:        opts.Now,
	}
	e.scheduler.Now = opts.Now

	cache, err := snapshot.New(e.ComputeSnapshot, opts.Cache, opts.Metrics, log)
	if err != nil {
		return nil, err
	}
	cache.Now = opts.Now
	e.cache = cache
	return e, nil
}

// Scheduler exposes the card scheduler.
func (e *Engine) Scheduler() *spaced_repetition.CardScheduler { return e.scheduler }

// Close stops background refreshes and waits for them.
func (e *Engine) Close() {
	e.cache.Close()
}
