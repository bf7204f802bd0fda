package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/example/dojang/internal/spaced_repetition"
	"github.com/example/dojang/internal/statistics"
	"github.com/example/dojang/pkg/models"
)

// ExportVersion is the version of the Export layout.
const ExportVersion = "1.0"

// GetProgressSnapshot returns the cached snapshot of the profile. It blocks only
// on the very first computation for the profile, and never past the cache's
// first compute timeout.
func (e *Engine) GetProgressSnapshot(ctx context.Context, profileID string) (models.ProgressSnapshot, error) {
	return e.cache.Get(ctx, profileID)
}

// RefreshSnapshot recomputes the snapshot now, waiting up to the soft refresh deadline.
func (e *Engine) RefreshSnapshot(ctx context.Context, profileID string) (models.ProgressSnapshot, error) {
	return e.cache.Refresh(ctx, profileID)
}

// WarmSnapshot refreshes the snapshot when it is missing or stale.
func (e *Engine) WarmSnapshot(ctx context.Context, profileID string) error {
	return e.cache.Warm(ctx, profileID)
}

// ComputeSnapshot aggregates the profile's history as of asOf, bypassing the
// cache. Session records and card states are read under the profile's review
// lock so the snapshot never mixes data from before and after a commit.
func (e *Engine) ComputeSnapshot(ctx context.Context, profileID string, asOf time.Time) (models.ProgressSnapshot, error) {
	p, err := e.GetProfile(ctx, profileID)
	if err != nil {
		return models.ProgressSnapshot{}, err
	}
	belt, err := e.catalog.GetItemsForBelt(ctx, p.BeltLevel)
	if err != nil {
		return models.ProgressSnapshot{}, models.WrapPersistence("get items for belt", err)
	}

	h := statistics.History{Profile: p, BeltItems: belt}
	err = e.scheduler.View(ctx, profileID, func(states []models.CardState) error {
		sessions, err := e.store.FetchSessionRecords(ctx, profileID)
		if err != nil {
			return models.WrapPersistence("fetch session records", err)
		}
		h.Sessions = sessions
		h.States = states
		return nil
	})
	if err != nil {
		return models.ProgressSnapshot{}, err
	}
	return e.aggregator.ComputeSnapshot(h, asOf)
}

// CardExport is one card state with its mastery level.
type CardExport struct {
	models.CardState
	MasteryLevel string `json:"mastery_level"`
}

// Export is a full copy of one profile's data.
type Export struct {
	ExportVersion string                      `json:"export_version"`
	ExportedAt    time.Time                   `json:"exported_at"`
	Profile       models.Profile              `json:"profile"`
	Cards         []CardExport                `json:"cards"`
	Sessions      []models.StudySessionRecord `json:"study_sessions"`
	Snapshot      models.ProgressSnapshot     `json:"snapshot"`
}

// ExportProfile collects the profile, its card states, its session log and a
// freshly computed snapshot.
func (e *Engine) ExportProfile(ctx context.Context, profileID string) (Export, error) {
	now := e.now()
	p, err := e.GetProfile(ctx, profileID)
	if err != nil {
		return Export{}, err
	}
	out := Export{ExportVersion: ExportVersion, ExportedAt: now.UTC(), Profile: p}
	err = e.scheduler.View(ctx, profileID, func(states []models.CardState) error {
		sessions, err := e.store.FetchSessionRecords(ctx, profileID)
		if err != nil {
			return models.WrapPersistence("fetch session records", err)
		}
		out.Sessions = sessions
		out.Cards = make([]CardExport, len(states))
		for i, st := range states {
			out.Cards[i] = CardExport{CardState: st, MasteryLevel: spaced_repetition.MasteryLevel(st)}
		}
		return nil
	})
	if err != nil {
		return Export{}, err
	}
	snap, err := e.ComputeSnapshot(ctx, profileID, now)
	if err != nil {
		return Export{}, fmt.Errorf("failed to compute snapshot for export: %w", err)
	}
	out.Snapshot = snap
	return out, nil
}
