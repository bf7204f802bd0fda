package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/example/dojang/internal/spaced_repetition"
	"github.com/example/dojang/pkg/models"
)

// Answer is one graded item of a session.
type Answer struct {
	ItemID  string         `json:"item_id"`
	Outcome models.Outcome `json:"outcome"`
}

// SessionResult is a finished study session as reported by the caller.
// A zero EndTime means now; a zero StartTime means EndTime.
type SessionResult struct {
	ProfileID   string             `json:"profile_id"`
	SessionType models.SessionType `json:"session_type"`
	StartTime   time.Time          `json:"start_time"`
	EndTime     time.Time          `json:"end_time"`
	Answers     []Answer           `json:"answers"`
	FocusAreas  []string           `json:"focus_areas,omitempty"`
}

// StudyPool returns the items a profile studies in its learning mode: the
// active belt in progression mode, every belt up to it in mastery mode.
func (e *Engine) StudyPool(ctx context.Context, profileID string) ([]models.ItemMetadata, error) {
	p, err := e.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return e.pool(ctx, p)
}

func (e *Engine) pool(ctx context.Context, p models.Profile) ([]models.ItemMetadata, error) {
	first := p.BeltLevel
	if p.LearningMode == models.ModeMastery {
		first = 1
	}
	var items []models.ItemMetadata
	for belt := first; belt <= p.BeltLevel; belt++ {
		beltItems, err := e.catalog.GetItemsForBelt(ctx, belt)
		if err != nil {
			return nil, models.WrapPersistence("get items for belt", err)
		}
		items = append(items, beltItems...)
	}
	return items, nil
}

// SelectSession picks count items from the profile's study pool.
func (e *Engine) SelectSession(ctx context.Context, profileID string, count int) (spaced_repetition.Selection, error) {
	items, err := e.StudyPool(ctx, profileID)
	if err != nil {
		return spaced_repetition.Selection{}, err
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return e.scheduler.SelectSession(ctx, profileID, count, ids, e.now())
}

// DueCards is a selection resolved to catalog metadata.
type DueCards struct {
	Cards []models.ItemMetadata `json:"cards"`
	// InsufficientItems is set when the pool held fewer items than requested.
	InsufficientItems bool `json:"insufficient_items,omitempty"`
}

// GetDueCards returns the metadata of the next count cards to study.
func (e *Engine) GetDueCards(ctx context.Context, profileID string, count int) ([]models.ItemMetadata, error) {
	due, err := e.SelectDueCards(ctx, profileID, count)
	if err != nil {
		return nil, err
	}
	return due.Cards, nil
}

// SelectDueCards is GetDueCards keeping the selection's insufficient flag.
func (e *Engine) SelectDueCards(ctx context.Context, profileID string, count int) (DueCards, error) {
	sel, err := e.SelectSession(ctx, profileID, count)
	if err != nil {
		return DueCards{}, err
	}
	due := DueCards{
		Cards:             make([]models.ItemMetadata, 0, len(sel.Items)),
		InsufficientItems: sel.InsufficientItems,
	}
	for _, id := range sel.Items {
		it, err := e.catalog.GetItem(ctx, id)
		if err != nil {
			return DueCards{}, fmt.Errorf("failed to get item %s: %w", id, err)
		}
		due.Cards = append(due.Cards, it)
	}
	return due, nil
}

// DueCount returns how many of the profile's cards are due now.
func (e *Engine) DueCount(ctx context.Context, profileID string) (int, error) {
	if _, err := e.GetProfile(ctx, profileID); err != nil {
		return 0, err
	}
	due, err := e.scheduler.GetDueItems(ctx, profileID, e.now())
	if err != nil {
		return 0, err
	}
	return len(due), nil
}

// RecordAnswer records a single flashcard answer as a one-item session.
func (e *Engine) RecordAnswer(ctx context.Context, profileID, itemID string, outcome models.Outcome) error {
	now := e.now()
	_, err := e.CompleteSession(ctx, SessionResult{
		ProfileID:   profileID,
		SessionType: models.SessionFlashcard,
		StartTime:   now,
		EndTime:     now,
		Answers:     []Answer{{ItemID: itemID, Outcome: outcome}},
	})
	return err
}

// CompleteSession applies every answer and appends the session record in one
// commit. On any failure nothing is applied and the snapshot stays as it was;
// on success the snapshot is invalidated. Skipped answers change nothing, and
// a session of skips only appends no record; the zero record is returned then.
func (e *Engine) CompleteSession(ctx context.Context, res SessionResult) (models.StudySessionRecord, error) {
	if _, err := e.GetProfile(ctx, res.ProfileID); err != nil {
		return models.StudySessionRecord{}, err
	}
	rec, reviews, err := e.buildRecord(ctx, res)
	if err != nil {
		return models.StudySessionRecord{}, err
	}

	commit := func(ctx context.Context, next, previous []models.CardState) error {
		return e.commit(ctx, next, previous, rec)
	}
	states, err := e.scheduler.ApplyReviews(ctx, res.ProfileID, reviews, commit)
	if err != nil {
		return models.StudySessionRecord{}, err
	}
	if len(states) == 0 {
		return models.StudySessionRecord{}, nil
	}

	e.cache.Invalidate(res.ProfileID)
	e.log.Debug("session committed", "profile_id", res.ProfileID, "session_id", rec.ID,
		"type", rec.SessionType, "correct", rec.CorrectCount, "incorrect", rec.IncorrectCount)
	return rec, nil
}

func (e *Engine) buildRecord(ctx context.Context, res SessionResult) (models.StudySessionRecord, []spaced_repetition.Review, error) {
	if !res.SessionType.Valid() {
		return models.StudySessionRecord{}, nil, fmt.Errorf("%w: unknown session type %q", models.ErrInvalidSession, res.SessionType)
	}
	if len(res.Answers) == 0 {
		return models.StudySessionRecord{}, nil, fmt.Errorf("%w: no answers", models.ErrInvalidSession)
	}
	end := res.EndTime
	if end.IsZero() {
		end = e.now()
	}
	start := res.StartTime
	if start.IsZero() {
		start = end
	}
	if end.Before(start) {
		return models.StudySessionRecord{}, nil, fmt.Errorf("%w: ends before it starts", models.ErrInvalidSession)
	}
	if end.After(e.now()) {
		return models.StudySessionRecord{}, nil, fmt.Errorf("%w: ends in the future", models.ErrInvalidSession)
	}
	end, start = end.UTC(), start.UTC()

	id, err := ulid.New(ulid.Timestamp(end), ulid.DefaultEntropy())
	if err != nil {
		return models.StudySessionRecord{}, nil, fmt.Errorf("%w: end time %s: %v", models.ErrInvalidSession, end, err)
	}
	rec := models.StudySessionRecord{
		ID:          id.String(),
		ProfileID:   res.ProfileID,
		SessionType: res.SessionType,
		StartTime:   start,
		EndTime:     &end,
		FocusAreas:  res.FocusAreas,
	}
	reviews := make([]spaced_repetition.Review, 0, len(res.Answers))
	categories := make(map[string]struct{})
	for _, a := range res.Answers {
		switch {
		case !a.Outcome.Valid():
			return models.StudySessionRecord{}, nil, fmt.Errorf("%w: %q", models.ErrInvalidOutcome, a.Outcome)
		case a.Outcome.Promotes():
			rec.CorrectCount++
			rec.ItemsStudied++
		case a.Outcome.Demotes():
			rec.IncorrectCount++
			rec.ItemsStudied++
		}
		reviews = append(reviews, spaced_repetition.Review{ItemID: a.ItemID, Outcome: a.Outcome})
		if res.FocusAreas == nil && a.Outcome != models.OutcomeSkip {
			it, err := e.catalog.GetItem(ctx, a.ItemID)
			if err != nil {
				return models.StudySessionRecord{}, nil, fmt.Errorf("failed to look up item %s: %w", a.ItemID, err)
			}
			if it.Category != "" {
				categories[it.Category] = struct{}{}
			}
		}
	}
	if res.FocusAreas == nil && len(categories) > 0 {
		for c := range categories {
			rec.FocusAreas = append(rec.FocusAreas, c)
		}
		sort.Strings(rec.FocusAreas)
	}
	return rec, reviews, nil
}

// commit writes the new card states and the session record. Stores with
// transactions do it atomically; otherwise written states are put back when a
// later write fails.
func (e *Engine) commit(ctx context.Context, next, previous []models.CardState, rec models.StudySessionRecord) error {
	if c, ok := e.store.(SessionCommitter); ok {
		return models.WrapPersistence("commit session", c.CommitSession(ctx, next, rec))
	}
	for i, st := range next {
		if err := e.store.UpsertCardState(ctx, st); err != nil {
			e.scheduler.Restore(ctx, previous[:i])
			return models.WrapPersistence("upsert card state", err)
		}
	}
	if err := e.store.AppendSessionRecord(ctx, rec); err != nil {
		e.scheduler.Restore(ctx, previous)
		return models.WrapPersistence("append session record", err)
	}
	return nil
}
