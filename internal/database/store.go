package database

import (
	"context"
	"fmt"

	"github.com/example/dojang/pkg/models"
)

// AppendSessionRecord appends to the session log.
func (s *Store) AppendSessionRecord(ctx context.Context, rec models.StudySessionRecord) error {
	return s.Sessions.AppendSessionRecord(ctx, rec)
}

// FetchSessionRecords returns a profile's session log.
func (s *Store) FetchSessionRecords(ctx context.Context, profileID string) ([]models.StudySessionRecord, error) {
	return s.Sessions.FetchSessionRecords(ctx, profileID)
}

// FetchCardStates returns a profile's card states.
func (s *Store) FetchCardStates(ctx context.Context, profileID string) ([]models.CardState, error) {
	return s.Cards.FetchCardStates(ctx, profileID)
}

// UpsertCardState writes one card state.
func (s *Store) UpsertCardState(ctx context.Context, st models.CardState) error {
	return s.Cards.UpsertCardState(ctx, st)
}

// DeleteCardStates removes a profile's card states.
func (s *Store) DeleteCardStates(ctx context.Context, profileID string) error {
	return s.Cards.DeleteCardStates(ctx, profileID)
}

// CommitSession writes card states and the session record in one transaction.
func (s *Store) CommitSession(ctx context.Context, states []models.CardState, rec models.StudySessionRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, st := range states {
		if err := upsertCardState(ctx, tx, st); err != nil {
			return err
		}
	}
	if err := appendSessionRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}
