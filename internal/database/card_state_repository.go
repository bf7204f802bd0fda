package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/example/dojang/pkg/models"
)

// CardStateRepository handles database operations for per-item review state
type CardStateRepository struct {
	db *sqlx.DB
}

// NewCardStateRepository creates a new repository instance
func NewCardStateRepository(db *sqlx.DB) *CardStateRepository {
	return &CardStateRepository{db: db}
}

type cardStateRow struct {
	ProfileID            string `db:"profile_id"`
	ItemID               string `db:"item_id"`
	Box                  int    `db:"box"`
	LastReviewedAt       string `db:"last_reviewed_at"`
	NextReviewDue        string `db:"next_review_due"`
	ConsecutiveCorrect   int    `db:"consecutive_correct"`
	ConsecutiveIncorrect int    `db:"consecutive_incorrect"`
	TotalCorrect         int    `db:"total_correct"`
	TotalIncorrect       int    `db:"total_incorrect"`
}

func (r cardStateRow) model() (models.CardState, error) {
	last, err := parseTime(r.LastReviewedAt)
	if err != nil {
		return models.CardState{}, err
	}
	next, err := parseTime(r.NextReviewDue)
	if err != nil {
		return models.CardState{}, err
	}
	return models.CardState{
		ProfileID:            r.ProfileID,
		ItemID:               r.ItemID,
		Box:                  r.Box,
		LastReviewedAt:       last,
		NextReviewDue:        next,
		ConsecutiveCorrect:   r.ConsecutiveCorrect,
		ConsecutiveIncorrect: r.ConsecutiveIncorrect,
		TotalCorrect:         r.TotalCorrect,
		TotalIncorrect:       r.TotalIncorrect,
	}, nil
}

// FetchCardStates returns every card state of a profile
func (r *CardStateRepository) FetchCardStates(ctx context.Context, profileID string) ([]models.CardState, error) {
	var rows []cardStateRow
	query := r.db.Rebind(`
		SELECT profile_id, item_id, box, last_reviewed_at, next_review_due,
		       consecutive_correct, consecutive_incorrect, total_correct, total_incorrect
		FROM card_states
		WHERE profile_id = ?
		ORDER BY item_id
	`)
	if err := r.db.SelectContext(ctx, &rows, query, profileID); err != nil {
		return nil, fmt.Errorf("failed to get card states: %w", err)
	}
	states := make([]models.CardState, 0, len(rows))
	for _, row := range rows {
		st, err := row.model()
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// UpsertCardState inserts or replaces one card state
func (r *CardStateRepository) UpsertCardState(ctx context.Context, st models.CardState) error {
	return upsertCardState(ctx, r.db, st)
}

func upsertCardState(ctx context.Context, ext sqlx.ExtContext, st models.CardState) error {
	query := ext.Rebind(`
		INSERT INTO card_states (
			profile_id, item_id, box, last_reviewed_at, next_review_due,
			consecutive_correct, consecutive_incorrect, total_correct, total_incorrect
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (profile_id, item_id) DO UPDATE SET
			box = excluded.box,
			last_reviewed_at = excluded.last_reviewed_at,
			next_review_due = excluded.next_review_due,
			consecutive_correct = excluded.consecutive_correct,
			consecutive_incorrect = excluded.consecutive_incorrect,
			total_correct = excluded.total_correct,
			total_incorrect = excluded.total_incorrect
	`)
	_, err := ext.ExecContext(ctx, query,
		st.ProfileID,
		st.ItemID,
		st.Box,
		formatTime(st.LastReviewedAt),
		formatTime(st.NextReviewDue),
		st.ConsecutiveCorrect,
		st.ConsecutiveIncorrect,
		st.TotalCorrect,
		st.TotalIncorrect,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert card state %s/%s: %w", st.ProfileID, st.ItemID, err)
	}
	return nil
}

// DeleteCardStates removes every card state of a profile
func (r *CardStateRepository) DeleteCardStates(ctx context.Context, profileID string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM card_states WHERE profile_id = ?`), profileID); err != nil {
		return fmt.Errorf("failed to delete card states: %w", err)
	}
	return nil
}
