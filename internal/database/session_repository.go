package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"github.com/example/dojang/pkg/models"
)

// SessionRepository handles the append-only study session log
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new repository instance
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

type sessionRow struct {
	ID             string         `db:"id"`
	ProfileID      string         `db:"profile_id"`
	SessionType    string         `db:"session_type"`
	StartTime      string         `db:"start_time"`
	EndTime        sql.NullString `db:"end_time"`
	ItemsStudied   int            `db:"items_studied"`
	CorrectCount   int            `db:"correct_count"`
	IncorrectCount int            `db:"incorrect_count"`
	FocusAreas     string         `db:"focus_areas"`
}

func (r sessionRow) model() (models.StudySessionRecord, error) {
	rec := models.StudySessionRecord{
		ID:             r.ID,
		ProfileID:      r.ProfileID,
		SessionType:    models.SessionType(r.SessionType),
		ItemsStudied:   r.ItemsStudied,
		CorrectCount:   r.CorrectCount,
		IncorrectCount: r.IncorrectCount,
	}
	var err error
	if rec.StartTime, err = parseTime(r.StartTime); err != nil {
		return models.StudySessionRecord{}, err
	}
	if r.EndTime.Valid {
		end, err := parseTime(r.EndTime.String)
		if err != nil {
			return models.StudySessionRecord{}, err
		}
		rec.EndTime = &end
	}
	if r.FocusAreas != "" {
		if err := json.Unmarshal([]byte(r.FocusAreas), &rec.FocusAreas); err != nil {
			return models.StudySessionRecord{}, fmt.Errorf("failed to parse focus areas of session %s: %w", r.ID, err)
		}
	}
	return rec, nil
}

// AppendSessionRecord inserts a session record. A missing id is filled with a
// ULID derived from the record's end (or start) time.
func (r *SessionRepository) AppendSessionRecord(ctx context.Context, rec models.StudySessionRecord) error {
	return appendSessionRecord(ctx, r.db, rec)
}

func appendSessionRecord(ctx context.Context, ext sqlx.ExtContext, rec models.StudySessionRecord) error {
	if rec.ID == "" {
		at := rec.StartTime
		if rec.EndTime != nil {
			at = *rec.EndTime
		}
		id, err := ulid.New(ulid.Timestamp(at), ulid.DefaultEntropy())
		if err != nil {
			return fmt.Errorf("failed to generate session id: %w", err)
		}
		rec.ID = id.String()
	}
	focus := rec.FocusAreas
	if focus == nil {
		focus = []string{}
	}
	focusJSON, err := json.Marshal(focus)
	if err != nil {
		return fmt.Errorf("failed to marshal focus areas: %w", err)
	}
	end := sql.NullString{}
	if rec.EndTime != nil {
		end = sql.NullString{String: formatTime(*rec.EndTime), Valid: true}
	}

	query := ext.Rebind(`
		INSERT INTO study_sessions (
			id, profile_id, session_type, start_time, end_time,
			items_studied, correct_count, incorrect_count, focus_areas
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = ext.ExecContext(ctx, query,
		rec.ID,
		rec.ProfileID,
		string(rec.SessionType),
		formatTime(rec.StartTime),
		end,
		rec.ItemsStudied,
		rec.CorrectCount,
		rec.IncorrectCount,
		string(focusJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append session record: %w", err)
	}
	return nil
}

// FetchSessionRecords returns the session log of a profile in id order
func (r *SessionRepository) FetchSessionRecords(ctx context.Context, profileID string) ([]models.StudySessionRecord, error) {
	var rows []sessionRow
	query := r.db.Rebind(`
		SELECT id, profile_id, session_type, start_time, end_time,
		       items_studied, correct_count, incorrect_count, focus_areas
		FROM study_sessions
		WHERE profile_id = ?
		ORDER BY id
	`)
	if err := r.db.SelectContext(ctx, &rows, query, profileID); err != nil {
		return nil, fmt.Errorf("failed to get session records: %w", err)
	}
	records := make([]models.StudySessionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.model()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
