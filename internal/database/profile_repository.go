package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/dojang/pkg/models"
)

// ProfileRepository handles database operations for profiles
type ProfileRepository struct {
	db *sqlx.DB
}

// NewProfileRepository creates a new repository instance
func NewProfileRepository(db *sqlx.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

type profileRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	BeltLevel    int            `db:"belt_level"`
	LearningMode string         `db:"learning_mode"`
	CreatedAt    string         `db:"created_at"`
	LastActiveAt sql.NullString `db:"last_active_at"`
}

func (r profileRow) model() (models.Profile, error) {
	p := models.Profile{
		ID:           r.ID,
		Name:         r.Name,
		BeltLevel:    r.BeltLevel,
		LearningMode: models.LearningMode(r.LearningMode),
	}
	var err error
	if p.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return models.Profile{}, err
	}
	if r.LastActiveAt.Valid {
		t, err := parseTime(r.LastActiveAt.String)
		if err != nil {
			return models.Profile{}, err
		}
		p.LastActiveAt = &t
	}
	return p, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

const profileColumns = `id, name, belt_level, learning_mode, created_at, last_active_at`

// CreateProfile inserts a new profile
func (r *ProfileRepository) CreateProfile(ctx context.Context, p models.Profile) error {
	query := r.db.Rebind(`INSERT INTO profiles (` + profileColumns + `) VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		p.Name,
		p.BeltLevel,
		string(p.LearningMode),
		formatTime(p.CreatedAt),
		nullTime(p.LastActiveAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", models.ErrProfileExists, p.Name)
		}
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// GetProfile returns a profile by id
func (r *ProfileRepository) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	var row profileRow
	query := r.db.Rebind(`SELECT ` + profileColumns + ` FROM profiles WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Profile{}, fmt.Errorf("%w: %s", models.ErrProfileNotFound, id)
		}
		return models.Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}
	return row.model()
}

// ListProfiles returns all profiles, oldest first
func (r *ProfileRepository) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	var rows []profileRow
	query := `SELECT ` + profileColumns + ` FROM profiles ORDER BY created_at, id`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	profiles := make([]models.Profile, 0, len(rows))
	for _, row := range rows {
		p, err := row.model()
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// UpdateProfile modifies an existing profile
func (r *ProfileRepository) UpdateProfile(ctx context.Context, p models.Profile) error {
	query := r.db.Rebind(`
		UPDATE profiles SET
			name = ?,
			belt_level = ?,
			learning_mode = ?,
			last_active_at = ?
		WHERE id = ?
	`)
	result, err := r.db.ExecContext(ctx, query,
		p.Name,
		p.BeltLevel,
		string(p.LearningMode),
		nullTime(p.LastActiveAt),
		p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", models.ErrProfileExists, p.Name)
		}
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return expectRow(result, p.ID)
}

// DeleteProfile removes a profile row
func (r *ProfileRepository) DeleteProfile(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM profiles WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return expectRow(result, id)
}

func expectRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", models.ErrProfileNotFound, id)
	}
	return nil
}
