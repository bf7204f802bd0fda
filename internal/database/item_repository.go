package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/example/dojang/pkg/models"
)

// ItemRepository is the content catalog table
type ItemRepository struct {
	db *sqlx.DB
}

// NewItemRepository creates a new repository instance
func NewItemRepository(db *sqlx.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

const itemColumns = `id, belt_level, category, kind, term, translation, romanized`

// GetItem returns an item by id
func (r *ItemRepository) GetItem(ctx context.Context, id string) (models.ItemMetadata, error) {
	var it models.ItemMetadata
	query := r.db.Rebind(`SELECT ` + itemColumns + ` FROM items WHERE id = ?`)
	if err := r.db.GetContext(ctx, &it, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ItemMetadata{}, fmt.Errorf("%w: %s", models.ErrItemNotFound, id)
		}
		return models.ItemMetadata{}, fmt.Errorf("failed to get item: %w", err)
	}
	return it, nil
}

// GetItemsForBelt returns the items of one belt ordered by id
func (r *ItemRepository) GetItemsForBelt(ctx context.Context, belt int) ([]models.ItemMetadata, error) {
	var items []models.ItemMetadata
	query := r.db.Rebind(`SELECT ` + itemColumns + ` FROM items WHERE belt_level = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &items, query, belt); err != nil {
		return nil, fmt.Errorf("failed to get items for belt %d: %w", belt, err)
	}
	return items, nil
}

// UpsertItems inserts or updates items in one transaction
func (r *ItemRepository) UpsertItems(ctx context.Context, items []models.ItemMetadata) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO items (` + itemColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			belt_level = excluded.belt_level,
			category = excluded.category,
			kind = excluded.kind,
			term = excluded.term,
			translation = excluded.translation,
			romanized = excluded.romanized
	`)
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, query,
			it.ID, it.BeltLevel, it.Category, string(it.Kind), it.Term, it.Translation, it.Romanized,
		); err != nil {
			return fmt.Errorf("failed to upsert item %s: %w", it.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit items: %w", err)
	}
	return nil
}

// CountByBelt returns the number of items per belt level
func (r *ItemRepository) CountByBelt(ctx context.Context) (map[int]int, error) {
	var rows []struct {
		BeltLevel int `db:"belt_level"`
		Count     int `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT belt_level, COUNT(*) AS n FROM items GROUP BY belt_level`); err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	out := make(map[int]int, len(rows))
	for _, row := range rows {
		out[row.BeltLevel] = row.Count
	}
	return out, nil
}
