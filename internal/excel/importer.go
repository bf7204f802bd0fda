// Package excel imports catalog items from spreadsheets.
package excel

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"

	"github.com/example/dojang/pkg/models"
)

// ItemStore is where imported items go.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (models.ItemMetadata, error)
	UpsertItems(ctx context.Context, items []models.ItemMetadata) error
}

// ImportConfig defines the import configuration
type ImportConfig struct {
	FilePath          string // Path to the Excel or CSV file
	IDColumn          string // Column with the item id, generated when empty
	TermColumn        string // Column with the term
	TranslationColumn string // Column with the translation
	RomanizedColumn   string // Column with the romanized spelling
	CategoryColumn    string // Column with the category
	BeltColumn        string // Column with the belt level
	KindColumn        string // Column with the item kind
	SheetName         string // Name of the sheet to import
	StartRow          int    // The row to start importing from (1-based index)
	DefaultBelt       int    // Belt used when the belt cell is empty
}

// DefaultImportConfig returns the default import configuration
func DefaultImportConfig() ImportConfig {
	return ImportConfig{
		IDColumn:          "A",
		TermColumn:        "B",
		TranslationColumn: "C",
		RomanizedColumn:   "D",
		CategoryColumn:    "E",
		BeltColumn:        "F",
		KindColumn:        "G",
		SheetName:         "Sheet1",
		StartRow:          2, // By default, start from the second row (skip header)
		DefaultBelt:       1,
	}
}

// ImportResult holds the result of an import operation
type ImportResult struct {
	TotalProcessed int
	Created        int
	Updated        int
	Skipped        int
	Errors         []string
}

const maxBelt = 10

// ImportItems reads items from an Excel or CSV file and upserts the valid ones.
// Invalid rows are reported in the result and do not stop the import.
func ImportItems(ctx context.Context, config ImportConfig, store ItemStore) (*ImportResult, error) {
	if config.StartRow < 1 {
		config.StartRow = 1
	}
	if config.DefaultBelt < 1 {
		config.DefaultBelt = 1
	}

	var (
		rows []sourceRow
		err  error
	)
	if strings.ToLower(filepath.Ext(config.FilePath)) == ".csv" {
		rows, err = readCSV(config)
	} else {
		rows, err = readExcel(config)
	}
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Errors: make([]string, 0)}
	items := make([]models.ItemMetadata, 0, len(rows))
	seen := make(map[string]int)
	for _, row := range rows {
		result.TotalProcessed++
		it, err := buildItem(row, config)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: %v", row.num, err))
			continue
		}
		if prev, dup := seen[it.ID]; dup {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: duplicate id %s (first seen in row %d)", row.num, it.ID, prev))
			continue
		}
		seen[it.ID] = row.num

		_, err = store.GetItem(ctx, it.ID)
		switch {
		case err == nil:
			result.Updated++
		case errors.Is(err, models.ErrItemNotFound):
			result.Created++
		default:
			return nil, fmt.Errorf("failed to look up item %s: %w", it.ID, err)
		}
		items = append(items, it)
	}

	if len(items) > 0 {
		if err := store.UpsertItems(ctx, items); err != nil {
			return nil, fmt.Errorf("failed to save items: %w", err)
		}
	}
	return result, nil
}

// sourceRow is one data row with its named cells resolved.
type sourceRow struct {
	num                                                    int
	id, term, translation, romanized, category, belt, kind string
}

func readExcel(config ImportConfig) ([]sourceRow, error) {
	f, err := excelize.OpenFile(config.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheet := config.SheetName
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}

	out := make([]sourceRow, 0, len(rows))
	for i, row := range rows {
		if i < config.StartRow-1 || blank(row) {
			continue
		}
		out = append(out, pick(row, config, i+1))
	}
	return out, nil
}

// readCSV accepts the same column layout. A row holding only its first cell
// is a category header and applies to the rows below it.
func readCSV(config ImportConfig) ([]sourceRow, error) {
	file, err := os.Open(config.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1 // Allow variable number of fields
	reader.LazyQuotes = true

	var (
		out             []sourceRow
		rowNum          int
		currentCategory string
	)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV: %w", err)
		}
		rowNum++
		if rowNum < config.StartRow || blank(row) {
			continue
		}
		if header := strings.Trim(strings.TrimSpace(row[0]), `"`); header != "" && blank(row[1:]) {
			currentCategory = header
			continue
		}
		r := pick(row, config, rowNum)
		if r.category == "" {
			r.category = currentCategory
		}
		out = append(out, r)
	}
	return out, nil
}

func pick(row []string, config ImportConfig, num int) sourceRow {
	cell := func(column string) string {
		if column == "" {
			return ""
		}
		if idx := columnToIndex(column); idx >= 0 && idx < len(row) {
			return strings.TrimSpace(row[idx])
		}
		return ""
	}
	return sourceRow{
		num:         num,
		id:          cell(config.IDColumn),
		term:        cell(config.TermColumn),
		translation: cell(config.TranslationColumn),
		romanized:   cell(config.RomanizedColumn),
		category:    cell(config.CategoryColumn),
		belt:        cell(config.BeltColumn),
		kind:        cell(config.KindColumn),
	}
}

func buildItem(row sourceRow, config ImportConfig) (models.ItemMetadata, error) {
	if row.term == "" {
		return models.ItemMetadata{}, fmt.Errorf("term cannot be empty")
	}
	if row.translation == "" {
		return models.ItemMetadata{}, fmt.Errorf("translation cannot be empty")
	}

	belt := config.DefaultBelt
	if row.belt != "" {
		var err error
		if belt, err = parseIntInRange(row.belt, 1, maxBelt); err != nil {
			return models.ItemMetadata{}, fmt.Errorf("invalid belt level %q", row.belt)
		}
	}

	kind := models.KindTerminology
	switch strings.ToLower(row.kind) {
	case "", string(models.KindTerminology):
	case string(models.KindPattern):
		kind = models.KindPattern
	default:
		return models.ItemMetadata{}, fmt.Errorf("unknown kind %q", row.kind)
	}

	id := row.id
	if id == "" {
		base := row.romanized
		if base == "" {
			base = row.translation
		}
		id = fmt.Sprintf("b%d-%s", belt, slug(base))
	}

	return models.ItemMetadata{
		ID:          id,
		BeltLevel:   belt,
		Category:    strings.ToLower(row.category),
		Kind:        kind,
		Term:        row.term,
		Translation: row.translation,
		Romanized:   row.romanized,
	}, nil
}

// slug lowercases s and joins its letter and digit runs with dashes.
func slug(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, "-")
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Helper function to convert Excel column letter to index
func columnToIndex(column string) int {
	column = strings.ToUpper(column)
	index := 0
	for i := 0; i < len(column); i++ {
		index = index*26 + int(column[i]-'A'+1)
	}
	return index - 1
}

// Helper function to parse integer within a range
func parseIntInRange(s string, min, max int) (int, error) {
	var val int
	if _, err := fmt.Sscanf(s, "%d", &val); err != nil {
		return min, err
	}
	if val < min || val > max {
		return min, fmt.Errorf("%d out of range [%d, %d]", val, min, max)
	}
	return val, nil
}
