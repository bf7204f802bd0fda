package models

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the learner's answer to a single item
type Outcome string

const (
	OutcomeCorrect   Outcome = "correct"
	OutcomeIncorrect Outcome = "incorrect"
	OutcomeSkip      Outcome = "skip"
	OutcomeHard      Outcome = "hard"
	OutcomeEasy      Outcome = "easy"
)

// Valid reports whether o is one of the recognised outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCorrect, OutcomeIncorrect, OutcomeSkip, OutcomeHard, OutcomeEasy:
		return true
	}
	return false
}

// Promotes reports whether the outcome moves a card up a box.
func (o Outcome) Promotes() bool {
	return o == OutcomeCorrect || o == OutcomeEasy
}

// Demotes reports whether the outcome moves a card down a box.
func (o Outcome) Demotes() bool {
	return o == OutcomeIncorrect || o == OutcomeHard
}

// ParseOutcome converts user input into an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
	}
	return o, nil
}

// CardState is the Leitner review state of one item for one profile
type CardState struct {
	ProfileID            string    `json:"profile_id" db:"profile_id"`
	ItemID               string    `json:"item_id" db:"item_id"`
	Box                  int       `json:"box" db:"box"`
	LastReviewedAt       time.Time `json:"last_reviewed_at" db:"last_reviewed_at"`
	NextReviewDue        time.Time `json:"next_review_due" db:"next_review_due"`
	ConsecutiveCorrect   int       `json:"consecutive_correct" db:"consecutive_correct"`
	ConsecutiveIncorrect int       `json:"consecutive_incorrect" db:"consecutive_incorrect"`
	TotalCorrect         int       `json:"total_correct" db:"total_correct"`
	TotalIncorrect       int       `json:"total_incorrect" db:"total_incorrect"`
}

// Due reports whether the card should be reviewed at asOf.
func (c CardState) Due(asOf time.Time) bool {
	return !c.NextReviewDue.After(asOf)
}
