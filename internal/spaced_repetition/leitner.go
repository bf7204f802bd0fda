package spaced_repetition

import (
	"fmt"
	"time"

	"github.com/example/dojang/pkg/models"
)

// Box bounds of the Leitner system.
const (
	MinBox = 1
	MaxBox = 5
)

const day = 24 * time.Hour

// DefaultIntervals is the review delay per box: same day, 1, 3, 7 and 14 days.
// Index 0 is box 1.
var DefaultIntervals = [MaxBox]time.Duration{0, 1 * day, 3 * day, 7 * day, 14 * day}

// Leitner applies review outcomes to card states using a fixed interval table
type Leitner struct {
	intervals [MaxBox]time.Duration
}

// NewLeitner validates an interval table. Intervals must be non-negative and
// strictly increasing so a promotion always pushes the due date further out.
func NewLeitner(intervals [MaxBox]time.Duration) (*Leitner, error) {
	for i, d := range intervals {
		if d < 0 {
			return nil, fmt.Errorf("interval for box %d must not be negative, got %s", i+1, d)
		}
		if i > 0 && d <= intervals[i-1] {
			return nil, fmt.Errorf("interval for box %d (%s) must exceed box %d (%s)", i+1, d, i, intervals[i-1])
		}
	}
	return &Leitner{intervals: intervals}, nil
}

// NewDefaultLeitner uses DefaultIntervals.
func NewDefaultLeitner() *Leitner {
	return &Leitner{intervals: DefaultIntervals}
}

// Interval returns the delay for the given box, clamping out-of-range boxes.
func (l *Leitner) Interval(box int) time.Duration {
	return l.intervals[clampBox(box)-1]
}

// NewCardState is the state of an item that was never reviewed.
func NewCardState(profileID, itemID string) models.CardState {
	return models.CardState{
		ProfileID: profileID,
		ItemID:    itemID,
		Box:       MinBox,
	}
}

// Apply returns the state after reviewing it with outcome at now.
// Skip returns the state untouched and false.
func (l *Leitner) Apply(state models.CardState, outcome models.Outcome, now time.Time) (models.CardState, bool) {
	next := state
	next.Box = clampBox(state.Box)

	switch {
	case outcome.Promotes():
		if next.Box < MaxBox {
			next.Box++
		}
		next.ConsecutiveCorrect++
		next.ConsecutiveIncorrect = 0
		next.TotalCorrect++
	case outcome.Demotes():
		if next.Box > MinBox {
			next.Box--
		}
		next.ConsecutiveIncorrect++
		next.ConsecutiveCorrect = 0
		next.TotalIncorrect++
	default:
		// skip and anything unrecognised never counts as a review
		return state, false
	}

	next.LastReviewedAt = now
	next.NextReviewDue = now.Add(l.Interval(next.Box))
	return next, true
}

// IsMastered reports whether the card reached the top box with at least one correct answer.
func IsMastered(state models.CardState) bool {
	return state.Box >= MaxBox && state.TotalCorrect >= 1
}

// MasteryLevel names the box for exports: learning, familiar, proficient or mastered.
func MasteryLevel(state models.CardState) string {
	switch {
	case IsMastered(state):
		return "mastered"
	case state.Box >= 4:
		return "proficient"
	case state.Box == 3:
		return "familiar"
	default:
		return "learning"
	}
}

func clampBox(box int) int {
	if box < MinBox {
		return MinBox
	}
	if box > MaxBox {
		return MaxBox
	}
	return box
}
