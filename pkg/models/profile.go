package models

import "time"

// LearningMode controls which belts feed a profile's study pool.
type LearningMode string

const (
	// ModeProgression studies only the active belt's content.
	ModeProgression LearningMode = "progression"
	// ModeMastery studies every belt up to and including the active one.
	ModeMastery LearningMode = "mastery"
)

// Valid reports whether m is a known learning mode.
func (m LearningMode) Valid() bool {
	return m == ModeProgression || m == ModeMastery
}

// Profile is an isolated learner inside one installation
type Profile struct {
	ID           string       `json:"id" db:"id"`
	Name         string       `json:"name" db:"name"`
	BeltLevel    int          `json:"active_belt_level" db:"belt_level"`
	LearningMode LearningMode `json:"learning_mode" db:"learning_mode"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	LastActiveAt *time.Time   `json:"last_active_at,omitempty" db:"last_active_at"`
}
