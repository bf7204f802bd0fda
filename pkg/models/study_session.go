package models

import "time"

// SessionType identifies what kind of study produced a session record
type SessionType string

const (
	SessionFlashcard SessionType = "flashcard"
	SessionTest      SessionType = "test"
	SessionPattern   SessionType = "pattern"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	return t == SessionFlashcard || t == SessionTest || t == SessionPattern
}

// StudySessionRecord is one entry of the append-only study log.
// A record is immutable once EndTime is set.
type StudySessionRecord struct {
	ID             string      `json:"id" db:"id"`
	ProfileID      string      `json:"profile_id" db:"profile_id"`
	SessionType    SessionType `json:"session_type" db:"session_type"`
	StartTime      time.Time   `json:"start_time" db:"start_time"`
	EndTime        *time.Time  `json:"end_time,omitempty" db:"end_time"`
	ItemsStudied   int         `json:"items_studied" db:"items_studied"`
	CorrectCount   int         `json:"correct_count" db:"correct_count"`
	IncorrectCount int         `json:"incorrect_count" db:"incorrect_count"`
	FocusAreas     []string    `json:"focus_areas,omitempty" db:"focus_areas"`
}

// Completed reports whether the session has both a start and an end.
func (r StudySessionRecord) Completed() bool {
	return !r.StartTime.IsZero() && r.EndTime != nil && !r.EndTime.IsZero()
}

// Duration is the wall time of a completed session, zero otherwise.
func (r StudySessionRecord) Duration() time.Duration {
	if !r.Completed() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
