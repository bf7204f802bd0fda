package models

import "time"

// ProgressSnapshot is the aggregated analytics view of one profile.
// Snapshots are immutable once published; a newer one replaces an older one.
type ProgressSnapshot struct {
	ProfileID    string          `json:"profile_id"`
	GeneratedAt  time.Time       `json:"generated_at"`
	TTLExpiresAt time.Time       `json:"ttl_expires_at"`
	Degraded     bool            `json:"degraded,omitempty"`
	Overall      OverallStats    `json:"overall_stats"`
	PerType      []TypeBreakdown `json:"per_type_breakdown"`
	Weekly       []TimeBucket    `json:"weekly"`
	Monthly      []TimeBucket    `json:"monthly"`
	BeltProgress BeltProgress    `json:"belt_progress"`
	Streak       Streak          `json:"streak"`
}

// OverallStats sums every completed session of a profile
type OverallStats struct {
	Sessions     int           `json:"sessions"`
	StudyTime    time.Duration `json:"study_time"`
	ItemsStudied int           `json:"items_studied"`
	Correct      int           `json:"correct"`
	Incorrect    int           `json:"incorrect"`
	Accuracy     float64       `json:"accuracy"`
}

// TypeBreakdown is OverallStats restricted to one session type
type TypeBreakdown struct {
	SessionType SessionType  `json:"session_type"`
	Stats       OverallStats `json:"stats"`
}

// TimeBucket holds the sessions of one calendar day or month
type TimeBucket struct {
	Start     time.Time `json:"start"`
	Sessions  int       `json:"sessions"`
	Correct   int       `json:"correct"`
	Incorrect int       `json:"incorrect"`
	Accuracy  float64   `json:"accuracy"`
}

// BeltProgress is the mastery percentage of the active belt
type BeltProgress struct {
	BeltLevel     int                `json:"belt_level"`
	TotalItems    int                `json:"total_items"`
	MasteredItems int                `json:"mastered_items"`
	Percent       float64            `json:"percent"`
	Categories    []CategoryProgress `json:"categories"`
}

// CategoryProgress is BeltProgress restricted to one category
type CategoryProgress struct {
	Category      string  `json:"category"`
	TotalItems    int     `json:"total_items"`
	MasteredItems int     `json:"mastered_items"`
	Percent       float64 `json:"percent"`
}

// Streak counts consecutive calendar days with a completed session
type Streak struct {
	Current int `json:"current"`
	Longest int `json:"longest"`
}
