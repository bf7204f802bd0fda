package models

// ItemKind separates terminology cards from pattern (form) content
type ItemKind string

const (
	KindTerminology ItemKind = "terminology"
	KindPattern     ItemKind = "pattern"
)

// ItemMetadata describes one studyable item of the content catalog
type ItemMetadata struct {
	ID          string   `json:"id" db:"id"`
	BeltLevel   int      `json:"belt_level" db:"belt_level"`
	Category    string   `json:"category" db:"category"`
	Kind        ItemKind `json:"kind" db:"kind"`
	Term        string   `json:"term" db:"term"`
	Translation string   `json:"translation" db:"translation"`
	Romanized   string   `json:"romanized" db:"romanized"`
}
