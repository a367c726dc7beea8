package store

import "time"

// Report is a persisted sandbox evaluation job.
type Report struct {
	ID           string `gorm:"primaryKey;size:36"`
	Standard     string `gorm:"not null;index"`
	TokenClass   string `gorm:"index"`
	FileName     string
	FilePath     string
	TestedLevels string
	OnlyTest     string
	Status       string `gorm:"not null"`
	Polls        int
	Error        string

	// Resolved evaluations serialized as JSON.
	EvaluationsJSON string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
