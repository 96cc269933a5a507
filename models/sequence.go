package models

import "gorm.io/gorm"

// Blueprint lifecycle statuses
const (
	BlueprintDraft    = "draft"
	BlueprintActive   = "active"
	BlueprintArchived = "archived"
)

// SequenceBlueprint is the immutable definition of an outreach sequence.
// Steps may only be mutated while the blueprint is in draft; once active
// the step list is frozen so in-flight enrollments stay consistent.
type SequenceBlueprint struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, archived

	// Statistics (denormalized for performance)
	EnrolledCount  int `gorm:"default:0" json:"enrolled_count"`
	CompletedCount int `gorm:"default:0" json:"completed_count"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:BlueprintID" json:"steps,omitempty"`
}

// SequenceStep is one scheduled send within a blueprint. Step numbers are
// contiguous starting at 0.
type SequenceStep struct {
	gorm.Model
	BlueprintID uint `gorm:"not null;index" json:"blueprint_id"`

	StepNumber int    `gorm:"not null" json:"step_number"`
	DelayHours int    `gorm:"not null" json:"delay_hours"`
	Channel    string `gorm:"not null" json:"channel"` // EMAIL, LINKEDIN, SMS

	Subject    string `json:"subject"`
	Body       string `gorm:"type:text" json:"body"`
	ContentRef string `json:"content_ref"` // external storage ref for large content

	// Optional A/B test attached to this step; the executor assigns a
	// variant at render time.
	ABTestID *uint `gorm:"index" json:"ab_test_id,omitempty"`
}
