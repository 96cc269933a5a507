package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment states
const (
	EnrollmentActive    = "active"
	EnrollmentPaused    = "paused"
	EnrollmentCompleted = "completed"
)

// Pause reasons. Only a manual pause can be resumed; the rest are terminal
// in practice (re-enrollment requires a new Enrollment record).
const (
	PauseReasonNone         = "none"
	PauseReasonManual       = "manual"
	PauseReasonDropped      = "dropped"
	PauseReasonBounced      = "bounced"
	PauseReasonSpam         = "spam_complaint"
	PauseReasonUnsubscribed = "unsubscribed"
)

// Enrollment tracks one contact's progress through one blueprint.
// CurrentStep only ever moves forward; completed is terminal.
type Enrollment struct {
	gorm.Model
	UserID      uint `gorm:"not null;index" json:"user_id"`
	BlueprintID uint `gorm:"not null;index" json:"blueprint_id"`
	ContactID   uint `gorm:"not null;index" json:"contact_id"`

	State       string `gorm:"default:'active';index" json:"state"`
	PauseReason string `gorm:"default:'none'" json:"pause_reason"`
	CurrentStep int    `gorm:"default:0" json:"current_step"`

	// Consecutive transient failures on the current step; reset on advance.
	StepAttempts int `gorm:"default:0" json:"step_attempts"`

	StartedAt      time.Time  `gorm:"not null" json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	LastActivityAt time.Time  `gorm:"not null" json:"last_activity_at"`

	// Relations
	Blueprint SequenceBlueprint `json:"-"`
	Contact   Contact           `json:"-"`
}
