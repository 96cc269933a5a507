package models

import "gorm.io/gorm"

// A/B test statuses
const (
	ABTestDraft     = "draft"
	ABTestRunning   = "running"
	ABTestCompleted = "completed"
)

// ABTest is a controlled experiment across message variants. Variant
// weights must sum to 100.
type ABTest struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name     string `gorm:"not null" json:"name"`
	TestType string `json:"test_type"` // subject, body, send_time
	Status   string `gorm:"default:'draft'" json:"status"`

	WinnerVariantID *uint `json:"winner_variant_id,omitempty"`

	// Relations
	Variants []ABVariant `gorm:"foreignKey:TestID" json:"variants,omitempty"`
}

// ABVariant is one alternative message option, assigned by weight (0-100).
type ABVariant struct {
	gorm.Model
	TestID uint `gorm:"not null;index" json:"test_id"`

	Name   string  `gorm:"not null" json:"name"`
	Weight float64 `gorm:"not null" json:"weight"`

	// Content overrides applied to the step at render time.
	Subject string `json:"subject"`
	Body    string `gorm:"type:text" json:"body"`
}

// ABTestResult records one variant assignment for one enrollment step; the
// analyzer joins it against DeliveryActivity to compute funnel metrics.
type ABTestResult struct {
	gorm.Model
	TestID       uint `gorm:"not null;index" json:"test_id"`
	VariantID    uint `gorm:"not null;index" json:"variant_id"`
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	StepNumber   int  `gorm:"not null" json:"step_number"`
	ContactID    uint `gorm:"not null;index" json:"contact_id"`
}
