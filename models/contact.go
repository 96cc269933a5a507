package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact is the minimal view of a CRM contact the engine needs. Full
// contact/account CRUD lives outside the engine; this record is only read
// here, except for its compliance flags which the Compliance Gate owns.
type Contact struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`

	// Relations
	Compliance *ComplianceRecord `gorm:"foreignKey:ContactID" json:"compliance,omitempty"`
}

// ComplianceRecord holds per-contact opt-out state. Once HardBounced,
// SpamComplained, or Unsubscribed is set, every future send to the contact
// is rejected across all enrollments, permanently.
type ComplianceRecord struct {
	gorm.Model
	ContactID uint `gorm:"not null;uniqueIndex" json:"contact_id"`

	HardBounced     bool       `gorm:"default:false" json:"hard_bounced"`
	SoftBounceCount int        `gorm:"default:0" json:"soft_bounce_count"`
	SpamComplained  bool       `gorm:"default:false" json:"spam_complained"`
	Unsubscribed    bool       `gorm:"default:false" json:"unsubscribed"`
	UnsubscribedAt  *time.Time `json:"unsubscribed_at"`
}
