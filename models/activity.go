package models

import (
	"time"

	"gorm.io/gorm"
)

// Delivery statuses. The first group is a funnel (never downgraded); the
// second group is terminal.
const (
	DeliveryQueued  = "queued"
	DeliverySent    = "sent"
	DeliveryOpened  = "opened"
	DeliveryClicked = "clicked"
	DeliveryReplied = "replied"

	DeliveryBounced      = "bounced"
	DeliveryFailed       = "failed"
	DeliverySpam         = "spam"
	DeliveryUnsubscribed = "unsubscribed"
)

// DeliveryActivity records one attempted send of one step to one enrollment
// and the lifecycle events reported back by the provider. ProviderMessageID
// is the idempotency key for event ingestion.
type DeliveryActivity struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	ContactID    uint `gorm:"not null;index" json:"contact_id"`
	SenderID     uint `gorm:"index" json:"sender_id"`

	StepNumber int   `gorm:"not null" json:"step_number"`
	VariantID  *uint `gorm:"index" json:"variant_id,omitempty"`

	ProviderMessageID string `gorm:"uniqueIndex" json:"provider_message_id"`
	Status            string `gorm:"default:'queued'" json:"status"`

	SentAt         *time.Time `json:"sent_at"`
	OpenedAt       *time.Time `json:"opened_at"`
	ClickedAt      *time.Time `json:"clicked_at"`
	RepliedAt      *time.Time `json:"replied_at"`
	BouncedAt      *time.Time `json:"bounced_at"`
	SpamReportedAt *time.Time `json:"spam_reported_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at"`

	OpenCount  int `gorm:"default:0" json:"open_count"`
	ClickCount int `gorm:"default:0" json:"click_count"`

	ErrorMessage string `json:"error_message,omitempty"`
	ReplySnippet string `gorm:"type:text" json:"reply_snippet,omitempty"`

	// Relations
	Enrollment Enrollment `json:"-"`
	Contact    Contact    `json:"-"`
}
