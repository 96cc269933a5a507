package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"outflow/models"

	"github.com/badoux/checkmail"
	"gorm.io/gorm"
)

// ComplianceResult is the outcome of a static content check. Errors block
// the blueprint; warnings are advisory only.
type ComplianceResult struct {
	Compliant bool     `json:"compliant"`
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
}

// Gate enforces the permanent-opt-out and content rules. It is the only
// component that mutates ComplianceRecord rows.
type Gate struct {
	DB                  *gorm.DB
	SoftBounceThreshold int
}

func NewGate(db *gorm.DB, softBounceThreshold int) *Gate {
	if softBounceThreshold <= 0 {
		softBounceThreshold = 3
	}
	return &Gate{DB: db, SoftBounceThreshold: softBounceThreshold}
}

// ValidateContent runs the static checks for one step's content. A missing
// unsubscribe link in an email body is a blocking error (the creation-time
// contract requires the affordance); softer channel conventions are
// warnings.
func (g *Gate) ValidateContent(channel Channel, subject, body string) ComplianceResult {
	result := ComplianceResult{}

	if !channel.Valid() {
		result.Errors = append(result.Errors, fmt.Sprintf("unsupported channel %q", channel))
	}
	if strings.TrimSpace(body) == "" {
		result.Errors = append(result.Errors, "message body must not be empty")
	}
	if max := channel.MaxBodyLength(); max > 0 && len(body) > max {
		result.Errors = append(result.Errors, fmt.Sprintf("%s body exceeds the %d character limit (%d)", channel, max, len(body)))
	}
	if channel.NeedsSubject() && strings.TrimSpace(subject) == "" {
		result.Errors = append(result.Errors, "email subject must not be empty")
	}
	if channel == ChannelEmail && body != "" && !strings.Contains(body, "{{unsubscribe_url}}") {
		result.Errors = append(result.Errors, "email body must include the {{unsubscribe_url}} link")
	}
	if channel == ChannelEmail && body != "" && !strings.Contains(body, "{{first_name}}") {
		result.Warnings = append(result.Warnings, "email body has no personalization token")
	}

	result.Compliant = len(result.Errors) == 0
	return result
}

// CheckRecipient is the dynamic eligibility check run immediately before
// every send and at enrollment time. It is unconditional: no caller can
// override a permanent opt-out.
func (g *Gate) CheckRecipient(contactID uint) error {
	var contact models.Contact
	if err := g.DB.First(&contact, contactID).Error; err != nil {
		return err
	}
	if err := checkmail.ValidateFormat(contact.Email); err != nil {
		return &ComplianceError{ContactID: contactID, Reason: "invalid_email"}
	}

	var record models.ComplianceRecord
	err := g.DB.Where("contact_id = ?", contactID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case record.Unsubscribed:
		return &ComplianceError{ContactID: contactID, Reason: models.PauseReasonUnsubscribed}
	case record.SpamComplained:
		return &ComplianceError{ContactID: contactID, Reason: models.PauseReasonSpam}
	case record.HardBounced:
		return &ComplianceError{ContactID: contactID, Reason: models.PauseReasonBounced}
	}
	return nil
}

// The record mutators take the caller's db handle so event processing can
// run them inside its per-event transaction.

func (g *Gate) RecordHardBounce(db *gorm.DB, contactID uint) error {
	record, err := g.recordFor(db, contactID)
	if err != nil {
		return err
	}
	return db.Model(record).Update("hard_bounced", true).Error
}

// RecordSoftBounce increments the soft-bounce counter and reports whether
// the contact escalated to the hard-bounced state.
func (g *Gate) RecordSoftBounce(db *gorm.DB, contactID uint) (bool, error) {
	record, err := g.recordFor(db, contactID)
	if err != nil {
		return false, err
	}

	record.SoftBounceCount++
	updates := map[string]interface{}{"soft_bounce_count": record.SoftBounceCount}
	escalated := record.SoftBounceCount >= g.SoftBounceThreshold && !record.HardBounced
	if escalated {
		updates["hard_bounced"] = true
	}
	if err := db.Model(record).Updates(updates).Error; err != nil {
		return false, err
	}
	return escalated, nil
}

func (g *Gate) RecordSpamComplaint(db *gorm.DB, contactID uint) error {
	record, err := g.recordFor(db, contactID)
	if err != nil {
		return err
	}
	return db.Model(record).Update("spam_complained", true).Error
}

func (g *Gate) RecordUnsubscribe(db *gorm.DB, contactID uint) error {
	record, err := g.recordFor(db, contactID)
	if err != nil {
		return err
	}
	return db.Model(record).Updates(map[string]interface{}{
		"unsubscribed":    true,
		"unsubscribed_at": time.Now(),
	}).Error
}

func (g *Gate) recordFor(db *gorm.DB, contactID uint) (*models.ComplianceRecord, error) {
	var record models.ComplianceRecord
	if err := db.Where(models.ComplianceRecord{ContactID: contactID}).FirstOrCreate(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}
