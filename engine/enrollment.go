package engine

import (
	"errors"
	"fmt"
	"time"

	"outflow/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// pauseSeverity orders pause reasons; a pause with a more severe reason
// overrides an existing one, never the other way around.
var pauseSeverity = map[string]int{
	models.PauseReasonNone:         0,
	models.PauseReasonManual:       1,
	models.PauseReasonDropped:      2,
	models.PauseReasonBounced:      3,
	models.PauseReasonSpam:         4,
	models.PauseReasonUnsubscribed: 5,
}

// EnrollmentManager owns the enrollment state machine. No other component
// mutates Enrollment rows directly.
type EnrollmentManager struct {
	DB   *gorm.DB
	Gate *Gate
	Log  *logrus.Entry
}

func NewEnrollmentManager(db *gorm.DB, gate *Gate) *EnrollmentManager {
	return &EnrollmentManager{
		DB:   db,
		Gate: gate,
		Log:  logrus.WithField("component", "enrollment"),
	}
}

// Enroll creates an enrollment at step 0. It refuses archived or draft
// blueprints, duplicate active/paused enrollments, and permanently
// ineligible contacts.
func (m *EnrollmentManager) Enroll(blueprintID, contactID uint) (*models.Enrollment, error) {
	var blueprint models.SequenceBlueprint
	if err := m.DB.First(&blueprint, blueprintID).Error; err != nil {
		return nil, err
	}
	if blueprint.Status != models.BlueprintActive {
		return nil, fmt.Errorf("blueprint %d is %s, not active", blueprintID, blueprint.Status)
	}

	var existing models.Enrollment
	err := m.DB.Where(
		"blueprint_id = ? AND contact_id = ? AND state IN ?",
		blueprintID, contactID,
		[]string{models.EnrollmentActive, models.EnrollmentPaused},
	).First(&existing).Error
	if err == nil {
		return nil, &AlreadyEnrolledError{BlueprintID: blueprintID, ContactID: contactID}
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := m.Gate.CheckRecipient(contactID); err != nil {
		return nil, err
	}

	now := time.Now()
	enrollment := models.Enrollment{
		UserID:         blueprint.UserID,
		BlueprintID:    blueprintID,
		ContactID:      contactID,
		State:          models.EnrollmentActive,
		PauseReason:    models.PauseReasonNone,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := m.DB.Create(&enrollment).Error; err != nil {
		return nil, err
	}
	m.DB.Model(&blueprint).Update("enrolled_count", gorm.Expr("enrolled_count + 1"))

	m.Log.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"blueprint_id":  blueprintID,
		"contact_id":    contactID,
	}).Info("contact enrolled")
	return &enrollment, nil
}

// Advance moves an enrollment forward after a confirmed send. It is a
// compare-and-swap on current_step, so a stale concurrent caller ends up
// with a StaleJobError instead of skipping a step.
func (m *EnrollmentManager) Advance(enrollment *models.Enrollment) error {
	res := m.DB.Model(&models.Enrollment{}).
		Where("id = ? AND current_step = ? AND state = ?",
			enrollment.ID, enrollment.CurrentStep, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"current_step":     gorm.Expr("current_step + 1"),
			"step_attempts":    0,
			"last_activity_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &StaleJobError{EnrollmentID: enrollment.ID, StepNumber: enrollment.CurrentStep}
	}
	enrollment.CurrentStep++

	var stepCount int64
	if err := m.DB.Model(&models.SequenceStep{}).
		Where("blueprint_id = ?", enrollment.BlueprintID).
		Count(&stepCount).Error; err != nil {
		return err
	}
	if int64(enrollment.CurrentStep) >= stepCount {
		return m.Complete(enrollment.ID)
	}
	return nil
}

// Complete is terminal; it also runs as the scheduler's safety net when an
// enrollment is found past its last step.
func (m *EnrollmentManager) Complete(enrollmentID uint) error {
	var enrollment models.Enrollment
	if err := m.DB.First(&enrollment, enrollmentID).Error; err != nil {
		return err
	}
	if enrollment.State == models.EnrollmentCompleted {
		return nil
	}

	now := time.Now()
	if err := m.DB.Model(&enrollment).Updates(map[string]interface{}{
		"state":        models.EnrollmentCompleted,
		"completed_at": now,
	}).Error; err != nil {
		return err
	}
	m.DB.Model(&models.SequenceBlueprint{}).
		Where("id = ?", enrollment.BlueprintID).
		Update("completed_count", gorm.Expr("completed_count + 1"))

	m.Log.WithField("enrollment_id", enrollmentID).Info("enrollment completed")
	return nil
}

// Pause is idempotent for the same reason; a more severe reason overrides a
// lighter one (a spam complaint trumps a manual pause), and a lighter
// reason never downgrades an existing pause.
func (m *EnrollmentManager) Pause(enrollmentID uint, reason string) error {
	if _, ok := pauseSeverity[reason]; !ok || reason == models.PauseReasonNone {
		return fmt.Errorf("invalid pause reason %q", reason)
	}

	var enrollment models.Enrollment
	if err := m.DB.First(&enrollment, enrollmentID).Error; err != nil {
		return err
	}
	if enrollment.State == models.EnrollmentCompleted {
		return fmt.Errorf("enrollment %d is completed", enrollmentID)
	}
	if enrollment.State == models.EnrollmentPaused &&
		pauseSeverity[reason] <= pauseSeverity[enrollment.PauseReason] {
		return nil
	}

	if err := m.DB.Model(&enrollment).Updates(map[string]interface{}{
		"state":        models.EnrollmentPaused,
		"pause_reason": reason,
	}).Error; err != nil {
		return err
	}
	m.Log.WithFields(logrus.Fields{
		"enrollment_id": enrollmentID,
		"reason":        reason,
	}).Info("enrollment paused")
	return nil
}

// Resume reactivates a manually paused enrollment. Every other pause
// reason is terminal in practice: re-enrollment needs a new record.
func (m *EnrollmentManager) Resume(enrollmentID uint) error {
	var enrollment models.Enrollment
	if err := m.DB.First(&enrollment, enrollmentID).Error; err != nil {
		return err
	}
	if enrollment.State != models.EnrollmentPaused {
		return fmt.Errorf("enrollment %d is %s, not paused", enrollmentID, enrollment.State)
	}
	if enrollment.PauseReason != models.PauseReasonManual {
		return fmt.Errorf("enrollment %d was paused for %s and cannot be resumed", enrollmentID, enrollment.PauseReason)
	}

	return m.DB.Model(&enrollment).Updates(map[string]interface{}{
		"state":        models.EnrollmentActive,
		"pause_reason": models.PauseReasonNone,
	}).Error
}

// TouchActivity refreshes the enrollment's last-activity timestamp, which
// shifts the due time of the next step.
func (m *EnrollmentManager) TouchActivity(db *gorm.DB, enrollmentID uint, at time.Time) error {
	return db.Model(&models.Enrollment{}).
		Where("id = ? AND last_activity_at < ?", enrollmentID, at).
		Update("last_activity_at", at).Error
}
