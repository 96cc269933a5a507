package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"outflow/models"
	"outflow/utils"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Executor drains the job queue with a pool of workers. Workers run in
// parallel across enrollments; the Advance compare-and-swap serializes work
// on a single enrollment.
type Executor struct {
	DB       *gorm.DB
	Manager  *EnrollmentManager
	Gate     *Gate
	Selector *Selector
	Breaker  *Breaker
	Renderer ContentRenderer
	Adapters map[Channel]ChannelAdapter
	Jobs     <-chan Job
	Log      *logrus.Entry

	MaxStepAttempts int
	BaseURL         string
	TrackingSecret  string
	Workers         int
}

func NewExecutor(db *gorm.DB, manager *EnrollmentManager, gate *Gate, selector *Selector, breaker *Breaker, jobs <-chan Job) *Executor {
	return &Executor{
		DB:              db,
		Manager:         manager,
		Gate:            gate,
		Selector:        selector,
		Breaker:         breaker,
		Renderer:        &TokenRenderer{},
		Adapters:        map[Channel]ChannelAdapter{ChannelEmail: &SMTPAdapter{}},
		Jobs:            jobs,
		Log:             logrus.WithField("component", "executor"),
		MaxStepAttempts: 3,
		Workers:         4,
	}
}

// Start runs the worker pool until the context is cancelled.
func (x *Executor) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < x.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-x.Jobs:
					if !ok {
						return
					}
					if err := x.Execute(ctx, job); err != nil {
						var stale *StaleJobError
						if errors.As(err, &stale) {
							x.Log.WithField("job", job).Debug("discarded stale job")
							continue
						}
						x.Log.WithField("job", job).WithError(err).Warn("job failed")
					}
				}
			}
		}(i)
	}
	wg.Wait()
}

// Execute performs one job end to end: stale check, render, compliance
// gate, breaker-wrapped dispatch, outcome recording, advancement.
func (x *Executor) Execute(ctx context.Context, job Job) error {
	var enrollment models.Enrollment
	if err := x.DB.First(&enrollment, job.EnrollmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &StaleJobError{EnrollmentID: job.EnrollmentID, StepNumber: job.StepNumber}
		}
		return err
	}
	// Idempotency guard: a duplicate or late job for an enrollment that has
	// moved on (or paused) is a no-op.
	if enrollment.State != models.EnrollmentActive || enrollment.CurrentStep != job.StepNumber {
		return &StaleJobError{EnrollmentID: job.EnrollmentID, StepNumber: job.StepNumber}
	}

	var step models.SequenceStep
	err := x.DB.Where("blueprint_id = ? AND step_number = ?",
		enrollment.BlueprintID, job.StepNumber).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return x.Manager.Complete(enrollment.ID)
	}
	if err != nil {
		return err
	}

	var contact models.Contact
	if err := x.DB.First(&contact, enrollment.ContactID).Error; err != nil {
		return err
	}

	if err := x.Gate.CheckRecipient(contact.ID); err != nil {
		var compliance *ComplianceError
		if errors.As(err, &compliance) {
			return x.Manager.Pause(enrollment.ID, pauseReasonFor(compliance.Reason))
		}
		return err
	}

	subject, body := step.Subject, step.Body
	var variantID *uint
	if step.ABTestID != nil {
		variant, err := x.Selector.Assign(*step.ABTestID, &enrollment, step.StepNumber)
		if err != nil {
			return fmt.Errorf("variant assignment: %w", err)
		}
		if variant.Subject != "" {
			subject = variant.Subject
		}
		if variant.Body != "" {
			body = variant.Body
		}
		variantID = utils.Pointer(variant.ID)
	}

	subject, body, err = x.Renderer.Render(&contact, subject, body)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	sender, err := x.rotateSender(enrollment.UserID)
	if err != nil {
		// No sending capacity right now; the next scan retries.
		return x.recordFailure(&enrollment, &step, nil, variantID, &TransientChannelError{Op: "sender rotation", Err: err})
	}

	channel := Channel(step.Channel)
	adapter, ok := x.Adapters[channel]
	if !ok {
		return x.recordFailure(&enrollment, &step, sender, variantID,
			&PermanentChannelError{Op: "dispatch", Err: fmt.Errorf("no adapter for channel %s", channel)})
	}

	messageID := uuid.New().String()
	if channel == ChannelEmail {
		body = utils.InjectTracking(body, x.BaseURL, messageID, x.TrackingSecret)
	}
	msg := Message{
		To:                contact.Email,
		Subject:           subject,
		Body:              body,
		ProviderMessageID: messageID,
	}

	var result SendResult
	sendErr := x.Breaker.Call(ctx, fmt.Sprintf("sender:%d", sender.ID), func() error {
		var err error
		result, err = adapter.Send(ctx, sender, msg)
		return err
	})
	if sendErr != nil {
		return x.recordFailure(&enrollment, &step, sender, variantID, sendErr)
	}

	if result.ProviderMessageID != "" {
		messageID = result.ProviderMessageID
	}

	now := time.Now()
	activity := models.DeliveryActivity{
		EnrollmentID:      enrollment.ID,
		ContactID:         contact.ID,
		SenderID:          sender.ID,
		StepNumber:        step.StepNumber,
		VariantID:         variantID,
		ProviderMessageID: messageID,
		Status:            models.DeliverySent,
		SentAt:            &now,
	}
	if err := x.DB.Create(&activity).Error; err != nil {
		return err
	}
	x.DB.Model(sender).Updates(map[string]interface{}{
		"sent_today": gorm.Expr("sent_today + 1"),
		"total_sent": gorm.Expr("total_sent + 1"),
	})

	x.Log.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"step":          step.StepNumber,
		"channel":       step.Channel,
		"message_id":    messageID,
	}).Info("step sent")

	return x.Manager.Advance(&enrollment)
}

// recordFailure writes a failed DeliveryActivity and decides the
// enrollment's fate by failure class: permanent failures pause it,
// transient ones leave it active for the next scan, bounded by the
// max-attempt counter.
func (x *Executor) recordFailure(enrollment *models.Enrollment, step *models.SequenceStep, sender *models.Sender, variantID *uint, sendErr error) error {
	activity := models.DeliveryActivity{
		EnrollmentID:      enrollment.ID,
		ContactID:         enrollment.ContactID,
		StepNumber:        step.StepNumber,
		VariantID:         variantID,
		ProviderMessageID: uuid.New().String(),
		Status:            models.DeliveryFailed,
		ErrorMessage:      sendErr.Error(),
	}
	if sender != nil {
		activity.SenderID = sender.ID
	}
	if err := x.DB.Create(&activity).Error; err != nil {
		return err
	}

	var permanent *PermanentChannelError
	if errors.As(sendErr, &permanent) {
		sentry.CaptureException(sendErr)
		x.Log.WithFields(logrus.Fields{
			"enrollment_id": enrollment.ID,
			"step":          step.StepNumber,
		}).WithError(sendErr).Error("permanent channel failure")
		return x.Manager.Pause(enrollment.ID, models.PauseReasonBounced)
	}

	// Transient (includes CircuitOpenError): leave active and count the
	// attempt so a persistent failure can't retry forever.
	attempts := enrollment.StepAttempts + 1
	if err := x.DB.Model(&models.Enrollment{}).
		Where("id = ?", enrollment.ID).
		Update("step_attempts", attempts).Error; err != nil {
		return err
	}
	if attempts >= x.MaxStepAttempts {
		x.Log.WithFields(logrus.Fields{
			"enrollment_id": enrollment.ID,
			"step":          step.StepNumber,
			"attempts":      attempts,
		}).Warn("max attempts reached, dropping enrollment")
		return x.Manager.Pause(enrollment.ID, models.PauseReasonDropped)
	}

	x.Log.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"step":          step.StepNumber,
		"attempts":      attempts,
	}).WithError(sendErr).Warn("transient channel failure, will retry")
	return nil
}

// rotateSender picks the active sender with the most remaining daily
// capacity for a user.
func (x *Executor) rotateSender(userID uint) (*models.Sender, error) {
	var senders []models.Sender
	if err := x.DB.Where("user_id = ? AND is_active = ?", userID, true).Find(&senders).Error; err != nil {
		return nil, err
	}
	if len(senders) == 0 {
		return nil, fmt.Errorf("no active senders available")
	}

	var best *models.Sender
	maxAvailable := 0
	for i := range senders {
		available := senders[i].DailyLimit - senders[i].SentToday
		if available > maxAvailable {
			maxAvailable = available
			best = &senders[i]
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no senders with available capacity")
	}
	return best, nil
}

// pauseReasonFor maps a compliance rejection to the enrollment pause
// reason recorded alongside it.
func pauseReasonFor(complianceReason string) string {
	switch complianceReason {
	case models.PauseReasonUnsubscribed, models.PauseReasonSpam, models.PauseReasonBounced:
		return complianceReason
	default:
		return models.PauseReasonBounced
	}
}
