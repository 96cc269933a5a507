package engine

import (
	"errors"
	"strings"
	"time"

	"outflow/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EventKind enumerates the provider callback kinds the engine understands.
// Unknown kinds are logged at debug level and ignored so new provider
// events don't break ingestion.
type EventKind string

const (
	EventDelivered EventKind = "delivered"
	EventOpen      EventKind = "open"
	EventClick     EventKind = "click"
	EventReply     EventKind = "reply"
	EventBounce    EventKind = "bounce"
	EventDropped   EventKind = "dropped"
	EventSpam      EventKind = "spam_complaint"
	EventUnsub     EventKind = "unsubscribe"
)

func (k EventKind) Known() bool {
	switch k {
	case EventDelivered, EventOpen, EventClick, EventReply, EventBounce, EventDropped, EventSpam, EventUnsub:
		return true
	}
	return false
}

// ProviderEvent is one asynchronous delivery callback.
type ProviderEvent struct {
	Event             string `json:"event"`
	ProviderMessageID string `json:"providerMessageId"`
	Timestamp         int64  `json:"timestamp"`
	Reason            string `json:"reason,omitempty"`
	StatusCode        string `json:"statusCode,omitempty"`
	ReplySnippet      string `json:"-"`
}

// funnel status ranking; events may arrive out of order (a click before its
// open), so statuses only move up this ladder, never down.
var statusRank = map[string]int{
	models.DeliveryQueued:  0,
	models.DeliverySent:    1,
	models.DeliveryOpened:  2,
	models.DeliveryClicked: 3,
	models.DeliveryReplied: 4,
}

// EventProcessor ingests provider callbacks and drives enrollment and
// compliance state. Each event is handled in its own transaction; one bad
// event never aborts the rest of a batch.
type EventProcessor struct {
	DB      *gorm.DB
	Manager *EnrollmentManager
	Gate    *Gate
	Log     *logrus.Entry
}

func NewEventProcessor(db *gorm.DB, manager *EnrollmentManager, gate *Gate) *EventProcessor {
	return &EventProcessor{
		DB:      db,
		Manager: manager,
		Gate:    gate,
		Log:     logrus.WithField("component", "events"),
	}
}

// ProcessBatch handles events one at a time and reports how many were
// applied and how many were dropped (unknown id or kind) or failed.
func (p *EventProcessor) ProcessBatch(events []ProviderEvent) (processed, dropped int) {
	for _, event := range events {
		if err := p.ProcessOne(event); err != nil {
			if errors.Is(err, errUnknownMessage) || errors.Is(err, errUnknownKind) {
				dropped++
				continue
			}
			p.Log.WithFields(logrus.Fields{
				"event":      event.Event,
				"message_id": event.ProviderMessageID,
			}).WithError(err).Warn("event processing failed")
			dropped++
			continue
		}
		processed++
	}
	return processed, dropped
}

var (
	errUnknownMessage = errors.New("unknown provider message id")
	errUnknownKind    = errors.New("unknown event kind")
)

// ProcessOne applies a single event. The activity and compliance updates
// run in one transaction; a resulting enrollment pause is applied after
// commit.
func (p *EventProcessor) ProcessOne(event ProviderEvent) error {
	kind := EventKind(event.Event)
	if !kind.Known() {
		p.Log.WithField("event", event.Event).Debug("ignoring unrecognized event kind")
		return errUnknownKind
	}

	eventTime := time.Unix(event.Timestamp, 0)
	if event.Timestamp == 0 {
		eventTime = time.Now()
	}

	var pauseReason string
	var contactID uint

	err := p.DB.Transaction(func(tx *gorm.DB) error {
		var activity models.DeliveryActivity
		err := tx.Where("provider_message_id = ?", event.ProviderMessageID).First(&activity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Never invent an activity for an id we didn't issue.
			p.Log.WithFields(logrus.Fields{
				"event":      event.Event,
				"message_id": event.ProviderMessageID,
			}).Info("dropping event for unknown message id")
			return errUnknownMessage
		}
		if err != nil {
			return err
		}
		contactID = activity.ContactID

		switch kind {
		case EventDelivered:
			// Delivery confirmations don't change the funnel position.

		case EventOpen:
			updates := map[string]interface{}{"open_count": gorm.Expr("open_count + 1")}
			if activity.OpenedAt == nil {
				updates["opened_at"] = eventTime
			}
			applyStatusUpgrade(updates, &activity, models.DeliveryOpened)
			if err := tx.Model(&activity).Updates(updates).Error; err != nil {
				return err
			}

		case EventClick:
			updates := map[string]interface{}{"click_count": gorm.Expr("click_count + 1")}
			if activity.ClickedAt == nil {
				updates["clicked_at"] = eventTime
			}
			applyStatusUpgrade(updates, &activity, models.DeliveryClicked)
			if err := tx.Model(&activity).Updates(updates).Error; err != nil {
				return err
			}

		case EventReply:
			updates := map[string]interface{}{}
			if activity.RepliedAt == nil {
				updates["replied_at"] = eventTime
			}
			if event.ReplySnippet != "" && activity.ReplySnippet == "" {
				updates["reply_snippet"] = event.ReplySnippet
			}
			applyStatusUpgrade(updates, &activity, models.DeliveryReplied)
			if err := tx.Model(&activity).Updates(updates).Error; err != nil {
				return err
			}

		case EventBounce:
			if err := tx.Model(&activity).Updates(map[string]interface{}{
				"bounced_at":    eventTime,
				"status":        models.DeliveryBounced,
				"error_message": event.Reason,
			}).Error; err != nil {
				return err
			}
			if isHardBounce(event.StatusCode, event.Reason) {
				if err := p.Gate.RecordHardBounce(tx, activity.ContactID); err != nil {
					return err
				}
				pauseReason = models.PauseReasonBounced
			} else {
				escalated, err := p.Gate.RecordSoftBounce(tx, activity.ContactID)
				if err != nil {
					return err
				}
				if escalated {
					pauseReason = models.PauseReasonBounced
				}
			}

		case EventDropped:
			if err := tx.Model(&activity).Updates(map[string]interface{}{
				"status":        models.DeliveryFailed,
				"error_message": event.Reason,
			}).Error; err != nil {
				return err
			}
			pauseReason = models.PauseReasonDropped

		case EventSpam:
			if err := tx.Model(&activity).Updates(map[string]interface{}{
				"spam_reported_at": eventTime,
				"status":           models.DeliverySpam,
			}).Error; err != nil {
				return err
			}
			if err := p.Gate.RecordSpamComplaint(tx, activity.ContactID); err != nil {
				return err
			}
			pauseReason = models.PauseReasonSpam

		case EventUnsub:
			if err := tx.Model(&activity).Updates(map[string]interface{}{
				"unsubscribed_at": eventTime,
				"status":          models.DeliveryUnsubscribed,
			}).Error; err != nil {
				return err
			}
			if err := p.Gate.RecordUnsubscribe(tx, activity.ContactID); err != nil {
				return err
			}
			pauseReason = models.PauseReasonUnsubscribed
		}

		return p.Manager.TouchActivity(tx, activity.EnrollmentID, eventTime)
	})
	if err != nil {
		return err
	}

	if pauseReason != "" {
		var activity models.DeliveryActivity
		if err := p.DB.Where("provider_message_id = ?", event.ProviderMessageID).First(&activity).Error; err != nil {
			return err
		}
		if err := p.Manager.Pause(activity.EnrollmentID, pauseReason); err != nil {
			p.Log.WithFields(logrus.Fields{
				"enrollment_id": activity.EnrollmentID,
				"reason":        pauseReason,
				"contact_id":    contactID,
			}).WithError(err).Warn("pause after event failed")
		}
	}
	return nil
}

// applyStatusUpgrade moves the activity up the funnel, never down, and
// never off a terminal status.
func applyStatusUpgrade(updates map[string]interface{}, activity *models.DeliveryActivity, status string) {
	current, isFunnel := statusRank[activity.Status]
	next := statusRank[status]
	if isFunnel && next > current {
		updates["status"] = status
	}
}

// isHardBounce classifies a bounce: a 5xx SMTP status code or an explicit
// "hard" reason means the address is gone for good, anything else counts as
// soft.
func isHardBounce(statusCode, reason string) bool {
	if len(statusCode) > 0 && statusCode[0] == '5' {
		return true
	}
	return strings.HasPrefix(strings.ToLower(reason), "hard")
}
