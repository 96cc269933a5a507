package engine

import (
	"testing"
	"time"

	"outflow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type eventsFixture struct {
	db        *gorm.DB
	gate      *Gate
	manager   *EnrollmentManager
	processor *EventProcessor
}

func newEventsFixture(t *testing.T) *eventsFixture {
	t.Helper()
	db := newTestDB(t)
	gate := NewGate(db, 3)
	manager := NewEnrollmentManager(db, gate)
	return &eventsFixture{
		db:        db,
		gate:      gate,
		manager:   manager,
		processor: NewEventProcessor(db, manager, gate),
	}
}

// sentActivity enrolls a contact and records a confirmed send so events
// have something to land on.
func (f *eventsFixture) sentActivity(t *testing.T, email, messageID string) (*models.Enrollment, *models.DeliveryActivity) {
	t.Helper()

	blueprint := createBlueprint(t, f.db, 0, 48)
	enrollment, err := f.manager.Enroll(blueprint.ID, createContact(t, f.db, email).ID)
	require.NoError(t, err)

	now := time.Now().Add(-time.Hour)
	activity := models.DeliveryActivity{
		EnrollmentID:      enrollment.ID,
		ContactID:         enrollment.ContactID,
		StepNumber:        0,
		ProviderMessageID: messageID,
		Status:            models.DeliverySent,
		SentAt:            &now,
	}
	require.NoError(t, f.db.Create(&activity).Error)
	return enrollment, &activity
}

func (f *eventsFixture) reload(t *testing.T, messageID string) *models.DeliveryActivity {
	t.Helper()
	var activity models.DeliveryActivity
	require.NoError(t, f.db.Where("provider_message_id = ?", messageID).First(&activity).Error)
	return &activity
}

func TestProcessBatchDropsUnknownMessageID(t *testing.T) {
	f := newEventsFixture(t)

	processed, dropped := f.processor.ProcessBatch([]ProviderEvent{
		{Event: "open", ProviderMessageID: "never-issued"},
	})
	assert.Zero(t, processed)
	assert.Equal(t, 1, dropped)

	var count int64
	require.NoError(t, f.db.Model(&models.DeliveryActivity{}).Count(&count).Error)
	assert.Zero(t, count, "an unknown id must never fabricate an activity")
}

func TestProcessBatchIgnoresUnknownKind(t *testing.T) {
	f := newEventsFixture(t)
	f.sentActivity(t, "ada@example.com", "msg-1")

	processed, dropped := f.processor.ProcessBatch([]ProviderEvent{
		{Event: "shrug", ProviderMessageID: "msg-1"},
	})
	assert.Zero(t, processed)
	assert.Equal(t, 1, dropped)

	activity := f.reload(t, "msg-1")
	assert.Equal(t, models.DeliverySent, activity.Status)
}

func TestProcessBatchIsolation(t *testing.T) {
	f := newEventsFixture(t)
	f.sentActivity(t, "ada@example.com", "msg-1")

	processed, dropped := f.processor.ProcessBatch([]ProviderEvent{
		{Event: "open", ProviderMessageID: "unknown"},
		{Event: "open", ProviderMessageID: "msg-1"},
		{Event: "nonsense", ProviderMessageID: "msg-1"},
	})
	assert.Equal(t, 1, processed)
	assert.Equal(t, 2, dropped)

	activity := f.reload(t, "msg-1")
	assert.Equal(t, models.DeliveryOpened, activity.Status)
	assert.Equal(t, 1, activity.OpenCount)
}

func TestOutOfOrderEventsNeverDowngrade(t *testing.T) {
	f := newEventsFixture(t)
	f.sentActivity(t, "ada@example.com", "msg-1")

	// The click arrives before its open.
	ts := time.Now().Unix()
	processed, dropped := f.processor.ProcessBatch([]ProviderEvent{
		{Event: "click", ProviderMessageID: "msg-1", Timestamp: ts},
		{Event: "open", ProviderMessageID: "msg-1", Timestamp: ts},
	})
	assert.Equal(t, 2, processed)
	assert.Zero(t, dropped)

	activity := f.reload(t, "msg-1")
	assert.Equal(t, models.DeliveryClicked, activity.Status, "the open must not pull the status back down")
	assert.Equal(t, 1, activity.ClickCount)
	assert.Equal(t, 1, activity.OpenCount)
	assert.NotNil(t, activity.ClickedAt)
	assert.NotNil(t, activity.OpenedAt)
}

func TestRepeatedOpensCountButKeepFirstTimestamp(t *testing.T) {
	f := newEventsFixture(t)
	f.sentActivity(t, "ada@example.com", "msg-1")

	first := time.Now().Add(-30 * time.Minute).Unix()
	second := time.Now().Unix()
	f.processor.ProcessBatch([]ProviderEvent{
		{Event: "open", ProviderMessageID: "msg-1", Timestamp: first},
		{Event: "open", ProviderMessageID: "msg-1", Timestamp: second},
	})

	activity := f.reload(t, "msg-1")
	assert.Equal(t, 2, activity.OpenCount)
	require.NotNil(t, activity.OpenedAt)
	assert.Equal(t, first, activity.OpenedAt.Unix())
}

func TestReplyEventRecordsSnippet(t *testing.T) {
	f := newEventsFixture(t)
	enrollment, _ := f.sentActivity(t, "ada@example.com", "msg-1")

	processed, _ := f.processor.ProcessBatch([]ProviderEvent{
		{Event: "reply", ProviderMessageID: "msg-1", Timestamp: time.Now().Unix(), ReplySnippet: "Sounds interesting, tell me more"},
	})
	assert.Equal(t, 1, processed)

	activity := f.reload(t, "msg-1")
	assert.Equal(t, models.DeliveryReplied, activity.Status)
	assert.NotNil(t, activity.RepliedAt)
	assert.Equal(t, "Sounds interesting, tell me more", activity.ReplySnippet)

	// A reply keeps the enrollment running; pausing on engagement is a
	// product decision that belongs to the caller, not the processor.
	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentActive, persisted.State)
}

func TestEventRefreshesLastActivity(t *testing.T) {
	f := newEventsFixture(t)
	enrollment, _ := f.sentActivity(t, "ada@example.com", "msg-1")

	eventTime := time.Now().Add(2 * time.Hour)
	f.processor.ProcessBatch([]ProviderEvent{
		{Event: "open", ProviderMessageID: "msg-1", Timestamp: eventTime.Unix()},
	})

	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, eventTime.Unix(), persisted.LastActivityAt.Unix(), "events shift the next step's due time")
}

func TestHardBounceOptsOutPermanently(t *testing.T) {
	f := newEventsFixture(t)
	enrollment, _ := f.sentActivity(t, "ada@example.com", "msg-1")

	processed, _ := f.processor.ProcessBatch([]ProviderEvent{
		{Event: "bounce", ProviderMessageID: "msg-1", StatusCode: "550", Reason: "mailbox does not exist"},
	})
	assert.Equal(t, 1, processed)

	activity := f.reload(t, "msg-1")
	assert.Equal(t, models.DeliveryBounced, activity.Status)
	assert.Equal(t, "mailbox does not exist", activity.ErrorMessage)

	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentPaused, persisted.State)
	assert.Equal(t, models.PauseReasonBounced, persisted.PauseReason)

	// The opt-out is global: enrolling the same contact anywhere else fails.
	other := createBlueprint(t, f.db, 0)
	_, err := f.manager.Enroll(other.ID, enrollment.ContactID)
	var compliance *ComplianceError
	require.ErrorAs(t, err, &compliance)
	assert.Equal(t, models.PauseReasonBounced, compliance.Reason)
}

func TestSoftBouncesEscalateAtThreshold(t *testing.T) {
	f := newEventsFixture(t)
	enrollment, _ := f.sentActivity(t, "ada@example.com", "msg-1")

	// Two soft bounces: enrollment stays active, counter climbs.
	for _, id := range []string{"msg-1", "msg-1"} {
		f.processor.ProcessBatch([]ProviderEvent{
			{Event: "bounce", ProviderMessageID: id, StatusCode: "421", Reason: "mailbox full"},
		})
	}
	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentActive, persisted.State)

	// The third soft bounce escalates to a hard bounce.
	f.processor.ProcessBatch([]ProviderEvent{
		{Event: "bounce", ProviderMessageID: "msg-1", StatusCode: "421", Reason: "mailbox full"},
	})

	var record models.ComplianceRecord
	require.NoError(t, f.db.Where("contact_id = ?", enrollment.ContactID).First(&record).Error)
	assert.True(t, record.HardBounced)
	assert.Equal(t, 3, record.SoftBounceCount)

	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentPaused, persisted.State)
	assert.Equal(t, models.PauseReasonBounced, persisted.PauseReason)
}

func TestHardBounceByReasonPrefix(t *testing.T) {
	f := newEventsFixture(t)
	enrollment, _ := f.sentActivity(t, "ada@example.com", "msg-1")

	f.processor.ProcessBatch([]ProviderEvent{
		{Event: "bounce", ProviderMessageID: "msg-1", Reason: "Hard bounce: recipient rejected"},
	})

	var record models.ComplianceRecord
	require.NoError(t, f.db.Where("contact_id = ?", enrollment.ContactID).First(&record).Error)
	assert.True(t, record.HardBounced)
	assert.Zero(t, record.SoftBounceCount)
}

func TestSpamComplaintPausesAndOptsOut(t *testing.T) {
	f := newEventsFixture(t)
	enrollment, _ := f.sentActivity(t, "ada@example.com", "msg-1")

	f.processor.ProcessBatch([]ProviderEvent{
		{Event: "spam_complaint", ProviderMessageID: "msg-1", Timestamp: time.Now().Unix()},
	})

	activity := f.reload(t, "msg-1")
	assert.Equal(t, models.DeliverySpam, activity.Status)
	assert.NotNil(t, activity.SpamReportedAt)

	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, models.PauseReasonSpam, persisted.PauseReason)

	var record models.ComplianceRecord
	require.NoError(t, f.db.Where("contact_id = ?", enrollment.ContactID).First(&record).Error)
	assert.True(t, record.SpamComplained)
}

func TestUnsubscribePausesAndOptsOut(t *testing.T) {
	f := newEventsFixture(t)
	enrollment, _ := f.sentActivity(t, "ada@example.com", "msg-1")

	f.processor.ProcessBatch([]ProviderEvent{
		{Event: "unsubscribe", ProviderMessageID: "msg-1", Timestamp: time.Now().Unix()},
	})

	activity := f.reload(t, "msg-1")
	assert.Equal(t, models.DeliveryUnsubscribed, activity.Status)

	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentPaused, persisted.State)
	assert.Equal(t, models.PauseReasonUnsubscribed, persisted.PauseReason)

	var record models.ComplianceRecord
	require.NoError(t, f.db.Where("contact_id = ?", enrollment.ContactID).First(&record).Error)
	assert.True(t, record.Unsubscribed)
	assert.NotNil(t, record.UnsubscribedAt)
}

func TestDroppedEventPausesAsDropped(t *testing.T) {
	f := newEventsFixture(t)
	enrollment, _ := f.sentActivity(t, "ada@example.com", "msg-1")

	f.processor.ProcessBatch([]ProviderEvent{
		{Event: "dropped", ProviderMessageID: "msg-1", Reason: "invalid recipient"},
	})

	activity := f.reload(t, "msg-1")
	assert.Equal(t, models.DeliveryFailed, activity.Status)

	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, models.PauseReasonDropped, persisted.PauseReason)
}
