package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"outflow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeAdapter captures dispatched messages and fails on demand.
type fakeAdapter struct {
	sent  []Message
	calls int
	err   error
}

func (f *fakeAdapter) Send(ctx context.Context, sender *models.Sender, msg Message) (SendResult, error) {
	f.calls++
	if f.err != nil {
		return SendResult{}, f.err
	}
	f.sent = append(f.sent, msg)
	return SendResult{}, nil
}

type executorFixture struct {
	db       *gorm.DB
	manager  *EnrollmentManager
	gate     *Gate
	selector *Selector
	executor *Executor
	adapter  *fakeAdapter
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()

	db := newTestDB(t)
	gate := NewGate(db, 3)
	manager := NewEnrollmentManager(db, gate)
	selector := NewSelector(db, 30)
	breaker := NewBreaker(NewMemoryStateStore())
	jobs := make(chan Job, 10)

	adapter := &fakeAdapter{}
	executor := NewExecutor(db, manager, gate, selector, breaker, jobs)
	executor.Adapters[ChannelEmail] = adapter
	executor.BaseURL = "http://localhost:5000"
	executor.TrackingSecret = "test-secret"
	executor.Renderer = &TokenRenderer{BaseURL: "http://localhost:5000"}

	return &executorFixture{
		db:       db,
		manager:  manager,
		gate:     gate,
		selector: selector,
		executor: executor,
		adapter:  adapter,
	}
}

func (f *executorFixture) enroll(t *testing.T, email string, delays ...int) *models.Enrollment {
	t.Helper()
	blueprint := createBlueprint(t, f.db, delays...)
	createSender(t, f.db, blueprint.UserID)
	enrollment, err := f.manager.Enroll(blueprint.ID, createContact(t, f.db, email).ID)
	require.NoError(t, err)
	return enrollment
}

func TestExecuteSendsAndAdvances(t *testing.T) {
	f := newExecutorFixture(t)
	enrollment := f.enroll(t, "ada@example.com", 0, 48)

	require.NoError(t, f.executor.Execute(context.Background(), Job{EnrollmentID: enrollment.ID, StepNumber: 0}))

	require.Len(t, f.adapter.sent, 1)
	msg := f.adapter.sent[0]
	assert.Equal(t, "ada@example.com", msg.To)
	assert.Equal(t, "Step 0 for Ada", msg.Subject)
	assert.Contains(t, msg.Body, "Hi Ada", "merge tags are rendered before dispatch")
	assert.Contains(t, msg.Body, "/track/open/", "email bodies carry the open pixel")

	var activity models.DeliveryActivity
	require.NoError(t, f.db.Where("enrollment_id = ?", enrollment.ID).First(&activity).Error)
	assert.Equal(t, models.DeliverySent, activity.Status)
	assert.Equal(t, msg.ProviderMessageID, activity.ProviderMessageID)
	require.NotNil(t, activity.SentAt)

	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, 1, persisted.CurrentStep)

	var sender models.Sender
	require.NoError(t, f.db.Where("user_id = ?", enrollment.UserID).First(&sender).Error)
	assert.Equal(t, 1, sender.SentToday)
	assert.Equal(t, 1, sender.TotalSent)
}

func TestExecuteDiscardsStaleJobs(t *testing.T) {
	f := newExecutorFixture(t)
	enrollment := f.enroll(t, "ada@example.com", 0, 48)

	// Step mismatch: the enrollment is still at step 0.
	err := f.executor.Execute(context.Background(), Job{EnrollmentID: enrollment.ID, StepNumber: 1})
	var stale *StaleJobError
	require.ErrorAs(t, err, &stale)
	assert.Empty(t, f.adapter.sent)

	// Paused enrollment: a queued job must not fire.
	require.NoError(t, f.manager.Pause(enrollment.ID, models.PauseReasonManual))
	err = f.executor.Execute(context.Background(), Job{EnrollmentID: enrollment.ID, StepNumber: 0})
	require.ErrorAs(t, err, &stale)
	assert.Empty(t, f.adapter.sent)

	// Unknown enrollment.
	err = f.executor.Execute(context.Background(), Job{EnrollmentID: 9999, StepNumber: 0})
	require.ErrorAs(t, err, &stale)
}

func TestExecuteCompliancePausesBeforeSend(t *testing.T) {
	f := newExecutorFixture(t)
	enrollment := f.enroll(t, "ada@example.com", 0)

	// The contact unsubscribed after enrollment; the pre-send check catches it.
	require.NoError(t, f.gate.RecordUnsubscribe(f.db, enrollment.ContactID))

	require.NoError(t, f.executor.Execute(context.Background(), Job{EnrollmentID: enrollment.ID, StepNumber: 0}))

	assert.Empty(t, f.adapter.sent)

	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentPaused, persisted.State)
	assert.Equal(t, models.PauseReasonUnsubscribed, persisted.PauseReason)
}

func TestExecutePermanentFailurePauses(t *testing.T) {
	f := newExecutorFixture(t)
	enrollment := f.enroll(t, "ada@example.com", 0)
	f.adapter.err = &PermanentChannelError{Op: "smtp send", Err: errors.New("550 no such user")}

	require.NoError(t, f.executor.Execute(context.Background(), Job{EnrollmentID: enrollment.ID, StepNumber: 0}))

	var activity models.DeliveryActivity
	require.NoError(t, f.db.Where("enrollment_id = ?", enrollment.ID).First(&activity).Error)
	assert.Equal(t, models.DeliveryFailed, activity.Status)
	assert.Contains(t, activity.ErrorMessage, "550 no such user")

	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentPaused, persisted.State)
	assert.Equal(t, models.PauseReasonBounced, persisted.PauseReason)
}

func TestExecuteTransientFailuresAreBounded(t *testing.T) {
	f := newExecutorFixture(t)
	enrollment := f.enroll(t, "ada@example.com", 0)
	f.adapter.err = &TransientChannelError{Op: "smtp send", Err: errors.New("connection timed out")}

	job := Job{EnrollmentID: enrollment.ID, StepNumber: 0}

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, f.executor.Execute(context.Background(), job))

		var persisted models.Enrollment
		require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
		assert.Equal(t, models.EnrollmentActive, persisted.State, "transient failures leave the enrollment active")
		assert.Equal(t, attempt, persisted.StepAttempts)

		enrollment = &persisted
	}

	// The third strike drops the enrollment.
	require.NoError(t, f.executor.Execute(context.Background(), job))

	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentPaused, persisted.State)
	assert.Equal(t, models.PauseReasonDropped, persisted.PauseReason)

	var failures int64
	require.NoError(t, f.db.Model(&models.DeliveryActivity{}).
		Where("enrollment_id = ? AND status = ?", persisted.ID, models.DeliveryFailed).
		Count(&failures).Error)
	assert.Equal(t, int64(3), failures)
}

func TestExecuteNoSenderIsTransient(t *testing.T) {
	f := newExecutorFixture(t)
	blueprint := createBlueprint(t, f.db, 0)
	enrollment, err := f.manager.Enroll(blueprint.ID, createContact(t, f.db, "ada@example.com").ID)
	require.NoError(t, err)

	require.NoError(t, f.executor.Execute(context.Background(), Job{EnrollmentID: enrollment.ID, StepNumber: 0}))

	var persisted models.Enrollment
	require.NoError(t, f.db.First(&persisted, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentActive, persisted.State, "missing capacity is retried on the next scan")
	assert.Equal(t, 1, persisted.StepAttempts)
}

func TestExecuteAssignsVariant(t *testing.T) {
	f := newExecutorFixture(t)
	enrollment := f.enroll(t, "ada@example.com", 0)

	test, err := f.selector.CreateTest(1, "subject line", "subject", []VariantInput{
		{Name: "A", Weight: 100, Subject: "Variant subject for {{first_name}}"},
		{Name: "B", Weight: 0},
	})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.SequenceStep{}).
		Where("blueprint_id = ? AND step_number = 0", enrollment.BlueprintID).
		Update("ab_test_id", test.ID).Error)

	require.NoError(t, f.executor.Execute(context.Background(), Job{EnrollmentID: enrollment.ID, StepNumber: 0}))

	require.Len(t, f.adapter.sent, 1)
	assert.Equal(t, "Variant subject for Ada", f.adapter.sent[0].Subject)

	var result models.ABTestResult
	require.NoError(t, f.db.Where("test_id = ? AND enrollment_id = ?", test.ID, enrollment.ID).First(&result).Error)
	assert.Equal(t, test.Variants[0].ID, result.VariantID)
	assert.Equal(t, 0, result.StepNumber)

	var activity models.DeliveryActivity
	require.NoError(t, f.db.Where("enrollment_id = ?", enrollment.ID).First(&activity).Error)
	require.NotNil(t, activity.VariantID)
	assert.Equal(t, test.Variants[0].ID, *activity.VariantID)
}

func TestExecuteRetryKeepsVariantAssignment(t *testing.T) {
	f := newExecutorFixture(t)
	enrollment := f.enroll(t, "ada@example.com", 0)

	test, err := f.selector.CreateTest(1, "subject line", "subject", []VariantInput{
		{Name: "A", Weight: 50, Subject: "A subject"},
		{Name: "B", Weight: 50, Subject: "B subject"},
	})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.SequenceStep{}).
		Where("blueprint_id = ? AND step_number = 0", enrollment.BlueprintID).
		Update("ab_test_id", test.ID).Error)

	job := Job{EnrollmentID: enrollment.ID, StepNumber: 0}

	// First attempt fails transiently, the retry goes through.
	f.adapter.err = &TransientChannelError{Op: "smtp send", Err: errors.New("connection timed out")}
	require.NoError(t, f.executor.Execute(context.Background(), job))
	f.adapter.err = nil
	require.NoError(t, f.executor.Execute(context.Background(), job))
	require.Len(t, f.adapter.sent, 1)

	// A retried step keeps its original draw: one assignment row, and the
	// successful send is attributed to the variant that was dispatched.
	var results []models.ABTestResult
	require.NoError(t, f.db.Where("test_id = ? AND enrollment_id = ? AND step_number = 0",
		test.ID, enrollment.ID).Find(&results).Error)
	require.Len(t, results, 1)

	var activity models.DeliveryActivity
	require.NoError(t, f.db.Where("enrollment_id = ? AND status = ?", enrollment.ID, models.DeliverySent).
		First(&activity).Error)
	require.NotNil(t, activity.VariantID)
	assert.Equal(t, results[0].VariantID, *activity.VariantID)

	analysis, err := f.selector.Analyze(test.ID)
	require.NoError(t, err)
	var totalSent int64
	for _, m := range analysis.Variants {
		totalSent += m.Sent
	}
	assert.Equal(t, int64(1), totalSent, "one dispatch counts once regardless of attempts")
}

func TestExecuteBreakerShieldsSender(t *testing.T) {
	f := newExecutorFixture(t)
	enrollment := f.enroll(t, "ada@example.com", 0)
	f.adapter.err = &TransientChannelError{Op: "smtp send", Err: errors.New("connection refused")}
	f.executor.MaxStepAttempts = 100

	job := Job{EnrollmentID: enrollment.ID, StepNumber: 0}
	for i := 0; i < 5; i++ {
		require.NoError(t, f.executor.Execute(context.Background(), job))
	}

	// The circuit is open now: the next execution records a failure without
	// touching the adapter.
	require.Equal(t, 5, f.adapter.calls)
	require.NoError(t, f.executor.Execute(context.Background(), job))
	assert.Equal(t, 5, f.adapter.calls)

	var sender models.Sender
	require.NoError(t, f.db.Where("user_id = ?", enrollment.UserID).First(&sender).Error)
	state, err := f.executor.Breaker.Snapshot(context.Background(), fmt.Sprintf("sender:%d", sender.ID))
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, BreakerOpen, state.State)
}
