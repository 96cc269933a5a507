package engine

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError rejects a bad blueprint or test definition synchronously.
// It carries every violation found, not just the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// ComplianceError means the recipient is permanently ineligible: the
// enrollment is refused or the send blocked. Reason is one of the
// compliance flags (unsubscribed, spam_complaint, bounced, invalid_email).
type ComplianceError struct {
	ContactID uint
	Reason    string
}

func (e *ComplianceError) Error() string {
	return fmt.Sprintf("contact %d is not eligible: %s", e.ContactID, e.Reason)
}

// AlreadyEnrolledError means an active or paused enrollment already exists
// for the same blueprint and contact.
type AlreadyEnrolledError struct {
	BlueprintID uint
	ContactID   uint
}

func (e *AlreadyEnrolledError) Error() string {
	return fmt.Sprintf("contact %d already enrolled in blueprint %d", e.ContactID, e.BlueprintID)
}

// CircuitOpenError is returned without invoking the wrapped call while a
// principal's breaker is open. Treated as transient by the executor.
type CircuitOpenError struct {
	Principal string
	RetryAt   time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Principal, e.RetryAt.Format(time.RFC3339))
}

// TransientChannelError wraps timeouts and rate limits; the next scheduler
// pass retries the step, bounded by the max-attempt counter.
type TransientChannelError struct {
	Op  string
	Err error
}

func (e *TransientChannelError) Error() string {
	return fmt.Sprintf("transient channel failure during %s: %v", e.Op, e.Err)
}

func (e *TransientChannelError) Unwrap() error { return e.Err }

// PermanentChannelError wraps failures that will not heal on retry, e.g. an
// invalid recipient; the enrollment is paused instead of retried.
type PermanentChannelError struct {
	Op  string
	Err error
}

func (e *PermanentChannelError) Error() string {
	return fmt.Sprintf("permanent channel failure during %s: %v", e.Op, e.Err)
}

func (e *PermanentChannelError) Unwrap() error { return e.Err }

// StaleJobError marks an execution job whose enrollment has moved on; the
// worker discards it silently.
type StaleJobError struct {
	EnrollmentID uint
	StepNumber   int
}

func (e *StaleJobError) Error() string {
	return fmt.Sprintf("stale job for enrollment %d step %d", e.EnrollmentID, e.StepNumber)
}
