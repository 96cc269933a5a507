package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"outflow/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Job is one unit of execution work: send the given step of the given
// enrollment. Duplicate jobs for the same pair are tolerated because the
// executor re-checks the enrollment before sending.
type Job struct {
	EnrollmentID uint `json:"enrollmentId"`
	StepNumber   int  `json:"stepNumber"`
}

// ScanReport is the outcome of one scheduler pass, also the response body
// of the scan trigger endpoint.
type ScanReport struct {
	SequencesProcessed int      `json:"sequencesProcessed"`
	StepsQueued        int      `json:"stepsQueued"`
	DurationMs         int64    `json:"durationMs"`
	Errors             []string `json:"errors"`
}

// Scheduler scans active enrollments and emits execution jobs for due
// steps. It never mutates enrollment state itself — advancement happens
// only after a confirmed send — except for the completion safety net.
type Scheduler struct {
	DB        *gorm.DB
	Manager   *EnrollmentManager
	Jobs      chan<- Job
	BatchSize int
	Log       *logrus.Entry

	mu  sync.Mutex
	now func() time.Time
}

func NewScheduler(db *gorm.DB, manager *EnrollmentManager, jobs chan<- Job, batchSize int) *Scheduler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scheduler{
		DB:        db,
		Manager:   manager,
		Jobs:      jobs,
		BatchSize: batchSize,
		Log:       logrus.WithField("component", "scheduler"),
		now:       time.Now,
	}
}

// RunOnce performs one scan cycle. Scans never overlap: a second caller
// while one is in flight gets an immediate report with an error entry.
func (s *Scheduler) RunOnce(ctx context.Context) ScanReport {
	report := ScanReport{Errors: []string{}}
	if !s.mu.TryLock() {
		report.Errors = append(report.Errors, "scan already in progress")
		return report
	}
	defer s.mu.Unlock()

	started := s.now()

	var enrollments []models.Enrollment
	if err := s.DB.Where("state = ?", models.EnrollmentActive).
		Order("id").
		Limit(s.BatchSize).
		Find(&enrollments).Error; err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("scan query: %v", err))
		report.DurationMs = time.Since(started).Milliseconds()
		return report
	}

	for i := range enrollments {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, "scan cancelled")
			break
		}
		report.SequencesProcessed++
		queued, err := s.scanOne(&enrollments[i])
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("enrollment %d: %v", enrollments[i].ID, err))
			continue
		}
		if queued {
			report.StepsQueued++
		}
	}

	report.DurationMs = time.Since(started).Milliseconds()
	s.Log.WithFields(logrus.Fields{
		"processed": report.SequencesProcessed,
		"queued":    report.StepsQueued,
		"errors":    len(report.Errors),
		"ms":        report.DurationMs,
	}).Info("scan complete")
	return report
}

func (s *Scheduler) scanOne(enrollment *models.Enrollment) (bool, error) {
	var step models.SequenceStep
	err := s.DB.Where("blueprint_id = ? AND step_number = ?",
		enrollment.BlueprintID, enrollment.CurrentStep).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Past the last step: the final send was confirmed but completion
		// hasn't landed yet. Close it out here.
		return false, s.Manager.Complete(enrollment.ID)
	}
	if err != nil {
		return false, err
	}

	anchor := enrollment.LastActivityAt
	if enrollment.StartedAt.After(anchor) {
		anchor = enrollment.StartedAt
	}
	dueAt := anchor.Add(time.Duration(step.DelayHours) * time.Hour)
	if s.now().Before(dueAt) {
		return false, nil
	}

	job := Job{EnrollmentID: enrollment.ID, StepNumber: enrollment.CurrentStep}
	select {
	case s.Jobs <- job:
		return true, nil
	default:
		return false, fmt.Errorf("job queue full, step %d deferred to next scan", enrollment.CurrentStep)
	}
}
