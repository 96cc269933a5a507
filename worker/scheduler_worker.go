package worker

import (
	"context"
	"log"
	"time"

	controller "outflow/controllers"
	"outflow/engine"
	"outflow/models"

	"gorm.io/gorm"
)

// SchedulerWorker drives periodic scan cycles. The same scan can also be
// triggered over HTTP by an external cron; RunOnce serializes itself so the
// two never overlap.
type SchedulerWorker struct {
	db        *gorm.DB
	scheduler *engine.Scheduler
	hub       *controller.ScanHub
	interval  time.Duration
	logger    *log.Logger
}

func NewSchedulerWorker(db *gorm.DB, scheduler *engine.Scheduler, hub *controller.ScanHub, interval time.Duration, logger *log.Logger) *SchedulerWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SchedulerWorker{
		db:        db,
		scheduler: scheduler,
		hub:       hub,
		interval:  interval,
		logger:    logger,
	}
}

func (sw *SchedulerWorker) Start(ctx context.Context) {
	sw.logger.Println("Starting scheduler worker...")
	ticker := time.NewTicker(sw.interval)

	go sw.resetDailyCounters(ctx)

	for {
		select {
		case <-ticker.C:
			report := sw.scheduler.RunOnce(ctx)
			if report.StepsQueued > 0 || len(report.Errors) > 0 {
				sw.logger.Printf("Scan: %d enrollments, %d steps queued, %d errors (%dms)",
					report.SequencesProcessed, report.StepsQueued, len(report.Errors), report.DurationMs)
			}
			if sw.hub != nil {
				sw.hub.Broadcast(report)
			}
		case <-ctx.Done():
			sw.logger.Println("Stopping scheduler worker...")
			ticker.Stop()
			return
		}
	}
}

// resetDailyCounters resets all sender counters at midnight
func (sw *SchedulerWorker) resetDailyCounters(ctx context.Context) {
	for {
		now := time.Now()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

		select {
		case <-time.After(time.Until(nextMidnight)):
		case <-ctx.Done():
			return
		}

		if err := sw.db.Model(&models.Sender{}).
			Where("sent_today > 0").
			Update("sent_today", 0).
			Error; err != nil {
			sw.logger.Printf("Failed to reset sender counters: %v", err)
		} else {
			sw.logger.Println("Successfully reset sender daily counters")
		}
	}
}
