package controller

import (
	"crypto/subtle"
	"log"
	"strings"

	"outflow/config"
	"outflow/engine"
	"outflow/utils"

	"github.com/gofiber/fiber/v2"
)

type SchedulerController struct {
	Scheduler *engine.Scheduler
	Logger    *log.Logger
	Hub       *ScanHub
}

func NewSchedulerController(scheduler *engine.Scheduler, logger *log.Logger, hub *ScanHub) *SchedulerController {
	return &SchedulerController{
		Scheduler: scheduler,
		Logger:    logger,
		Hub:       hub,
	}
}

// RunScan triggers one scheduler pass. Authenticated by a shared secret so
// external cron systems can drive the scan without a user token. Always
// responds 200 with the report; partial failures live in its errors array.
func (sc *SchedulerController) RunScan(c *fiber.Ctx) error {
	if !sc.authorized(c) {
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid scheduler secret", nil)
	}

	report := sc.Scheduler.RunOnce(c.Context())
	if sc.Hub != nil {
		sc.Hub.Broadcast(report)
	}

	if len(report.Errors) > 0 {
		sc.Logger.Printf("Scan finished with %d errors", len(report.Errors))
	}

	return c.JSON(report)
}

func (sc *SchedulerController) authorized(c *fiber.Ctx) bool {
	authHeader := c.Get("Authorization")
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return false
	}
	secret := config.AppConfig.SchedulerSecret
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}
