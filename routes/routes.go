package routes

import (
	"log"
	"os"

	controller "outflow/controllers"
	"outflow/engine"
	"outflow/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"
)

// Deps carries the engine components the HTTP layer exposes.
type Deps struct {
	DB        *gorm.DB
	Gate      *engine.Gate
	Manager   *engine.EnrollmentManager
	Selector  *engine.Selector
	Scheduler *engine.Scheduler
	Processor *engine.EventProcessor
	Hub       *controller.ScanHub
}

func SetupRoutes(app *fiber.App, deps Deps) {
	blueprintController := controller.NewBlueprintController(deps.DB, log.New(os.Stdout, "BLUEPRINT: ", log.LstdFlags), deps.Gate)
	enrollmentController := controller.NewEnrollmentController(deps.DB, log.New(os.Stdout, "ENROLLMENT: ", log.LstdFlags), deps.Manager)
	abtestController := controller.NewABTestController(deps.DB, log.New(os.Stdout, "ABTEST: ", log.LstdFlags), deps.Selector)
	webhookController := controller.NewWebhookController(log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags), deps.Processor)
	schedulerController := controller.NewSchedulerController(deps.Scheduler, log.New(os.Stdout, "SCHEDULER: ", log.LstdFlags), deps.Hub)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Blueprint routes
	blueprint := api.Group("/blueprints")
	blueprint.Post("/", blueprintController.CreateBlueprint)
	blueprint.Get("/", blueprintController.ListBlueprints)
	blueprint.Get("/:id", blueprintController.GetBlueprint)
	blueprint.Put("/:id/steps", blueprintController.UpdateBlueprintSteps)
	blueprint.Post("/:id/activate", blueprintController.ActivateBlueprint)
	blueprint.Post("/:id/archive", blueprintController.ArchiveBlueprint)
	blueprint.Post("/:id/enroll", enrollmentController.EnrollContacts)

	// Enrollment routes
	enrollment := api.Group("/enrollments")
	enrollment.Get("/", enrollmentController.ListEnrollments)
	enrollment.Post("/:id/pause", enrollmentController.PauseEnrollment)
	enrollment.Post("/:id/resume", enrollmentController.ResumeEnrollment)

	// A/B test routes
	abtest := api.Group("/abtests")
	abtest.Post("/", abtestController.CreateTest)
	abtest.Get("/", abtestController.ListTests)
	abtest.Get("/:id/analyze", abtestController.AnalyzeTest)

	// Scan trigger for external cron systems, shared-secret auth
	app.Post("/scheduler/run", schedulerController.RunScan)

	// Provider delivery webhooks, rate limited per source IP
	app.Post("/webhooks/delivery", middleware.WebhookRateLimiter(), webhookController.HandleDeliveryEvents)

	// Tracking endpoints referenced from sent emails; unauthenticated by
	// nature, guarded by per-message tokens
	app.Get("/track/open/:messageID/:token", webhookController.HandleOpenTracking)
	app.Get("/track/click/:messageID/:token", webhookController.HandleClickTracking)

	// WebSocket route for scheduler scan progress
	app.Get("/api/v1/scheduler/progress", websocket.New(controller.HandleScanProgressWS(deps.Hub)))
}
