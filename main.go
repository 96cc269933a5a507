package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"outflow/config"
	controller "outflow/controllers"
	"outflow/engine"
	"outflow/middleware"
	"outflow/routes"
	"outflow/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "OUTFLOW: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if config.AppConfig.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	// Breaker state lives in Redis when available so all instances share it
	var breakerStore engine.StateStore = engine.NewMemoryStateStore()
	if config.AppConfig.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		breakerStore = engine.NewRedisStateStore(redisClient)
	}

	engineCfg := config.AppConfig.Engine
	jobs := make(chan engine.Job, engineCfg.JobQueueSize)

	gate := engine.NewGate(config.DB, engineCfg.SoftBounceThreshold)
	manager := engine.NewEnrollmentManager(config.DB, gate)
	selector := engine.NewSelector(config.DB, engineCfg.MinSampleSize)
	breaker := engine.NewBreaker(breakerStore)
	scheduler := engine.NewScheduler(config.DB, manager, jobs, engineCfg.ScanBatchSize)
	processor := engine.NewEventProcessor(config.DB, manager, gate)

	executor := engine.NewExecutor(config.DB, manager, gate, selector, breaker, jobs)
	executor.Workers = engineCfg.ExecutorWorkers
	executor.MaxStepAttempts = engineCfg.MaxStepAttempts
	executor.BaseURL = config.AppConfig.BaseURL
	executor.TrackingSecret = config.AppConfig.TrackingSecret
	executor.Renderer = &engine.TokenRenderer{BaseURL: config.AppConfig.BaseURL}
	if config.AppConfig.LinkedInAPIURL != "" {
		executor.Adapters[engine.ChannelLinkedIn] = engine.NewHTTPAdapter(config.AppConfig.LinkedInAPIURL, config.AppConfig.LinkedInAPIToken)
	}
	if config.AppConfig.SMSAPIURL != "" {
		executor.Adapters[engine.ChannelSMS] = engine.NewHTTPAdapter(config.AppConfig.SMSAPIURL, config.AppConfig.SMSAPIToken)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go executor.Start(ctx)

	hub := controller.NewScanHub()

	schedulerWorker := worker.NewSchedulerWorker(config.DB, scheduler, hub, engineCfg.ScanInterval, log.New(os.Stdout, "SCHEDULER: ", log.LstdFlags))
	go schedulerWorker.Start(ctx)

	replyWorker := worker.NewReplyWorker(config.DB, processor, engineCfg.ReplyPollInterval, log.New(os.Stdout, "REPLY: ", log.LstdFlags))
	go replyWorker.Start(ctx)

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Setup routes
	routes.SetupRoutes(app, routes.Deps{
		DB:        config.DB,
		Gate:      gate,
		Manager:   manager,
		Selector:  selector,
		Scheduler: scheduler,
		Processor: processor,
		Hub:       hub,
	})

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
