package controller

import (
	"log"
	"time"

	"outflow/config"
	"outflow/engine"
	"outflow/utils"

	"github.com/gofiber/fiber/v2"
)

type WebhookController struct {
	Logger    *log.Logger
	Processor *engine.EventProcessor
}

func NewWebhookController(logger *log.Logger, processor *engine.EventProcessor) *WebhookController {
	return &WebhookController{
		Logger:    logger,
		Processor: processor,
	}
}

// HandleDeliveryEvents ingests a batch of provider callbacks. Events are
// isolated from each other; the provider always gets a success response so
// it doesn't retry a batch over one bad entry.
func (wc *WebhookController) HandleDeliveryEvents(c *fiber.Ctx) error {
	var input struct {
		Events []engine.ProviderEvent `json:"events"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	processed, dropped := wc.Processor.ProcessBatch(input.Events)
	if dropped > 0 {
		wc.Logger.Printf("Delivery webhook: %d processed, %d dropped", processed, dropped)
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"processed": processed,
		"dropped":   dropped,
	})
}

// HandleOpenTracking serves the open pixel and feeds a synthetic open event
// into the processor. Invalid tokens still get the pixel so probing the
// endpoint reveals nothing.
func (wc *WebhookController) HandleOpenTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	if utils.ValidTrackingToken(messageID, token, config.AppConfig.TrackingSecret) {
		wc.Processor.ProcessBatch([]engine.ProviderEvent{{
			Event:             string(engine.EventOpen),
			ProviderMessageID: messageID,
			Timestamp:         time.Now().Unix(),
		}})
	}

	return c.Type("gif").Send(transparentPixel())
}

// HandleClickTracking records a click and redirects to the original URL
func (wc *WebhookController) HandleClickTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")
	originalURL := c.Query("url")

	if !utils.ValidTrackingToken(messageID, token, config.AppConfig.TrackingSecret) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}
	if originalURL == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing url")
	}

	wc.Processor.ProcessBatch([]engine.ProviderEvent{{
		Event:             string(engine.EventClick),
		ProviderMessageID: messageID,
		Timestamp:         time.Now().Unix(),
	}})

	return c.Redirect(originalURL, fiber.StatusFound)
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
