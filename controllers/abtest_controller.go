package controller

import (
	"errors"
	"log"

	"outflow/engine"
	"outflow/models"
	"outflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type ABTestController struct {
	DB       *gorm.DB
	Logger   *log.Logger
	Selector *engine.Selector
}

func NewABTestController(db *gorm.DB, logger *log.Logger, selector *engine.Selector) *ABTestController {
	return &ABTestController{
		DB:       db,
		Logger:   logger,
		Selector: selector,
	}
}

// CreateTest validates variant weights and creates a running A/B test
func (ac *ABTestController) CreateTest(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var input struct {
		Name     string                `json:"name"`
		TestType string                `json:"testType"`
		Variants []engine.VariantInput `json:"variants"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if input.Name == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "name is required", nil)
	}

	test, err := ac.Selector.CreateTest(userID, input.Name, input.TestType, input.Variants)
	if err != nil {
		var invalid *engine.ValidationError
		if errors.As(err, &invalid) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success":    false,
				"error":      "A/B test validation failed",
				"violations": invalid.Violations,
			})
		}
		ac.Logger.Printf("Failed to create A/B test: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create A/B test", nil)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(test))
}

// ListTests returns the user's A/B tests with variants
func (ac *ABTestController) ListTests(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var tests []models.ABTest
	if err := ac.DB.Preload("Variants").Where("user_id = ?", userID).Order("created_at DESC").Find(&tests).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch A/B tests", nil)
	}

	return c.JSON(utils.SuccessResponse(tests))
}

// AnalyzeTest computes per-variant funnel metrics and picks a winner once a
// variant has enough sends.
func (ac *ABTestController) AnalyzeTest(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	testID := utils.ParseUint(c.Params("id"))

	var test models.ABTest
	if err := ac.DB.Where("id = ? AND user_id = ?", testID, userID).First(&test).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "A/B test not found", nil)
	}

	analysis, err := ac.Selector.Analyze(test.ID)
	if err != nil {
		ac.Logger.Printf("Failed to analyze A/B test %d: %v", test.ID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to analyze A/B test", nil)
	}

	return c.JSON(utils.SuccessResponse(analysis))
}
