package controller

import (
	"fmt"
	"log"

	"outflow/engine"
	"outflow/models"
	"outflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type BlueprintController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Gate   *engine.Gate
}

func NewBlueprintController(db *gorm.DB, logger *log.Logger, gate *engine.Gate) *BlueprintController {
	return &BlueprintController{
		DB:     db,
		Logger: logger,
		Gate:   gate,
	}
}

type stepInput struct {
	StepNumber int    `json:"stepNumber"`
	DelayHours int    `json:"delayHours"`
	Channel    string `json:"channel"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	ContentRef string `json:"contentRef"`
	ABTestID   *uint  `json:"abTestId"`
}

// validateSteps collects every violation across the whole step list so the
// caller can fix everything in one round trip.
func (bc *BlueprintController) validateSteps(steps []stepInput) (violations, warnings []string) {
	if len(steps) == 0 {
		violations = append(violations, "at least one step is required")
		return violations, warnings
	}

	for i, step := range steps {
		if step.StepNumber != i {
			violations = append(violations, fmt.Sprintf("step %d: step numbers must be contiguous starting at 0, got %d", i, step.StepNumber))
		}
		if step.DelayHours < 0 {
			violations = append(violations, fmt.Sprintf("step %d: delay hours must not be negative", i))
		}

		result := bc.Gate.ValidateContent(engine.Channel(step.Channel), step.Subject, step.Body)
		for _, e := range result.Errors {
			violations = append(violations, fmt.Sprintf("step %d: %s", i, e))
		}
		for _, w := range result.Warnings {
			warnings = append(warnings, fmt.Sprintf("step %d: %s", i, w))
		}
	}
	return violations, warnings
}

// CreateBlueprint creates a sequence blueprint in draft status
func (bc *BlueprintController) CreateBlueprint(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var input struct {
		Name        string      `json:"name"`
		Description string      `json:"description"`
		Steps       []stepInput `json:"steps"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	violations, warnings := bc.validateSteps(input.Steps)
	if input.Name == "" {
		violations = append([]string{"name is required"}, violations...)
	}
	if len(violations) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success":    false,
			"error":      "Blueprint validation failed",
			"violations": violations,
			"warnings":   warnings,
		})
	}

	blueprint := models.SequenceBlueprint{
		UserID:      userID,
		Name:        input.Name,
		Description: input.Description,
		Status:      models.BlueprintDraft,
	}

	err := bc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&blueprint).Error; err != nil {
			return err
		}
		for _, step := range input.Steps {
			row := models.SequenceStep{
				BlueprintID: blueprint.ID,
				StepNumber:  step.StepNumber,
				DelayHours:  step.DelayHours,
				Channel:     step.Channel,
				Subject:     step.Subject,
				Body:        step.Body,
				ContentRef:  step.ContentRef,
				ABTestID:    step.ABTestID,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bc.Logger.Printf("Failed to create blueprint: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create blueprint", nil)
	}

	bc.DB.Preload("Steps").First(&blueprint, blueprint.ID)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":  true,
		"data":     blueprint,
		"warnings": warnings,
	})
}

// ListBlueprints returns the user's blueprints without step bodies
func (bc *BlueprintController) ListBlueprints(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var blueprints []models.SequenceBlueprint
	if err := bc.DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&blueprints).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch blueprints", nil)
	}

	return c.JSON(utils.SuccessResponse(blueprints))
}

// GetBlueprint returns one blueprint with its steps
func (bc *BlueprintController) GetBlueprint(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	blueprintID := utils.ParseUint(c.Params("id"))

	var blueprint models.SequenceBlueprint
	err := bc.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_number ASC")
	}).Where("id = ? AND user_id = ?", blueprintID, userID).First(&blueprint).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Blueprint not found", nil)
	}

	return c.JSON(utils.SuccessResponse(blueprint))
}

// ActivateBlueprint freezes a draft blueprint and opens it for enrollment
func (bc *BlueprintController) ActivateBlueprint(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	blueprintID := utils.ParseUint(c.Params("id"))

	var blueprint models.SequenceBlueprint
	if err := bc.DB.Where("id = ? AND user_id = ?", blueprintID, userID).First(&blueprint).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Blueprint not found", nil)
	}

	if blueprint.Status != models.BlueprintDraft {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only draft blueprints can be activated", nil)
	}

	if err := bc.DB.Model(&blueprint).Update("status", models.BlueprintActive).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to activate blueprint", nil)
	}

	bc.Logger.Printf("Blueprint %d activated", blueprint.ID)
	blueprint.Status = models.BlueprintActive
	return c.JSON(utils.SuccessResponse(blueprint))
}

// ArchiveBlueprint stops new enrollments; in-flight enrollments run to
// completion.
func (bc *BlueprintController) ArchiveBlueprint(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	blueprintID := utils.ParseUint(c.Params("id"))

	var blueprint models.SequenceBlueprint
	if err := bc.DB.Where("id = ? AND user_id = ?", blueprintID, userID).First(&blueprint).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Blueprint not found", nil)
	}

	if blueprint.Status != models.BlueprintActive {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only active blueprints can be archived", nil)
	}

	if err := bc.DB.Model(&blueprint).Update("status", models.BlueprintArchived).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to archive blueprint", nil)
	}

	blueprint.Status = models.BlueprintArchived
	return c.JSON(utils.SuccessResponse(blueprint))
}

// UpdateBlueprintSteps replaces the step list. Allowed only while the
// blueprint is still a draft.
func (bc *BlueprintController) UpdateBlueprintSteps(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	blueprintID := utils.ParseUint(c.Params("id"))

	var blueprint models.SequenceBlueprint
	if err := bc.DB.Where("id = ? AND user_id = ?", blueprintID, userID).First(&blueprint).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Blueprint not found", nil)
	}
	if blueprint.Status != models.BlueprintDraft {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Steps are frozen once a blueprint is active", nil)
	}

	var input struct {
		Steps []stepInput `json:"steps"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	violations, warnings := bc.validateSteps(input.Steps)
	if len(violations) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success":    false,
			"error":      "Blueprint validation failed",
			"violations": violations,
			"warnings":   warnings,
		})
	}

	err := bc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("blueprint_id = ?", blueprint.ID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		for _, step := range input.Steps {
			row := models.SequenceStep{
				BlueprintID: blueprint.ID,
				StepNumber:  step.StepNumber,
				DelayHours:  step.DelayHours,
				Channel:     step.Channel,
				Subject:     step.Subject,
				Body:        step.Body,
				ContentRef:  step.ContentRef,
				ABTestID:    step.ABTestID,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bc.Logger.Printf("Failed to update blueprint steps: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update steps", nil)
	}

	bc.DB.Preload("Steps").First(&blueprint, blueprint.ID)
	return c.JSON(fiber.Map{
		"success":  true,
		"data":     blueprint,
		"warnings": warnings,
	})
}
