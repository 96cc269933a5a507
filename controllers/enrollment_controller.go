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

type EnrollmentController struct {
	DB      *gorm.DB
	Logger  *log.Logger
	Manager *engine.EnrollmentManager
}

func NewEnrollmentController(db *gorm.DB, logger *log.Logger, manager *engine.EnrollmentManager) *EnrollmentController {
	return &EnrollmentController{
		DB:      db,
		Logger:  logger,
		Manager: manager,
	}
}

type skippedContact struct {
	ContactID uint   `json:"contactId"`
	Reason    string `json:"reason"`
}

// EnrollContacts enrolls a batch of contacts into a blueprint. Ineligible
// contacts are skipped individually; one bad contact never fails the batch.
func (ec *EnrollmentController) EnrollContacts(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	blueprintID := utils.ParseUint(c.Params("id"))

	var blueprint models.SequenceBlueprint
	if err := ec.DB.Where("id = ? AND user_id = ?", blueprintID, userID).First(&blueprint).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Blueprint not found", nil)
	}
	if blueprint.Status != models.BlueprintActive {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Blueprint is not active", nil)
	}

	var input struct {
		ContactIDs []uint `json:"contactIds"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if len(input.ContactIDs) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "contactIds is required", nil)
	}

	enrolled := 0
	skipped := []skippedContact{}
	for _, contactID := range input.ContactIDs {
		if _, err := ec.Manager.Enroll(blueprint.ID, contactID); err != nil {
			skipped = append(skipped, skippedContact{
				ContactID: contactID,
				Reason:    enrollSkipReason(err),
			})
			continue
		}
		enrolled++
	}

	ec.Logger.Printf("Enrolled %d/%d contacts into blueprint %d", enrolled, len(input.ContactIDs), blueprint.ID)

	return c.JSON(fiber.Map{
		"success":       true,
		"enrolledCount": enrolled,
		"skipped":       skipped,
	})
}

func enrollSkipReason(err error) string {
	var dup *engine.AlreadyEnrolledError
	if errors.As(err, &dup) {
		return "already_enrolled"
	}
	var compliance *engine.ComplianceError
	if errors.As(err, &compliance) {
		return compliance.Reason
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "contact_not_found"
	}
	return "enrollment_failed"
}

// ListEnrollments returns the user's enrollments, optionally filtered by
// blueprint and state.
func (ec *EnrollmentController) ListEnrollments(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	query := ec.DB.Where("user_id = ?", userID)
	if blueprintID := c.Query("blueprintId"); blueprintID != "" {
		query = query.Where("blueprint_id = ?", utils.ParseUint(blueprintID))
	}
	if state := c.Query("state"); state != "" {
		query = query.Where("state = ?", state)
	}

	var enrollments []models.Enrollment
	if err := query.Order("id DESC").Limit(200).Find(&enrollments).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollments", nil)
	}

	return c.JSON(utils.SuccessResponse(enrollments))
}

// PauseEnrollment applies a manual pause
func (ec *EnrollmentController) PauseEnrollment(c *fiber.Ctx) error {
	enrollment, err := ec.ownedEnrollment(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}

	if err := ec.Manager.Pause(enrollment.ID, models.PauseReasonManual); err != nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Cannot pause enrollment", err)
	}

	return c.JSON(fiber.Map{"success": true})
}

// ResumeEnrollment resumes a manually paused enrollment. Compliance pauses
// are not resumable.
func (ec *EnrollmentController) ResumeEnrollment(c *fiber.Ctx) error {
	enrollment, err := ec.ownedEnrollment(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}

	if err := ec.Manager.Resume(enrollment.ID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Cannot resume enrollment", err)
	}

	return c.JSON(fiber.Map{"success": true})
}

func (ec *EnrollmentController) ownedEnrollment(c *fiber.Ctx) (*models.Enrollment, error) {
	userID := c.Locals("userID").(uint)
	enrollmentID := utils.ParseUint(c.Params("id"))

	var enrollment models.Enrollment
	if err := ec.DB.Where("id = ? AND user_id = ?", enrollmentID, userID).First(&enrollment).Error; err != nil {
		return nil, err
	}
	return &enrollment, nil
}
