package engine

import (
	"fmt"
	"testing"

	"outflow/config"
	"outflow/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	logrus.SetLevel(logrus.ErrorLevel)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A single in-memory connection; a second one would see an empty schema.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, config.MigrateDB(db))
	return db
}

func createContact(t *testing.T, db *gorm.DB, email string) *models.Contact {
	t.Helper()

	contact := models.Contact{
		UserID:    1,
		Email:     email,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Company:   "Analytical Engines",
	}
	require.NoError(t, db.Create(&contact).Error)
	return &contact
}

// createBlueprint creates an active blueprint with one email step per delay.
func createBlueprint(t *testing.T, db *gorm.DB, delays ...int) *models.SequenceBlueprint {
	t.Helper()

	blueprint := models.SequenceBlueprint{
		UserID: 1,
		Name:   "Test sequence",
		Status: models.BlueprintActive,
	}
	require.NoError(t, db.Create(&blueprint).Error)

	for i, delay := range delays {
		step := models.SequenceStep{
			BlueprintID: blueprint.ID,
			StepNumber:  i,
			DelayHours:  delay,
			Channel:     string(ChannelEmail),
			Subject:     fmt.Sprintf("Step %d for {{first_name}}", i),
			Body:        "Hi {{first_name}}, checking in. {{unsubscribe_url}}",
		}
		require.NoError(t, db.Create(&step).Error)
	}
	return &blueprint
}

func createSender(t *testing.T, db *gorm.DB, userID uint) *models.Sender {
	t.Helper()

	sender := models.Sender{
		UserID:     userID,
		Name:       "Primary",
		FromEmail:  "sales@example.com",
		FromName:   "Sales",
		SMTPHost:   "smtp.example.com",
		SMTPPort:   587,
		IsActive:   true,
		DailyLimit: 200,
	}
	require.NoError(t, db.Create(&sender).Error)
	return &sender
}
