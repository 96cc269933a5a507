package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"outflow/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// EngineConfig groups the sequence-engine tunables. The defaults match the
// documented contract: five-minute scan interval, batches of 100, three
// transient attempts per step, soft bounces escalating after three, thirty
// sends before an A/B variant is eligible to win.
type EngineConfig struct {
	ScanInterval        time.Duration `json:"scan_interval"`
	ScanBatchSize       int           `json:"scan_batch_size"`
	JobQueueSize        int           `json:"job_queue_size"`
	ExecutorWorkers     int           `json:"executor_workers"`
	MaxStepAttempts     int           `json:"max_step_attempts"`
	SoftBounceThreshold int           `json:"soft_bounce_threshold"`
	MinSampleSize       int           `json:"min_sample_size"`
	ReplyPollInterval   time.Duration `json:"reply_poll_interval"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`
	BaseURL     string `json:"base_url"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	JWTSecret       string `json:"-"`
	SchedulerSecret string `json:"-"`
	TrackingSecret  string `json:"-"`
	SentryDSN       string `json:"-"`

	Redis  RedisConfig  `json:"redis"`
	Engine EngineConfig `json:"engine"`

	// Provider HTTP endpoints for the non-email channels.
	LinkedInAPIURL   string `json:"linkedin_api_url"`
	LinkedInAPIToken string `json:"-"`
	SMSAPIURL        string `json:"sms_api_url"`
	SMSAPIToken      string `json:"-"`

	WebhookRateLimit int `json:"webhook_rate_limit"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "outflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		SchedulerSecret: getEnv("SCHEDULER_SECRET", ""),
		TrackingSecret:  getEnv("TRACKING_SECRET", ""),
		SentryDSN:       getEnv("SENTRY_DSN", ""),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		Engine: EngineConfig{
			ScanInterval:        time.Duration(getEnvAsInt("SCAN_INTERVAL_MINUTES", 5)) * time.Minute,
			ScanBatchSize:       getEnvAsInt("SCAN_BATCH_SIZE", 100),
			JobQueueSize:        getEnvAsInt("JOB_QUEUE_SIZE", 256),
			ExecutorWorkers:     getEnvAsInt("EXECUTOR_WORKERS", 4),
			MaxStepAttempts:     getEnvAsInt("MAX_STEP_ATTEMPTS", 3),
			SoftBounceThreshold: getEnvAsInt("SOFT_BOUNCE_THRESHOLD", 3),
			MinSampleSize:       getEnvAsInt("AB_MIN_SAMPLE_SIZE", 30),
			ReplyPollInterval:   time.Duration(getEnvAsInt("REPLY_POLL_MINUTES", 5)) * time.Minute,
		},

		LinkedInAPIURL:   getEnv("LINKEDIN_API_URL", ""),
		LinkedInAPIToken: getEnv("LINKEDIN_API_TOKEN", ""),
		SMSAPIURL:        getEnv("SMS_API_URL", ""),
		SMSAPIToken:      getEnv("SMS_API_TOKEN", ""),

		WebhookRateLimit: getEnvAsInt("WEBHOOK_RATE_LIMIT", 600),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.SchedulerSecret == "" {
		return fmt.Errorf("SCHEDULER_SECRET is required for the scan trigger endpoint")
	}
	if AppConfig.TrackingSecret == "" {
		AppConfig.TrackingSecret = AppConfig.JWTSecret
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("Successfully connected to the database")
	log.Println("Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// MigrateDB migrates every engine table. Exported so tests can migrate an
// in-memory database the same way.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Contact{},
		&models.ComplianceRecord{},
		&models.Sender{},
		&models.SequenceBlueprint{},
		&models.SequenceStep{},
		&models.Enrollment{},
		&models.DeliveryActivity{},
		&models.ABTest{},
		&models.ABVariant{},
		&models.ABTestResult{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Scan interval: %s, batch size: %d, workers: %d",
		AppConfig.Engine.ScanInterval,
		AppConfig.Engine.ScanBatchSize,
		AppConfig.Engine.ExecutorWorkers)
}
