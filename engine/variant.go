package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"outflow/models"

	"gorm.io/gorm"
)

// weightTolerance absorbs floating-point drift when checking that variant
// weights sum to 100.
const weightTolerance = 0.01

// VariantInput is one variant definition supplied at test creation.
type VariantInput struct {
	Name    string  `json:"name" validate:"required"`
	Weight  float64 `json:"weight"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
}

// VariantMetrics is the per-variant funnel computed by Analyze.
type VariantMetrics struct {
	VariantID uint    `json:"variant_id"`
	Name      string  `json:"name"`
	Sent      int64   `json:"sent"`
	Opened    int64   `json:"opened"`
	Clicked   int64   `json:"clicked"`
	Replied   int64   `json:"replied"`
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
	ReplyRate float64 `json:"reply_rate"`
}

// TestAnalysis reports the winner (if any variant has reached the minimum
// sample size) and per-variant metrics. Confidence is a coverage ratio of
// observed to required sample size, NOT a statistical significance test —
// callers must not treat it as one.
type TestAnalysis struct {
	TestID          uint             `json:"test_id"`
	WinnerVariantID *uint            `json:"winner_variant_id,omitempty"`
	Confidence      float64          `json:"confidence"`
	Variants        []VariantMetrics `json:"variants"`
}

// Selector owns A/B variant assignment and post-hoc comparison.
type Selector struct {
	DB            *gorm.DB
	MinSampleSize int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSelector(db *gorm.DB, minSampleSize int) *Selector {
	if minSampleSize <= 0 {
		minSampleSize = 30
	}
	return &Selector{
		DB:            db,
		MinSampleSize: minSampleSize,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateTest validates the variant weights and persists the test with its
// variants in one transaction.
func (s *Selector) CreateTest(userID uint, name, testType string, variants []VariantInput) (*models.ABTest, error) {
	var violations []string
	if len(variants) < 2 {
		violations = append(violations, "a test needs at least two variants")
	}
	total := 0.0
	for _, v := range variants {
		if v.Weight < 0 || v.Weight > 100 {
			violations = append(violations, fmt.Sprintf("variant %q weight must be between 0 and 100", v.Name))
		}
		total += v.Weight
	}
	if math.Abs(total-100) > weightTolerance {
		violations = append(violations, fmt.Sprintf("variant weights must sum to 100, got %.2f", total))
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	test := models.ABTest{
		UserID:   userID,
		Name:     name,
		TestType: testType,
		Status:   models.ABTestRunning,
	}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&test).Error; err != nil {
			return err
		}
		for _, v := range variants {
			variant := models.ABVariant{
				TestID:  test.ID,
				Name:    v.Name,
				Weight:  v.Weight,
				Subject: v.Subject,
				Body:    v.Body,
			}
			if err := tx.Create(&variant).Error; err != nil {
				return err
			}
			test.Variants = append(test.Variants, variant)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &test, nil
}

// SelectVariant draws uniformly in [0,100) and walks the variants
// accumulating weight. If drift leaves nothing selected it falls back to
// the first variant; with weights summing to 100 that should not happen.
func (s *Selector) SelectVariant(test *models.ABTest) *models.ABVariant {
	if len(test.Variants) == 0 {
		return nil
	}

	s.mu.Lock()
	draw := s.rng.Float64() * 100
	s.mu.Unlock()

	cumulative := 0.0
	for i := range test.Variants {
		cumulative += test.Variants[i].Weight
		if draw < cumulative {
			return &test.Variants[i]
		}
	}
	return &test.Variants[0]
}

// Assign picks a variant for an enrollment step and records the assignment
// for later analysis. Idempotent per (test, enrollment, step): a retried
// step keeps its original variant instead of re-drawing.
func (s *Selector) Assign(testID uint, enrollment *models.Enrollment, stepNumber int) (*models.ABVariant, error) {
	var test models.ABTest
	if err := s.DB.Preload("Variants").First(&test, testID).Error; err != nil {
		return nil, err
	}

	var existing models.ABTestResult
	err := s.DB.Where("test_id = ? AND enrollment_id = ? AND step_number = ?",
		test.ID, enrollment.ID, stepNumber).
		First(&existing).Error
	if err == nil {
		for i := range test.Variants {
			if test.Variants[i].ID == existing.VariantID {
				return &test.Variants[i], nil
			}
		}
		return nil, fmt.Errorf("test %d assignment references unknown variant %d", test.ID, existing.VariantID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	variant := s.SelectVariant(&test)
	if variant == nil {
		return nil, fmt.Errorf("test %d has no variants", testID)
	}

	result := models.ABTestResult{
		TestID:       test.ID,
		VariantID:    variant.ID,
		EnrollmentID: enrollment.ID,
		StepNumber:   stepNumber,
		ContactID:    enrollment.ContactID,
	}
	if err := s.DB.Create(&result).Error; err != nil {
		return nil, err
	}
	return variant, nil
}

// Analyze aggregates delivery activity per variant and names a winner: the
// variant with the highest reply rate among those that reached the minimum
// sample size. The winner is persisted on the test.
func (s *Selector) Analyze(testID uint) (*TestAnalysis, error) {
	var test models.ABTest
	if err := s.DB.Preload("Variants").First(&test, testID).Error; err != nil {
		return nil, err
	}

	analysis := &TestAnalysis{TestID: test.ID}
	var winner *VariantMetrics

	for _, variant := range test.Variants {
		var row struct {
			Sent    int64
			Opened  int64
			Clicked int64
			Replied int64
		}
		err := s.DB.Table("ab_test_results AS r").
			Select(`COUNT(a.id) AS sent,
				COALESCE(SUM(CASE WHEN a.opened_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS opened,
				COALESCE(SUM(CASE WHEN a.clicked_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS clicked,
				COALESCE(SUM(CASE WHEN a.replied_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS replied`).
			Joins(`JOIN delivery_activities AS a
				ON a.enrollment_id = r.enrollment_id AND a.step_number = r.step_number`).
			Where("r.variant_id = ? AND a.sent_at IS NOT NULL", variant.ID).
			Scan(&row).Error
		if err != nil {
			return nil, err
		}

		metrics := VariantMetrics{
			VariantID: variant.ID,
			Name:      variant.Name,
			Sent:      row.Sent,
			Opened:    row.Opened,
			Clicked:   row.Clicked,
			Replied:   row.Replied,
		}
		if row.Sent > 0 {
			metrics.OpenRate = float64(row.Opened) / float64(row.Sent)
			metrics.ClickRate = float64(row.Clicked) / float64(row.Sent)
			metrics.ReplyRate = float64(row.Replied) / float64(row.Sent)
		}
		analysis.Variants = append(analysis.Variants, metrics)

		if metrics.Sent >= int64(s.MinSampleSize) {
			if winner == nil || metrics.ReplyRate > winner.ReplyRate {
				winner = &analysis.Variants[len(analysis.Variants)-1]
			}
		}
	}

	if winner != nil {
		id := winner.VariantID
		analysis.WinnerVariantID = &id
		analysis.Confidence = math.Min(1, float64(winner.Sent)/float64(s.MinSampleSize))

		if err := s.DB.Model(&test).Updates(map[string]interface{}{
			"winner_variant_id": id,
			"status":            models.ABTestCompleted,
		}).Error; err != nil {
			return nil, err
		}
	}
	return analysis, nil
}

// seedRNG is a test hook: it replaces the selector's random source.
func (s *Selector) seedRNG(seed int64) {
	s.mu.Lock()
	s.rng = rand.New(rand.NewSource(seed))
	s.mu.Unlock()
}
