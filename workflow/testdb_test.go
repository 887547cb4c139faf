package workflow_test

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/models"
	"github.com/sustainafood/sustainafood_backend/workflow"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.OpenDatabase(config.DriverSQLite, filepath.Join(t.TempDir(), "workflow.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	prev := config.GetDB()
	config.SetDB(db)
	t.Cleanup(func() { config.SetDB(prev) })
	return db
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// recordingNotifier keeps every event it is handed.
type recordingNotifier struct {
	mu     sync.Mutex
	events []models.NotificationEvent
}

func (n *recordingNotifier) Notify(_ context.Context, events []models.NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
	return nil
}

func (n *recordingNotifier) kinds(recipient int) []models.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.NotificationKind
	for _, e := range n.events {
		if e.RecipientActorId == recipient {
			out = append(out, e.Kind)
		}
	}
	return out
}

func newTransactionManager(db *gorm.DB, notifier workflow.Notifier) *workflow.TransactionManager {
	return &workflow.TransactionManager{
		DB:       db,
		Logger:   quietLogger(),
		Locker:   workflow.NewLocalLocker(),
		Notifier: notifier,
		Now:      time.Now,
	}
}

func ptr[T any](v T) *T { return &v }

const (
	donorId     = 10
	recipientId = 20
)

func createProductDonation(t *testing.T, lines ...models.NewDonationLine) *models.Donation {
	t.Helper()
	d, err := models.CreateDonation(context.Background(), &models.NewDonation{
		DonorId:        donorId,
		Title:          "Supermarket surplus",
		Location:       "Rue de Marseille, Tunis",
		Latitude:       ptr(36.8000),
		Longitude:      ptr(10.1800),
		Category:       string(models.CategoryPackagedProducts),
		ExpirationDate: time.Now().Add(48 * time.Hour),
		Products:       lines,
	})
	if err != nil {
		t.Fatalf("CreateDonation: %v", err)
	}
	return d
}

func createMealDonation(t *testing.T, quantities ...int) *models.Donation {
	t.Helper()
	var meals []models.NewDonationMeal
	for i, q := range quantities {
		meals = append(meals, models.NewDonationMeal{MealName: []string{"couscous", "lablabi", "ojja"}[i%3], Quantity: q})
	}
	d, err := models.CreateDonation(context.Background(), &models.NewDonation{
		DonorId:        donorId,
		Title:          "Wedding catering",
		Location:       "Sousse",
		Latitude:       ptr(35.8256),
		Longitude:      ptr(10.6360),
		Category:       string(models.CategoryPreparedMeals),
		ExpirationDate: time.Now().Add(8 * time.Hour),
		Meals:          meals,
	})
	if err != nil {
		t.Fatalf("CreateDonation: %v", err)
	}
	return d
}

func createProductRequest(t *testing.T, lines ...models.NewRequestedProduct) *models.RequestNeed {
	t.Helper()
	r, err := models.CreateRequestNeed(context.Background(), &models.NewRequestNeed{
		RecipientId:       recipientId,
		Title:             "Community kitchen",
		Category:          string(models.CategoryPackagedProducts),
		DeliveryAddress:   "Bab Souika, Tunis",
		RequestedProducts: lines,
	})
	if err != nil {
		t.Fatalf("CreateRequestNeed: %v", err)
	}
	return r
}

func createMealRequest(t *testing.T, meals int) *models.RequestNeed {
	t.Helper()
	r, err := models.CreateRequestNeed(context.Background(), &models.NewRequestNeed{
		RecipientId:     recipientId,
		Title:           "Night shelter",
		Category:        string(models.CategoryPreparedMeals),
		NumberOfMeals:   meals,
		DeliveryAddress: "Monastir",
	})
	if err != nil {
		t.Fatalf("CreateRequestNeed: %v", err)
	}
	return r
}

func apples(qty int) models.NewDonationLine {
	return models.NewDonationLine{ProductId: 1, Name: "apple", Quantity: qty, WeightPerUnit: decimal.RequireFromString("0.2")}
}

func wantApples(qty int) models.NewRequestedProduct {
	return models.NewRequestedProduct{ProductId: 1, Name: "apple", Quantity: qty}
}
