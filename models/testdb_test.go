package models_test

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/models"
	"gorm.io/gorm"
)

// openTestDB gives each test its own sqlite file, migrated and installed as the process DB.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := config.OpenDatabase(config.DriverSQLite, path)
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

func ptr[T any](v T) *T { return &v }

func mustCreateProductDonation(t *testing.T, lines ...models.NewDonationLine) *models.Donation {
	t.Helper()
	d, err := models.CreateDonation(context.Background(), &models.NewDonation{
		DonorId:        10,
		Title:          "Pantry surplus",
		Location:       "Tunis",
		Latitude:       ptr(36.8065),
		Longitude:      ptr(10.1815),
		Category:       string(models.CategoryPackagedProducts),
		ExpirationDate: time.Now().Add(72 * time.Hour),
		Products:       lines,
	})
	if err != nil {
		t.Fatalf("CreateDonation: %v", err)
	}
	return d
}

func mustCreateMealDonation(t *testing.T, meals ...models.NewDonationMeal) *models.Donation {
	t.Helper()
	d, err := models.CreateDonation(context.Background(), &models.NewDonation{
		DonorId:        11,
		Title:          "Catering leftovers",
		Location:       "Sfax",
		Category:       string(models.CategoryPreparedMeals),
		ExpirationDate: time.Now().Add(6 * time.Hour),
		Meals:          meals,
	})
	if err != nil {
		t.Fatalf("CreateDonation: %v", err)
	}
	return d
}

func productLine(productId, qty int, weight string) models.NewDonationLine {
	return models.NewDonationLine{
		ProductId:     productId,
		Name:          fmt.Sprintf("product-%d", productId),
		Quantity:      qty,
		WeightPerUnit: decimal.RequireFromString(weight),
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("sustainafood-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=sustainafood_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
