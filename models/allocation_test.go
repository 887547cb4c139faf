package models_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sustainafood/sustainafood_backend/models"
	"github.com/sustainafood/sustainafood_backend/utils"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func productDonation(lines ...models.DonationProduct) *models.Donation {
	for i := range lines {
		lines[i].ID = i + 1
		if lines[i].OriginalQuantity == 0 {
			lines[i].OriginalQuantity = lines[i].Quantity
		}
	}
	return &models.Donation{
		ID:             1,
		Category:       models.CategoryPackagedProducts,
		Status:         models.DonationStatusPending,
		ExpirationDate: now.Add(24 * time.Hour),
		Products:       lines,
	}
}

func mealDonation(buckets ...int) *models.Donation {
	d := &models.Donation{
		ID:             2,
		Category:       models.CategoryPreparedMeals,
		Status:         models.DonationStatusPending,
		ExpirationDate: now.Add(24 * time.Hour),
	}
	for i, q := range buckets {
		d.Meals = append(d.Meals, models.DonationMeal{ID: 100 + i, MealName: "meal", Quantity: q, OriginalQuantity: q})
		d.NumberOfMeals += q
	}
	d.RemainingMeals = d.NumberOfMeals
	return d
}

func productRequest(lines ...models.RequestedProduct) *models.RequestNeed {
	return &models.RequestNeed{
		ID:                7,
		Category:          models.CategoryPackagedProducts,
		Status:            models.RequestStatusPending,
		RequestedProducts: lines,
	}
}

func mealRequest(meals int) *models.RequestNeed {
	return &models.RequestNeed{ID: 8, Category: models.CategoryPreparedMeals, Status: models.RequestStatusPending, NumberOfMeals: meals}
}

func TestAllocate_ProductsTakesMinOfOutstandingAndAvailable(t *testing.T) {
	donation := productDonation(
		models.DonationProduct{ProductId: 1, Quantity: 10},
		models.DonationProduct{ProductId: 2, Quantity: 2},
	)
	request := productRequest(
		models.RequestedProduct{ProductId: 1, Quantity: 4},
		models.RequestedProduct{ProductId: 2, Quantity: 5},
		models.RequestedProduct{ProductId: 3, Quantity: 1},
	)
	items, fully, err := models.Allocate(donation, request, now)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if fully {
		t.Fatalf("allocation cannot be full: product 3 is missing and product 2 is short")
	}
	got := map[int]int{}
	for _, l := range items.Products() {
		got[l.ProductId] = l.Quantity
	}
	if len(got) != 2 || got[1] != 4 || got[2] != 2 {
		t.Fatalf("unexpected allocation %v", got)
	}
	// Allocate only plans; the donation is untouched.
	if donation.Products[0].Quantity != 10 {
		t.Fatalf("Allocate mutated the donation")
	}
}

func TestAllocate_ProductsSkipsAlreadyAllocated(t *testing.T) {
	donation := productDonation(models.DonationProduct{ProductId: 1, Quantity: 10})
	request := productRequest(models.RequestedProduct{ProductId: 1, Quantity: 4, AllocatedQuantity: 4})
	if _, _, err := models.Allocate(donation, request, now); !errors.Is(err, utils.ErrNoAllocatableStock) {
		t.Fatalf("expected NoAllocatableStock, got %v", err)
	}
}

func TestAllocate_RequestWithNothingOutstanding(t *testing.T) {
	donation := mealDonation(5)
	request := mealRequest(4)
	request.AllocatedMeals = 4
	_, _, err := models.Allocate(donation, request, now)
	if !errors.Is(err, utils.ErrNoAllocatableStock) {
		t.Fatalf("expected NoAllocatableStock, got %v", err)
	}
	if request.HasOutstanding() {
		t.Fatalf("a fully allocated request has nothing outstanding")
	}
}

func TestAllocate_MealsGreedyOverBuckets(t *testing.T) {
	donation := mealDonation(3, 4, 5)
	items, fully, err := models.Allocate(donation, mealRequest(6), now)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !fully {
		t.Fatalf("expected full allocation")
	}
	meals := items.Meals()
	if len(meals) != 2 || meals[0].MealId != 100 || meals[0].Quantity != 3 || meals[1].MealId != 101 || meals[1].Quantity != 3 {
		t.Fatalf("unexpected meal lines %+v", meals)
	}
}

func TestAllocate_MealsCappedByRemainingMeals(t *testing.T) {
	donation := mealDonation(5, 5)
	donation.RemainingMeals = 4
	items, fully, err := models.Allocate(donation, mealRequest(10), now)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if fully || items.Total() != 4 {
		t.Fatalf("expected a partial allocation of 4, got %d (fully=%v)", items.Total(), fully)
	}
}

func TestCheckAllocatable_Ordering(t *testing.T) {
	donation := productDonation(models.DonationProduct{ProductId: 1, Quantity: 1})
	donation.Status = models.DonationStatusFulfilled
	// A closed donation paired with the wrong category still reports the mismatch.
	if err := models.CheckAllocatable(donation, mealRequest(1), now); !errors.Is(err, utils.ErrCategoryMismatch) {
		t.Fatalf("expected category mismatch first, got %v", err)
	}
	if err := models.CheckAllocatable(donation, productRequest(models.RequestedProduct{ProductId: 1, Quantity: 1}), now); !errors.Is(err, utils.ErrInvalidState) {
		t.Fatalf("expected invalid state for closed donation, got %v", err)
	}

	expired := productDonation(models.DonationProduct{ProductId: 1, Quantity: 1})
	expired.ExpirationDate = now
	if err := models.CheckAllocatable(expired, productRequest(models.RequestedProduct{ProductId: 1, Quantity: 1}), now); !errors.Is(err, utils.ErrInvalidState) {
		t.Fatalf("expected invalid state for expired donation, got %v", err)
	}

	rejected := productRequest(models.RequestedProduct{ProductId: 1, Quantity: 1})
	rejected.Status = models.RequestStatusRejected
	open := productDonation(models.DonationProduct{ProductId: 1, Quantity: 1})
	if err := models.CheckAllocatable(open, rejected, now); !errors.Is(err, utils.ErrInvalidState) {
		t.Fatalf("expected invalid state for rejected request, got %v", err)
	}
}

func TestCheckAvailability_NamesOffendingItem(t *testing.T) {
	donation := productDonation(models.DonationProduct{ProductId: 1, Quantity: 2})
	items, _ := models.NewProductLineItems([]models.ProductLine{{ProductId: 1, Quantity: 3}})
	err := donation.CheckAvailability(items)
	if !errors.Is(err, utils.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var e *utils.Error
	if !errors.As(err, &e) || e.Detail == "" {
		t.Fatalf("expected a detailed error, got %#v", err)
	}

	meals, _ := models.NewMealLineItems([]models.MealLine{{MealId: 1, Quantity: 1}})
	if err := donation.CheckAvailability(meals); !errors.Is(err, utils.ErrCategoryMismatch) {
		t.Fatalf("expected category mismatch, got %v", err)
	}
}
