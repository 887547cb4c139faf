package models_test

import (
	"context"
	"testing"

	"github.com/sustainafood/sustainafood_backend/models"
	"gorm.io/gorm"
)

func TestRecomputeDonationStatus(t *testing.T) {
	d := productDonation(
		models.DonationProduct{ProductId: 1, Quantity: 5},
		models.DonationProduct{ProductId: 2, Quantity: 5},
	)
	if got := models.RecomputeDonationStatus(d); got != models.DonationStatusPending {
		t.Fatalf("untouched donation should keep its status, got %s", got)
	}
	d.Products[0].Quantity = 0
	if got := models.RecomputeDonationStatus(d); got != models.DonationStatusPartiallyFulfilled {
		t.Fatalf("expected partially_fulfilled, got %s", got)
	}
	d.Products[1].Quantity = 0
	if got := models.RecomputeDonationStatus(d); got != models.DonationStatusFulfilled {
		t.Fatalf("expected fulfilled, got %s", got)
	}
	d.Status = models.DonationStatusRejected
	if got := models.RecomputeDonationStatus(d); got != models.DonationStatusRejected {
		t.Fatalf("rejected donation must stay rejected, got %s", got)
	}
}

func TestDeriveRequestStatus(t *testing.T) {
	r := productRequest(
		models.RequestedProduct{ProductId: 1, Quantity: 4},
		models.RequestedProduct{ProductId: 2, Quantity: 2},
	)
	if got := models.DeriveRequestStatus(r); got != models.RequestStatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
	r.RequestedProducts[0].AllocatedQuantity = 4
	if got := models.DeriveRequestStatus(r); got != models.RequestStatusPartiallyFulfilled {
		t.Fatalf("expected partially_fulfilled, got %s", got)
	}
	r.RequestedProducts[1].AllocatedQuantity = 3
	if got := models.DeriveRequestStatus(r); got != models.RequestStatusFulfilled {
		t.Fatalf("over-allocation still fulfils, got %s", got)
	}

	meals := mealRequest(5)
	meals.AllocatedMeals = 5
	if got := models.DeriveRequestStatus(meals); got != models.RequestStatusFulfilled {
		t.Fatalf("expected fulfilled, got %s", got)
	}
}

func TestRecomputeRequestStatus_CountsOnlyApprovedTransactions(t *testing.T) {
	db := openTestDB(t)
	donation := mustCreateProductDonation(t, productLine(1, 10, "0"))
	request, err := models.CreateRequestNeed(context.Background(), &models.NewRequestNeed{
		RecipientId:       20,
		Title:             "School pantry",
		Category:          string(models.CategoryPackagedProducts),
		RequestedProducts: []models.NewRequestedProduct{{ProductId: 1, Quantity: 6}},
	})
	if err != nil {
		t.Fatalf("CreateRequestNeed: %v", err)
	}

	save := func(qty int, status models.TransactionStatus) {
		items, _ := models.NewProductLineItems([]models.ProductLine{{ProductId: 1, Quantity: qty}})
		err := db.Transaction(func(tx *gorm.DB) error {
			return models.SaveDonationTransaction(tx, models.NewDonationTransaction(donation, request, items, status))
		})
		if err != nil {
			t.Fatalf("SaveDonationTransaction: %v", err)
		}
	}
	save(2, models.TransactionStatusApproved)
	save(3, models.TransactionStatusPending)
	save(4, models.TransactionStatusRejected)

	status, err := models.RecomputeRequestStatus(db, request.ID)
	if err != nil {
		t.Fatalf("RecomputeRequestStatus: %v", err)
	}
	if status != models.RequestStatusPartiallyFulfilled {
		t.Fatalf("expected partially_fulfilled, got %s", status)
	}
	loaded, err := models.GetRequestNeed(db, request.ID)
	if err != nil {
		t.Fatalf("GetRequestNeed: %v", err)
	}
	if loaded.RequestedProducts[0].AllocatedQuantity != 2 {
		t.Fatalf("expected 2 allocated, got %d", loaded.RequestedProducts[0].AllocatedQuantity)
	}

	save(4, models.TransactionStatusApproved)
	status, err = models.RecomputeRequestStatus(db, request.ID)
	if err != nil {
		t.Fatalf("RecomputeRequestStatus: %v", err)
	}
	if status != models.RequestStatusFulfilled {
		t.Fatalf("expected fulfilled, got %s", status)
	}
	// Recomputing again changes nothing.
	again, err := models.RecomputeRequestStatus(db, request.ID)
	if err != nil || again != status {
		t.Fatalf("recompute is not idempotent: %s, %v", again, err)
	}
}
