package workflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/sustainafood/sustainafood_backend/models"
	"github.com/sustainafood/sustainafood_backend/utils"
	"github.com/sustainafood/sustainafood_backend/workflow"
	"golang.org/x/sync/errgroup"
)

func TestCreateAndCommit_ProductsPartialDonation(t *testing.T) {
	db := openTestDB(t)
	notifier := &recordingNotifier{}
	m := newTransactionManager(db, notifier)
	ctx := context.Background()

	donation := createProductDonation(t, apples(10))
	request := createProductRequest(t, wantApples(4))

	tr, err := m.CreateAndCommit(ctx, donation.ID, request.ID, nil)
	if err != nil {
		t.Fatalf("CreateAndCommit: %v", err)
	}
	if tr.Status != models.TransactionStatusApproved || tr.ResponseDate == nil {
		t.Fatalf("expected an approved transaction with a response date, got %+v", tr)
	}
	if len(tr.AllocatedProducts) != 1 || tr.AllocatedProducts[0].Quantity != 4 {
		t.Fatalf("expected 4 apples allocated, got %+v", tr.AllocatedProducts)
	}
	if tr.TotalWeight.String() != "0.8" {
		t.Fatalf("expected total weight 0.8, got %s", tr.TotalWeight)
	}

	d, err := models.GetDonation(db, donation.ID)
	if err != nil {
		t.Fatalf("GetDonation: %v", err)
	}
	if d.Products[0].Quantity != 6 || d.Status != models.DonationStatusPartiallyFulfilled {
		t.Fatalf("expected 6 left and partially_fulfilled, got %d and %s", d.Products[0].Quantity, d.Status)
	}
	r, err := models.GetRequestNeed(db, request.ID)
	if err != nil {
		t.Fatalf("GetRequestNeed: %v", err)
	}
	if r.Status != models.RequestStatusFulfilled || r.RequestedProducts[0].AllocatedQuantity != 4 {
		t.Fatalf("expected fulfilled request with 4 allocated, got %s / %d", r.Status, r.RequestedProducts[0].AllocatedQuantity)
	}

	if got := notifier.kinds(donorId); len(got) != 1 || got[0] != models.NotificationKindTransactionCommitted {
		t.Fatalf("donor notifications: %v", got)
	}
	if got := notifier.kinds(recipientId); len(got) != 1 || got[0] != models.NotificationKindTransactionCommitted {
		t.Fatalf("recipient notifications: %v", got)
	}

	// The request is met, so a second commit has nothing to give.
	if _, err := m.CreateAndCommit(ctx, donation.ID, request.ID, nil); !errors.Is(err, utils.ErrNoAllocatableStock) {
		t.Fatalf("expected NoAllocatableStock, got %v", err)
	}
}

func TestCreateAndCommit_MealsCappedByDonation(t *testing.T) {
	db := openTestDB(t)
	m := newTransactionManager(db, &recordingNotifier{})
	ctx := context.Background()

	donation := createMealDonation(t, 4, 6)
	request := createMealRequest(t, 15)

	tr, err := m.CreateAndCommit(ctx, donation.ID, request.ID, nil)
	if err != nil {
		t.Fatalf("CreateAndCommit: %v", err)
	}
	total := 0
	for _, meal := range tr.AllocatedMeals {
		total += meal.Quantity
	}
	if total != 10 {
		t.Fatalf("expected 10 meals allocated, got %d", total)
	}

	d, err := models.GetDonation(db, donation.ID)
	if err != nil {
		t.Fatalf("GetDonation: %v", err)
	}
	if d.RemainingMeals != 0 || d.Status != models.DonationStatusFulfilled {
		t.Fatalf("expected an exhausted fulfilled donation, got remaining=%d status=%s", d.RemainingMeals, d.Status)
	}
	r, err := models.GetRequestNeed(db, request.ID)
	if err != nil {
		t.Fatalf("GetRequestNeed: %v", err)
	}
	if r.AllocatedMeals != 10 || r.Status != models.RequestStatusPartiallyFulfilled {
		t.Fatalf("expected 10 allocated and partially_fulfilled, got %d / %s", r.AllocatedMeals, r.Status)
	}

	// A fulfilled donation is closed.
	other := createMealRequest(t, 1)
	if _, err := m.CreateAndCommit(ctx, donation.ID, other.ID, nil); !errors.Is(err, utils.ErrInvalidState) {
		t.Fatalf("expected InvalidState for a fulfilled donation, got %v", err)
	}
}

func TestCreateAndCommit_ConcurrentExplicitNeverOverAllocates(t *testing.T) {
	db := openTestDB(t)
	m := newTransactionManager(db, &recordingNotifier{})
	ctx := context.Background()

	donation := createProductDonation(t, apples(10))
	first := createProductRequest(t, wantApples(6))
	second := createProductRequest(t, wantApples(6))

	explicit := &models.LineItemsInput{Products: []models.ProductLine{{ProductId: 1, Quantity: 6}}}
	var succeeded, short atomic.Int32
	var g errgroup.Group
	for _, req := range []*models.RequestNeed{first, second} {
		req := req
		g.Go(func() error {
			_, err := m.CreateAndCommit(ctx, donation.ID, req.ID, explicit)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, utils.ErrInsufficientStock):
				short.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if succeeded.Load() != 1 || short.Load() != 1 {
		t.Fatalf("expected one success and one InsufficientStock, got %d / %d", succeeded.Load(), short.Load())
	}
	d, err := models.GetDonation(db, donation.ID)
	if err != nil {
		t.Fatalf("GetDonation: %v", err)
	}
	if d.Products[0].Quantity != 4 {
		t.Fatalf("expected 4 apples left, got %d", d.Products[0].Quantity)
	}
}

func TestCreateAndCommit_ConcurrentGreedyConservesStock(t *testing.T) {
	db := openTestDB(t)
	m := newTransactionManager(db, &recordingNotifier{})
	ctx := context.Background()

	donation := createProductDonation(t, apples(10))
	var requests []*models.RequestNeed
	for i := 0; i < 4; i++ {
		requests = append(requests, createProductRequest(t, wantApples(6)))
	}

	var g errgroup.Group
	for _, req := range requests {
		req := req
		g.Go(func() error {
			_, err := m.CreateAndCommit(ctx, donation.ID, req.ID, nil)
			if err != nil && !errors.Is(err, utils.ErrInvalidState) && !errors.Is(err, utils.ErrNoAllocatableStock) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	approved, err := models.ListDonationTransactions(db, models.TransactionFilter{
		DonationId: donation.ID,
		Status:     models.TransactionStatusApproved,
	})
	if err != nil {
		t.Fatalf("ListDonationTransactions: %v", err)
	}
	allocated := 0
	for _, tr := range approved {
		for _, p := range tr.AllocatedProducts {
			allocated += p.Quantity
		}
	}
	d, err := models.GetDonation(db, donation.ID)
	if err != nil {
		t.Fatalf("GetDonation: %v", err)
	}
	if allocated != 10 || d.Products[0].Quantity != 0 {
		t.Fatalf("allocated %d with %d left; original stock was 10", allocated, d.Products[0].Quantity)
	}
	if d.Status != models.DonationStatusFulfilled {
		t.Fatalf("expected fulfilled, got %s", d.Status)
	}
}

func TestCreateAndCommit_CategoryMismatchWritesNothing(t *testing.T) {
	db := openTestDB(t)
	m := newTransactionManager(db, &recordingNotifier{})
	donation := createProductDonation(t, apples(10))
	request := createMealRequest(t, 3)

	if _, err := m.CreateAndCommit(context.Background(), donation.ID, request.ID, nil); !errors.Is(err, utils.ErrCategoryMismatch) {
		t.Fatalf("expected CategoryMismatch, got %v", err)
	}
	var count int64
	if err := db.Model(&models.DonationTransaction{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no transactions, got %d", count)
	}
}

func TestCreateAndCommit_ExplicitItemsValidated(t *testing.T) {
	db := openTestDB(t)
	m := newTransactionManager(db, &recordingNotifier{})
	ctx := context.Background()
	donation := createProductDonation(t, apples(10))
	request := createProductRequest(t, wantApples(4))

	zero := &models.LineItemsInput{Products: []models.ProductLine{{ProductId: 1, Quantity: 0}}}
	if _, err := m.CreateAndCommit(ctx, donation.ID, request.ID, zero); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("expected ValidationError for empty items, got %v", err)
	}
	unknown := &models.LineItemsInput{Products: []models.ProductLine{{ProductId: 99, Quantity: 1}}}
	if _, err := m.CreateAndCommit(ctx, donation.ID, request.ID, unknown); !errors.Is(err, utils.ErrInsufficientStock) {
		t.Fatalf("expected InsufficientStock for an unknown product, got %v", err)
	}
	if _, err := m.CreateAndCommit(ctx, 404, request.ID, nil); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCreateAndCommit_NotifierFailureDoesNotFailCommit(t *testing.T) {
	db := openTestDB(t)
	failing := workflow.NotifierFunc(func(context.Context, []models.NotificationEvent) error {
		return errors.New("notification service down")
	})
	m := newTransactionManager(db, failing)
	donation := createProductDonation(t, apples(5))
	request := createProductRequest(t, wantApples(2))

	if _, err := m.CreateAndCommit(context.Background(), donation.ID, request.ID, nil); err != nil {
		t.Fatalf("commit must survive a notifier failure, got %v", err)
	}
	d, err := models.GetDonation(db, donation.ID)
	if err != nil {
		t.Fatalf("GetDonation: %v", err)
	}
	if d.Products[0].Quantity != 3 {
		t.Fatalf("expected the commit to stand, got %d left", d.Products[0].Quantity)
	}
}

func TestPendingTransaction_AcceptAppliesStock(t *testing.T) {
	db := openTestDB(t)
	notifier := &recordingNotifier{}
	m := newTransactionManager(db, notifier)
	ctx := context.Background()
	donation := createProductDonation(t, apples(10))
	request := createProductRequest(t, wantApples(4))

	pending, err := m.CreatePending(ctx, donation.ID, request.ID, nil)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if pending.Status != models.TransactionStatusPending {
		t.Fatalf("expected pending, got %s", pending.Status)
	}
	d, _ := models.GetDonation(db, donation.ID)
	if d.Products[0].Quantity != 10 {
		t.Fatalf("a pending transaction must not consume stock")
	}

	accepted, err := m.Accept(ctx, pending.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.Status != models.TransactionStatusApproved {
		t.Fatalf("expected approved, got %s", accepted.Status)
	}
	d, _ = models.GetDonation(db, donation.ID)
	if d.Products[0].Quantity != 6 {
		t.Fatalf("expected 6 left after accept, got %d", d.Products[0].Quantity)
	}
	r, _ := models.GetRequestNeed(db, request.ID)
	if r.Status != models.RequestStatusFulfilled {
		t.Fatalf("expected fulfilled request, got %s", r.Status)
	}

	if _, err := m.Accept(ctx, pending.ID); !errors.Is(err, utils.ErrInvalidState) {
		t.Fatalf("accepting twice must fail with InvalidState, got %v", err)
	}
	if got := notifier.kinds(donorId); len(got) != 1 || got[0] != models.NotificationKindTransactionProposed {
		t.Fatalf("donor notifications: %v", got)
	}
	if got := notifier.kinds(recipientId); len(got) != 1 || got[0] != models.NotificationKindTransactionAccepted {
		t.Fatalf("recipient notifications: %v", got)
	}
}

func TestPendingTransaction_AcceptRechecksStock(t *testing.T) {
	db := openTestDB(t)
	m := newTransactionManager(db, &recordingNotifier{})
	ctx := context.Background()
	donation := createProductDonation(t, apples(10))
	slow := createProductRequest(t, wantApples(6))
	fast := createProductRequest(t, wantApples(8))

	pending, err := m.CreatePending(ctx, donation.ID, slow.ID, nil)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if _, err := m.CreateAndCommit(ctx, donation.ID, fast.ID, nil); err != nil {
		t.Fatalf("CreateAndCommit: %v", err)
	}
	if _, err := m.Accept(ctx, pending.ID); !errors.Is(err, utils.ErrInsufficientStock) {
		t.Fatalf("expected InsufficientStock, got %v", err)
	}
	still, err := m.GetTransaction(ctx, pending.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if still.Status != models.TransactionStatusPending {
		t.Fatalf("a failed accept must leave the transaction pending, got %s", still.Status)
	}
}

func TestReject_PendingCascadesToDonation(t *testing.T) {
	db := openTestDB(t)
	notifier := &recordingNotifier{}
	m := newTransactionManager(db, notifier)
	ctx := context.Background()
	donation := createProductDonation(t, apples(10))
	request := createProductRequest(t, wantApples(4))

	pending, err := m.CreatePending(ctx, donation.ID, request.ID, nil)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	rejected, err := m.Reject(ctx, pending.ID, "   ")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != models.TransactionStatusRejected || rejected.RejectionReason != models.DefaultRejectionReason {
		t.Fatalf("unexpected rejected transaction %+v", rejected)
	}
	d, _ := models.GetDonation(db, donation.ID)
	if d.Status != models.DonationStatusRejected || d.Products[0].Quantity != 10 {
		t.Fatalf("expected a rejected donation with untouched stock, got %s / %d", d.Status, d.Products[0].Quantity)
	}
	if _, err := m.CreateAndCommit(ctx, donation.ID, request.ID, nil); !errors.Is(err, utils.ErrInvalidState) {
		t.Fatalf("a rejected donation cannot be allocated, got %v", err)
	}
	if got := notifier.kinds(recipientId); len(got) != 1 || got[0] != models.NotificationKindTransactionRejected {
		t.Fatalf("recipient notifications: %v", got)
	}
}

func TestReject_ApprovedTransactionIsInvalidState(t *testing.T) {
	db := openTestDB(t)
	m := newTransactionManager(db, &recordingNotifier{})
	ctx := context.Background()
	donation := createProductDonation(t, apples(10))
	request := createProductRequest(t, wantApples(4))

	tr, err := m.CreateAndCommit(ctx, donation.ID, request.ID, nil)
	if err != nil {
		t.Fatalf("CreateAndCommit: %v", err)
	}
	if _, err := m.Reject(ctx, tr.ID, "changed my mind"); !errors.Is(err, utils.ErrInvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
	d, _ := models.GetDonation(db, donation.ID)
	if d.Status != models.DonationStatusPartiallyFulfilled || d.Products[0].Quantity != 6 {
		t.Fatalf("donation changed: %s / %d", d.Status, d.Products[0].Quantity)
	}
	r, _ := models.GetRequestNeed(db, request.ID)
	if r.Status != models.RequestStatusFulfilled {
		t.Fatalf("request changed: %s", r.Status)
	}
	if _, err := m.Reject(ctx, 404, ""); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRejectDonation(t *testing.T) {
	db := openTestDB(t)
	notifier := &recordingNotifier{}
	m := newTransactionManager(db, notifier)
	ctx := context.Background()
	donation := createProductDonation(t, apples(10))

	rejected, err := m.RejectDonation(ctx, donation.ID, "Past its date")
	if err != nil {
		t.Fatalf("RejectDonation: %v", err)
	}
	if rejected.Status != models.DonationStatusRejected || rejected.RejectionReason != "Past its date" {
		t.Fatalf("unexpected donation %+v", rejected)
	}
	if _, err := m.RejectDonation(ctx, donation.ID, ""); !errors.Is(err, utils.ErrInvalidState) {
		t.Fatalf("rejecting twice must fail, got %v", err)
	}
	if got := notifier.kinds(donorId); len(got) != 1 || got[0] != models.NotificationKindDonationRejected {
		t.Fatalf("donor notifications: %v", got)
	}
}

func TestRecomputeStatuses(t *testing.T) {
	db := openTestDB(t)
	m := newTransactionManager(db, &recordingNotifier{})
	ctx := context.Background()
	donation := createProductDonation(t, apples(10))
	request := createProductRequest(t, wantApples(4))
	if _, err := m.CreateAndCommit(ctx, donation.ID, request.ID, nil); err != nil {
		t.Fatalf("CreateAndCommit: %v", err)
	}

	// Drift the stored statuses, then recompute.
	db.Model(&models.Donation{}).Where("id = ?", donation.ID).Update("status", models.DonationStatusApproved)
	db.Model(&models.RequestNeed{}).Where("id = ?", request.ID).Update("status", models.RequestStatusPending)

	dStatus, err := m.RecomputeDonationStatus(ctx, donation.ID)
	if err != nil || dStatus != models.DonationStatusPartiallyFulfilled {
		t.Fatalf("RecomputeDonationStatus: %s %v", dStatus, err)
	}
	rStatus, err := m.RecomputeRequestStatus(ctx, request.ID)
	if err != nil || rStatus != models.RequestStatusFulfilled {
		t.Fatalf("RecomputeRequestStatus: %s %v", rStatus, err)
	}
}

func TestRecomputeStatuses_Idempotent(t *testing.T) {
	db := openTestDB(t)
	m := newTransactionManager(db, &recordingNotifier{})
	ctx := context.Background()

	products := createProductDonation(t, apples(10))
	productReq := createProductRequest(t, wantApples(14))
	if _, err := m.CreateAndCommit(ctx, products.ID, productReq.ID, nil); err != nil {
		t.Fatalf("CreateAndCommit products: %v", err)
	}
	meals := createMealDonation(t, 3, 4)
	mealReq := createMealRequest(t, 9)
	if _, err := m.CreateAndCommit(ctx, meals.ID, mealReq.ID, nil); err != nil {
		t.Fatalf("CreateAndCommit meals: %v", err)
	}

	cases := []struct {
		name       string
		donationId int
		requestId  int
		donation   models.DonationStatus
		request    models.RequestStatus
	}{
		{"products", products.ID, productReq.ID, models.DonationStatusFulfilled, models.RequestStatusPartiallyFulfilled},
		{"meals", meals.ID, mealReq.ID, models.DonationStatusFulfilled, models.RequestStatusPartiallyFulfilled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var allocated []int
			for round := 0; round < 2; round++ {
				dStatus, err := m.RecomputeDonationStatus(ctx, tc.donationId)
				if err != nil || dStatus != tc.donation {
					t.Fatalf("round %d RecomputeDonationStatus: %s %v", round, dStatus, err)
				}
				rStatus, err := m.RecomputeRequestStatus(ctx, tc.requestId)
				if err != nil || rStatus != tc.request {
					t.Fatalf("round %d RecomputeRequestStatus: %s %v", round, rStatus, err)
				}
				r, err := models.GetRequestNeed(db, tc.requestId)
				if err != nil {
					t.Fatalf("GetRequestNeed: %v", err)
				}
				total := r.AllocatedMeals
				for _, p := range r.RequestedProducts {
					total += p.AllocatedQuantity
				}
				allocated = append(allocated, total)
			}
			if allocated[0] != allocated[1] || allocated[0] == 0 {
				t.Fatalf("stored allocations changed between recomputes: %v", allocated)
			}
		})
	}
}

func TestReject_KeepsFulfilledDonation(t *testing.T) {
	db := openTestDB(t)
	notifier := &recordingNotifier{}
	m := newTransactionManager(db, notifier)
	ctx := context.Background()
	donation := createProductDonation(t, apples(5))
	first := createProductRequest(t, wantApples(5))
	second := createProductRequest(t, wantApples(5))

	pending, err := m.CreatePending(ctx, donation.ID, first.ID, nil)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if _, err := m.CreateAndCommit(ctx, donation.ID, second.ID, nil); err != nil {
		t.Fatalf("CreateAndCommit: %v", err)
	}
	rejected, err := m.Reject(ctx, pending.ID, "too late")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != models.TransactionStatusRejected {
		t.Fatalf("transaction should be rejected, got %s", rejected.Status)
	}
	d, _ := models.GetDonation(db, donation.ID)
	if d.Status != models.DonationStatusFulfilled || d.RemainingTotal() != 0 {
		t.Fatalf("a fulfilled donation must stay fulfilled, got %s / %d", d.Status, d.RemainingTotal())
	}
}

func TestAllocatePreviewDoesNotWrite(t *testing.T) {
	db := openTestDB(t)
	m := newTransactionManager(db, &recordingNotifier{})
	donation := createProductDonation(t, apples(3))
	request := createProductRequest(t, wantApples(4))

	items, fully, err := m.Allocate(context.Background(), donation.ID, request.ID)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if fully || items.Total() != 3 {
		t.Fatalf("expected a partial preview of 3, got %d (fully=%v)", items.Total(), fully)
	}
	d, _ := models.GetDonation(db, donation.ID)
	if d.Products[0].Quantity != 3 {
		t.Fatalf("preview consumed stock")
	}
}

func TestOutboxNotifierWritesRecords(t *testing.T) {
	db := openTestDB(t)
	m := newTransactionManager(db, workflow.NewOutboxNotifier(db))
	ctx := utils.SetCorrelationIdInContext(context.Background(), "req-123")
	donation := createProductDonation(t, apples(5))
	request := createProductRequest(t, wantApples(5))

	if _, err := m.CreateAndCommit(ctx, donation.ID, request.ID, nil); err != nil {
		t.Fatalf("CreateAndCommit: %v", err)
	}
	rows, err := models.ListNotificationRecords(db, recipientId, models.OutboxPublishStatusPending)
	if err != nil {
		t.Fatalf("ListNotificationRecords: %v", err)
	}
	if len(rows) != 1 || rows[0].Kind != models.NotificationKindTransactionCommitted || rows[0].CorrelationId != "req-123" {
		t.Fatalf("unexpected outbox rows %+v", rows)
	}
}
