package models

import (
	"github.com/sustainafood/sustainafood_backend/utils"
	"gorm.io/gorm"
)

// RecomputeDonationStatus derives the donation status from its current line quantities.
// Closed donations keep their status.
func RecomputeDonationStatus(d *Donation) DonationStatus {
	if d.Status == DonationStatusRejected || d.Status == DonationStatusCancelled {
		return d.Status
	}
	remaining := d.RemainingTotal()
	switch {
	case remaining == 0:
		return DonationStatusFulfilled
	case remaining < d.OriginalTotal():
		return DonationStatusPartiallyFulfilled
	}
	return d.Status
}

// ApplyDonationStatus recomputes and stores the status on d, returning it.
func ApplyDonationStatus(d *Donation) DonationStatus {
	d.Status = RecomputeDonationStatus(d)
	return d.Status
}

type allocationTotals struct {
	products map[int]int
	meals    int
}

// approvedAllocations sums allocated quantities across every approved transaction of requestId.
func approvedAllocations(tx *gorm.DB, requestId int) (allocationTotals, error) {
	totals := allocationTotals{products: map[int]int{}}

	var productRows []struct {
		ProductId int
		Total     int
	}
	err := tx.Table("allocated_products AS ap").
		Select("ap.product_id AS product_id, SUM(ap.quantity) AS total").
		Joins("JOIN donation_transactions dt ON dt.id = ap.donation_transaction_id").
		Where("dt.request_need_id = ? AND dt.status = ?", requestId, TransactionStatusApproved).
		Group("ap.product_id").
		Scan(&productRows).Error
	if err != nil {
		return totals, utils.PersistenceError(err, "sum allocated products")
	}
	for _, row := range productRows {
		totals.products[row.ProductId] = row.Total
	}

	var meals struct{ Total int }
	err = tx.Table("allocated_meals AS am").
		Select("COALESCE(SUM(am.quantity), 0) AS total").
		Joins("JOIN donation_transactions dt ON dt.id = am.donation_transaction_id").
		Where("dt.request_need_id = ? AND dt.status = ?", requestId, TransactionStatusApproved).
		Scan(&meals).Error
	if err != nil {
		return totals, utils.PersistenceError(err, "sum allocated meals")
	}
	totals.meals = meals.Total
	return totals, nil
}

// DeriveRequestStatus compares the allocated counters on r against what it asked for.
// A request nothing has been allocated to keeps its status.
func DeriveRequestStatus(r *RequestNeed) RequestStatus {
	if r.Status == RequestStatusRejected {
		return r.Status
	}
	met, touched := true, false
	switch r.Category {
	case CategoryPackagedProducts:
		for _, p := range r.RequestedProducts {
			if p.AllocatedQuantity > 0 {
				touched = true
			}
			if p.AllocatedQuantity < p.Quantity {
				met = false
			}
		}
	case CategoryPreparedMeals:
		touched = r.AllocatedMeals > 0
		met = r.AllocatedMeals >= r.NumberOfMeals
	}
	switch {
	case !touched:
		return r.Status
	case met:
		return RequestStatusFulfilled
	}
	return RequestStatusPartiallyFulfilled
}

// SyncRequestAllocations rewrites the allocated counters and status of r from committed
// approved transactions, both in memory and in tx. Calling it repeatedly is harmless.
func SyncRequestAllocations(tx *gorm.DB, r *RequestNeed) error {
	totals, err := approvedAllocations(tx, r.ID)
	if err != nil {
		return err
	}
	for i := range r.RequestedProducts {
		p := &r.RequestedProducts[i]
		allocated := totals.products[p.ProductId]
		if allocated == p.AllocatedQuantity {
			continue
		}
		if err := tx.Model(&RequestedProduct{}).Where("id = ?", p.ID).
			Update("allocated_quantity", allocated).Error; err != nil {
			return utils.PersistenceError(err, "update requested product allocation")
		}
		p.AllocatedQuantity = allocated
	}
	if r.Category == CategoryPreparedMeals {
		r.AllocatedMeals = totals.meals
	}
	r.Status = DeriveRequestStatus(r)
	err = tx.Model(&RequestNeed{}).Where("id = ?", r.ID).Updates(map[string]interface{}{
		"allocated_meals": r.AllocatedMeals,
		"status":          r.Status,
	}).Error
	return utils.PersistenceError(err, "update request status")
}

// RecomputeRequestStatus loads the request and resynchronises it from approved transactions.
func RecomputeRequestStatus(tx *gorm.DB, requestId int) (RequestStatus, error) {
	request, err := GetRequestNeed(tx, requestId)
	if err != nil {
		return "", err
	}
	if err := SyncRequestAllocations(tx, request); err != nil {
		return "", err
	}
	return request.Status, nil
}
