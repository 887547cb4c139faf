package models

import (
	"time"

	"github.com/sustainafood/sustainafood_backend/utils"
)

// CheckAllocatable reports whether donation may currently give to request.
// The category check comes first so that a mismatched pair always reports CategoryMismatch.
func CheckAllocatable(donation *Donation, request *RequestNeed, now time.Time) error {
	if !donation.Category.IsValid() || !request.Category.IsValid() {
		return utils.ValidationError("donation %d and request %d must both have a category", donation.ID, request.ID)
	}
	if donation.Category != request.Category {
		return utils.NewError(utils.ErrorKindCategoryMismatch,
			"donation %d is %s, request %d is %s", donation.ID, donation.Category, request.ID, request.Category)
	}
	if donation.Status.IsClosed() {
		return utils.InvalidStateError("donation %d is %s", donation.ID, donation.Status)
	}
	if donation.IsExpired(now) {
		return utils.InvalidStateError("donation %d expired at %s", donation.ID, donation.ExpirationDate.Format(time.RFC3339))
	}
	if request.Status == RequestStatusRejected {
		return utils.InvalidStateError("request %d is rejected", request.ID)
	}
	return nil
}

// Allocate computes the greedy allocation from donation to request without mutating either.
// The boolean reports whether the allocation covers everything the request still needs.
func Allocate(donation *Donation, request *RequestNeed, now time.Time) (LineItems, bool, error) {
	if err := CheckAllocatable(donation, request, now); err != nil {
		return LineItems{}, false, err
	}
	if !request.HasOutstanding() {
		return LineItems{}, false, utils.NewError(utils.ErrorKindNoAllocatableStock,
			"request %d has nothing outstanding", request.ID)
	}
	switch donation.Category {
	case CategoryPackagedProducts:
		return allocateProducts(donation, request)
	default:
		return allocateMeals(donation, request)
	}
}

func allocateProducts(donation *Donation, request *RequestNeed) (LineItems, bool, error) {
	var lines []ProductLine
	fully := true
	for _, wanted := range request.RequestedProducts {
		outstanding := wanted.Outstanding()
		if outstanding == 0 {
			continue
		}
		i := donation.productIndex(wanted.ProductId)
		if i < 0 {
			fully = false
			continue
		}
		qty := min(outstanding, donation.Products[i].Quantity)
		if qty < outstanding {
			fully = false
		}
		if qty <= 0 {
			continue
		}
		lines = append(lines, ProductLine{
			ProductId: wanted.ProductId,
			Name:      donation.Products[i].Name,
			Quantity:  qty,
		})
	}
	if len(lines) == 0 {
		return LineItems{}, false, utils.NewError(utils.ErrorKindNoAllocatableStock,
			"donation %d holds nothing request %d still needs", donation.ID, request.ID)
	}
	items, err := NewProductLineItems(lines)
	if err != nil {
		return LineItems{}, false, err
	}
	return items, fully, nil
}

// allocateMeals draws from the meal buckets in stored order. RemainingMeals caps the draw
// alongside the bucket sum, so a drifted counter can only under-allocate.
func allocateMeals(donation *Donation, request *RequestNeed) (LineItems, bool, error) {
	outstanding := request.OutstandingMeals()
	target := min(outstanding, donation.RemainingMeals, donation.RemainingTotal())
	if target <= 0 {
		return LineItems{}, false, utils.NewError(utils.ErrorKindNoAllocatableStock,
			"donation %d has no meals request %d can use", donation.ID, request.ID)
	}
	var lines []MealLine
	left := target
	for _, bucket := range donation.Meals {
		if left == 0 {
			break
		}
		qty := min(left, bucket.Quantity)
		if qty <= 0 {
			continue
		}
		lines = append(lines, MealLine{MealId: bucket.ID, Name: bucket.MealName, Quantity: qty})
		left -= qty
	}
	items, err := NewMealLineItems(lines)
	if err != nil {
		return LineItems{}, false, err
	}
	return items, items.Total() >= outstanding, nil
}
