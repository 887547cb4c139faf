package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/utils"
	"gorm.io/gorm"
)

// RequestNeed is the demand side of the ledger.
// AllocatedMeals and RequestedProduct.AllocatedQuantity are derived from approved
// transactions by RecomputeRequestStatus; nothing else writes them.
type RequestNeed struct {
	ID                int                `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ReferenceId       string             `gorm:"size:36;uniqueIndex;not null" json:"reference_id"`
	RecipientId       int                `gorm:"index;not null" json:"recipient_id"`
	Title             string             `gorm:"size:255;not null" json:"title"`
	Description       string             `gorm:"type:text" json:"description"`
	Category          Category           `gorm:"size:30;not null;index" json:"category"`
	Status            RequestStatus      `gorm:"size:30;not null;index" json:"status"`
	NumberOfMeals     int                `gorm:"not null;default:0" json:"number_of_meals"`
	AllocatedMeals    int                `gorm:"not null;default:0" json:"allocated_meals"`
	DeliveryAddress   string             `gorm:"size:255" json:"delivery_address"`
	Latitude          *float64           `json:"latitude"`
	Longitude         *float64           `json:"longitude"`
	RequestedProducts []RequestedProduct `gorm:"foreignKey:RequestNeedId" json:"requested_products,omitempty"`
	CreatedAt         time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type RequestedProduct struct {
	ID                int    `gorm:"primary_key" json:"id"`
	RequestNeedId     int    `gorm:"index;not null" json:"request_need_id"`
	ProductId         int    `gorm:"index;not null" json:"product_id"`
	Name              string `gorm:"size:255" json:"name"`
	Quantity          int    `gorm:"not null" json:"quantity"`
	AllocatedQuantity int    `gorm:"not null;default:0" json:"allocated_quantity"`
}

// Outstanding is what is still needed for this product; never negative.
func (p RequestedProduct) Outstanding() int {
	return max(p.Quantity-p.AllocatedQuantity, 0)
}

func (r *RequestNeed) OutstandingMeals() int {
	return max(r.NumberOfMeals-r.AllocatedMeals, 0)
}

// HasOutstanding reports whether any requested line is still short.
func (r *RequestNeed) HasOutstanding() bool {
	switch r.Category {
	case CategoryPackagedProducts:
		for _, p := range r.RequestedProducts {
			if p.Outstanding() > 0 {
				return true
			}
		}
	case CategoryPreparedMeals:
		return r.OutstandingMeals() > 0
	}
	return false
}

type NewRequestNeed struct {
	RecipientId       int                   `json:"recipient_id" validate:"required,gt=0"`
	Title             string                `json:"title" validate:"required,max=255"`
	Description       string                `json:"description"`
	Category          string                `json:"category" validate:"required"`
	NumberOfMeals     int                   `json:"number_of_meals" validate:"gte=0"`
	DeliveryAddress   string                `json:"delivery_address"`
	Latitude          *float64              `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude         *float64              `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	RequestedProducts []NewRequestedProduct `json:"requested_products" validate:"omitempty,dive"`
}

type NewRequestedProduct struct {
	ProductId int    `json:"product_id" validate:"required,gt=0"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

func (input *NewRequestNeed) validate() (Category, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return "", err
	}
	category, err := ParseCategory(input.Category)
	if err != nil {
		return "", err
	}
	switch category {
	case CategoryPackagedProducts:
		if len(input.RequestedProducts) == 0 {
			return "", utils.ValidationError("packaged_products request needs at least one product")
		}
		if input.NumberOfMeals > 0 {
			return "", utils.ValidationError("packaged_products request cannot ask for meals")
		}
		seen := make(map[int]struct{}, len(input.RequestedProducts))
		for _, p := range input.RequestedProducts {
			if _, dup := seen[p.ProductId]; dup {
				return "", utils.ValidationError("product %d listed more than once", p.ProductId)
			}
			seen[p.ProductId] = struct{}{}
		}
	case CategoryPreparedMeals:
		if input.NumberOfMeals <= 0 {
			return "", utils.ValidationError("prepared_meals request needs a positive number of meals")
		}
		if len(input.RequestedProducts) > 0 {
			return "", utils.ValidationError("prepared_meals request cannot ask for products")
		}
	}
	return category, nil
}

func CreateRequestNeed(ctx context.Context, input *NewRequestNeed) (*RequestNeed, error) {
	category, err := input.validate()
	if err != nil {
		return nil, err
	}

	request := RequestNeed{
		ReferenceId:     uuid.NewString(),
		RecipientId:     input.RecipientId,
		Title:           input.Title,
		Description:     input.Description,
		Category:        category,
		Status:          RequestStatusPending,
		NumberOfMeals:   input.NumberOfMeals,
		DeliveryAddress: input.DeliveryAddress,
		Latitude:        input.Latitude,
		Longitude:       input.Longitude,
	}
	for _, p := range input.RequestedProducts {
		request.RequestedProducts = append(request.RequestedProducts, RequestedProduct{
			ProductId: p.ProductId,
			Name:      p.Name,
			Quantity:  p.Quantity,
		})
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id, err := NextSequence(tx, CounterRequestNeed)
		if err != nil {
			return err
		}
		request.ID = id
		return tx.Create(&request).Error
	})
	if err != nil {
		return nil, utils.PersistenceError(err, "create request need")
	}
	return &request, nil
}

func preloadRequestLines(db *gorm.DB) *gorm.DB {
	return db.Preload("RequestedProducts", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
}

func GetRequestNeed(db *gorm.DB, id int) (*RequestNeed, error) {
	var request RequestNeed
	if err := preloadRequestLines(db).First(&request, id).Error; err != nil {
		return nil, utils.WrapDBError(err, "request need", id)
	}
	return &request, nil
}

// GetRequestNeedForUpdate locks the request row for the rest of tx.
func GetRequestNeedForUpdate(tx *gorm.DB, id int) (*RequestNeed, error) {
	return utils.FetchModelForUpdate[RequestNeed](preloadRequestLines(tx), "request need", id)
}
