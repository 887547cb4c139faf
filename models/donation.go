package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/utils"
	"gorm.io/gorm"
)

// Donation is the supply side of the ledger. ID comes from the DonationId counter.
type Donation struct {
	ID              int               `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ReferenceId     string            `gorm:"size:36;uniqueIndex;not null" json:"reference_id"`
	DonorId         int               `gorm:"index;not null" json:"donor_id"`
	Title           string            `gorm:"size:255;not null" json:"title"`
	Description     string            `gorm:"type:text" json:"description"`
	Location        string            `gorm:"size:255" json:"location"`
	Latitude        *float64          `json:"latitude"`
	Longitude       *float64          `json:"longitude"`
	Category        Category          `gorm:"size:30;not null;index" json:"category"`
	Status          DonationStatus    `gorm:"size:30;not null;index" json:"status"`
	ExpirationDate  time.Time         `gorm:"not null" json:"expiration_date"`
	NumberOfMeals   int               `gorm:"not null;default:0" json:"number_of_meals"`
	RemainingMeals  int               `gorm:"not null;default:0" json:"remaining_meals"`
	RejectionReason string            `gorm:"size:500" json:"rejection_reason,omitempty"`
	Products        []DonationProduct `gorm:"foreignKey:DonationId" json:"products,omitempty"`
	Meals           []DonationMeal    `gorm:"foreignKey:DonationId" json:"meals,omitempty"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// DonationProduct is one product line of a packaged_products donation.
// Quantity is what is still unallocated; OriginalQuantity never changes.
type DonationProduct struct {
	ID               int             `gorm:"primary_key" json:"id"`
	DonationId       int             `gorm:"index;not null" json:"donation_id"`
	ProductId        int             `gorm:"index;not null" json:"product_id"`
	Name             string          `gorm:"size:255" json:"name"`
	Quantity         int             `gorm:"not null" json:"quantity"`
	OriginalQuantity int             `gorm:"not null" json:"original_quantity"`
	WeightPerUnit    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"weight_per_unit"`
}

// DonationMeal is one meal-type bucket of a prepared_meals donation.
type DonationMeal struct {
	ID               int    `gorm:"primary_key" json:"id"`
	DonationId       int    `gorm:"index;not null" json:"donation_id"`
	MealName         string `gorm:"size:255;not null" json:"meal_name"`
	MealType         string `gorm:"size:100" json:"meal_type"`
	Quantity         int    `gorm:"not null" json:"quantity"`
	OriginalQuantity int    `gorm:"not null" json:"original_quantity"`
}

type NewDonation struct {
	DonorId        int               `json:"donor_id" validate:"required,gt=0"`
	Title          string            `json:"title" validate:"required,max=255"`
	Description    string            `json:"description"`
	Location       string            `json:"location" validate:"required"`
	Latitude       *float64          `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude      *float64          `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	Category       string            `json:"category" validate:"required"`
	ExpirationDate time.Time         `json:"expiration_date" validate:"required"`
	NumberOfMeals  int               `json:"number_of_meals" validate:"gte=0"`
	Products       []NewDonationLine `json:"products" validate:"omitempty,dive"`
	Meals          []NewDonationMeal `json:"meals" validate:"omitempty,dive"`
}

type NewDonationLine struct {
	ProductId     int             `json:"product_id" validate:"required,gt=0"`
	Name          string          `json:"name"`
	Quantity      int             `json:"quantity" validate:"required,gt=0"`
	WeightPerUnit decimal.Decimal `json:"weight_per_unit"`
}

type NewDonationMeal struct {
	MealName string `json:"meal_name" validate:"required"`
	MealType string `json:"meal_type"`
	Quantity int    `json:"quantity" validate:"required,gt=0"`
}

func (input *NewDonation) validate(now time.Time) (Category, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return "", err
	}
	category, err := ParseCategory(input.Category)
	if err != nil {
		return "", err
	}
	if !input.ExpirationDate.After(now) {
		return "", utils.ValidationError("expiration date must be in the future")
	}
	switch category {
	case CategoryPackagedProducts:
		if len(input.Products) == 0 {
			return "", utils.ValidationError("packaged_products donation needs at least one product")
		}
		if len(input.Meals) > 0 || input.NumberOfMeals > 0 {
			return "", utils.ValidationError("packaged_products donation cannot carry meals")
		}
		seen := make(map[int]struct{}, len(input.Products))
		for _, p := range input.Products {
			if _, dup := seen[p.ProductId]; dup {
				return "", utils.ValidationError("product %d listed more than once", p.ProductId)
			}
			seen[p.ProductId] = struct{}{}
			if p.WeightPerUnit.IsNegative() {
				return "", utils.ValidationError("product %d: weight per unit must not be negative", p.ProductId)
			}
		}
	case CategoryPreparedMeals:
		if len(input.Meals) == 0 {
			return "", utils.ValidationError("prepared_meals donation needs at least one meal")
		}
		if len(input.Products) > 0 {
			return "", utils.ValidationError("prepared_meals donation cannot carry products")
		}
		total := 0
		for _, m := range input.Meals {
			total += m.Quantity
		}
		if input.NumberOfMeals != 0 && input.NumberOfMeals != total {
			return "", utils.ValidationError("number of meals %d does not match meal quantities %d", input.NumberOfMeals, total)
		}
	}
	return category, nil
}

func CreateDonation(ctx context.Context, input *NewDonation) (*Donation, error) {
	category, err := input.validate(time.Now())
	if err != nil {
		return nil, err
	}

	donation := Donation{
		ReferenceId:    uuid.NewString(),
		DonorId:        input.DonorId,
		Title:          input.Title,
		Description:    input.Description,
		Location:       input.Location,
		Latitude:       input.Latitude,
		Longitude:      input.Longitude,
		Category:       category,
		Status:         DonationStatusPending,
		ExpirationDate: input.ExpirationDate,
	}
	for _, p := range input.Products {
		donation.Products = append(donation.Products, DonationProduct{
			ProductId:        p.ProductId,
			Name:             p.Name,
			Quantity:         p.Quantity,
			OriginalQuantity: p.Quantity,
			WeightPerUnit:    p.WeightPerUnit,
		})
	}
	for _, m := range input.Meals {
		donation.Meals = append(donation.Meals, DonationMeal{
			MealName:         m.MealName,
			MealType:         m.MealType,
			Quantity:         m.Quantity,
			OriginalQuantity: m.Quantity,
		})
		donation.NumberOfMeals += m.Quantity
	}
	donation.RemainingMeals = donation.NumberOfMeals

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id, err := NextSequence(tx, CounterDonation)
		if err != nil {
			return err
		}
		donation.ID = id
		return tx.Create(&donation).Error
	})
	if err != nil {
		return nil, utils.PersistenceError(err, "create donation")
	}
	return &donation, nil
}

func preloadDonationLines(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Products", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Meals", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
}

// GetDonation loads a donation with its lines in stored order.
func GetDonation(db *gorm.DB, id int) (*Donation, error) {
	var donation Donation
	if err := preloadDonationLines(db).First(&donation, id).Error; err != nil {
		return nil, utils.WrapDBError(err, "donation", id)
	}
	return &donation, nil
}

// GetDonationForUpdate is GetDonation holding a row lock on the donation for the rest of tx.
func GetDonationForUpdate(tx *gorm.DB, id int) (*Donation, error) {
	return utils.FetchModelForUpdate[Donation](preloadDonationLines(tx), "donation", id)
}

/* ledger primitives */

func (d *Donation) productIndex(productId int) int {
	for i := range d.Products {
		if d.Products[i].ProductId == productId {
			return i
		}
	}
	return -1
}

func (d *Donation) mealIndex(mealId int) int {
	for i := range d.Meals {
		if d.Meals[i].ID == mealId {
			return i
		}
	}
	return -1
}

// RemainingTotal sums the unallocated quantity across the donation's lines.
func (d *Donation) RemainingTotal() int {
	total := 0
	switch d.Category {
	case CategoryPackagedProducts:
		for _, p := range d.Products {
			total += p.Quantity
		}
	case CategoryPreparedMeals:
		for _, m := range d.Meals {
			total += m.Quantity
		}
	}
	return total
}

// OriginalTotal sums the quantities the donation was created with.
func (d *Donation) OriginalTotal() int {
	total := 0
	switch d.Category {
	case CategoryPackagedProducts:
		for _, p := range d.Products {
			total += p.OriginalQuantity
		}
	case CategoryPreparedMeals:
		for _, m := range d.Meals {
			total += m.OriginalQuantity
		}
	}
	return total
}

func (d *Donation) IsExpired(now time.Time) bool {
	return !d.ExpirationDate.After(now)
}

// Coordinates returns the pickup point, if the donor supplied one.
func (d *Donation) Coordinates() (Coordinates, bool) {
	if d.Latitude == nil || d.Longitude == nil {
		return Coordinates{}, false
	}
	return Coordinates{Latitude: *d.Latitude, Longitude: *d.Longitude}, true
}

// CheckAvailability verifies every line against the donation's current quantities and
// names the first offending item.
func (d *Donation) CheckAvailability(items LineItems) error {
	if items.Category() != d.Category {
		return utils.NewError(utils.ErrorKindCategoryMismatch, "line items are %s, donation %d is %s", items.Category(), d.ID, d.Category)
	}
	for _, line := range items.Products() {
		available := 0
		if i := d.productIndex(line.ProductId); i >= 0 {
			available = d.Products[i].Quantity
		}
		if line.Quantity > available {
			return utils.NewError(utils.ErrorKindInsufficientStock, "product %d: requested %d, available %d", line.ProductId, line.Quantity, available)
		}
	}
	for _, line := range items.Meals() {
		available := 0
		if i := d.mealIndex(line.MealId); i >= 0 {
			available = d.Meals[i].Quantity
		}
		if line.Quantity > available {
			return utils.NewError(utils.ErrorKindInsufficientStock, "meal %d: requested %d, available %d", line.MealId, line.Quantity, available)
		}
	}
	return nil
}

// DecrementStock removes items from the donation's lines inside tx.
// Each decrement is conditional on the row still holding enough quantity, so a stale
// in-memory donation can never drive a line negative. The in-memory copy is updated to match.
func DecrementStock(tx *gorm.DB, d *Donation, items LineItems) error {
	if err := d.CheckAvailability(items); err != nil {
		return err
	}
	for _, line := range items.Products() {
		i := d.productIndex(line.ProductId)
		res := tx.Model(&DonationProduct{}).
			Where("id = ? AND quantity >= ?", d.Products[i].ID, line.Quantity).
			Update("quantity", gorm.Expr("quantity - ?", line.Quantity))
		if res.Error != nil {
			return utils.PersistenceError(res.Error, "decrement donation product")
		}
		if res.RowsAffected != 1 {
			return utils.NewError(utils.ErrorKindInsufficientStock, "product %d: stock changed concurrently", line.ProductId)
		}
		d.Products[i].Quantity -= line.Quantity
	}
	for _, line := range items.Meals() {
		i := d.mealIndex(line.MealId)
		res := tx.Model(&DonationMeal{}).
			Where("id = ? AND quantity >= ?", d.Meals[i].ID, line.Quantity).
			Update("quantity", gorm.Expr("quantity - ?", line.Quantity))
		if res.Error != nil {
			return utils.PersistenceError(res.Error, "decrement donation meal")
		}
		if res.RowsAffected != 1 {
			return utils.NewError(utils.ErrorKindInsufficientStock, "meal %d: stock changed concurrently", line.MealId)
		}
		d.Meals[i].Quantity -= line.Quantity
	}
	if d.Category == CategoryPreparedMeals {
		d.RemainingMeals = d.RemainingTotal()
	}
	return nil
}

// SaveDonationState persists the status and meal counter derived after a ledger change.
func SaveDonationState(tx *gorm.DB, d *Donation) error {
	err := tx.Model(&Donation{}).Where("id = ?", d.ID).Updates(map[string]interface{}{
		"status":          d.Status,
		"remaining_meals": d.RemainingMeals,
	}).Error
	return utils.PersistenceError(err, "save donation state")
}

// ProductWeight returns the per-unit weight recorded for productId (zero when unknown).
func (d *Donation) ProductWeight(productId int) decimal.Decimal {
	if i := d.productIndex(productId); i >= 0 {
		return d.Products[i].WeightPerUnit
	}
	return decimal.Zero
}
