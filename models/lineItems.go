package models

import (
	"github.com/sustainafood/sustainafood_backend/utils"
)

// ProductLine is a quantity of one catalogue product.
type ProductLine struct {
	ProductId int    `json:"product_id" validate:"required,gt=0"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity" validate:"gte=0"`
}

// MealLine is a quantity taken from one meal bucket of a prepared-meals donation.
type MealLine struct {
	MealId   int    `json:"meal_id" validate:"required,gt=0"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity" validate:"gte=0"`
}

// LineItems is either a set of product lines or a set of meal lines, never both.
// The variant is fixed by Category at construction; zero-quantity lines are dropped.
type LineItems struct {
	category Category
	products []ProductLine
	meals    []MealLine
}

// NewProductLineItems builds a packaged_products variant. Quantities must be non-negative and
// each product may appear once.
func NewProductLineItems(lines []ProductLine) (LineItems, error) {
	items := LineItems{category: CategoryPackagedProducts}
	seen := make(map[int]struct{}, len(lines))
	for _, l := range lines {
		if l.ProductId <= 0 {
			return LineItems{}, utils.ValidationError("product line has no product id")
		}
		if l.Quantity < 0 {
			return LineItems{}, utils.ValidationError("product %d: quantity must not be negative", l.ProductId)
		}
		if _, dup := seen[l.ProductId]; dup {
			return LineItems{}, utils.ValidationError("product %d listed more than once", l.ProductId)
		}
		seen[l.ProductId] = struct{}{}
		if l.Quantity == 0 {
			continue
		}
		items.products = append(items.products, l)
	}
	return items, nil
}

// NewMealLineItems builds a prepared_meals variant.
func NewMealLineItems(lines []MealLine) (LineItems, error) {
	items := LineItems{category: CategoryPreparedMeals}
	seen := make(map[int]struct{}, len(lines))
	for _, l := range lines {
		if l.MealId <= 0 {
			return LineItems{}, utils.ValidationError("meal line has no meal id")
		}
		if l.Quantity < 0 {
			return LineItems{}, utils.ValidationError("meal %d: quantity must not be negative", l.MealId)
		}
		if _, dup := seen[l.MealId]; dup {
			return LineItems{}, utils.ValidationError("meal %d listed more than once", l.MealId)
		}
		seen[l.MealId] = struct{}{}
		if l.Quantity == 0 {
			continue
		}
		items.meals = append(items.meals, l)
	}
	return items, nil
}

func (l LineItems) Category() Category { return l.category }

// Products returns a copy of the product lines (nil for the meals variant).
func (l LineItems) Products() []ProductLine {
	if l.products == nil {
		return nil
	}
	return append([]ProductLine(nil), l.products...)
}

// Meals returns a copy of the meal lines (nil for the products variant).
func (l LineItems) Meals() []MealLine {
	if l.meals == nil {
		return nil
	}
	return append([]MealLine(nil), l.meals...)
}

func (l LineItems) Len() int {
	return len(l.products) + len(l.meals)
}

func (l LineItems) IsEmpty() bool {
	return l.Len() == 0
}

// Total is the summed quantity across all lines.
func (l LineItems) Total() int {
	total := 0
	for _, p := range l.products {
		total += p.Quantity
	}
	for _, m := range l.meals {
		total += m.Quantity
	}
	return total
}

// LineItemsInput is the wire form of LineItems used by callers that supply explicit allocations.
type LineItemsInput struct {
	Products []ProductLine `json:"products" validate:"omitempty,dive"`
	Meals    []MealLine    `json:"meals" validate:"omitempty,dive"`
}

// ToLineItems resolves the input against the category it must belong to.
func (in LineItemsInput) ToLineItems(category Category) (LineItems, error) {
	if len(in.Products) > 0 && len(in.Meals) > 0 {
		return LineItems{}, utils.ValidationError("line items must be either products or meals")
	}
	switch category {
	case CategoryPackagedProducts:
		if len(in.Meals) > 0 {
			return LineItems{}, utils.NewError(utils.ErrorKindCategoryMismatch, "meal lines supplied for a packaged_products donation")
		}
		return NewProductLineItems(in.Products)
	case CategoryPreparedMeals:
		if len(in.Products) > 0 {
			return LineItems{}, utils.NewError(utils.ErrorKindCategoryMismatch, "product lines supplied for a prepared_meals donation")
		}
		return NewMealLineItems(in.Meals)
	}
	return LineItems{}, utils.ValidationError("invalid category %q", category)
}
