// seed-dev fills a development database with a few transporters around Tunis, one donation of
// each category and a request for each.
//
// Usage:
//
//	DB_DRIVER=sqlite DB_NAME=./dev.db go run ./cmd/seed-dev
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/models"
)

func ptr(v float64) *float64 { return &v }

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	transporters := []models.NewTransporter{
		{Name: "Sami", Phone: "+216 20 123 456", VehicleType: "van", Latitude: ptr(36.8065), Longitude: ptr(10.1815)},
		{Name: "Leila", Phone: "+216 22 654 321", VehicleType: "car", Latitude: ptr(36.8625), Longitude: ptr(10.1956)},
		{Name: "Karim", Phone: "+216 98 111 222", VehicleType: "bike", Latitude: ptr(36.7762), Longitude: ptr(10.2286)},
	}
	for i := range transporters {
		t, err := models.CreateTransporter(ctx, &transporters[i])
		if err != nil {
			fmt.Fprintf(os.Stderr, "transporter %q: %v\n", transporters[i].Name, err)
			continue
		}
		fmt.Printf("Created transporter id=%d phone=%s\n", t.ID, t.Phone)
	}

	expires := time.Now().Add(72 * time.Hour)
	products, err := models.CreateDonation(ctx, &models.NewDonation{
		DonorId:        1,
		Title:          "Surplus pantry stock",
		Location:       "Avenue Habib Bourguiba, Tunis",
		Latitude:       ptr(36.8008),
		Longitude:      ptr(10.1800),
		Category:       string(models.CategoryPackagedProducts),
		ExpirationDate: expires,
		Products: []models.NewDonationLine{
			{ProductId: 101, Name: "Rice 1kg", Quantity: 40, WeightPerUnit: decimal.NewFromInt(1)},
			{ProductId: 102, Name: "Olive oil 1L", Quantity: 12, WeightPerUnit: decimal.RequireFromString("0.92")},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "donation: %v\n", err)
		os.Exit(1)
	}
	meals, err := models.CreateDonation(ctx, &models.NewDonation{
		DonorId:        2,
		Title:          "Restaurant end of day",
		Location:       "La Marsa",
		Latitude:       ptr(36.8782),
		Longitude:      ptr(10.3247),
		Category:       string(models.CategoryPreparedMeals),
		ExpirationDate: expires,
		Meals: []models.NewDonationMeal{
			{MealName: "Couscous", MealType: "main", Quantity: 15},
			{MealName: "Salad", MealType: "starter", Quantity: 10},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "donation: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created donations id=%d (products) id=%d (meals)\n", products.ID, meals.ID)

	requests := []models.NewRequestNeed{
		{
			RecipientId:     10,
			Title:           "Food bank weekly",
			Category:        string(models.CategoryPackagedProducts),
			DeliveryAddress: "Rue de Marseille, Tunis",
			RequestedProducts: []models.NewRequestedProduct{
				{ProductId: 101, Name: "Rice 1kg", Quantity: 25},
				{ProductId: 102, Name: "Olive oil 1L", Quantity: 20},
			},
		},
		{
			RecipientId:     11,
			Title:           "Shelter dinner",
			Category:        string(models.CategoryPreparedMeals),
			DeliveryAddress: "Ariana",
			NumberOfMeals:   30,
		},
	}
	for i := range requests {
		r, err := models.CreateRequestNeed(ctx, &requests[i])
		if err != nil {
			fmt.Fprintf(os.Stderr, "request %q: %v\n", requests[i].Title, err)
			os.Exit(1)
		}
		fmt.Printf("Created request id=%d category=%s\n", r.ID, r.Category)
	}
	fmt.Println("Done.")
}
