// fulfillment-rebuild re-derives donation and request statuses from the ledger.
// Request counters come from approved transactions only, so running it twice changes nothing.
//
// Usage:
//
//	DB_DRIVER=mysql DB_USER=... go run ./cmd/fulfillment-rebuild [--donation-id N] [--request-id N]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/models"
	"github.com/sustainafood/sustainafood_backend/workflow"
)

func main() {
	donationID := flag.Int("donation-id", 0, "Optional: only this donation")
	requestID := flag.Int("request-id", 0, "Optional: only this request")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing rows and continue")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	manager := workflow.NewTransactionManager(db)

	var donationIDs, requestIDs []int
	switch {
	case *donationID > 0 || *requestID > 0:
		if *donationID > 0 {
			donationIDs = append(donationIDs, *donationID)
		}
		if *requestID > 0 {
			requestIDs = append(requestIDs, *requestID)
		}
	default:
		if err := db.Model(&models.Donation{}).Order("id ASC").Pluck("id", &donationIDs).Error; err != nil {
			fmt.Fprintf(os.Stderr, "list donations: %v\n", err)
			os.Exit(1)
		}
		if err := db.Model(&models.RequestNeed{}).Order("id ASC").Pluck("id", &requestIDs).Error; err != nil {
			fmt.Fprintf(os.Stderr, "list requests: %v\n", err)
			os.Exit(1)
		}
	}

	fail := func(what string, id int, err error) {
		if *continueOnError {
			fmt.Fprintf(os.Stderr, "%s %d failed (skipping): %v\n", what, id, err)
			return
		}
		fmt.Fprintf(os.Stderr, "%s %d failed: %v\n", what, id, err)
		os.Exit(1)
	}

	for _, id := range donationIDs {
		status, err := manager.RecomputeDonationStatus(ctx, id)
		if err != nil {
			fail("donation", id, err)
			continue
		}
		fmt.Printf("donation=%d status=%s\n", id, status)
	}
	for _, id := range requestIDs {
		status, err := manager.RecomputeRequestStatus(ctx, id)
		if err != nil {
			fail("request", id, err)
			continue
		}
		fmt.Printf("request=%d status=%s\n", id, status)
	}
	fmt.Println("Done.")
}
