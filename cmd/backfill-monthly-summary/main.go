// backfill-monthly-summary regenerates monthly settlement summaries from the
// delivery ledger. Run it after correcting historical deliveries or changing
// the pricing settings so stored summaries reflect the current rows.
//
// Usage (from backend directory):
//   go run ./cmd/backfill-monthly-summary -from 2026-01 -to 2026-03
//   go run ./cmd/backfill-monthly-summary -from 2026-02 -farmer-code F001
//
// Without -from it rebuilds the previous month, which is what the month-start
// cron wants.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/models"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
)

func main() {
	from := flag.String("from", "", "First month to rebuild (YYYY-MM), defaults to the previous month")
	to := flag.String("to", "", "Last month to rebuild (YYYY-MM), defaults to -from")
	farmerCode := flag.String("farmer-code", "", "Restrict the rebuild to a single farmer")
	flag.Parse()

	if *from == "" {
		start, _ := utils.GetPreviousMonthRange()
		*from = start.Format("2006-01")
	}
	if *to == "" {
		*to = *from
	}

	fromMonth, err := utils.ParseMonth(*from)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -from month %q: %v\n", *from, err)
		os.Exit(1)
	}
	toMonth, err := utils.ParseMonth(*to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -to month %q: %v\n", *to, err)
		os.Exit(1)
	}
	if toMonth.Before(fromMonth) {
		fmt.Fprintln(os.Stderr, "-to month is before -from month")
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	ctx = utils.SetOfficerIdInContext(ctx, 0)
	ctx = utils.SetIsAdminInContext(ctx, true)

	cfg := config.LoadSettlementSettings()

	var farmers []*models.Farmer
	if *farmerCode != "" {
		farmer, err := models.GetFarmerByCode(ctx, *farmerCode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "farmer %q: %v\n", *farmerCode, err)
			os.Exit(2)
		}
		farmers = []*models.Farmer{farmer}
	} else {
		farmers, err = models.ListFarmers(ctx, nil, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list farmers: %v\n", err)
			os.Exit(2)
		}
	}

	rebuilt, skipped := 0, 0
	for month := fromMonth; !month.After(toMonth); month = month.AddDate(0, 1, 0) {
		label := month.Format("2006-01")
		for _, farmer := range farmers {
			summary, err := models.GenerateMonthlySummary(ctx, farmer.ID, month, cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "farmer %s month %s: %v\n", farmer.Code, label, err)
				continue
			}
			if summary == nil {
				skipped++
				continue
			}
			rebuilt++
			fmt.Printf("Rebuilt %s %s: %sL -> %s %s\n",
				farmer.Code, label, summary.TotalQuantity.String(), summary.EstimatedPayment.String(), summary.Currency)
		}
	}

	fmt.Printf("Backfill complete. %d summaries rebuilt, %d farmer-months had no deliveries.\n", rebuilt, skipped)
}
