package models_test

// End-to-end settlement flow tests against real MySQL and Redis containers.
// They cover the pieces the DB-free tests cannot: the unique-key race
// fallback, savepoint isolation inside batch ingestion, summary replacement,
// the dry-run/sandbox disbursement lifecycle with provider callbacks, the
// SMS outbox dispatcher, and the officer session round trip.
//
// Run with: INTEGRATION_TESTS=1 go test ./models/ -run Settlement -v

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/models"
	"bitbucket.org/mmdatafocus/dairy_backend/models/reports"
	"bitbucket.org/mmdatafocus/dairy_backend/notify"
	"bitbucket.org/mmdatafocus/dairy_backend/payments"
	"bitbucket.org/mmdatafocus/dairy_backend/sms"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"bitbucket.org/mmdatafocus/dairy_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// setupSettlementTest boots fresh MySQL and Redis containers, wires the env
// the config.Connect* helpers read, migrates the schema and returns a context
// carrying an admin actor. Skips unless INTEGRATION_TESTS is set.
func setupSettlementTest(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "dairy_test")
	// Keep the dispatcher in direct-send mode and payments on the safe side.
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	t.Setenv("NOTIFY_PUBSUB_TOPIC", "")
	t.Setenv("ENABLE_REAL_PAYMENTS", "")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	if config.GetDB() == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}

	models.MigrateTable()

	// Audit hooks want an actor.
	ctx := context.Background()
	ctx = utils.SetOfficerIdInContext(ctx, 1)
	ctx = utils.SetIsAdminInContext(ctx, true)
	return ctx
}

// seedDirectory creates the company, one station and two farmers every flow
// test needs. Phone numbers are stored normalized to E.164 on create.
func seedDirectory(t *testing.T, ctx context.Context) (*models.Farmer, *models.Farmer) {
	t.Helper()

	company, err := models.CreateCompany(ctx, &models.NewCompany{
		Name:     "Test Co-op",
		Currency: "KES",
		Timezone: "Africa/Nairobi",
	})
	if err != nil {
		t.Fatalf("CreateCompany: %v", err)
	}

	station, err := models.CreateStation(ctx, &models.NewStation{
		CompanyId: company.ID,
		Code:      "ST01",
		Name:      "Kiambu Collection Point",
	})
	if err != nil {
		t.Fatalf("CreateStation: %v", err)
	}

	wanjiku, err := models.CreateFarmer(ctx, &models.NewFarmer{
		StationId:  station.ID,
		Code:       "F001",
		Name:       "Wanjiku Kamau",
		Phone:      "0712345678",
		MpesaPhone: "0712345678",
		Language:   "sw",
	})
	if err != nil {
		t.Fatalf("CreateFarmer(F001): %v", err)
	}
	if wanjiku.MpesaPhone != "+254712345678" {
		t.Fatalf("expected normalized mpesa phone +254712345678; got %q", wanjiku.MpesaPhone)
	}

	otieno, err := models.CreateFarmer(ctx, &models.NewFarmer{
		StationId:  station.ID,
		Code:       "F002",
		Name:       "John Otieno",
		Phone:      "0723456789",
		MpesaPhone: "0723456789",
		Language:   "en",
	})
	if err != nil {
		t.Fatalf("CreateFarmer(F002): %v", err)
	}

	return wanjiku, otieno
}

func strPtr(s string) *string { return &s }

// mustDeliver ingests one delivery and fails the test on any error.
func mustDeliver(t *testing.T, ctx context.Context, cfg config.SettlementSettings, code string, quantity string, grade string, date string, key string) *models.Delivery {
	t.Helper()
	input := &models.NewDelivery{
		FarmerCode:     code,
		QuantityLiters: decimal.RequireFromString(quantity),
		QualityGrade:   strPtr(grade),
		DeliveryDate:   strPtr(date),
	}
	if key != "" {
		input.IdempotencyKey = strPtr(key)
	}
	record, duplicate, err := models.CreateDelivery(ctx, input, cfg)
	if err != nil {
		t.Fatalf("CreateDelivery(%s %sL %s): %v", code, quantity, grade, err)
	}
	if duplicate {
		t.Fatalf("CreateDelivery(%s %sL %s): unexpected duplicate", code, quantity, grade)
	}
	return record
}

func TestSettlementFlowIngestionIdempotency(t *testing.T) {
	ctx := setupSettlementTest(t)
	_, otieno := seedDirectory(t, ctx)
	cfg := config.DefaultSettlementSettings()

	key := "mobile-F001-20260315-0600"
	first, duplicate, err := models.CreateDelivery(ctx, &models.NewDelivery{
		FarmerCode:     "F001",
		QuantityLiters: decimal.RequireFromString("10"),
		QualityGrade:   strPtr("A"),
		DeliveryDate:   strPtr("2026-03-15"),
		IdempotencyKey: strPtr(key),
	}, cfg)
	if err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	if duplicate {
		t.Fatalf("first submission must not be a duplicate")
	}
	if first.ID == 0 {
		t.Fatalf("expected a persisted delivery id")
	}
	if first.Farmer == nil || first.Farmer.Code != "F001" {
		t.Fatalf("expected the resolved farmer on the created delivery")
	}
	if first.QualityGrade != models.QualityGradeA {
		t.Fatalf("expected grade A; got %s", first.QualityGrade)
	}

	// Same key again, fresh input struct: one row, flagged duplicate.
	second, duplicate, err := models.CreateDelivery(ctx, &models.NewDelivery{
		FarmerCode:     "F001",
		QuantityLiters: decimal.RequireFromString("10"),
		QualityGrade:   strPtr("A"),
		DeliveryDate:   strPtr("2026-03-15"),
		IdempotencyKey: strPtr(key),
	}, cfg)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !duplicate {
		t.Fatalf("resubmission with the same key must report duplicate")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate must return the original row; got %d want %d", second.ID, first.ID)
	}

	var count int64
	if err := config.GetDB().WithContext(ctx).Model(&models.Delivery{}).
		Where("idempotency_key = ?", key).Count(&count).Error; err != nil {
		t.Fatalf("count deliveries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row for key %q; got %d", key, count)
	}

	// A bad farmer code is NotFound even when the key already exists.
	_, duplicate, err = models.CreateDelivery(ctx, &models.NewDelivery{
		FarmerCode:     "NOPE1",
		QuantityLiters: decimal.RequireFromString("10"),
		QualityGrade:   strPtr("A"),
		DeliveryDate:   strPtr("2026-03-15"),
		IdempotencyKey: strPtr(key),
	}, cfg)
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected ErrorRecordNotFound for unknown code; got %v", err)
	}
	if duplicate {
		t.Fatalf("unknown code must not be reported as duplicate")
	}

	// Validation failures never create rows.
	for _, bad := range []*models.NewDelivery{
		{FarmerCode: "F001", QuantityLiters: decimal.Zero, DeliveryDate: strPtr("2026-03-15")},
		{FarmerCode: "F001", QuantityLiters: decimal.RequireFromString("250"), DeliveryDate: strPtr("2026-03-15")},
		{FarmerCode: "F001", QuantityLiters: decimal.RequireFromString("10"), FatContent: decimalPtr("25"), DeliveryDate: strPtr("2026-03-15")},
	} {
		if _, _, err := models.CreateDelivery(ctx, bad, cfg); err == nil {
			t.Fatalf("expected a validation error for %+v", bad)
		}
	}

	// Deactivated farmers read as not found.
	if _, err := models.ToggleActiveFarmer(ctx, otieno.ID, false); err != nil {
		t.Fatalf("ToggleActiveFarmer: %v", err)
	}
	_, _, err = models.CreateDelivery(ctx, &models.NewDelivery{
		FarmerCode:     "F002",
		QuantityLiters: decimal.RequireFromString("5"),
		DeliveryDate:   strPtr("2026-03-15"),
	}, cfg)
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected ErrorRecordNotFound for inactive farmer; got %v", err)
	}
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestSettlementFlowBatchIsolation(t *testing.T) {
	ctx := setupSettlementTest(t)
	seedDirectory(t, ctx)
	cfg := config.DefaultSettlementSettings()

	// One bad item in the middle must not poison its neighbours.
	batch := []*models.NewDelivery{
		{FarmerCode: "F001", QuantityLiters: decimal.RequireFromString("10"), QualityGrade: strPtr("A"), DeliveryDate: strPtr("2026-03-15"), IdempotencyKey: strPtr("batch-1")},
		{FarmerCode: "NOPE1", QuantityLiters: decimal.RequireFromString("8"), DeliveryDate: strPtr("2026-03-15"), IdempotencyKey: strPtr("batch-2")},
		{FarmerCode: "F002", QuantityLiters: decimal.RequireFromString("6"), QualityGrade: strPtr("B"), DeliveryDate: strPtr("2026-03-15"), IdempotencyKey: strPtr("batch-3")},
	}
	result, err := models.SyncBatchDeliveries(ctx, batch, cfg)
	if err != nil {
		t.Fatalf("SyncBatchDeliveries: %v", err)
	}
	if result.Total != 3 || result.Created != 2 || result.Error != 1 || result.Duplicate != 0 {
		t.Fatalf("expected total=3 created=2 error=1 duplicate=0; got %+v", result)
	}
	if result.Results[1].Outcome != models.BatchItemOutcomeError {
		t.Fatalf("expected the middle item to fail; got %s", result.Results[1].Outcome)
	}
	if result.Results[1].RecordId != nil {
		t.Fatalf("failed item must not carry a record id")
	}
	if result.Results[0].RecordId == nil || result.Results[2].RecordId == nil {
		t.Fatalf("created items must carry record ids")
	}
	firstId := *result.Results[0].RecordId

	// The successes committed despite the failure.
	var count int64
	if err := config.GetDB().WithContext(ctx).Model(&models.Delivery{}).
		Where("idempotency_key IN ?", []string{"batch-1", "batch-3"}).Count(&count).Error; err != nil {
		t.Fatalf("count deliveries: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 committed rows; got %d", count)
	}

	// A later batch replaying a key reports duplicate with the original id.
	replay, err := models.SyncBatchDeliveries(ctx, []*models.NewDelivery{
		{FarmerCode: "F001", QuantityLiters: decimal.RequireFromString("10"), QualityGrade: strPtr("A"), DeliveryDate: strPtr("2026-03-15"), IdempotencyKey: strPtr("batch-1")},
		{FarmerCode: "F001", QuantityLiters: decimal.RequireFromString("4"), QualityGrade: strPtr("B"), DeliveryDate: strPtr("2026-03-16"), IdempotencyKey: strPtr("batch-4")},
	}, cfg)
	if err != nil {
		t.Fatalf("SyncBatchDeliveries(replay): %v", err)
	}
	if replay.Created != 1 || replay.Duplicate != 1 || replay.Error != 0 {
		t.Fatalf("expected created=1 duplicate=1; got %+v", replay)
	}
	if replay.Results[0].Outcome != models.BatchItemOutcomeDuplicate {
		t.Fatalf("expected duplicate outcome; got %s", replay.Results[0].Outcome)
	}
	if replay.Results[0].RecordId == nil || *replay.Results[0].RecordId != firstId {
		t.Fatalf("duplicate must reference the original row %d; got %v", firstId, replay.Results[0].RecordId)
	}

	// A key repeated inside one batch: the second occurrence observes the
	// first item's insert through the shared transaction.
	inBatch, err := models.SyncBatchDeliveries(ctx, []*models.NewDelivery{
		{FarmerCode: "F002", QuantityLiters: decimal.RequireFromString("7"), QualityGrade: strPtr("A"), DeliveryDate: strPtr("2026-03-17"), IdempotencyKey: strPtr("batch-5")},
		{FarmerCode: "F002", QuantityLiters: decimal.RequireFromString("7"), QualityGrade: strPtr("A"), DeliveryDate: strPtr("2026-03-17"), IdempotencyKey: strPtr("batch-5")},
	}, cfg)
	if err != nil {
		t.Fatalf("SyncBatchDeliveries(in-batch dup): %v", err)
	}
	if inBatch.Created != 1 || inBatch.Duplicate != 1 {
		t.Fatalf("expected created=1 duplicate=1 for in-batch repeat; got %+v", inBatch)
	}
	if inBatch.Results[1].RecordId == nil || inBatch.Results[0].RecordId == nil ||
		*inBatch.Results[1].RecordId != *inBatch.Results[0].RecordId {
		t.Fatalf("in-batch duplicate must reference the first item's row; got %+v", inBatch.Results)
	}

	// Oversized batches are rejected outright.
	oversized := make([]*models.NewDelivery, cfg.SyncBatchSize+1)
	for i := range oversized {
		oversized[i] = &models.NewDelivery{FarmerCode: "F001", QuantityLiters: decimal.RequireFromString("1")}
	}
	if _, err := models.SyncBatchDeliveries(ctx, oversized, cfg); err == nil {
		t.Fatalf("expected an error for a batch above %d items", cfg.SyncBatchSize)
	}
}

func TestSettlementFlowMonthlySummaryRegeneration(t *testing.T) {
	ctx := setupSettlementTest(t)
	wanjiku, _ := seedDirectory(t, ctx)
	cfg := config.DefaultSettlementSettings()

	mustDeliver(t, ctx, cfg, "F001", "10", "A", "2026-03-10", "sum-1")
	mustDeliver(t, ctx, cfg, "F001", "5", "Rejected", "2026-03-20", "sum-2")

	month, err := utils.ParseMonth("2026-03")
	if err != nil {
		t.Fatalf("ParseMonth: %v", err)
	}

	summary, err := models.GetOrGenerateMonthlySummary(ctx, wanjiku.ID, month, cfg)
	if err != nil {
		t.Fatalf("GetOrGenerateMonthlySummary: %v", err)
	}
	// 10L x 45.00 x 1.10 = 495.00; the rejected 5L contributes zero.
	if summary.EstimatedPayment.StringFixed(2) != "495.00" {
		t.Fatalf("expected estimated payment 495.00; got %s", summary.EstimatedPayment.StringFixed(2))
	}
	if !summary.TotalQuantity.Equal(decimal.RequireFromString("15")) {
		t.Fatalf("expected total quantity 15; got %s", summary.TotalQuantity)
	}
	if summary.DeliveryCount != 2 || summary.GradeACount != 1 || summary.GradeRejectedCount != 1 {
		t.Fatalf("unexpected tallies: %+v", summary)
	}
	if summary.Currency != "KES" {
		t.Fatalf("expected KES; got %s", summary.Currency)
	}

	// A second read returns the stored row, not a new one.
	again, err := models.GetOrGenerateMonthlySummary(ctx, wanjiku.ID, month, cfg)
	if err != nil {
		t.Fatalf("GetOrGenerateMonthlySummary(again): %v", err)
	}
	if again.ID != summary.ID {
		t.Fatalf("expected the stored summary %d; got %d", summary.ID, again.ID)
	}

	// New deliveries change the totals after an explicit regeneration.
	mustDeliver(t, ctx, cfg, "F001", "5", "B", "2026-03-25", "sum-3")
	regenerated, err := models.GenerateMonthlySummary(ctx, wanjiku.ID, month, cfg)
	if err != nil {
		t.Fatalf("GenerateMonthlySummary: %v", err)
	}
	if !regenerated.TotalQuantity.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("expected total quantity 20 after regeneration; got %s", regenerated.TotalQuantity)
	}
	// 495.00 + 5L x 45.00 x 1.00 = 720.00
	if regenerated.EstimatedPayment.StringFixed(2) != "720.00" {
		t.Fatalf("expected estimated payment 720.00; got %s", regenerated.EstimatedPayment.StringFixed(2))
	}
	if regenerated.DeliveryCount != 3 {
		t.Fatalf("expected 3 deliveries; got %d", regenerated.DeliveryCount)
	}

	// A month with no deliveries yields no summary and no error.
	april, _ := utils.ParseMonth("2026-04")
	empty, err := models.GenerateMonthlySummary(ctx, wanjiku.ID, april, cfg)
	if err != nil {
		t.Fatalf("GenerateMonthlySummary(empty): %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil summary for an empty month; got %+v", empty)
	}

	// Reports reflect the regenerated state.
	daily, err := reports.GetDailyDeliveryReport(ctx, "2026-03-10", nil)
	if err != nil {
		t.Fatalf("GetDailyDeliveryReport: %v", err)
	}
	if daily.DeliveryCount != 1 || !daily.TotalLiters.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("unexpected daily report: count=%d liters=%s", daily.DeliveryCount, daily.TotalLiters)
	}
	if len(daily.Stations) != 1 || len(daily.Farmers) != 1 {
		t.Fatalf("expected one station and one farmer row; got %d/%d", len(daily.Stations), len(daily.Farmers))
	}
	if daily.Farmers[0].GradeACount != 1 {
		t.Fatalf("expected one grade A delivery on the farmer row")
	}

	settlement, err := reports.GetMonthlySettlementReport(ctx, "2026-03", nil)
	if err != nil {
		t.Fatalf("GetMonthlySettlementReport: %v", err)
	}
	if settlement.FarmerCount != 1 {
		t.Fatalf("expected one farmer in the settlement report; got %d", settlement.FarmerCount)
	}
	if settlement.TotalPayment.StringFixed(2) != "720.00" {
		t.Fatalf("expected settlement total 720.00; got %s", settlement.TotalPayment.StringFixed(2))
	}
	if len(settlement.Rows) != 1 || settlement.Rows[0].FarmerCode == nil || *settlement.Rows[0].FarmerCode != "F001" {
		t.Fatalf("expected a single F001 row; got %+v", settlement.Rows)
	}
}

func TestSettlementFlowConcurrentSummaryRebuild(t *testing.T) {
	ctx := setupSettlementTest(t)
	wanjiku, _ := seedDirectory(t, ctx)
	cfg := config.DefaultSettlementSettings()

	mustDeliver(t, ctx, cfg, "F001", "10", "A", "2026-03-10", "race-1")
	month, err := utils.ParseMonth("2026-03")
	if err != nil {
		t.Fatalf("ParseMonth: %v", err)
	}

	// Racing rebuilds of a fresh farmer-month contend on the unique
	// (farmer_id, month) index. Losers either adopt the winner's committed
	// row or surface a transient error; what must never happen is an
	// orphaned transaction keeping the row locked afterwards.
	const rebuilds = 8
	var wg sync.WaitGroup
	errs := make([]error, rebuilds)
	summaries := make([]*models.MonthlySummary, rebuilds)
	for i := 0; i < rebuilds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summaries[i], errs[i] = models.GenerateMonthlySummary(ctx, wanjiku.ID, month, cfg)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i := 0; i < rebuilds; i++ {
		if errs[i] != nil {
			continue
		}
		succeeded++
		if summaries[i] == nil {
			t.Fatalf("rebuild %d returned neither summary nor error", i)
		}
		if summaries[i].EstimatedPayment.StringFixed(2) != "495.00" {
			t.Fatalf("rebuild %d: expected 495.00; got %s", i, summaries[i].EstimatedPayment.StringFixed(2))
		}
	}
	if succeeded == 0 {
		t.Fatalf("every concurrent rebuild failed: %v", errs)
	}

	// A leaked transaction from the race would still hold locks on the
	// grain, stalling this follow-up rebuild until lock-wait timeout.
	followCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	after, err := models.GenerateMonthlySummary(followCtx, wanjiku.ID, month, cfg)
	if err != nil {
		t.Fatalf("rebuild after the race: %v", err)
	}
	if after.EstimatedPayment.StringFixed(2) != "495.00" {
		t.Fatalf("expected 495.00 after the race; got %s", after.EstimatedPayment.StringFixed(2))
	}

	var count int64
	if err := config.GetDB().WithContext(ctx).Model(&models.MonthlySummary{}).
		Where("farmer_id = ?", wanjiku.ID).Count(&count).Error; err != nil {
		t.Fatalf("count summaries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single summary row; got %d", count)
	}
}

func TestSettlementFlowDisbursementLifecycle(t *testing.T) {
	ctx := setupSettlementTest(t)
	wanjiku, otieno := seedDirectory(t, ctx)
	cfg := config.DefaultSettlementSettings()

	mustDeliver(t, ctx, cfg, "F001", "10", "A", "2026-03-10", "pay-1")
	mustDeliver(t, ctx, cfg, "F002", "1", "A", "2026-03-10", "pay-2")

	month, _ := utils.ParseMonth("2026-03")
	if _, err := models.GenerateMonthlySummary(ctx, wanjiku.ID, month, cfg); err != nil {
		t.Fatalf("GenerateMonthlySummary(F001): %v", err)
	}
	if _, err := models.GenerateMonthlySummary(ctx, otieno.ID, month, cfg); err != nil {
		t.Fatalf("GenerateMonthlySummary(F002): %v", err)
	}

	provider := payments.NewMockProvider()

	// Dry run (the default): jobs stay pending, nothing reaches the provider,
	// and F002's 49.50 falls under the 100.00 threshold even when asked for.
	dry, err := workflow.DisbursePayments(ctx, provider, &workflow.DisburseInput{
		Period:   "2026-03",
		PayeeIds: []int{wanjiku.ID, otieno.ID},
	}, cfg)
	if err != nil {
		t.Fatalf("DisbursePayments(dry): %v", err)
	}
	if dry.Status != models.DisbursementRunStatusDryRunComplete {
		t.Fatalf("expected dry_run_complete; got %s", dry.Status)
	}
	if dry.TotalJobs != 1 || len(dry.Jobs) != 1 {
		t.Fatalf("expected one job above the threshold; got %d", dry.TotalJobs)
	}
	if dry.Jobs[0].FarmerId != wanjiku.ID {
		t.Fatalf("expected the job to target F001; got farmer %d", dry.Jobs[0].FarmerId)
	}
	if dry.TotalAmount.StringFixed(2) != "495.00" {
		t.Fatalf("expected total 495.00; got %s", dry.TotalAmount.StringFixed(2))
	}
	if dry.Jobs[0].Reference != "settlement-2026-03-F001" {
		t.Fatalf("unexpected reference %q", dry.Jobs[0].Reference)
	}
	if dry.Jobs[0].Status != models.PaymentJobStatusPending {
		t.Fatalf("dry-run job must stay pending; got %s", dry.Jobs[0].Status)
	}
	if provider.DisbursedCount() != 0 {
		t.Fatalf("dry run must not reach the provider; got %d calls", provider.DisbursedCount())
	}

	// Make F002 eligible, then run live in the sandbox with one injected
	// transport failure: the failure must not stop the other payout.
	mustDeliver(t, ctx, cfg, "F002", "10", "B", "2026-03-18", "pay-3")
	if _, err := models.GenerateMonthlySummary(ctx, otieno.ID, month, cfg); err != nil {
		t.Fatalf("GenerateMonthlySummary(F002 again): %v", err)
	}
	provider.FailFor[otieno.MpesaPhone] = payments.FailureTransport

	live, err := workflow.DisbursePayments(ctx, provider, &workflow.DisburseInput{
		Period:   "2026-03",
		PayeeIds: []int{wanjiku.ID, otieno.ID},
		DryRun:   utils.NewFalse(),
	}, cfg)
	if err != nil {
		t.Fatalf("DisbursePayments(live sandbox): %v", err)
	}
	if live.Status != models.DisbursementRunStatusProcessing {
		t.Fatalf("expected processing; got %s", live.Status)
	}
	if live.TotalJobs != 2 {
		t.Fatalf("expected two jobs; got %d", live.TotalJobs)
	}
	if provider.DisbursedCount() != 1 {
		t.Fatalf("expected exactly one accepted disbursement; got %d", provider.DisbursedCount())
	}

	var sentJob, failedJob *models.PaymentJob
	for _, job := range live.Jobs {
		fresh, err := models.GetPaymentJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetPaymentJob(%s): %v", job.ID, err)
		}
		switch fresh.FarmerId {
		case wanjiku.ID:
			sentJob = fresh
		case otieno.ID:
			failedJob = fresh
		}
	}
	if sentJob == nil || sentJob.Status != models.PaymentJobStatusSent {
		t.Fatalf("expected F001's job sent; got %+v", sentJob)
	}
	if sentJob.ConversationId == nil || *sentJob.ConversationId == "" {
		t.Fatalf("sent job must carry the provider conversation id")
	}
	if failedJob == nil || failedJob.Status != models.PaymentJobStatusFailed {
		t.Fatalf("expected F002's job failed; got %+v", failedJob)
	}
	if failedJob.FailureReason == "" {
		t.Fatalf("failed job must carry a failure reason")
	}

	// Result callback completes the sent job exactly once.
	completed, changed, err := models.CompletePaymentJobByConversation(ctx, *sentJob.ConversationId, "SBX12345")
	if err != nil {
		t.Fatalf("CompletePaymentJobByConversation: %v", err)
	}
	if !changed {
		t.Fatalf("first callback must complete the job")
	}
	if completed.Status != models.PaymentJobStatusCompleted {
		t.Fatalf("expected completed; got %s", completed.Status)
	}
	if completed.TransactionId == nil || *completed.TransactionId != "SBX12345" {
		t.Fatalf("expected transaction id SBX12345; got %v", completed.TransactionId)
	}
	if completed.CompletedAt == nil {
		t.Fatalf("completed job must carry a completion time")
	}

	_, changed, err = models.CompletePaymentJobByConversation(ctx, *sentJob.ConversationId, "SBX12345")
	if err != nil {
		t.Fatalf("repeat callback: %v", err)
	}
	if changed {
		t.Fatalf("a repeated callback must be a no-op")
	}
	_, changed, err = models.FailPaymentJobByConversation(ctx, *sentJob.ConversationId, "late timeout report")
	if err != nil {
		t.Fatalf("late failure callback: %v", err)
	}
	if changed {
		t.Fatalf("a terminal job must not regress to failed")
	}

	// The batch view lists both jobs.
	batchJobs, err := models.ListPaymentJobs(ctx, models.PaymentJobFilter{JobBatchId: &live.JobBatchId})
	if err != nil {
		t.Fatalf("ListPaymentJobs: %v", err)
	}
	if len(batchJobs) != 2 {
		t.Fatalf("expected 2 jobs in batch %s; got %d", live.JobBatchId, len(batchJobs))
	}

	// Unknown conversation ids stay NotFound.
	if _, err := models.GetPaymentJobByConversation(ctx, "AG_does-not-exist"); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected ErrorRecordNotFound; got %v", err)
	}
}

func TestSettlementFlowPeriodLockRefresh(t *testing.T) {
	ctx := setupSettlementTest(t)

	release, err := utils.PeriodLock(ctx, "2026-03", "DisburseLock", "settlement_flow", "PeriodLockRefresh")
	if err != nil {
		t.Fatalf("PeriodLock: %v", err)
	}

	// A second caller for the same period is turned away; other periods are
	// independent.
	if _, err := utils.PeriodLock(ctx, "2026-03", "DisburseLock", "settlement_flow", "PeriodLockRefresh"); !errors.Is(err, utils.ErrorPeriodLocked) {
		t.Fatalf("expected ErrorPeriodLocked for the held period, got %v", err)
	}
	releaseOther, err := utils.PeriodLock(ctx, "2026-04", "DisburseLock", "settlement_flow", "PeriodLockRefresh")
	if err != nil {
		t.Fatalf("PeriodLock(other period): %v", err)
	}
	releaseOther()

	// The lease outlives its TTL while held: after one refresh tick the key
	// must still carry most of a fresh lease. Unrefreshed it would be down to
	// TTL minus the wait.
	time.Sleep(utils.PeriodLockTTL/3 + 2*time.Second)
	remaining, err := config.GetRedisDB().PTTL(ctx, "DisburseLock:2026-03").Result()
	if err != nil {
		t.Fatalf("PTTL: %v", err)
	}
	if remaining <= utils.PeriodLockTTL-utils.PeriodLockTTL/3 {
		t.Fatalf("lease was not refreshed; %s remaining", remaining)
	}

	release()
	release() // releasing twice is a no-op

	again, err := utils.PeriodLock(ctx, "2026-03", "DisburseLock", "settlement_flow", "PeriodLockRefresh")
	if err != nil {
		t.Fatalf("PeriodLock after release: %v", err)
	}
	again()
}

func runSmsDispatcher(d *workflow.SmsDispatcher) (context.CancelFunc, chan struct{}) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(runCtx)
		close(done)
	}()
	return cancel, done
}

func waitForSmsStatus(t *testing.T, ctx context.Context, id int, want models.SmsStatus) *models.SmsLog {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := models.GetSmsLog(ctx, id)
		if err == nil && rec.Status == want {
			return rec
		}
		time.Sleep(25 * time.Millisecond)
	}
	rec, err := models.GetSmsLog(ctx, id)
	t.Fatalf("sms %d never reached %s (last: %+v, err=%v)", id, want, rec, err)
	return nil
}

func TestSettlementFlowSmsOutboxDispatch(t *testing.T) {
	ctx := setupSettlementTest(t)
	wanjiku, otieno := seedDirectory(t, ctx)
	cfg := config.DefaultSettlementSettings()

	provider := sms.NewMockProvider()
	dispatcher := workflow.NewSmsDispatcher(config.GetDB(), logrus.New(), provider)
	dispatcher.PollInterval = 10 * time.Millisecond
	dispatcher.InitialBackoff = 50 * time.Millisecond

	// Recording a delivery queues a confirmation in the farmer's language.
	record := mustDeliver(t, ctx, cfg, "F001", "10", "A", "2026-03-15", "sms-1")
	notifier := notify.NewSmsNotifier()
	queued, err := notifier.DeliveryRecorded(ctx, record, record.Farmer)
	if err != nil {
		t.Fatalf("DeliveryRecorded: %v", err)
	}
	if !queued.Scheduled || queued.SmsLogId == 0 {
		t.Fatalf("expected a scheduled sms; got %+v", queued)
	}
	row, err := models.GetSmsLog(ctx, queued.SmsLogId)
	if err != nil {
		t.Fatalf("GetSmsLog: %v", err)
	}
	if row.Status != models.SmsStatusQueued || row.Kind != models.SmsKindDeliveryConfirmation {
		t.Fatalf("unexpected outbox row: %+v", row)
	}
	if row.Phone != wanjiku.Phone {
		t.Fatalf("expected phone %s; got %s", wanjiku.Phone, row.Phone)
	}
	if !strings.Contains(row.Message, "Ndugu Wanjiku Kamau") || !strings.Contains(row.Message, "lita 10") {
		t.Fatalf("expected a Swahili confirmation; got %q", row.Message)
	}

	// The dispatcher drains the queued row.
	cancel, done := runSmsDispatcher(dispatcher)
	sent := waitForSmsStatus(t, ctx, row.ID, models.SmsStatusSent)
	cancel()
	<-done
	if sent.Provider != "mock" || sent.ProviderMsgId == nil {
		t.Fatalf("expected a mock provider send; got %+v", sent)
	}
	if sent.SentAt == nil {
		t.Fatalf("sent row must carry sent_at")
	}
	if sent.Attempts != 0 {
		t.Fatalf("clean send must not count an attempt; got %d", sent.Attempts)
	}
	if provider.SentCount() != 1 {
		t.Fatalf("expected exactly one transport send; got %d", provider.SentCount())
	}

	// Delivery reports apply once.
	if changed, err := models.MarkSmsDelivered(ctx, *sent.ProviderMsgId); err != nil || !changed {
		t.Fatalf("MarkSmsDelivered: changed=%v err=%v", changed, err)
	}
	if changed, err := models.MarkSmsDelivered(ctx, *sent.ProviderMsgId); err != nil || changed {
		t.Fatalf("repeated delivery report must be a no-op: changed=%v err=%v", changed, err)
	}

	// A transport failure schedules a retry and succeeds once it clears.
	provider.FailFor[otieno.Phone] = false
	transient := &models.SmsLog{
		FarmerId: otieno.ID,
		Phone:    otieno.Phone,
		Message:  "Dear John Otieno, your payout is on the way.",
		Kind:     models.SmsKindPaymentNotice,
	}
	if err := models.EnqueueSms(ctx, transient); err != nil {
		t.Fatalf("EnqueueSms(transient): %v", err)
	}
	cancel, done = runSmsDispatcher(dispatcher)
	failed := waitForSmsStatus(t, ctx, transient.ID, models.SmsStatusFailed)
	cancel()
	<-done
	if failed.Attempts != 1 {
		t.Fatalf("expected one counted attempt; got %d", failed.Attempts)
	}
	if failed.NextAttemptAt == nil {
		t.Fatalf("failed row must carry a retry time")
	}
	if failed.FailureReason == nil || *failed.FailureReason == "" {
		t.Fatalf("failed row must carry the provider error")
	}

	delete(provider.FailFor, otieno.Phone)
	cancel, done = runSmsDispatcher(dispatcher)
	retried := waitForSmsStatus(t, ctx, transient.ID, models.SmsStatusSent)
	cancel()
	<-done
	if retried.Attempts != 1 {
		t.Fatalf("retry must not add attempts on success; got %d", retried.Attempts)
	}

	// A permanent provider rejection parks the row without retries.
	provider.FailFor[otieno.Phone] = true
	poison := &models.SmsLog{
		FarmerId: otieno.ID,
		Phone:    otieno.Phone,
		Message:  "Dear John Otieno, this one never leaves.",
		Kind:     models.SmsKindPaymentNotice,
	}
	if err := models.EnqueueSms(ctx, poison); err != nil {
		t.Fatalf("EnqueueSms(poison): %v", err)
	}
	cancel, done = runSmsDispatcher(dispatcher)
	rejected := waitForSmsStatus(t, ctx, poison.ID, models.SmsStatusRejected)
	cancel()
	<-done
	if rejected.FailureReason == nil || !strings.Contains(*rejected.FailureReason, "InvalidPhoneNumber") {
		t.Fatalf("expected the rejection status in the failure reason; got %+v", rejected.FailureReason)
	}

	// The ops replay path puts rejected rows back in the queue.
	requeued, err := models.RequeueSms(ctx, nil)
	if err != nil {
		t.Fatalf("RequeueSms: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("expected to requeue the rejected row only; got %d", requeued)
	}
	replayed, err := models.GetSmsLog(ctx, poison.ID)
	if err != nil {
		t.Fatalf("GetSmsLog(replayed): %v", err)
	}
	if replayed.Status != models.SmsStatusQueued || replayed.Attempts != 0 {
		t.Fatalf("requeued row must be queued with zero attempts; got %+v", replayed)
	}
}

func TestSettlementFlowOfficerSession(t *testing.T) {
	ctx := setupSettlementTest(t)
	seedDirectory(t, ctx)

	station, err := models.GetStationByCode(ctx, "ST01")
	if err != nil {
		t.Fatalf("GetStationByCode: %v", err)
	}

	officer, err := models.CreateOfficer(ctx, &models.NewOfficer{
		StationId: station.ID,
		Username:  "clerk1",
		Name:      "Clerk One",
		Password:  "Secret123!",
		Role:      models.OfficerRoleOfficer,
		IsActive:  utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateOfficer: %v", err)
	}

	if _, err := models.Login(ctx, "clerk1", "wrong"); err == nil {
		t.Fatalf("expected a login failure for a wrong password")
	}

	info, err := models.Login(ctx, "clerk1", "Secret123!")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if info.Token == "" || info.OfficerId != officer.ID || info.Role != string(models.OfficerRoleOfficer) {
		t.Fatalf("unexpected login info: %+v", info)
	}
	if info.StationId != station.ID || info.StationName != station.Name {
		t.Fatalf("expected the officer's station on the session; got %+v", info)
	}
	if info.Currency != "KES" || info.Timezone != "Africa/Nairobi" {
		t.Fatalf("expected company currency/timezone on the session; got %+v", info)
	}

	// The session lives in redis under the token.
	value, found, err := config.GetRedisValue("Token:" + info.Token)
	if err != nil || !found {
		t.Fatalf("session key missing: found=%v err=%v", found, err)
	}
	expected := fmt.Sprintf("%d:%s", officer.ID, models.OfficerRoleOfficer)
	if value != expected {
		t.Fatalf("expected session %q; got %q", expected, value)
	}

	sessionCtx := utils.SetTokenInContext(ctx, info.Token)
	sessionCtx = utils.SetOfficerIdInContext(sessionCtx, officer.ID)
	ok, err := models.Logout(sessionCtx)
	if err != nil || !ok {
		t.Fatalf("Logout: ok=%v err=%v", ok, err)
	}
	if _, found, _ := config.GetRedisValue("Token:" + info.Token); found {
		t.Fatalf("session key must be gone after logout")
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dairy-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dairy-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=dairy_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
