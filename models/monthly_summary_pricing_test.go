package models

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. SummarizeDeliveries is the
// pure pricing core; storage round-trips are covered by the integration tests.

func fatPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSummarizeDeliveries_PaymentFormula(t *testing.T) {
	cfg := config.DefaultSettlementSettings()
	month := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	// 10L grade A at 45.00 x 1.10 = 495.00; 5L Rejected contributes zero.
	deliveries := []*Delivery{
		{QuantityLiters: qty("10"), QualityGrade: QualityGradeA},
		{QuantityLiters: qty("5"), QualityGrade: QualityGradeRejected},
	}

	summary := SummarizeDeliveries(7, month, deliveries, cfg)
	if summary == nil {
		t.Fatalf("expected a summary, got nil")
	}
	if got := summary.EstimatedPayment.StringFixed(2); got != "495.00" {
		t.Fatalf("expected estimated payment 495.00, got %s", got)
	}
	if got := summary.TotalQuantity.String(); got != "15" {
		t.Fatalf("expected total quantity 15, got %s", got)
	}
	if summary.DeliveryCount != 2 {
		t.Fatalf("expected delivery count 2, got %d", summary.DeliveryCount)
	}
	if summary.GradeACount != 1 || summary.GradeRejectedCount != 1 {
		t.Fatalf("expected grade tallies A=1 Rejected=1, got A=%d Rejected=%d",
			summary.GradeACount, summary.GradeRejectedCount)
	}
	if summary.Currency != "KES" {
		t.Fatalf("expected currency KES, got %s", summary.Currency)
	}
	wantMonth := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !summary.Month.Equal(wantMonth) {
		t.Fatalf("expected month normalized to %s, got %s", wantMonth, summary.Month)
	}
}

func TestSummarizeDeliveries_RoundsOnceAtTheEnd(t *testing.T) {
	cfg := config.DefaultSettlementSettings()
	month := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// 0.333L grade C: 0.333 x 45.00 x 0.85 = 12.73725 per delivery.
	// Two deliveries sum to 25.4745 -> 25.47. Rounding each delivery first
	// would give 12.74 + 12.74 = 25.48, so this pins the terminal rounding.
	deliveries := []*Delivery{
		{QuantityLiters: qty("0.333"), QualityGrade: QualityGradeC},
		{QuantityLiters: qty("0.333"), QualityGrade: QualityGradeC},
	}

	summary := SummarizeDeliveries(1, month, deliveries, cfg)
	if summary == nil {
		t.Fatalf("expected a summary, got nil")
	}
	if got := summary.EstimatedPayment.StringFixed(2); got != "25.47" {
		t.Fatalf("expected estimated payment 25.47 (single terminal rounding), got %s", got)
	}
}

func TestSummarizeDeliveries_EmptyMonthIsNil(t *testing.T) {
	cfg := config.DefaultSettlementSettings()
	month := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if summary := SummarizeDeliveries(1, month, nil, cfg); summary != nil {
		t.Fatalf("expected nil summary for empty month, got %+v", summary)
	}
	if summary := SummarizeDeliveries(1, month, []*Delivery{}, cfg); summary != nil {
		t.Fatalf("expected nil summary for empty slice, got %+v", summary)
	}
}

func TestSummarizeDeliveries_MeanFatSkipsMissingMeasurements(t *testing.T) {
	cfg := config.DefaultSettlementSettings()
	month := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	deliveries := []*Delivery{
		{QuantityLiters: qty("10"), QualityGrade: QualityGradeA, FatContent: fatPtr("4.00")},
		{QuantityLiters: qty("10"), QualityGrade: QualityGradeB, FatContent: fatPtr("3.00")},
		{QuantityLiters: qty("10"), QualityGrade: QualityGradeB}, // no measurement
	}

	summary := SummarizeDeliveries(1, month, deliveries, cfg)
	if summary == nil {
		t.Fatalf("expected a summary, got nil")
	}
	if summary.MeanFatContent == nil {
		t.Fatalf("expected mean fat content, got nil")
	}
	// averages the two measured rows only, never treating absent as zero
	if got := summary.MeanFatContent.StringFixed(2); got != "3.50" {
		t.Fatalf("expected mean fat 3.50, got %s", got)
	}
}

func TestSummarizeDeliveries_NoMeasurementsKeepsMeanAbsent(t *testing.T) {
	cfg := config.DefaultSettlementSettings()
	month := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	deliveries := []*Delivery{
		{QuantityLiters: qty("10"), QualityGrade: QualityGradeB},
	}

	summary := SummarizeDeliveries(1, month, deliveries, cfg)
	if summary == nil {
		t.Fatalf("expected a summary, got nil")
	}
	if summary.MeanFatContent != nil {
		t.Fatalf("expected absent mean fat, got %s", summary.MeanFatContent)
	}
}

func TestSettlementSettings_RejectedMultiplierPinnedToZero(t *testing.T) {
	cfg := config.DefaultSettlementSettings()

	if got := cfg.Multiplier("Rejected"); !got.IsZero() {
		t.Fatalf("expected Rejected multiplier to stay zero, got %s", got)
	}
	// unknown grades pay nothing either
	if got := cfg.Multiplier("D"); !got.IsZero() {
		t.Fatalf("expected unknown grade multiplier to be zero, got %s", got)
	}
}
