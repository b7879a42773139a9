package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDeriveQualityGrade_FatThresholds(t *testing.T) {
	cases := []struct {
		fat  string
		want QualityGrade
	}{
		{"4.20", QualityGradeA},
		{"3.50", QualityGradeA}, // boundary is inclusive
		{"3.49", QualityGradeB},
		{"3.00", QualityGradeB},
		{"2.99", QualityGradeC},
		{"2.50", QualityGradeC},
		{"2.49", QualityGradeRejected},
		{"0.00", QualityGradeRejected},
	}
	for _, tc := range cases {
		if got := DeriveQualityGrade(decimal.RequireFromString(tc.fat)); got != tc.want {
			t.Fatalf("fat %s: expected grade %s, got %s", tc.fat, tc.want, got)
		}
	}
}

func TestParseQualityGrade(t *testing.T) {
	for _, s := range []string{"A", "B", "C", "Rejected"} {
		grade, err := ParseQualityGrade(s)
		if err != nil || string(grade) != s {
			t.Fatalf("ParseQualityGrade(%q): got %q err=%v", s, grade, err)
		}
	}
	for _, bad := range []string{"", "a", "rejected", "D", "AA"} {
		if _, err := ParseQualityGrade(bad); err == nil {
			t.Fatalf("expected error for grade %q", bad)
		}
	}
}

func TestParseDeliverySource_DefaultsToMobile(t *testing.T) {
	source, err := ParseDeliverySource("")
	if err != nil || source != DeliverySourceMobile {
		t.Fatalf("expected empty source to default to mobile, got %q err=%v", source, err)
	}
	if _, err := ParseDeliverySource("fax"); err == nil {
		t.Fatalf("expected error for unknown source")
	}
}

func TestPaymentJobStatus_IsTerminal(t *testing.T) {
	if PaymentJobStatusPending.IsTerminal() || PaymentJobStatusSent.IsTerminal() {
		t.Fatalf("pending and sent must stay non-terminal")
	}
	if !PaymentJobStatusCompleted.IsTerminal() || !PaymentJobStatusFailed.IsTerminal() {
		t.Fatalf("completed and failed must be terminal")
	}
}
