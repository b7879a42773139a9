package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementSettings carries the pricing and safety knobs used by ingestion,
// aggregation and disbursement. It is loaded once and passed explicitly into
// the functions that need it so tests can inject their own values.
type SettlementSettings struct {
	PricePerLiter decimal.Decimal

	// Rejected has no multiplier knob: Multiplier pins it to zero.
	GradeAMultiplier decimal.Decimal
	GradeBMultiplier decimal.Decimal
	GradeCMultiplier decimal.Decimal

	MinimumPaymentThreshold decimal.Decimal

	MinDeliveryLiters decimal.Decimal
	MaxDeliveryLiters decimal.Decimal

	Currency string
	Timezone string

	SyncBatchSize int

	ProviderTimeout time.Duration
}

// Multiplier returns the payment multiplier for a quality grade. Rejected is
// always zero regardless of configuration.
func (s SettlementSettings) Multiplier(grade string) decimal.Decimal {
	switch grade {
	case "A":
		return s.GradeAMultiplier
	case "B":
		return s.GradeBMultiplier
	case "C":
		return s.GradeCMultiplier
	default:
		return decimal.Zero
	}
}

func DefaultSettlementSettings() SettlementSettings {
	return SettlementSettings{
		PricePerLiter:           decimal.RequireFromString("45.00"),
		GradeAMultiplier:        decimal.RequireFromString("1.10"),
		GradeBMultiplier:        decimal.RequireFromString("1.00"),
		GradeCMultiplier:        decimal.RequireFromString("0.85"),
		MinimumPaymentThreshold: decimal.RequireFromString("100.00"),
		MinDeliveryLiters:       decimal.RequireFromString("0.1"),
		MaxDeliveryLiters:       decimal.RequireFromString("200.0"),
		Currency:                "KES",
		Timezone:                "Africa/Nairobi",
		SyncBatchSize:           100,
		ProviderTimeout:         30 * time.Second,
	}
}

// LoadSettlementSettings builds settings from env, falling back to defaults
// for anything unset or unparseable.
func LoadSettlementSettings() SettlementSettings {
	s := DefaultSettlementSettings()

	s.PricePerLiter = envDecimal("PRICE_PER_LITER", s.PricePerLiter)
	s.GradeAMultiplier = envDecimal("GRADE_A_MULTIPLIER", s.GradeAMultiplier)
	s.GradeBMultiplier = envDecimal("GRADE_B_MULTIPLIER", s.GradeBMultiplier)
	s.GradeCMultiplier = envDecimal("GRADE_C_MULTIPLIER", s.GradeCMultiplier)
	s.MinimumPaymentThreshold = envDecimal("MINIMUM_PAYMENT_THRESHOLD", s.MinimumPaymentThreshold)
	s.MinDeliveryLiters = envDecimal("MIN_DELIVERY_LITERS", s.MinDeliveryLiters)
	s.MaxDeliveryLiters = envDecimal("MAX_DELIVERY_LITERS", s.MaxDeliveryLiters)

	if v := os.Getenv("DEFAULT_CURRENCY"); v != "" {
		s.Currency = v
	}
	if v := os.Getenv("DEFAULT_TIMEZONE"); v != "" {
		s.Timezone = v
	}
	if v := os.Getenv("SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.SyncBatchSize = n
		}
	}
	if v := os.Getenv("PAYMENT_PROVIDER_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.ProviderTimeout = time.Duration(n) * time.Second
		}
	}

	return s
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fallback
	}
	return d
}
