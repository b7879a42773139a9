package config

import (
	"os"
	"strings"
)

func flagEnabled(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

// RealPaymentsEnabled is the production enablement gate for live disbursements.
// A disbursement with dry_run=false and sandbox=false is refused unless this
// returns true; the check happens before any payment job row is created.
//
// Set via env:
// - ENABLE_REAL_PAYMENTS=true
func RealPaymentsEnabled() bool {
	return flagEnabled("ENABLE_REAL_PAYMENTS")
}

// UseMockPayments forces the in-process mock payment provider regardless of
// the configured M-Pesa environment. Intended for local development and tests.
//
// Set via env:
// - USE_MOCK_PAYMENTS=true
func UseMockPayments() bool {
	return flagEnabled("USE_MOCK_PAYMENTS")
}
